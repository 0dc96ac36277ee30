// Package classifier decides whether an image contains a target text label.
package classifier

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"strings"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/JakeFAU/labelscan/internal/metrics"
	"github.com/JakeFAU/labelscan/internal/verify"
)

// TextExtractor runs optical character recognition over encoded image bytes.
type TextExtractor interface {
	ExtractText(ctx context.Context, body []byte) (string, error)
}

// Classifier implements verify.Classifier on top of a TextExtractor and a CPU Pool.
type Classifier struct {
	extractor TextExtractor
	pool      *Pool
	logger    *zap.Logger
}

// New builds a Classifier. A nil pool gets one slot per CPU.
func New(extractor TextExtractor, pool *Pool, logger *zap.Logger) *Classifier {
	if pool == nil {
		pool = NewPool(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{extractor: extractor, pool: pool, logger: logger}
}

// Classify decodes body and reports whether its text contains target.
// Matching is a case-sensitive substring test on the raw extracted text.
func (c *Classifier) Classify(ctx context.Context, body []byte, target string) (bool, error) {
	var matched bool
	err := c.pool.Do(ctx, func() error {
		start := time.Now()
		defer func() { metrics.ObserveClassify(time.Since(start)) }()

		if err := decode(body); err != nil {
			return err
		}
		text, err := c.extractor.ExtractText(ctx, body)
		if err != nil {
			return fmt.Errorf("extract text: %w", err)
		}
		matched = strings.Contains(text, target)
		return nil
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

func decode(body []byte) error {
	if len(body) == 0 {
		return &verify.DecodeError{Err: fmt.Errorf("empty body")}
	}
	if _, _, err := image.Decode(bytes.NewReader(body)); err != nil {
		return &verify.DecodeError{Err: err}
	}
	return nil
}
