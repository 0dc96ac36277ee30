package classifier

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// TesseractConfig controls the OCR engine.
type TesseractConfig struct {
	Languages []string
	// MaxIdle caps how many engine handles are kept warm between calls.
	MaxIdle int
}

// Tesseract extracts text with the tesseract OCR engine.
type Tesseract struct {
	cfg     TesseractConfig
	clients chan *gosseract.Client
}

// NewTesseract builds a Tesseract extractor.
func NewTesseract(cfg TesseractConfig) *Tesseract {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 1
	}
	return &Tesseract{
		cfg:     cfg,
		clients: make(chan *gosseract.Client, cfg.MaxIdle),
	}
}

// ExtractText runs OCR over body.
func (t *Tesseract) ExtractText(ctx context.Context, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("ocr canceled: %w", err)
	}
	client, err := t.acquire()
	if err != nil {
		return "", err
	}
	defer t.release(client)

	if err := client.SetImageFromBytes(body); err != nil {
		return "", fmt.Errorf("set ocr image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("ocr text: %w", err)
	}
	return text, nil
}

// Close releases idle engine handles.
func (t *Tesseract) Close() error {
	for {
		select {
		case c := <-t.clients:
			if err := c.Close(); err != nil {
				return fmt.Errorf("close ocr client: %w", err)
			}
		default:
			return nil
		}
	}
}

func (t *Tesseract) acquire() (*gosseract.Client, error) {
	select {
	case c := <-t.clients:
		return c, nil
	default:
	}
	c := gosseract.NewClient()
	if len(t.cfg.Languages) > 0 {
		if err := c.SetLanguage(t.cfg.Languages...); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("set ocr language: %w", err)
		}
	}
	return c, nil
}

func (t *Tesseract) release(c *gosseract.Client) {
	select {
	case t.clients <- c:
	default:
		_ = c.Close()
	}
}
