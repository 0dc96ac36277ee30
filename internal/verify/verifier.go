package verify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// VerifierConfig controls Verifier behavior.
type VerifierConfig struct {
	// KeepEvidence retains the matching image bytes on the Outcome.
	KeepEvidence bool
}

// Verifier resolves one Outcome per product by racing its candidate images.
type Verifier struct {
	fetcher    Fetcher
	classifier Classifier
	clock      Clock
	cfg        VerifierConfig
	logger     *zap.Logger
}

// NewVerifier constructs a Verifier.
func NewVerifier(fetcher Fetcher, classifier Classifier, clock Clock, cfg VerifierConfig, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		fetcher:    fetcher,
		classifier: classifier,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

type checkResult struct {
	url     string
	matched bool
	body    []byte
	err     error
}

// Verify fetches and classifies every candidate URL concurrently and reports
// the first URL, in completion order, whose image contains target. Per-URL
// failures count as non-matches. Outstanding checks are canceled once a match
// is found. An unmatched outcome whose context ended is marked Interrupted.
func (v *Verifier) Verify(ctx context.Context, productID string, urls []string, target string) Outcome {
	out := Outcome{ProductID: productID, CheckedText: target}
	urls = NormalizeURLs(urls)
	if len(urls) == 0 {
		out.FinishedAt = v.now()
		return out
	}

	checkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so abandoned checks never block after an early return.
	results := make(chan checkResult, len(urls))
	for _, u := range urls {
		go func(u string) {
			results <- v.check(checkCtx, u, target)
		}(u)
	}

	for range urls {
		res := <-results
		out.Checked++
		if res.err != nil {
			out.Failed++
			v.logCheckError(productID, res)
			continue
		}
		if res.matched {
			out.Matched = true
			out.URL = res.url
			if v.cfg.KeepEvidence {
				out.Evidence = res.body
			}
			out.FinishedAt = v.now()
			v.logger.Debug("label found",
				zap.String("product_id", productID),
				zap.String("url", res.url),
				zap.Int("checked", out.Checked),
			)
			return out
		}
	}
	out.Interrupted = ctx.Err() != nil
	out.FinishedAt = v.now()
	return out
}

func (v *Verifier) check(ctx context.Context, url, target string) checkResult {
	body, err := v.fetcher.Fetch(ctx, url)
	if err != nil {
		return checkResult{url: url, err: err}
	}
	matched, err := v.classifier.Classify(ctx, body, target)
	if err != nil {
		return checkResult{url: url, err: err}
	}
	return checkResult{url: url, matched: matched, body: body}
}

func (v *Verifier) logCheckError(productID string, res checkResult) {
	var (
		fetchErr  *FetchError
		decodeErr *DecodeError
	)
	switch {
	case errors.Is(res.err, context.Canceled):
		v.logger.Debug("image check canceled", zap.String("product_id", productID), zap.String("url", res.url))
	case errors.As(res.err, &decodeErr):
		v.logger.Debug("image decode failed",
			zap.String("product_id", productID), zap.String("url", res.url), zap.Error(res.err))
	case errors.As(res.err, &fetchErr):
		v.logger.Warn("image fetch failed",
			zap.String("product_id", productID), zap.String("url", res.url), zap.Error(res.err))
	default:
		v.logger.Warn("image check failed",
			zap.String("product_id", productID), zap.String("url", res.url), zap.Error(res.err))
	}
}

func (v *Verifier) now() time.Time {
	if v.clock == nil {
		return time.Now().UTC()
	}
	return v.clock.Now()
}
