// Package collyfetcher implements verify.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/labelscan/internal/metrics"
	"github.com/JakeFAU/labelscan/internal/verify"
)

// ErrBodyTooLarge reports a response body over Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 20 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// InsecureSkipVerify disables TLS certificate verification for image hosts.
	InsecureSkipVerify  bool
	MaxBodyBytes        int
	MaxIdleConnsPerHost int
}

// Waiter delays a request until the host's rate limit allows it.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements verify.Fetcher using the Colly collector. All fetches
// share one transport and its connection pool.
type Fetcher struct {
	cfg           Config
	transport     *http.Transport
	baseCollector *colly.Collector
	limiter       Waiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		// One byte past the cap so an oversized body is visible instead of
		// silently truncated.
		colly.MaxBodySize(cfg.MaxBodyBytes+1),
		colly.IgnoreRobotsTxt(),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)

	transport := newHTTPTransport(cfg)
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger,
	}
}

// Fetch executes a single HTTP GET and returns the response body. Failures are
// not retried. Transport failures and non-2xx responses are returned as
// *verify.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return nil, &verify.FetchError{URL: url, Err: err}
		}
	}

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &body, &status, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &status, &fetchErr); err != nil {
		metrics.ObserveFetch(url, statusLabel(status), 0)
		f.logger.Debug("image fetch failed", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	metrics.ObserveFetch(url, statusLabel(status), len(body))
	return body, nil
}

// Close drops idle pooled connections.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, body *[]byte, status *int, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		if len(r.Body) > f.cfg.MaxBodyBytes {
			*fetchErr = fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, f.cfg.MaxBodyBytes)
			return
		}
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	status *int,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &verify.FetchError{URL: url, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if *status >= http.StatusMultipleChoices {
			return &verify.FetchError{URL: url, StatusCode: *status, Err: *fetchErr}
		}
		if *fetchErr != nil {
			return &verify.FetchError{URL: url, Err: fmt.Errorf("colly response failed: %w", *fetchErr)}
		}
		if err != nil {
			return &verify.FetchError{URL: url, Err: fmt.Errorf("colly visit failed: %w", err)}
		}
		if *status == 0 {
			return &verify.FetchError{URL: url, Err: errors.New("no response received")}
		}
		return nil
	}
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

func newHTTPTransport(cfg Config) *http.Transport {
	maxPerHost := cfg.MaxIdleConnsPerHost
	if maxPerHost <= 0 {
		maxPerHost = 16
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // image hosts with broken chains are still checked
		},
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxPerHost,
		IdleConnTimeout:       90 * time.Second,
	}
}
