// Package server builds the labelscan dependency graph and owns its lifetime.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/labelscan/internal/api"
	"github.com/JakeFAU/labelscan/internal/classifier"
	"github.com/JakeFAU/labelscan/internal/clock/system"
	"github.com/JakeFAU/labelscan/internal/config"
	"github.com/JakeFAU/labelscan/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/labelscan/internal/fetcher/colly"
	"github.com/JakeFAU/labelscan/internal/hash/sha256"
	"github.com/JakeFAU/labelscan/internal/id/uuid"
	"github.com/JakeFAU/labelscan/internal/metrics"
	"github.com/JakeFAU/labelscan/internal/policy/ratelimit"
	"github.com/JakeFAU/labelscan/internal/tracing"
	"github.com/JakeFAU/labelscan/internal/verify"
)

type closer func(context.Context) error

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	queue     verify.QueueStore
	records   verify.RecordStore
	archive   verify.BlobStore
	publisher verify.Publisher

	fetcher   *collyfetcher.Fetcher
	pool      *classifier.Pool
	extractor classifier.TextExtractor
	registry  *dispatcher.Registry
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	// closers run in reverse registration order after the dispatcher stops.
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   closer
}

// Options lets callers and tests replace the OCR engine.
type Options struct {
	Extractor classifier.TextExtractor
}

// Build creates the application's dependencies. On failure everything built
// so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx, opts); err != nil {
		app.closeResources(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	a.logger.Info("building application dependencies",
		zap.String("queue", a.cfg.Queue.Provider),
		zap.String("db", a.cfg.DB.Provider),
		zap.String("archive", a.cfg.Archive.Provider),
		zap.Bool("pubsub", a.cfg.PubSub.Enabled),
	)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     a.cfg.Tracing.Enabled,
		ProjectID:   a.cfg.Tracing.ProjectID,
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	a.onClose("tracing", func(ctx context.Context) error { return shutdownTracing(ctx) })

	if a.queue, err = OpenQueue(ctx, a.cfg.Queue); err != nil {
		return err
	}
	a.onClose("queue", func(context.Context) error { return a.queue.Close() })

	if a.records, err = openRecords(ctx, a.cfg.DB, a.logger); err != nil {
		return err
	}
	a.onClose("records", func(context.Context) error { return a.records.Close() })

	if err := a.setupArchive(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	a.setupPipeline(opts)
	return nil
}

func (a *App) setupPipeline(opts Options) {
	var limiter collyfetcher.Waiter
	if a.cfg.Fetch.RatePerHost > 0 {
		limiter = ratelimit.New(ratelimit.Config{RatePerHost: a.cfg.Fetch.RatePerHost, Burst: a.cfg.Fetch.Burst})
	}
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:          a.cfg.Fetch.UserAgent,
		Timeout:            a.cfg.Fetch.Timeout,
		InsecureSkipVerify: a.cfg.Fetch.InsecureSkipVerify,
		MaxBodyBytes:       a.cfg.Fetch.MaxBodyBytes,
	}, limiter, a.logger.Named("fetcher"))

	a.pool = classifier.NewPool(a.cfg.Classifier.Workers)
	a.extractor = opts.Extractor
	if a.extractor == nil {
		tess := classifier.NewTesseract(classifier.TesseractConfig{
			Languages: []string{a.cfg.Classifier.Language},
			MaxIdle:   a.pool.Size(),
		})
		a.extractor = tess
		a.onClose("tesseract", func(context.Context) error { return tess.Close() })
	}
	ocr := classifier.New(a.extractor, a.pool, a.logger.Named("classifier"))

	clock := system.New()
	ids := uuid.New()
	verifier := verify.NewVerifier(a.fetcher, ocr, clock, verify.VerifierConfig{
		KeepEvidence: a.archive != nil,
	}, a.logger.Named("verifier"))

	a.registry = dispatcher.NewRegistry(ids, clock, a.cfg.Dispatcher.MaxTrackedTasks)
	deps := dispatcher.Deps{
		Queue:     a.queue,
		Verifier:  verifier,
		Writer:    verify.NewDedupWriter(a.records, a.logger.Named("records")),
		Registry:  a.registry,
		Archive:   a.archive,
		Hasher:    sha256.New(),
		Publisher: a.publisher,
	}
	a.dispatch = dispatcher.New(deps, dispatcher.Config{
		MaxConcurrentUnits: a.cfg.Dispatcher.MaxConcurrentUnits,
		UnitTimeout:        a.cfg.Dispatcher.UnitTimeout,
		TargetText:         a.cfg.Classifier.TargetText,
		ArchivePrefix:      a.cfg.Archive.Prefix,
		Topic:              a.cfg.PubSub.Topic,
	}, a.logger.Named("dispatcher"))

	a.apiServer = api.NewServer(api.Deps{
		Queue:      a.queue,
		Records:    a.records,
		Drainer:    a.dispatch,
		Tasks:      a.registry,
		RequestIDs: ids,
		Ready:      a.ready,
	}, a.cfg, a.logger.Named("api"))
}

func (a *App) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := a.queue.ListKeys(ctx, "__readyz__"); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if _, err := a.records.FindByProductID(ctx, "__readyz__"); err != nil && !errors.Is(err, verify.ErrNotFound) {
		return fmt.Errorf("records: %w", err)
	}
	return nil
}

func (a *App) onClose(name string, fn closer) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// Handler exposes the HTTP handler (used by tests).
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Queue returns the pending-job store.
func (a *App) Queue() verify.QueueStore {
	return a.queue
}

// Registry returns the task registry.
func (a *App) Registry() *dispatcher.Registry {
	return a.registry
}

// DrainOnce runs one drain pass and waits for every scheduled unit to finish.
func (a *App) DrainOnce(ctx context.Context, ownerID int64) (dispatcher.DrainReport, error) {
	report, err := a.dispatch.Drain(ctx, ownerID)
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}
	if err := a.dispatch.Wait(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// Serve runs the HTTP API until ctx is canceled or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops the dispatcher (canceling and awaiting units), then the
// classifier pool, fetcher connections, and stores.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.dispatch != nil {
		if err := a.dispatch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	a.closeResources(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeResources(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
