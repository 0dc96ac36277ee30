// Package dispatcher drains the job queue into concurrent verification units
// and tracks them in a Registry.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/labelscan/internal/metrics"
	"github.com/JakeFAU/labelscan/internal/verify"
)

// ErrShuttingDown is returned by Drain after Shutdown has begun.
var ErrShuttingDown = errors.New("dispatcher shutting down")

const requeueTimeout = 5 * time.Second

// ProductVerifier resolves one outcome per product.
type ProductVerifier interface {
	Verify(ctx context.Context, productID string, urls []string, target string) verify.Outcome
}

// Persister writes outcomes, at most once per product.
type Persister interface {
	Persist(ctx context.Context, outcome verify.Outcome, ownerID int64) (bool, error)
}

// Config controls unit scheduling.
type Config struct {
	MaxConcurrentUnits int
	UnitTimeout        time.Duration
	TargetText         string
	ArchivePrefix      string
	Topic              string
}

// Deps groups the dispatcher collaborators. Archive, Hasher and Publisher are optional.
type Deps struct {
	Queue     verify.QueueStore
	Verifier  ProductVerifier
	Writer    Persister
	Registry  *Registry
	Archive   verify.BlobStore
	Hasher    verify.Hasher
	Publisher verify.Publisher
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Listed        int      `json:"listed"`
	Scheduled     int      `json:"scheduled"`
	KeyErrors     int      `json:"key_errors"`
	DeleteErrors  int      `json:"delete_errors"`
	TaskIDs       []string `json:"task_ids"`
	SkippedResult int      `json:"skipped_result_keys"`
}

// OutcomeEvent is published after a unit finishes.
type OutcomeEvent struct {
	TaskID     string    `json:"task_id"`
	ProductID  string    `json:"product_id"`
	OwnerID    int64     `json:"owner_id"`
	ImageURL   string    `json:"image_url"`
	Matched    bool      `json:"matched"`
	Inserted   bool      `json:"inserted"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	Checked    int       `json:"checked"`
	Failed     int       `json:"failed"`
	FinishedAt time.Time `json:"finished_at"`
}

// Attributes implements pubsub attribute extraction.
func (e OutcomeEvent) Attributes() map[string]string {
	return map[string]string{
		"product_id": e.ProductID,
		"matched":    fmt.Sprintf("%t", e.Matched),
	}
}

// Dispatcher owns the lifetime of every unit it schedules.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	slots  *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	closing bool
}

// New builds a Dispatcher. Units run under an internal context that outlives
// any single Drain call and ends on Shutdown.
func New(deps Deps, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TargetText == "" {
		cfg.TargetText = verify.DefaultTargetText
	}
	if cfg.MaxConcurrentUnits <= 0 {
		cfg.MaxConcurrentUnits = 64
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/labelscan/internal/dispatcher")
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrentUnits)),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Registry exposes the task registry for status reporting.
func (d *Dispatcher) Registry() *Registry {
	return d.deps.Registry
}

// Drain snapshots the pending job keys and schedules one unit per key. Each
// key is deleted after its unit is scheduled. Keys added after the snapshot
// are left for the next drain. Drain returns once scheduling is finished;
// units keep running afterwards.
func (d *Dispatcher) Drain(ctx context.Context, ownerID int64) (DrainReport, error) {
	report := DrainReport{TaskIDs: []string{}}
	if d.isClosing() {
		metrics.ObserveDrain("rejected")
		return report, ErrShuttingDown
	}

	keys, err := d.deps.Queue.ListKeys(ctx, verify.JobKeyPattern)
	if err != nil {
		metrics.ObserveDrain("error")
		return report, &verify.QueueError{Op: "list", Err: err}
	}
	report.Listed = len(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			d.logger.Warn("drain interrupted", zap.Int("scheduled", report.Scheduled), zap.Error(err))
			break
		}
		productID, ok := verify.ProductIDFromKey(key)
		if !ok {
			report.SkippedResult++
			continue
		}
		urls, err := d.deps.Queue.Members(ctx, key)
		if err != nil {
			report.KeyErrors++
			d.logger.Error("read job urls failed",
				zap.String("key", key), zap.Error(&verify.QueueError{Key: key, Op: "members", Err: err}))
			continue
		}

		keyDone := make(chan struct{})
		taskID, err := d.schedule(productID, urls, ownerID, keyDone)
		if errors.Is(err, ErrShuttingDown) {
			d.logger.Warn("drain stopped by shutdown",
				zap.String("key", key), zap.Int("scheduled", report.Scheduled))
			metrics.ObserveDrain("rejected")
			return report, err
		}
		if err != nil {
			report.KeyErrors++
			d.logger.Error("schedule unit failed", zap.String("key", key), zap.Error(err))
			continue
		}
		report.Scheduled++
		report.TaskIDs = append(report.TaskIDs, taskID)

		if err := d.deps.Queue.Delete(ctx, key); err != nil {
			report.DeleteErrors++
			d.logger.Error("delete job key failed",
				zap.String("key", key), zap.String("task_id", taskID),
				zap.Error(&verify.QueueError{Key: key, Op: "delete", Err: err}))
		}
		close(keyDone)
	}

	metrics.ObserveDrain("ok")
	d.logger.Info("drain scheduled units",
		zap.Int("listed", report.Listed),
		zap.Int("scheduled", report.Scheduled),
		zap.Int("key_errors", report.KeyErrors),
	)
	return report, nil
}

// schedule registers and starts a unit. The closing check, registration and
// spawn happen under d.mu so Shutdown never misses a unit it must wait for.
// A unit that has to requeue its job waits for keyDone, which Drain closes
// once it has deleted the key.
func (d *Dispatcher) schedule(productID string, urls []string, ownerID int64, keyDone <-chan struct{}) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return "", ErrShuttingDown
	}
	unitCtx, cancel := context.WithCancel(d.baseCtx)
	taskID, err := d.deps.Registry.Register(productID, cancel)
	if err != nil {
		cancel()
		return "", err
	}
	go func() {
		defer cancel()
		defer d.deps.Registry.Done(taskID)
		if err := d.slots.Acquire(unitCtx, 1); err != nil {
			logger := d.logger.With(zap.String("task_id", taskID), zap.String("product_id", productID))
			logger.Warn("unit canceled before start", zap.Error(err))
			d.requeue(unitCtx, logger, productID, urls, keyDone)
			return
		}
		defer d.slots.Release(1)
		d.deps.Registry.Start(taskID)
		d.runUnit(unitCtx, taskID, productID, urls, ownerID, keyDone)
	}()
	return taskID, nil
}

func (d *Dispatcher) runUnit(ctx context.Context, taskID, productID string, urls []string, ownerID int64, keyDone <-chan struct{}) {
	if d.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.UnitTimeout)
		defer cancel()
	}
	logger := d.logger.With(zap.String("task_id", taskID), zap.String("product_id", productID))
	ctx, span := d.deps.Tracer.Start(ctx, "verification_unit", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("product_id", productID),
		attribute.Int("candidates", len(urls)),
	))
	defer span.End()

	outcome := d.deps.Verifier.Verify(ctx, productID, urls, d.cfg.TargetText)
	span.SetAttributes(
		attribute.Bool("matched", outcome.Matched),
		attribute.Int("checked", outcome.Checked),
		attribute.Int("failed", outcome.Failed),
	)
	// A canceled unit has not seen every image, so writing the sentinel would
	// record a false negative that later drains cannot correct.
	if !outcome.Matched && len(urls) > 0 && (outcome.Interrupted || ctx.Err() != nil) {
		metrics.ObserveVerification("interrupted")
		span.SetAttributes(attribute.Bool("interrupted", true))
		logger.Warn("unit interrupted before a result, skipping persist",
			zap.Int("checked", outcome.Checked), zap.Error(ctx.Err()))
		d.requeue(ctx, logger, productID, urls, keyDone)
		return
	}
	if outcome.Matched {
		metrics.ObserveVerification("matched")
	} else {
		metrics.ObserveVerification("not_found")
	}

	inserted, err := d.deps.Writer.Persist(ctx, outcome, ownerID)
	if err != nil {
		metrics.ObserveRecord("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		logger.Error("persist outcome failed", zap.Error(err))
		return
	}
	span.SetAttributes(attribute.Bool("inserted", inserted))
	if inserted {
		metrics.ObserveRecord("inserted")
	} else {
		metrics.ObserveRecord("duplicate")
	}

	event := OutcomeEvent{
		TaskID:     taskID,
		ProductID:  productID,
		OwnerID:    ownerID,
		ImageURL:   outcome.RecordURL(),
		Matched:    outcome.Matched,
		Inserted:   inserted,
		Checked:    outcome.Checked,
		Failed:     outcome.Failed,
		FinishedAt: outcome.FinishedAt,
	}
	if inserted && outcome.Matched && len(outcome.Evidence) > 0 {
		event.ArchiveURI = d.archive(ctx, logger, productID, outcome.Evidence)
	}
	d.publish(ctx, logger, event)
}

// requeue puts an unfinished job back under its key for the next drain.
func (d *Dispatcher) requeue(ctx context.Context, logger *zap.Logger, productID string, urls []string, keyDone <-chan struct{}) {
	if len(urls) == 0 {
		return
	}
	<-keyDone
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	key := verify.JobKey(productID)
	if err := d.deps.Queue.AddMembers(ctx, key, urls...); err != nil {
		logger.Error("requeue job failed",
			zap.String("key", key), zap.Error(&verify.QueueError{Key: key, Op: "add", Err: err}))
		return
	}
	logger.Info("job requeued", zap.String("key", key))
}

func (d *Dispatcher) archive(ctx context.Context, logger *zap.Logger, productID string, body []byte) string {
	if d.deps.Archive == nil || d.deps.Hasher == nil {
		return ""
	}
	sum, err := d.deps.Hasher.Hash(body)
	if err != nil {
		logger.Warn("hash label image failed", zap.Error(err))
		return ""
	}
	contentType := http.DetectContentType(body)
	objectPath := ArchivePath(d.cfg.ArchivePrefix, productID, sum, contentType)
	uri, err := d.deps.Archive.PutObject(ctx, objectPath, contentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive label image failed", zap.String("path", objectPath), zap.Error(err))
		return ""
	}
	logger.Debug("label image archived", zap.String("uri", uri))
	return uri
}

func (d *Dispatcher) publish(ctx context.Context, logger *zap.Logger, event OutcomeEvent) {
	if d.deps.Publisher == nil {
		return
	}
	if _, err := d.deps.Publisher.Publish(ctx, d.cfg.Topic, event); err != nil {
		logger.Warn("publish outcome failed", zap.Error(err))
	}
}

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// ArchivePath builds the object path for a label image: prefix/product/hash.ext.
func ArchivePath(prefix, productID, hash, contentType string) string {
	ext, ok := imageExtensions[contentType]
	if !ok {
		ext = ".bin"
	}
	return path.Join(prefix, productID, hash+ext)
}

// Shutdown stops accepting drains, cancels every unit, and waits for them to exit.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	d.cancel()
	d.deps.Registry.CancelAll()
	if err := d.deps.Registry.Wait(ctx); err != nil {
		return fmt.Errorf("dispatcher shutdown: %w", err)
	}
	return nil
}

// Wait blocks until every scheduled unit has finished.
func (d *Dispatcher) Wait(ctx context.Context) error {
	return d.deps.Registry.Wait(ctx)
}

func (d *Dispatcher) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}
