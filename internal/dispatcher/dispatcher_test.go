package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/labelscan/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/labelscan/internal/publisher/memory"
	queuememory "github.com/JakeFAU/labelscan/internal/queue/memory"
	storememory "github.com/JakeFAU/labelscan/internal/storage/memory"
	"github.com/JakeFAU/labelscan/internal/verify"
)

// textFetcher serves each URL's "image" as plain text.
type textFetcher map[string]string

func (f textFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &verify.FetchError{URL: url, Err: err}
	}
	body, ok := f[url]
	if !ok {
		return nil, &verify.FetchError{URL: url, StatusCode: 404}
	}
	return []byte(body), nil
}

type textClassifier struct{}

func (textClassifier) Classify(_ context.Context, body []byte, target string) (bool, error) {
	return strings.Contains(string(body), target), nil
}

type harness struct {
	queue     *queuememory.Store
	records   *storememory.RecordStore
	blobs     *storememory.BlobStore
	published *pubmemory.Publisher
	registry  *Registry
	spans     *tracetest.SpanRecorder
	disp      *Dispatcher
}

func newHarness(t *testing.T, images verify.Fetcher, queue verify.QueueStore, cfg Config) *harness {
	t.Helper()
	h := &harness{
		queue:     queuememory.NewStore(),
		records:   storememory.NewRecordStore(),
		blobs:     storememory.NewBlobStore(),
		published: pubmemory.New("outcomes"),
		registry:  newTestRegistry(0),
		spans:     tracetest.NewSpanRecorder(),
	}
	if queue == nil {
		queue = h.queue
	}
	verifier := verify.NewVerifier(images, textClassifier{}, nil, verify.VerifierConfig{KeepEvidence: true}, zap.NewNop())
	h.disp = New(Deps{
		Queue:     queue,
		Verifier:  verifier,
		Writer:    verify.NewDedupWriter(h.records, zap.NewNop()),
		Registry:  h.registry,
		Archive:   h.blobs,
		Hasher:    sha256.New(),
		Publisher: h.published,
		Tracer:    sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans)).Tracer("test"),
	}, cfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.disp.Shutdown(ctx)
	})
	return h
}

func (h *harness) drainAndWait(t *testing.T, owner int64) DrainReport {
	t.Helper()
	report, err := h.disp.Drain(context.Background(), owner)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.disp.Wait(ctx))
	return report
}

func TestDrain_RecordsMatchingImage(t *testing.T) {
	t.Parallel()

	images := textFetcher{
		"https://img.example.com/1.jpg": "Ingredients: sugar",
		"https://img.example.com/2.jpg": "Nutrition Facts Serving Size 1 cup",
	}
	h := newHarness(t, images, nil, Config{ArchivePrefix: "labels", Topic: "outcomes"})
	ctx := context.Background()
	require.NoError(t, h.queue.AddMembers(ctx, verify.JobKey("p1"),
		"https://img.example.com/1.jpg", "https://img.example.com/2.jpg"))

	report := h.drainAndWait(t, 7)
	require.Equal(t, 1, report.Listed)
	require.Equal(t, 1, report.Scheduled)
	require.Len(t, report.TaskIDs, 1)

	rec, err := h.records.FindByProductID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "https://img.example.com/2.jpg", rec.ImageURL)
	require.Equal(t, verify.DefaultTargetText, rec.ImageText)
	require.Equal(t, int64(7), rec.UserID)

	keys, err := h.queue.ListKeys(ctx, verify.JobKeyPattern)
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Zero(t, h.registry.PendingCount()+h.registry.ActiveCount())

	require.Equal(t, 1, h.blobs.Len())
	msgs := h.published.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "outcomes", msgs[0].Topic)
	require.Contains(t, string(msgs[0].Data), `"product_id":"p1"`)
	require.Equal(t, "p1", msgs[0].Attributes["product_id"])
	event, ok := msgs[0].Payload.(OutcomeEvent)
	require.True(t, ok)
	require.True(t, event.Matched)
	require.True(t, event.Inserted)
	require.True(t, strings.HasPrefix(event.ArchiveURI, "memory://labels/p1/"))

	spans := h.spans.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "verification_unit", spans[0].Name())
	require.Contains(t, spans[0].Attributes(), attribute.String("product_id", "p1"))
	require.Contains(t, spans[0].Attributes(), attribute.Bool("matched", true))
	require.Contains(t, spans[0].Attributes(), attribute.Bool("inserted", true))
}

func TestDrain_NoMatchStoresSentinel(t *testing.T) {
	t.Parallel()

	images := textFetcher{
		"https://img.example.com/1.jpg": "front of box",
		"https://img.example.com/2.jpg": "nutrition facts",
	}
	h := newHarness(t, images, nil, Config{})
	ctx := context.Background()
	require.NoError(t, h.queue.AddMembers(ctx, verify.JobKey("p2"),
		"https://img.example.com/1.jpg", "https://img.example.com/2.jpg", "https://img.example.com/404.jpg"))

	h.drainAndWait(t, 1)

	rec, err := h.records.FindByProductID(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, verify.NotFoundURL, rec.ImageURL)
	require.Zero(t, h.blobs.Len())
}

func TestDrain_ExistingRecordUnchanged(t *testing.T) {
	t.Parallel()

	images := textFetcher{"https://img.example.com/new.jpg": "Nutrition Facts"}
	h := newHarness(t, images, nil, Config{})
	ctx := context.Background()
	_, err := h.records.InsertImageRecord(ctx, verify.ImageRecord{
		ProductID: "p3", ImageURL: "https://img.example.com/old.jpg", UserID: 1, ImageText: verify.DefaultTargetText,
	})
	require.NoError(t, err)
	require.NoError(t, h.queue.AddMembers(ctx, verify.JobKey("p3"), "https://img.example.com/new.jpg"))

	h.drainAndWait(t, 1)

	all := h.records.All()
	require.Len(t, all, 1)
	require.Equal(t, "https://img.example.com/old.jpg", all[0].ImageURL)
	event := h.published.Messages()[0].Payload.(OutcomeEvent)
	require.False(t, event.Inserted)
	require.Empty(t, event.ArchiveURI)
}

func TestDrain_PublishFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	images := textFetcher{"https://img.example.com/1.jpg": "Nutrition Facts"}
	h := newHarness(t, images, nil, Config{})
	h.published.FailWith(errors.New("topic not found"))
	ctx := context.Background()
	require.NoError(t, h.queue.AddMembers(ctx, verify.JobKey("p9"), "https://img.example.com/1.jpg"))

	h.drainAndWait(t, 1)

	rec, err := h.records.FindByProductID(ctx, "p9")
	require.NoError(t, err)
	require.Equal(t, "https://img.example.com/1.jpg", rec.ImageURL)
	require.Empty(t, h.published.Messages())
	keys, err := h.queue.ListKeys(ctx, verify.JobKeyPattern)
	require.NoError(t, err)
	require.Empty(t, keys)
}

// lateQueue adds a new job right after the key snapshot is taken.
type lateQueue struct {
	*queuememory.Store
	once sync.Once
}

func (q *lateQueue) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := q.Store.ListKeys(ctx, pattern)
	q.once.Do(func() {
		_ = q.Store.AddMembers(ctx, verify.JobKey("late"), "https://img.example.com/late.jpg")
	})
	return keys, err
}

func TestDrain_KeysAddedAfterSnapshotSurvive(t *testing.T) {
	t.Parallel()

	q := &lateQueue{Store: queuememory.NewStore()}
	h := newHarness(t, textFetcher{}, q, Config{})
	ctx := context.Background()
	require.NoError(t, q.AddMembers(ctx, verify.JobKey("early"), "https://img.example.com/e.jpg"))

	report := h.drainAndWait(t, 1)
	require.Equal(t, 1, report.Scheduled)

	keys, err := q.ListKeys(ctx, verify.JobKeyPattern)
	require.NoError(t, err)
	require.Equal(t, []string{verify.JobKey("late")}, keys)
	_, err = h.records.FindByProductID(ctx, "late")
	require.ErrorIs(t, err, verify.ErrNotFound)
}

type faultyQueue struct {
	*queuememory.Store
	listErr    error
	membersErr map[string]error
	deleteErr  map[string]error
}

func (q *faultyQueue) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	if q.listErr != nil {
		return nil, q.listErr
	}
	return q.Store.ListKeys(ctx, pattern)
}

func (q *faultyQueue) Members(ctx context.Context, key string) ([]string, error) {
	if err := q.membersErr[key]; err != nil {
		return nil, err
	}
	return q.Store.Members(ctx, key)
}

func (q *faultyQueue) Delete(ctx context.Context, key string) error {
	if err := q.deleteErr[key]; err != nil {
		return err
	}
	return q.Store.Delete(ctx, key)
}

func TestDrain_KeyErrorsDoNotAbort(t *testing.T) {
	t.Parallel()

	q := &faultyQueue{
		Store:      queuememory.NewStore(),
		membersErr: map[string]error{verify.JobKey("a"): errors.New("wrongtype")},
		deleteErr:  map[string]error{verify.JobKey("c"): errors.New("readonly")},
	}
	h := newHarness(t, textFetcher{}, q, Config{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.AddMembers(ctx, verify.JobKey(id), "https://img.example.com/"+id+".jpg"))
	}

	report := h.drainAndWait(t, 1)
	require.Equal(t, 3, report.Listed)
	require.Equal(t, 2, report.Scheduled)
	require.Equal(t, 1, report.KeyErrors)
	require.Equal(t, 1, report.DeleteErrors)

	keys, err := q.Store.ListKeys(ctx, verify.JobKeyPattern)
	require.NoError(t, err)
	require.Equal(t, []string{verify.JobKey("a"), verify.JobKey("c")}, keys)
	require.Len(t, h.records.All(), 2)
}

func TestDrain_ListFailure(t *testing.T) {
	t.Parallel()

	q := &faultyQueue{Store: queuememory.NewStore(), listErr: errors.New("connection refused")}
	h := newHarness(t, textFetcher{}, q, Config{})

	_, err := h.disp.Drain(context.Background(), 1)
	var queueErr *verify.QueueError
	require.ErrorAs(t, err, &queueErr)
	require.Equal(t, "list", queueErr.Op)
}

// gatedVerifier blocks every unit until release is closed.
type gatedVerifier struct {
	release chan struct{}
}

func (g *gatedVerifier) Verify(ctx context.Context, productID string, _ []string, target string) verify.Outcome {
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return verify.Outcome{ProductID: productID, CheckedText: target}
}

func TestDrain_BoundsConcurrentUnits(t *testing.T) {
	t.Parallel()

	q := queuememory.NewStore()
	records := storememory.NewRecordStore()
	gate := &gatedVerifier{release: make(chan struct{})}
	registry := newTestRegistry(0)
	disp := New(Deps{
		Queue:    q,
		Verifier: gate,
		Writer:   verify.NewDedupWriter(records, nil),
		Registry: registry,
	}, Config{MaxConcurrentUnits: 1}, nil)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.AddMembers(ctx, verify.JobKey(id), "https://img.example.com/"+id+".jpg"))
	}
	report, err := disp.Drain(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 3, report.Scheduled)

	require.Eventually(t, func() bool {
		return registry.ActiveCount() == 1 && registry.PendingCount() == 2
	}, time.Second, 5*time.Millisecond)

	close(gate.release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, disp.Wait(waitCtx))
	require.Len(t, records.All(), 3)
}

func TestShutdown_CancelsUnits(t *testing.T) {
	t.Parallel()

	q := queuememory.NewStore()
	gate := &gatedVerifier{release: make(chan struct{})}
	registry := newTestRegistry(0)
	disp := New(Deps{
		Queue:    q,
		Verifier: gate,
		Writer:   verify.NewDedupWriter(storememory.NewRecordStore(), nil),
		Registry: registry,
	}, Config{MaxConcurrentUnits: 1}, nil)

	ctx := context.Background()
	require.NoError(t, q.AddMembers(ctx, verify.JobKey("a"), "u1"))
	require.NoError(t, q.AddMembers(ctx, verify.JobKey("b"), "u2"))
	_, err := disp.Drain(ctx, 1)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, disp.Shutdown(shutdownCtx))
	require.Zero(t, registry.ActiveCount()+registry.PendingCount())

	keys, err := q.ListKeys(ctx, verify.JobKeyPattern)
	require.NoError(t, err)
	require.Equal(t, []string{verify.JobKey("a"), verify.JobKey("b")}, keys, "canceled units go back on the queue")

	_, err = disp.Drain(ctx, 1)
	require.ErrorIs(t, err, ErrShuttingDown)
}

// stallingFetcher never answers before ctx ends.
type stallingFetcher struct {
	started chan string
}

func (f *stallingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	select {
	case f.started <- url:
	default:
	}
	<-ctx.Done()
	return nil, &verify.FetchError{URL: url, Err: ctx.Err()}
}

func TestShutdown_InterruptedUnitIsRequeuedNotRecorded(t *testing.T) {
	t.Parallel()

	images := &stallingFetcher{started: make(chan string, 1)}
	h := newHarness(t, images, nil, Config{})
	ctx := context.Background()
	url := "https://img.example.com/1.jpg"
	require.NoError(t, h.queue.AddMembers(ctx, verify.JobKey("p1"), url))

	_, err := h.disp.Drain(ctx, 1)
	require.NoError(t, err)
	select {
	case <-images.started:
	case <-time.After(2 * time.Second):
		t.Fatal("unit never fetched")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.disp.Shutdown(shutdownCtx))

	require.Empty(t, h.records.All())
	require.Empty(t, h.published.Messages())
	members, err := h.queue.Members(ctx, verify.JobKey("p1"))
	require.NoError(t, err)
	require.Equal(t, []string{url}, members)
}

func TestDrain_UnitTimeoutIsRequeuedNotRecorded(t *testing.T) {
	t.Parallel()

	images := &stallingFetcher{started: make(chan string, 1)}
	h := newHarness(t, images, nil, Config{UnitTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	urls := []string{"https://img.example.com/1.jpg", "https://img.example.com/2.jpg"}
	require.NoError(t, h.queue.AddMembers(ctx, verify.JobKey("p1"), urls...))

	report := h.drainAndWait(t, 1)
	require.Equal(t, 1, report.Scheduled)

	require.Empty(t, h.records.All())
	members, err := h.queue.Members(ctx, verify.JobKey("p1"))
	require.NoError(t, err)
	require.Equal(t, urls, members)

	spans := h.spans.Ended()
	require.Len(t, spans, 1)
	require.Contains(t, spans[0].Attributes(), attribute.Bool("interrupted", true))
}

// closingQueue runs onMembers before answering Members.
type closingQueue struct {
	*queuememory.Store
	onMembers func()
}

func (q *closingQueue) Members(ctx context.Context, key string) ([]string, error) {
	if q.onMembers != nil {
		q.onMembers()
	}
	return q.Store.Members(ctx, key)
}

func TestDrain_ShutdownMidDrainSchedulesNothing(t *testing.T) {
	t.Parallel()

	q := &closingQueue{Store: queuememory.NewStore()}
	h := newHarness(t, textFetcher{"https://img.example.com/1.jpg": "Nutrition Facts"}, q, Config{})
	ctx := context.Background()
	require.NoError(t, q.AddMembers(ctx, verify.JobKey("p1"), "https://img.example.com/1.jpg"))

	var once sync.Once
	q.onMembers = func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			require.NoError(t, h.disp.Shutdown(shutdownCtx))
		})
	}

	report, err := h.disp.Drain(ctx, 1)
	require.ErrorIs(t, err, ErrShuttingDown)
	require.Zero(t, report.Scheduled)
	require.Empty(t, h.registry.Snapshot())
	require.Empty(t, h.records.All())

	keys, err := q.Store.ListKeys(ctx, verify.JobKeyPattern)
	require.NoError(t, err)
	require.Equal(t, []string{verify.JobKey("p1")}, keys, "unscheduled key stays queued")
}

func TestSchedule_RejectedAfterShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, textFetcher{}, nil, Config{})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.disp.Shutdown(shutdownCtx))

	keyDone := make(chan struct{})
	close(keyDone)
	_, err := h.disp.schedule("p1", []string{"https://img.example.com/1.jpg"}, 1, keyDone)
	require.ErrorIs(t, err, ErrShuttingDown)
	require.Empty(t, h.registry.Snapshot())
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		want        string
	}{
		{name: "png", contentType: "image/png", want: "labels/p1/abc.png"},
		{name: "jpeg", contentType: "image/jpeg", want: "labels/p1/abc.jpg"},
		{name: "unknown", contentType: "text/plain; charset=utf-8", want: "labels/p1/abc.bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ArchivePath("labels", "p1", "abc", tt.contentType))
		})
	}
}
