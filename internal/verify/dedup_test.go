package verify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRecordStore struct {
	mu        sync.Mutex
	records   map[string]ImageRecord
	nextID    int64
	inserts   int
	findErr   error
	insertErr error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]ImageRecord)}
}

func (s *fakeRecordStore) FindByProductID(_ context.Context, productID string) (ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return ImageRecord{}, s.findErr
	}
	rec, ok := s.records[productID]
	if !ok {
		return ImageRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *fakeRecordStore) InsertImageRecord(_ context.Context, rec ImageRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.nextID++
	s.inserts++
	rec.ID = s.nextID
	s.records[rec.ProductID] = rec
	return rec.ID, nil
}

func (s *fakeRecordStore) ListByOwner(context.Context, int64, int, int) ([]ImageRecord, int, error) {
	return nil, 0, nil
}

func (s *fakeRecordStore) Close() error { return nil }

func TestPersist_Idempotent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome Outcome
		wantURL string
	}{
		{
			name:    "matched",
			outcome: Outcome{ProductID: "p1", Matched: true, URL: "http://a/2.jpg", CheckedText: "Nutrition Facts"},
			wantURL: "http://a/2.jpg",
		},
		{
			name:    "not found",
			outcome: Outcome{ProductID: "p1", CheckedText: "Nutrition Facts"},
			wantURL: NotFoundURL,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := newFakeRecordStore()
			w := NewDedupWriter(store, zap.NewNop())

			inserted, err := w.Persist(context.Background(), tc.outcome, 7)
			require.NoError(t, err)
			require.True(t, inserted)

			inserted, err = w.Persist(context.Background(), tc.outcome, 7)
			require.NoError(t, err)
			require.False(t, inserted)

			require.Equal(t, 1, store.inserts)
			rec := store.records["p1"]
			require.Equal(t, tc.wantURL, rec.ImageURL)
			require.Equal(t, int64(7), rec.UserID)
			require.Equal(t, "Nutrition Facts", rec.ImageText)
		})
	}
}

func TestPersist_ExistingRecordUnchanged(t *testing.T) {
	t.Parallel()

	store := newFakeRecordStore()
	store.records["p1"] = ImageRecord{ID: 42, ProductID: "p1", ImageURL: "http://old/1.jpg", UserID: 1}
	w := NewDedupWriter(store, nil)

	inserted, err := w.Persist(context.Background(),
		Outcome{ProductID: "p1", Matched: true, URL: "http://new/1.jpg"}, 2)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, 0, store.inserts)
	require.Equal(t, "http://old/1.jpg", store.records["p1"].ImageURL)
}

func TestPersist_StorageErrors(t *testing.T) {
	t.Parallel()

	store := newFakeRecordStore()
	store.findErr = errors.New("connection reset")
	w := NewDedupWriter(store, nil)

	_, err := w.Persist(context.Background(), Outcome{ProductID: "p1"}, 1)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "find", storageErr.Op)
	require.Equal(t, "p1", storageErr.ProductID)

	store.findErr = nil
	store.insertErr = errors.New("disk full")
	_, err = w.Persist(context.Background(), Outcome{ProductID: "p2"}, 1)
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "insert", storageErr.Op)
	require.Empty(t, store.records)
}
