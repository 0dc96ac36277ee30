package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/labelscan/internal/verify"
)

// RecordStore keeps image records in insertion order.
type RecordStore struct {
	mu      sync.RWMutex
	records []verify.ImageRecord
	nextID  int64
}

// NewRecordStore returns an empty record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{nextID: 1}
}

// FindByProductID returns the first record for productID.
func (s *RecordStore) FindByProductID(_ context.Context, productID string) (verify.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ProductID == productID {
			return rec, nil
		}
	}
	return verify.ImageRecord{}, verify.ErrNotFound
}

// InsertImageRecord appends record and returns its assigned id.
func (s *RecordStore) InsertImageRecord(_ context.Context, record verify.ImageRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = s.nextID
	s.nextID++
	s.records = append(s.records, record)
	return record.ID, nil
}

// ListByOwner pages through ownerID's records ordered by id.
func (s *RecordStore) ListByOwner(_ context.Context, ownerID int64, limit, offset int) ([]verify.ImageRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var owned []verify.ImageRecord
	for _, rec := range s.records {
		if rec.UserID == ownerID {
			owned = append(owned, rec)
		}
	}
	total := len(owned)
	if offset >= total {
		return []verify.ImageRecord{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := append([]verify.ImageRecord(nil), owned[offset:end]...)
	return page, total, nil
}

// All returns a snapshot of every stored record.
func (s *RecordStore) All() []verify.ImageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]verify.ImageRecord(nil), s.records...)
}

// Close is a no-op.
func (s *RecordStore) Close() error { return nil }
