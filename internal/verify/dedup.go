package verify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// DedupWriter writes at most one record per product id.
type DedupWriter struct {
	store  RecordStore
	logger *zap.Logger
}

// NewDedupWriter constructs a DedupWriter over store.
func NewDedupWriter(store RecordStore, logger *zap.Logger) *DedupWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DedupWriter{store: store, logger: logger}
}

// Persist inserts a record for the outcome unless one already exists for the
// product. It reports whether a new record was written. The existence check
// and insert are separate store calls and are not atomic.
func (w *DedupWriter) Persist(ctx context.Context, outcome Outcome, ownerID int64) (bool, error) {
	_, err := w.store.FindByProductID(ctx, outcome.ProductID)
	switch {
	case err == nil:
		w.logger.Info("record already exists; skipping insert", zap.String("product_id", outcome.ProductID))
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, &StorageError{ProductID: outcome.ProductID, Op: "find", Err: err}
	}

	record := ImageRecord{
		ProductID: outcome.ProductID,
		ImageURL:  outcome.RecordURL(),
		UserID:    ownerID,
		ImageText: outcome.CheckedText,
	}
	id, err := w.store.InsertImageRecord(ctx, record)
	if err != nil {
		return false, &StorageError{ProductID: outcome.ProductID, Op: "insert", Err: err}
	}
	w.logger.Info("record inserted",
		zap.String("product_id", outcome.ProductID),
		zap.Int64("record_id", id),
		zap.String("image_url", record.ImageURL),
	)
	return true, nil
}
