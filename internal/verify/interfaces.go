package verify

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves raw image bytes for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Classifier reports whether an image contains the target text.
type Classifier interface {
	Classify(ctx context.Context, body []byte, target string) (bool, error)
}

// QueueStore is the key/set store holding pending jobs.
type QueueStore interface {
	// ListKeys returns the keys matching a glob pattern at the time of the call.
	ListKeys(ctx context.Context, pattern string) ([]string, error)
	// Members returns the set stored under key.
	Members(ctx context.Context, key string) ([]string, error)
	// AddMembers adds values to the set under key, creating it if needed.
	AddMembers(ctx context.Context, key string, values ...string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// RecordStore persists image records.
type RecordStore interface {
	// FindByProductID returns ErrNotFound when no record exists.
	FindByProductID(ctx context.Context, productID string) (ImageRecord, error)
	InsertImageRecord(ctx context.Context, record ImageRecord) (int64, error)
	// ListByOwner returns a page of records plus the owner's total record count.
	ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]ImageRecord, int, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes outcome notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task handles.
type IDGenerator interface {
	NewID() (string, error)
}
