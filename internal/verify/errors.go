package verify

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// FetchError reports a network or HTTP failure for one URL.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError reports bytes that could not be decoded as an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StorageError reports a failed existence check or insert for a product.
type StorageError struct {
	ProductID string
	Op        string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s for product %q: %v", e.Op, e.ProductID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// QueueError reports a failed listing, read, or delete against the queue store.
type QueueError struct {
	Key string
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("queue %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }
