package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "labels/p1/abc.png", "image/png", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://labels/p1/abc.png", uri)

	payload[0] = 'C'
	got, ok := store.Object("labels/p1/abc.png")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, 1, store.Len())
}
