package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/labelscan/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("existing dir", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("creates missing dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "labels")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("missing base dir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.ErrorContains(t, err, "not a directory")
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	t.Run("writes file", func(t *testing.T) {
		uri, err := store.PutObject(context.Background(), "labels/p1/abc.png", "image/png", bytes.NewReader([]byte("png")))
		require.NoError(t, err)
		want := filepath.Join(dir, "labels", "p1", "abc.png")
		assert.Equal(t, "file://"+want, uri)
		got, err := os.ReadFile(want) // #nosec G304 -- temp dir
		require.NoError(t, err)
		assert.Equal(t, "png", string(got))
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("path traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.png", "", bytes.NewReader([]byte("x")))
		assert.ErrorContains(t, err, "escapes archive dir")
	})
}
