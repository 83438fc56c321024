package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBlobRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	blob, err := NewFileBlob(path)
	require.NoError(t, err)

	_, err = blob.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, blob.Save(context.Background(), []byte(`{"a":1}`)))
	require.NoError(t, blob.Save(context.Background(), []byte(`{"a":2}`)))

	data, err := blob.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileBlobSaveCancelled(t *testing.T) {
	blob, err := NewFileBlob(filepath.Join(t.TempDir(), "model.json"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, blob.Save(ctx, []byte("x")), context.Canceled)
	_, err = blob.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}
