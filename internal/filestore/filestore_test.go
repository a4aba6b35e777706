package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New("  ", "")
	assert.Error(t, err)

	root := filepath.Join(t.TempDir(), "nested", "results")
	store, err := New(root, "http://localhost:8080/files/")
	require.NoError(t, err)
	assert.Equal(t, root, store.BasePath())

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFileStore_PutAndURL(t *testing.T) {
	root := t.TempDir()
	store, err := New(root, "http://localhost:8080/files/")
	require.NoError(t, err)
	ctx := context.Background()

	key, err := store.Put(ctx, "/generated/images/a.png", []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "generated/images/a.png", key)

	data, err := os.ReadFile(filepath.Join(root, "generated", "images", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	// Overwrites replace the content
	_, err = store.Put(ctx, key, []byte("v2"), "image/png")
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(root, "generated", "images", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	u, err := store.URL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/files/generated/images/a.png", u)
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	store, err := New(t.TempDir(), "")
	require.NoError(t, err)

	for _, key := range []string{"", "..", "../outside.png", "a/../../outside.png", `..\outside.png`} {
		_, err := store.Put(context.Background(), key, []byte("x"), "")
		assert.Error(t, err, "key %q", key)
	}
}

func TestFileStore_CancelledContext(t *testing.T) {
	store, err := New(t.TempDir(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Put(ctx, "a.png", []byte("x"), "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileStore_Nil(t *testing.T) {
	var store *FileStore
	assert.Empty(t, store.BasePath())
	_, err := store.Put(context.Background(), "a.png", nil, "")
	assert.Error(t, err)
}

func TestSanitizeKey(t *testing.T) {
	tests := map[string]string{
		"a.png":               "a.png",
		"./dir/a.png":         "dir/a.png",
		"//dir//sub/../a.png": "dir/a.png",
		`dir\b.mp4`:           "dir/b.mp4",
	}
	for input, want := range tests {
		got, err := sanitizeKey(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}
}
