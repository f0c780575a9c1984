package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestObjectStore(t *testing.T) (*LocalObjectStore, string) {
	t.Helper()
	dir := t.TempDir()
	objectStore, err := NewLocalObjectStore(dir)
	require.NoError(t, err)
	return objectStore, dir
}

func TestLocalObjectStore_PutGetObject(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)

	bucket := "checkpoints"
	key := "trials/abc/state.json"
	content := []byte(`{"epoch": 3}`)

	err := objectStore.PutObject(context.Background(), bucket, key, bytes.NewReader(content))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(baseDir, bucket, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	reader, err := objectStore.GetObject(context.Background(), bucket, key)
	require.NoError(t, err)
	defer reader.Close()

	read, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, content, read)
}

func TestLocalObjectStore_PutObjectReplaces(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)

	bucket := "checkpoints"
	key := "trials/abc/state.json"

	require.NoError(t, objectStore.PutObject(context.Background(), bucket, key, bytes.NewReader([]byte("old"))))
	require.NoError(t, objectStore.PutObject(context.Background(), bucket, key, bytes.NewReader([]byte("new"))))

	reader, err := objectStore.GetObject(context.Background(), bucket, key)
	require.NoError(t, err)
	defer reader.Close()

	read, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), read)
}

func TestLocalObjectStore_GetMissingObject(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)

	_, err := objectStore.GetObject(context.Background(), "checkpoints", "missing")
	assert.Error(t, err)
}

func TestLocalObjectStore_ListAndDeleteObjects(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)
	ctx := context.Background()

	bucket := "checkpoints"
	keys := []string{"trials/a/state.json", "trials/b/state.json", "datasets/train.json"}
	for _, key := range keys {
		require.NoError(t, objectStore.PutObject(ctx, bucket, key, bytes.NewReader([]byte("x"))))
	}

	objects, err := objectStore.ListObjects(ctx, bucket, "trials/")
	require.NoError(t, err)
	assert.Len(t, objects, 2)

	require.NoError(t, objectStore.DeleteObjects(ctx, bucket, "trials/"))

	objects, err = objectStore.ListObjects(ctx, bucket, "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "datasets/train.json", objects[0].Name)
}

func TestLocalObjectStore_ListEmptyBucket(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)

	objects, err := objectStore.ListObjects(context.Background(), "nonexistent", "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}
