package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreFromEnv_Default(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", tmpDir)

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(tmpDir, "artifacts"), fs.baseDir)
}

func TestNewStoreFromEnv_Memory(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "memory")

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}

func TestNewStoreFromEnv_S3MissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARTIFACT_S3_BUCKET is required")
}

func TestNewStoreFromEnv_GCSMissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "gcs")
	t.Setenv("ARTIFACT_GCS_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	// Builds without the gcp tag report that instead.
	if strings.Contains(err.Error(), "GCS storage is not enabled") {
		return
	}
	assert.Contains(t, err.Error(), "ARTIFACT_GCS_BUCKET is required")
}

func TestNewStoreFromConfig_UnsupportedType(t *testing.T) {
	_, err := NewStoreFromConfig(context.Background(), Config{Type: "azure"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported artifact storage type")
}

func TestCleanPath(t *testing.T) {
	good := map[string]string{
		"manifest.json":                  "manifest.json",
		"artifacts/decisions.json":       "artifacts/decisions.json",
		"artifacts/./triggers.json":      "artifacts/triggers.json",
		"artifacts/x/../gate_evals.json": "artifacts/gate_evals.json",
	}
	for in, want := range good {
		got, err := CleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"", "/etc/passwd", "../outside", "a/../../b", "..", ".", `a\b`} {
		_, err := CleanPath(bad)
		assert.Error(t, err, bad)
	}
}

func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	data := []byte(`{"decision_id":"decision-1"}`)

	ok, err := store.Exists(ctx, "artifacts/decisions.json")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "artifacts/decisions.json")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "artifacts/decisions.json", data))
	got, err := store.Get(ctx, "artifacts/decisions.json")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err = store.Exists(ctx, "artifacts/decisions.json")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Put(ctx, "artifacts/decisions.json", []byte(`[]`)))
	got, err = store.Get(ctx, "artifacts/decisions.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[]`), got, "put overwrites")

	require.NoError(t, store.Delete(ctx, "artifacts/decisions.json"))
	require.NoError(t, store.Delete(ctx, "artifacts/decisions.json"), "delete of missing path")
	ok, err = store.Exists(ctx, "artifacts/decisions.json")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, store.Put(ctx, "../escape.json", data))
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	testStoreContract(t, store)

	// Nothing is left behind outside the root or as a temp file.
	require.NoError(t, store.Put(context.Background(), "manifest.json", []byte(`{}`)))
	_, err = os.Stat(filepath.Join(store.baseDir, "manifest.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStoreContract(t, store)

	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, store.Put(ctx, "b.json", buf))
	require.NoError(t, store.Put(ctx, "a.json", buf))
	buf[0] = 'z'
	got, err := store.Get(ctx, "b.json")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got), "stored bytes are copied")
	assert.Equal(t, []string{"a.json", "b.json"}, store.Paths())
}
