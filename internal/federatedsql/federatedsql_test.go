package federatedsql

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexshard/vexshard/internal/shardstore"
)

type fakeShardLister struct{ paths map[string]string }

func (f fakeShardLister) ListShardPaths() map[string]string { return f.paths }

func seedShard(t *testing.T, store *shardstore.Store, path string, docCount int) {
	t.Helper()
	for i := 0; i < docCount; i++ {
		doc := shardstore.Document{ID: path + "-doc-" + string(rune('a'+i)), Text: "x"}
		require.NoError(t, store.InsertDocument(context.Background(), path, "shard", doc, nil, nil))
	}
}

func TestCountSumsAcrossShards(t *testing.T) {
	dir := t.TempDir()
	store := shardstore.New()
	t.Cleanup(func() { store.Close() })

	pathA := filepath.Join(dir, "a.db")
	pathB := filepath.Join(dir, "b.db")
	pathC := filepath.Join(dir, "c.db")
	seedShard(t, store, pathA, 10)
	seedShard(t, store, pathB, 20)
	seedShard(t, store, pathC, 30)

	ex := New(fakeShardLister{paths: map[string]string{"a": pathA, "b": pathB, "c": pathC}}, store)
	total, err := ex.Count(context.Background(), "documents")
	require.NoError(t, err)
	assert.Equal(t, 60, total)
}

func TestExecuteWithMetadataReportsPerShardStatus(t *testing.T) {
	dir := t.TempDir()
	store := shardstore.New()
	t.Cleanup(func() { store.Close() })

	pathA := filepath.Join(dir, "a.db")
	seedShard(t, store, pathA, 5)

	ex := New(fakeShardLister{paths: map[string]string{"a": pathA}}, store)
	results, err := ex.ExecuteWithMetadata(context.Background(), "SELECT count(*) AS n FROM documents", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusOK, results[0].Status)
}
