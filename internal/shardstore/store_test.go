package shardstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndCountDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard.db")
	store := New()
	defer store.Close()

	ctx := context.Background()
	doc := Document{ID: "doc1", Text: "hello world", Metadata: map[string]any{"k": "v"}}
	chunks := []Chunk{{ID: "doc1:d:0", DocID: "doc1", Level: "document", Text: "hello world", StartOffset: 0, EndOffset: 11}}
	embeddings := map[string][]float32{"doc1:d:0": {0.1, 0.2, 0.3}}

	require.NoError(t, store.InsertDocument(ctx, path, "shard-0", doc, chunks, embeddings))

	count, err := store.CountDocuments(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	docID, _, text, start, end, err := store.ChunkText(ctx, path, "doc1:d:0")
	require.NoError(t, err)
	assert.Equal(t, "doc1", docID)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, 0, start)
	assert.Equal(t, 11, end)
}

func TestDeleteDocumentIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard.db")
	store := New()
	defer store.Close()

	ctx := context.Background()
	doc := Document{ID: "doc1", Text: "hello", Metadata: nil}
	require.NoError(t, store.InsertDocument(ctx, path, "shard-0", doc, nil, nil))

	require.NoError(t, store.DeleteDocument(ctx, path, "shard-0", "doc1"))
	require.NoError(t, store.DeleteDocument(ctx, path, "shard-0", "doc1"))

	count, err := store.CountDocuments(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestBloomFilterNegative(t *testing.T) {
	m := NewBloomFilterManager()
	assert.False(t, m.MightContain("shard-0", "nonexistent"))
	m.Add("shard-0", "doc1")
	assert.True(t, m.MightContain("shard-0", "doc1"))
}

func TestMigrateChunksCopiesDocumentAndVector(t *testing.T) {
	dir := t.TempDir()
	fromPath := filepath.Join(dir, "from.db")
	toPath := filepath.Join(dir, "to.db")
	store := New()
	defer store.Close()

	ctx := context.Background()
	doc := Document{ID: "doc1", Text: "hello world", Metadata: map[string]any{"k": "v"}}
	chunks := []Chunk{
		{ID: "doc1:d:0", DocID: "doc1", Level: "document", Text: "hello world", StartOffset: 0, EndOffset: 11},
	}
	embeddings := map[string][]float32{"doc1:d:0": {0.1, 0.2, 0.3}}
	require.NoError(t, store.InsertDocument(ctx, fromPath, "shard-0", doc, chunks, embeddings))

	require.NoError(t, store.MigrateChunks(ctx, fromPath, toPath, []string{"doc1:d:0"}))

	count, err := store.CountDocuments(ctx, toPath)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	docID, _, text, start, end, err := store.ChunkText(ctx, toPath, "doc1:d:0")
	require.NoError(t, err)
	assert.Equal(t, "doc1", docID)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, 0, start)
	assert.Equal(t, 11, end)

	ids, vectors, err := store.ShardVectors(ctx, toPath)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "doc1:d:0", ids[0])
	assert.InDelta(t, float32(0.1), vectors[0][0], 1e-6)
}

func TestVectorEncodeRoundTrip(t *testing.T) {
	v := []float32{0.1, -0.5, 3.14159}
	got := decodeVector(encodeVector(v))
	require.Len(t, got, len(v))
	for i := range v {
		assert.InDelta(t, v[i], got[i], 1e-5)
	}
}
