package indexer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexshard/vexshard/internal/embedcache"
	"github.com/vexshard/vexshard/internal/router"
	"github.com/vexshard/vexshard/internal/shardstore"
	"github.com/vexshard/vexshard/internal/strategy"
)

type hashEmbedder struct{ dim int }

func (h hashEmbedder) Embed(text string) ([]float32, error) {
	v := make([]float32, h.dim)
	for i, c := range text {
		v[i%h.dim] += float32(c % 7)
	}
	v[0] += 1 // guarantee non-zero norm even for empty text
	return v, nil
}

func (h hashEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := h.Embed(t)
		out[i] = v
	}
	return out, nil
}

type poolProvider struct {
	dim   int
	pool  map[string]strategy.Strategy
}

func (p *poolProvider) StrategyFor(shardID string) (strategy.Strategy, error) {
	if s, ok := p.pool[shardID]; ok {
		return s, nil
	}
	s, err := strategy.New(strategy.DefaultOptions(strategy.KindCentroid, p.dim))
	if err != nil {
		return nil, err
	}
	p.pool[shardID] = s
	return s, nil
}

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()
	dir := t.TempDir()
	r, err := router.Open(router.Options{
		RoutingDBPath: filepath.Join(dir, "routing"),
		Dim:           4,
		StoragePath:   filepath.Join(dir, "shards"),
		TargetSize:    100,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	store := shardstore.New()
	t.Cleanup(func() { store.Close() })

	cache := embedcache.New(hashEmbedder{dim: 4}, 100, time.Hour)
	provider := &poolProvider{dim: 4, pool: make(map[string]strategy.Strategy)}
	return New(cache, r, provider, store)
}

func TestIndexDocumentChunksAndCommits(t *testing.T) {
	ix := newTestIndexer(t)
	text := "First paragraph sentence one. First paragraph sentence two.\n\nSecond paragraph here."
	status, err := ix.IndexDocument(context.Background(), "doc1", text, map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, "doc1", status.ID)
	assert.Equal(t, "indexed", status.Status)
	assert.NotEmpty(t, status.ShardID)
}

func TestChunkTextProducesValidOffsets(t *testing.T) {
	text := "Para one sentence. Para one sentence two.\n\nPara two sentence."
	spans := chunkText(text)
	require.NotEmpty(t, spans)
	for _, s := range spans {
		assert.LessOrEqual(t, s.startOffset, s.endOffset)
		assert.LessOrEqual(t, s.endOffset, len(text))
		assert.Equal(t, text[s.startOffset:s.endOffset], s.text)
	}
}

func TestIndexDocumentsBatches(t *testing.T) {
	ix := newTestIndexer(t)
	docs := []shardstore.Document{
		{ID: "a", Text: "Alpha sentence here."},
		{ID: "b", Text: "Beta sentence there."},
	}
	statuses, err := ix.IndexDocuments(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
}
