package queryengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexshard/vexshard/internal/embedcache"
	"github.com/vexshard/vexshard/internal/ranking"
	"github.com/vexshard/vexshard/internal/router"
	"github.com/vexshard/vexshard/internal/strategy"
)

type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(string) ([]float32, error) { return f.vec, nil }
func (f fixedEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type singleStrategyProvider struct{ s strategy.Strategy }

func (p singleStrategyProvider) StrategyFor(string) (strategy.Strategy, error) { return p.s, nil }

func newTestEngine(t *testing.T) (*Engine, *router.Router) {
	t.Helper()
	dir := t.TempDir()
	r, err := router.Open(router.Options{
		RoutingDBPath:  filepath.Join(dir, "routing"),
		Dim:            4,
		StoragePath:    filepath.Join(dir, "shards"),
		TargetSize:     100,
		SplitThreshold: -2, // never split for this test: always reuse the one shard
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	info, err := r.RouteInsert([]float32{0.1, 0.2, 0.3, 0.4})
	require.NoError(t, err)

	strat, err := strategy.New(strategy.DefaultOptions(strategy.KindCentroid, 4))
	require.NoError(t, err)
	require.NoError(t, strat.IndexDocument("doc1", []float32{0.1, 0.2, 0.3, 0.4}, nil))
	_ = info

	cache := embedcache.New(fixedEmbedder{vec: []float32{0.1, 0.2, 0.3, 0.4}}, 100, time.Hour)
	eng := New(cache, r, singleStrategyProvider{s: strat}, nil, nil)
	return eng, r
}

func TestExecuteQueryReturnsIndexedDocument(t *testing.T) {
	eng, _ := newTestEngine(t)
	results, err := eng.ExecuteQuery(context.Background(), "anything", Options{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc1", results[0].ID)
}

func TestExecuteQueryCachesSecondCall(t *testing.T) {
	eng, _ := newTestEngine(t)
	opts := Options{Limit: 5}
	first, err := eng.ExecuteQuery(context.Background(), "anything", opts)
	require.NoError(t, err)
	second, err := eng.ExecuteQuery(context.Background(), "anything", opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestForceVectorOnlyBypassesOtherScorers(t *testing.T) {
	eng, _ := newTestEngine(t)
	results, err := eng.ExecuteQuery(context.Background(), "anything", Options{Limit: 5, ForceVectorOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Len(t, results[0].Scores, 1)
	_, ok := results[0].Scores["vector_similarity"]
	assert.True(t, ok)
}

func TestDefaultRankerUsesAllScorersWhenNotForced(t *testing.T) {
	r := DefaultRanker(Options{Fusion: ranking.FusionWeightedSum})
	assert.Len(t, r.Scorers, 4)
}
