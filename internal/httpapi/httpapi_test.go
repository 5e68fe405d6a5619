package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexshard/vexshard/internal/embedcache"
	"github.com/vexshard/vexshard/internal/federatedsql"
	"github.com/vexshard/vexshard/internal/indexer"
	"github.com/vexshard/vexshard/internal/queryengine"
	"github.com/vexshard/vexshard/internal/router"
	"github.com/vexshard/vexshard/internal/shardstore"
	"github.com/vexshard/vexshard/internal/strategy"
)

type constEmbedder struct{ dim int }

func (c constEmbedder) Embed(text string) ([]float32, error) {
	v := make([]float32, c.dim)
	v[0] = 1
	return v, nil
}
func (c constEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = c.Embed(texts[i])
	}
	return out, nil
}

type poolProvider struct {
	dim  int
	pool map[string]strategy.Strategy
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

func newTestServer(t *testing.T) *Server {
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

	cache := embedcache.New(constEmbedder{dim: 4}, 100, time.Hour)
	provider := &poolProvider{dim: 4, pool: make(map[string]strategy.Strategy)}
	ix := indexer.New(cache, r, provider, store)
	qe := queryengine.New(cache, r, provider, store, nil)
	fed := federatedsql.New(r, store)

	return New(qe, ix, r, fed, func() (int64, int64) { return cache.Stats().Hits, cache.Stats().Misses })
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"query": ""})
	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentsCreateAndSearch(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"id": "doc1", "text": "hello world"})
	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	searchBody, _ := json.Marshal(map[string]any{"query": "hello world"})
	searchReq := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(searchBody))
	searchRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(searchRec, searchReq)
	assert.Equal(t, http.StatusOK, searchRec.Code)
}

func TestSearchHybridWhereNarrowsResults(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"id": "doc1", "text": "hello world"})
	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	matchBody, _ := json.Marshal(map[string]any{"query": "hello world", "where": "id = 'doc1'"})
	matchReq := httptest.NewRequest(http.MethodPost, "/api/search/hybrid", bytes.NewReader(matchBody))
	matchRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(matchRec, matchReq)
	require.Equal(t, http.StatusOK, matchRec.Code)
	var matchResp struct {
		Results []queryengine.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(matchRec.Body.Bytes(), &matchResp))
	assert.NotEmpty(t, matchResp.Results)

	missBody, _ := json.Marshal(map[string]any{"query": "hello world", "where": "id = 'doc2'"})
	missReq := httptest.NewRequest(http.MethodPost, "/api/search/hybrid", bytes.NewReader(missBody))
	missRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(missRec, missReq)
	require.Equal(t, http.StatusOK, missRec.Code)
	var missResp struct {
		Results []queryengine.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(missRec.Body.Bytes(), &missResp))
	assert.Empty(t, missResp.Results)
}

func TestShardsEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/shards", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
