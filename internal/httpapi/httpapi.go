// Package httpapi implements the HTTP surface from spec §6 over
// stdlib net/http and http.NewServeMux, following the reference
// tree's pkg/server/server.go buildRouter/middleware-chain shape
// (logging, panic recovery) narrowed to vexshard's twelve routes.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/vexshard/vexshard/internal/federatedsql"
	"github.com/vexshard/vexshard/internal/indexer"
	"github.com/vexshard/vexshard/internal/queryengine"
	"github.com/vexshard/vexshard/internal/router"
)

// Server wires the Query Engine, Indexer, Router, and Federated SQL
// executor behind the spec's HTTP contract.
type Server struct {
	Query      *queryengine.Engine
	Indexer    *indexer.Indexer
	Router     *router.Router
	Federated  *federatedsql.Executor
	CacheStats func() (hits, misses int64)

	logr          *log.Logger
	requestCount  int64
	errorCount    int64
}

// New constructs a Server.
func New(query *queryengine.Engine, ix *indexer.Indexer, r *router.Router, federated *federatedsql.Executor, cacheStats func() (int64, int64)) *Server {
	return &Server{
		Query:      query,
		Indexer:    ix,
		Router:     r,
		Federated:  federated,
		CacheStats: cacheStats,
		logr:       log.New(log.Writer(), "[httpapi] ", log.LstdFlags),
	}
}

// Handler builds the full mux wrapped in logging/recovery middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/search/hybrid", s.handleSearchHybrid)
	mux.HandleFunc("/api/search/grounded", s.handleSearchGrounded)
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/analytics", s.handleAnalytics)
	mux.HandleFunc("/api/documents", s.handleDocuments)
	mux.HandleFunc("/api/documents/", s.handleDocumentByID)
	mux.HandleFunc("/api/shards", s.handleShards)
	mux.HandleFunc("/api/admin/refresh-duckdb", s.handleRefreshDuckDB)
	mux.HandleFunc("/api/admin/clear-cache", s.handleClearCache)
	mux.HandleFunc("/api/metrics", s.handleMetrics)

	return s.recoveryMiddleware(s.loggingMiddleware(mux))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/health" {
			s.logr.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				s.logr.Printf("panic: %v\n%s", rec, buf[:n])
				s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("%v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, reason string) {
	s.writeJSON(w, status, map[string]any{"error": reason})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, "ok")
}

type searchRequest struct {
	Query         string   `json:"query"`
	Limit         uint32   `json:"limit"`
	MinSimilarity float32  `json:"min_similarity"`
	ShardLimit    uint32   `json:"shard_limit"`
	Where         string   `json:"where"`
	Level         string   `json:"level"`
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil || req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_input: missing query")
		return
	}
	results, err := s.Query.ExecuteQuery(r.Context(), req.Query, queryengine.Options{
		Limit:         req.Limit,
		MinSimilarity: req.MinSimilarity,
		ShardLimit:    req.ShardLimit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results, "path": "hot"})
}

func (s *Server) handleSearchHybrid(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil || req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_input: missing query")
		return
	}
	results, err := s.Query.ExecuteQuery(r.Context(), req.Query, queryengine.Options{
		Limit:         req.Limit,
		MinSimilarity: req.MinSimilarity,
		ShardLimit:    req.ShardLimit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Where != "" {
		results, err = s.filterByPredicate(r.Context(), results, req.Where)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results, "path": "hot"})
}

// filterByPredicate narrows vector search results down to documents
// that also satisfy a SQL predicate, evaluating it across every shard
// through the Federated SQL executor and intersecting the returned
// document ids against the vector candidate set.
func (s *Server) filterByPredicate(ctx context.Context, results []queryengine.Result, where string) ([]queryengine.Result, error) {
	rows, err := s.Federated.Execute(ctx, "SELECT id FROM documents WHERE "+where, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid_input: where predicate: %w", err)
	}
	allowed := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			allowed[id] = struct{}{}
		}
	}
	out := make([]queryengine.Result, 0, len(results))
	for _, res := range results {
		if _, ok := allowed[res.DocID]; ok {
			out = append(out, res)
		}
	}
	return out, nil
}

func (s *Server) handleSearchGrounded(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil || req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_input: missing query")
		return
	}
	results, err := s.Query.ExecuteQuery(r.Context(), req.Query, queryengine.Options{
		Limit:          req.Limit,
		MinSimilarity:  req.MinSimilarity,
		ShardLimit:     req.ShardLimit,
		ExpandContext:  true,
		GroundingLevel: req.Level,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results, "level": req.Level})
}

type sqlRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows, err := s.Federated.Execute(r.Context(), req.SQL, req.Params)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": rows})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows, err := s.Federated.Execute(r.Context(), req.SQL, req.Params)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": rows, "path": "warm", "engine": "duckdb"})
}

type documentRequest struct {
	ID        string           `json:"id"`
	Text      string           `json:"text"`
	Metadata  map[string]any   `json:"metadata"`
	Documents []documentRequest `json:"documents"`
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusBadRequest, "invalid_input: method not allowed")
		return
	}
	var req documentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_input: malformed body")
		return
	}
	if len(req.Documents) > 0 {
		docs := make([]struct {
			ID       string
			Text     string
			Metadata map[string]any
		}, len(req.Documents))
		for i, d := range req.Documents {
			docs[i] = struct {
				ID       string
				Text     string
				Metadata map[string]any
			}{d.ID, d.Text, d.Metadata}
		}
		for _, d := range docs {
			if _, err := s.Indexer.IndexDocument(r.Context(), d.ID, d.Text, d.Metadata); err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		s.writeJSON(w, http.StatusCreated, map[string]any{"status": "indexed", "count": len(docs)})
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_input: missing id")
		return
	}
	status, err := s.Indexer.IndexDocument(r.Context(), req.ID, req.Text, req.Metadata)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusBadRequest, "invalid_input: method not allowed")
		return
	}
	id := r.URL.Path[len("/api/documents/"):]
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_input: missing id")
		return
	}
	for _, shard := range s.Router.ListAllShards() {
		if err := s.Indexer.DeleteDocument(r.Context(), shard, id); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	shards := s.Router.ListAllShards()
	type shardView struct {
		ID         string `json:"id"`
		Path       string `json:"path"`
		DocCount   int    `json:"doc_count"`
		QueryCount int    `json:"query_count"`
	}
	views := make([]shardView, len(shards))
	for i, sh := range shards {
		views[i] = shardView{ID: sh.ID, Path: sh.Path, DocCount: sh.DocCount, QueryCount: sh.QueryCount}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"shards": views, "count": len(views)})
}

func (s *Server) handleRefreshDuckDB(w http.ResponseWriter, r *http.Request) {
	// The DuckDB analytic bridge is an external collaborator (§1
	// non-goals); refreshing it is a no-op acknowledgement here.
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed"})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.Query != nil && s.Query.Embeddings != nil {
		s.Query.Embeddings.ResetState()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var hits, misses int64
	if s.CacheStats != nil {
		hits, misses = s.CacheStats()
	}
	shards := s.Router.ListAllShards()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cache_hits":    hits,
		"cache_misses":  misses,
		"shard_count":   len(shards),
		"duckdb_shards": 0,
	})
}

// Serve starts the HTTP server and blocks until ctx is canceled, then
// drains in-flight requests within the given grace period.
func Serve(ctx context.Context, addr string, handler http.Handler, gracePeriod time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
