// Package queryengine implements the Query Engine (C7): the hot-path
// pipeline that turns query text into ranked, optionally grounded
// results, fanning out across shards concurrently via
// golang.org/x/sync/errgroup the same way the reference tree's
// pkg/search/search.go bounds its per-shard goroutines.
package queryengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vexshard/vexshard/internal/embedcache"
	"github.com/vexshard/vexshard/internal/ranking"
	"github.com/vexshard/vexshard/internal/router"
	"github.com/vexshard/vexshard/internal/shardstore"
	"github.com/vexshard/vexshard/internal/strategy"
)

// StrategyProvider resolves the strategy instance that owns a given
// shard's index state. Each shard is a single-writer actor over its
// own strategy state, per the concurrency model.
type StrategyProvider interface {
	StrategyFor(shardID string) (strategy.Strategy, error)
}

// Reference is the grounding provenance attached to a result when
// expand_context is requested.
type Reference struct {
	DocID         string
	StartOffset   int
	EndOffset     int
	ParentContext string
}

// Result is one entry of a query response.
type Result struct {
	ID         string
	DocID      string
	Text       string
	Similarity float32
	FinalScore float32
	Scores     map[string]float32
	Metadata   map[string]any
	Grounding  *Reference
}

// Options configures one execute_query call.
type Options struct {
	Limit         uint32
	MinSimilarity float32
	ShardLimit    uint32
	Fusion        ranking.Fusion
	Weights       map[string]float32
	ForceVectorOnly bool
	ExpandContext bool
	GroundingLevel string
	TTL           time.Duration
}

func (o Options) normalized() Options {
	if o.Limit == 0 {
		o.Limit = 20
	}
	if o.Fusion == "" {
		o.Fusion = ranking.FusionWeightedSum
	}
	if o.TTL == 0 {
		o.TTL = 5 * time.Minute
	}
	return o
}

type cacheEntry struct {
	results []Result
	expires time.Time
}

// Engine wires the EmbeddingCache, Router, per-shard Strategy
// instances, Store (for chunk-text join and grounding) and Ranker
// together into execute_query.
type Engine struct {
	Embeddings *embedcache.Cache
	Router     *router.Router
	Strategies StrategyProvider
	Store      *shardstore.Store
	NewRanker  func(Options) *ranking.Ranker

	perShardTimeout time.Duration

	mu           sync.Mutex
	resultCache  map[string]cacheEntry
	logr         *log.Logger
}

// New constructs an Engine. newRanker builds a Ranker configured for
// one query's fusion/weights/min_score; passing nil uses
// DefaultRanker.
func New(embeddings *embedcache.Cache, r *router.Router, strategies StrategyProvider, store *shardstore.Store, newRanker func(Options) *ranking.Ranker) *Engine {
	if newRanker == nil {
		newRanker = DefaultRanker
	}
	return &Engine{
		Embeddings:      embeddings,
		Router:          r,
		Strategies:      strategies,
		Store:           store,
		NewRanker:       newRanker,
		perShardTimeout: 5 * time.Second,
		resultCache:     make(map[string]cacheEntry),
		logr:            log.New(log.Writer(), "[queryengine] ", log.LstdFlags),
	}
}

// DefaultRanker builds a Ranker using all four built-in scorers
// weighted equally, or only VectorSimilarity when ForceVectorOnly is
// set (the force_engine: :vector_search bypass).
func DefaultRanker(opts Options) *ranking.Ranker {
	var scorers []ranking.Scorer
	if opts.ForceVectorOnly {
		scorers = []ranking.Scorer{ranking.VectorSimilarityScorer{W: 1}}
	} else {
		scorers = []ranking.Scorer{
			ranking.VectorSimilarityScorer{W: 1},
			ranking.PageRankScorer{W: 1},
			ranking.FreshnessScorer{W: 1},
			&ranking.TextMatchScorer{W: 1},
		}
	}
	return &ranking.Ranker{
		Scorers:  scorers,
		Weights:  opts.Weights,
		Fusion:   opts.Fusion,
		MinScore: opts.MinSimilarity,
	}
}

func cacheKey(text string, opts Options) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte(strconv.FormatUint(uint64(opts.Limit), 10)))
	h.Write([]byte(opts.Fusion))
	for k, v := range opts.Weights {
		h.Write([]byte(k))
		h.Write([]byte(strconv.FormatFloat(float64(v), 'f', -1, 32)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ExecuteQuery runs the full hot-path pipeline: cache lookup, embed,
// route, concurrent per-shard find_candidates, union, rank, optional
// grounding, cache store.
func (e *Engine) ExecuteQuery(ctx context.Context, text string, opts Options) ([]Result, error) {
	opts = opts.normalized()
	key := cacheKey(text, opts)

	e.mu.Lock()
	if entry, ok := e.resultCache[key]; ok && time.Now().Before(entry.expires) {
		e.mu.Unlock()
		return entry.results, nil
	}
	e.mu.Unlock()

	embedding, err := e.Embeddings.GetOrCompute(text)
	if err != nil {
		return nil, fmt.Errorf("invalid_input: embedding query: %w", err)
	}

	shards, err := e.Router.RouteQuery(embedding, opts.ShardLimit)
	if err != nil {
		return nil, err
	}

	perShardLimit := opts.Limit * 2
	if perShardLimit < 32 {
		perShardLimit = 32
	}

	candidates, err := e.gatherCandidates(ctx, shards, embedding, perShardLimit, opts)
	if err != nil {
		return nil, err
	}

	ranked := e.rankCandidates(candidates, text, opts)

	if opts.ExpandContext {
		e.attachGrounding(ctx, ranked)
	}

	e.mu.Lock()
	e.resultCache[key] = cacheEntry{results: ranked, expires: time.Now().Add(opts.TTL)}
	e.mu.Unlock()

	return ranked, nil
}

func (e *Engine) gatherCandidates(ctx context.Context, shards []router.ShardInfo, embedding []float32, perShardLimit uint32, opts Options) ([]ranking.Candidate, error) {
	type shardResult struct {
		candidates []strategy.Candidate
		shardID    string
		shardPath  string
	}
	results := make([]shardResult, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			strat, err := e.Strategies.StrategyFor(shard.ID)
			if err != nil {
				e.logr.Printf("shard %s: no strategy: %v", shard.ID, err)
				return nil
			}
			shardCtx, cancel := context.WithTimeout(gctx, e.perShardTimeout)
			defer cancel()
			cands, err := findWithTimeout(shardCtx, strat, embedding, strategy.FindOpts{
				Limit:         perShardLimit,
				MinSimilarity: opts.MinSimilarity,
				ShardLimit:    opts.ShardLimit,
			})
			if err != nil {
				e.logr.Printf("shard %s: find_candidates: %v", shard.ID, err)
				return nil
			}
			results[i] = shardResult{candidates: cands, shardID: shard.ID, shardPath: shard.Path}
			return nil
		})
	}
	// errgroup.Go never actually returns an error above (failures are
	// logged, not propagated), matching the spec's "timed-out shards
	// contribute the empty list" partial-failure policy.
	_ = g.Wait()

	var all []ranking.Candidate
	for _, r := range results {
		for _, c := range r.candidates {
			rc := ranking.Candidate{
				ID:         c.ID,
				Similarity: c.Similarity,
				Metadata:   c.Metadata,
			}
			if e.Store != nil {
				if docID, parentID, txt, _, _, err := e.Store.ChunkText(ctx, r.shardPath, c.ID); err == nil {
					rc.DocID = docID
					rc.Text = txt
					if rc.Metadata == nil {
						rc.Metadata = map[string]any{}
					}
					rc.Metadata["parent_id"] = parentID
					rc.Metadata["shard_path"] = r.shardPath
				}
			}
			all = append(all, rc)
		}
	}
	return all, nil
}

// findWithTimeout runs find_candidates, respecting ctx's deadline by
// racing it against the call; strategies themselves are synchronous,
// so a timed-out call still returns empty to the caller without
// leaking a goroutine watching it.
func findWithTimeout(ctx context.Context, strat strategy.Strategy, embedding []float32, opts strategy.FindOpts) ([]strategy.Candidate, error) {
	type result struct {
		cands []strategy.Candidate
		err   error
	}
	done := make(chan result, 1)
	go func() {
		cands, err := strat.FindCandidates(embedding, opts)
		done <- result{cands, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.cands, r.err
	}
}

func (e *Engine) rankCandidates(candidates []ranking.Candidate, queryText string, opts Options) []Result {
	r := e.NewRanker(opts)
	for _, s := range r.Scorers {
		if tm, ok := s.(*ranking.TextMatchScorer); ok {
			texts := make([]string, len(candidates))
			for i, c := range candidates {
				texts[i] = c.Text
			}
			tm.SetCorpus(texts)
		}
	}
	rctx := ranking.Context{
		QueryTerms: ranking.TokenizeQuery(queryText),
		Now:        time.Now(),
	}
	ranked := r.Rank(candidates, rctx)

	out := make([]Result, len(ranked))
	for i, c := range ranked {
		out[i] = Result{
			ID:         c.ID,
			DocID:      c.DocID,
			Text:       c.Text,
			Similarity: c.Similarity,
			FinalScore: c.FinalScore,
			Scores:     c.Scores,
			Metadata:   c.Metadata,
		}
	}
	return out
}

func (e *Engine) attachGrounding(ctx context.Context, results []Result) {
	if e.Store == nil {
		return
	}
	for i := range results {
		md := results[i].Metadata
		if md == nil {
			continue
		}
		shardPath, _ := md["shard_path"].(string)
		parentID, _ := md["parent_id"].(string)
		if shardPath == "" || parentID == "" {
			continue
		}
		docID, _, parentText, start, end, err := e.Store.ChunkText(ctx, shardPath, parentID)
		if err != nil {
			continue
		}
		results[i].Grounding = &Reference{
			DocID:         docID,
			StartOffset:   start,
			EndOffset:     end,
			ParentContext: parentText,
		}
	}
}
