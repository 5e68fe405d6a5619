// Package main provides the vexshard CLI entry point.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vexshard/vexshard/internal/config"
	"github.com/vexshard/vexshard/internal/embedcache"
	"github.com/vexshard/vexshard/internal/federatedsql"
	"github.com/vexshard/vexshard/internal/httpapi"
	"github.com/vexshard/vexshard/internal/indexer"
	"github.com/vexshard/vexshard/internal/queryengine"
	"github.com/vexshard/vexshard/internal/router"
	"github.com/vexshard/vexshard/internal/shardstore"
	"github.com/vexshard/vexshard/internal/strategy"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// hashEmbedder is a deterministic stand-in for the real embedding
// model, which the spec treats as an opaque external collaborator
// (text -> vector) out of CORE's scope. It lets vexshard run
// end-to-end without a network dependency; production deployments
// wire in a real Embedder.
type hashEmbedder struct{ dim int }

func (h hashEmbedder) Embed(text string) ([]float32, error) {
	v := make([]float32, h.dim)
	sum := sha256.Sum256([]byte(text))
	for i := range v {
		b := sum[i%len(sum):]
		if len(b) >= 4 {
			v[i] = float32(binary.BigEndian.Uint32(b[:4])) / float32(1<<32)
		}
	}
	return v, nil
}

func (h hashEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = h.Embed(t)
	}
	return out, nil
}

type strategyPool struct {
	dim  int
	kind strategy.Kind
	pool map[string]strategy.Strategy
}

func newStrategyPool(kind strategy.Kind, dim int) *strategyPool {
	return &strategyPool{dim: dim, kind: kind, pool: make(map[string]strategy.Strategy)}
}

func (p *strategyPool) StrategyFor(shardID string) (strategy.Strategy, error) {
	if s, ok := p.pool[shardID]; ok {
		return s, nil
	}
	s, err := strategy.New(strategy.DefaultOptions(p.kind, p.dim))
	if err != nil {
		return nil, err
	}
	p.pool[shardID] = s
	return s, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "vexshard",
		Short: "vexshard - pluggable vector-index search engine",
		Long: `vexshard is a hybrid document search engine core: sharded
approximate-nearest-neighbor search (Centroid, Quantized, HNSW,
Binary, IVF, PQ) fused with ranking and federated SQL analytics.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vexshard v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the vexshard HTTP server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	shardCmd := &cobra.Command{
		Use:   "shard",
		Short: "Shard administration",
	}
	shardCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all shards",
		RunE:  runShardList,
	})
	shardCmd.AddCommand(&cobra.Command{
		Use:   "rebalance",
		Short: "Split any oversized shards",
		RunE:  runShardRebalance,
	})
	rootCmd.AddCommand(shardCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildEngine(cfg *config.Config) (*router.Router, *shardstore.Store, *strategyPool, *embedcache.Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, nil, err
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage_error: creating storage path: %w", err)
	}

	r, err := router.Open(router.Options{
		RoutingDBPath: cfg.RoutingDBPath,
		Dim:           cfg.EmbeddingDim,
		StoragePath:   cfg.StoragePath,
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage_error: opening router: %w", err)
	}

	store := shardstore.New()
	kind := strategyKindFromName(cfg.IndexStrategy)
	pool := newStrategyPool(kind, cfg.EmbeddingDim)
	cache := embedcache.New(hashEmbedder{dim: cfg.EmbeddingDim}, 10000, time.Hour)

	return r, store, pool, cache, nil
}

func strategyKindFromName(name string) strategy.Kind {
	switch name {
	case "quantized":
		return strategy.KindQuantized
	case "hnsw":
		return strategy.KindHNSW
	case "binary":
		return strategy.KindBinary
	case "ivf":
		return strategy.KindIVF
	case "pq":
		return strategy.KindPQ
	default:
		return strategy.KindCentroid
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()

	r, store, pool, cache, err := buildEngine(cfg)
	if err != nil {
		if cfg.Validate() != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
		os.Exit(2)
	}
	defer r.Close()
	defer store.Close()

	ix := indexer.New(cache, r, pool, store)
	qe := queryengine.New(cache, r, pool, store, nil)
	fed := federatedsql.New(r, store)

	srv := httpapi.New(qe, ix, r, fed, func() (int64, int64) {
		stats := cache.Stats()
		return stats.Hits, stats.Misses
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Port)
	fmt.Printf("vexshard listening on %s (strategy=%s, dim=%d)\n", addr, cfg.IndexStrategy, cfg.EmbeddingDim)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpapi.Serve(ctx, addr, srv.Handler(), 30*time.Second)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
			os.Exit(2)
		}
	case <-ctx.Done():
		fmt.Println("shutting down...")
		if err := <-errCh; err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		}
	}
	return nil
}

func runShardList(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	r, err := router.Open(router.Options{
		RoutingDBPath: cfg.RoutingDBPath,
		Dim:           cfg.EmbeddingDim,
		StoragePath:   cfg.StoragePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
		os.Exit(2)
	}
	defer r.Close()

	for _, s := range r.ListAllShards() {
		fmt.Printf("%s\t%s\tdocs=%d\tqueries=%d\n", s.ID, filepath.Base(s.Path), s.DocCount, s.QueryCount)
	}
	return nil
}

func runShardRebalance(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	r, err := router.Open(router.Options{
		RoutingDBPath: cfg.RoutingDBPath,
		Dim:           cfg.EmbeddingDim,
		StoragePath:   cfg.StoragePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
		os.Exit(2)
	}
	defer r.Close()

	store := shardstore.New()
	defer store.Close()

	adapter := routerVectorSource{store: store, paths: r.ListShardPaths()}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Rebalance(ctx, adapter, store); err != nil {
		fmt.Fprintf(os.Stderr, "rebalance error: %v\n", err)
		os.Exit(2)
	}
	fmt.Println("rebalance complete")
	return nil
}

// routerVectorSource adapts the Shard/Cell Store to router.VectorSource
// by resolving a shard id to its on-disk path and reading its
// persisted vectors back out of vec_chunks.
type routerVectorSource struct {
	store *shardstore.Store
	paths map[string]string
}

func (a routerVectorSource) ShardVectors(ctx context.Context, shardID string) ([]string, [][]float32, error) {
	path, ok := a.paths[shardID]
	if !ok {
		return nil, nil, fmt.Errorf("shard_unavailable: unknown shard %s", shardID)
	}
	return a.store.ShardVectors(ctx, path)
}
