// Package router implements the Shard Router (C4): centroid-based
// placement, top-K shard selection for queries, and periodic/rebalance
// maintenance. Routing state is persisted in a BadgerDB instance at
// ROUTING_DB_PATH, reusing the reference tree's transactional
// db.Update(func(txn *badger.Txn) error {...}) idiom from
// pkg/storage/badger.go, repointed from graph nodes to shard records.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/vexshard/vexshard/internal/vexkernel"
)

// ShardInfo mirrors the spec's Shard entity.
type ShardInfo struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	DocCount     int       `json:"doc_count"`
	QueryCount   int       `json:"query_count"`
	Centroid     []float32 `json:"centroid"`
	CentroidNorm float32   `json:"centroid_norm"`
}

const shardKeyPrefix = "shard:"

// Router is the single-writer actor owning all shard placement
// decisions and their persisted centroid state.
type Router struct {
	mu          sync.RWMutex
	db          *badger.DB
	dim         int
	storagePath string
	targetSize  int
	splitCos    float32
	shards      map[string]*ShardInfo
	logr        *log.Logger
}

// Options configures Router construction.
type Options struct {
	RoutingDBPath  string
	Dim            int
	StoragePath    string
	TargetSize     int
	SplitThreshold float32
}

// Open opens (or creates) the routing database and loads any persisted
// shard records into memory.
func Open(opts Options) (*Router, error) {
	bopts := badger.DefaultOptions(opts.RoutingDBPath).WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("storage_error: opening routing db: %w", err)
	}
	r := &Router{
		db:          db,
		dim:         opts.Dim,
		storagePath: opts.StoragePath,
		targetSize:  defaultInt(opts.TargetSize, 10000),
		splitCos:    defaultFloat(opts.SplitThreshold, 0.5),
		shards:      make(map[string]*ShardInfo),
		logr:        log.New(log.Writer(), "[router] ", log.LstdFlags),
	}
	if err := r.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultFloat(v, fallback float32) float32 {
	if v == 0 {
		return fallback
	}
	return v
}

func (r *Router) loadAll() error {
	return r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(shardKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info ShardInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			r.shards[info.ID] = &info
		}
		return nil
	})
}

func (r *Router) persist(info *ShardInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("serialization_error: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(shardKeyPrefix+info.ID), data)
	})
}

func (r *Router) deletePersisted(id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(shardKeyPrefix + id))
	})
}

// RouteInsert decides which shard should own embedding, allocating a
// new shard when no shard is close enough (cosine below the split
// threshold) or the closest is at capacity. It updates the shard's
// centroid by incremental mean and returns the chosen shard's info.
func (r *Router) RouteInsert(embedding []float32) (*ShardInfo, error) {
	if len(embedding) != r.dim {
		return nil, &vexkernel.ErrDimensionMismatch{Expected: r.dim, Got: len(embedding)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *ShardInfo
	bestCos := float32(-2)
	for _, s := range r.shards {
		if s.DocCount == 0 {
			continue
		}
		cos := vexkernel.Cosine(embedding, s.Centroid)
		if cos > bestCos {
			bestCos, best = cos, s
		}
	}

	if best == nil || best.DocCount >= r.targetSize || bestCos < r.splitCos {
		id := uuid.NewString()
		best = &ShardInfo{
			ID:       id,
			Path:     filepath.Join(r.storagePath, id, "shard.db"),
			Centroid: append([]float32(nil), embedding...),
		}
		r.shards[id] = best
	}

	best.DocCount++
	for i := range best.Centroid {
		best.Centroid[i] += (embedding[i] - best.Centroid[i]) / float32(best.DocCount)
	}
	best.CentroidNorm = vexkernel.Norm(best.Centroid)
	if err := r.persist(best); err != nil {
		return nil, err
	}
	return best, nil
}

// RouteQuery ranks every shard by cosine to the query embedding,
// descending, truncated to shardLimit (0 means "all").
func (r *Router) RouteQuery(embedding []float32, shardLimit uint32) ([]ShardInfo, error) {
	if len(embedding) != r.dim {
		return nil, &vexkernel.ErrDimensionMismatch{Expected: r.dim, Got: len(embedding)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	type ranked struct {
		info *ShardInfo
		cos  float32
	}
	all := make([]ranked, 0, len(r.shards))
	for _, s := range r.shards {
		all = append(all, ranked{s, vexkernel.Cosine(embedding, s.Centroid)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].cos > all[j].cos })

	if shardLimit == 0 {
		shardLimit = uint32(math.Log2(float64(maxInt(len(all), 1)))) + 1
	}
	if uint32(len(all)) > shardLimit {
		all = all[:shardLimit]
	}

	out := make([]ShardInfo, len(all))
	for i, a := range all {
		a.info.QueryCount++
		out[i] = *a.info
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ListAllShards returns every shard's current info, sorted by id for
// deterministic output.
func (r *Router) ListAllShards() []ShardInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ShardInfo, 0, len(r.shards))
	for _, s := range r.shards {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListShardPaths returns every shard's on-disk path keyed by id, the
// minimal directory the Federated SQL executor needs to fan a query
// out across all shards.
func (r *Router) ListShardPaths() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.shards))
	for id, s := range r.shards {
		out[id] = s.Path
	}
	return out
}

// VectorSource supplies the ground-truth embeddings owned by a shard,
// used both by RoutingMaintenance (to recompute drifted centroids) and
// Rebalance (to split an oversized shard). The Shard/Cell Store is the
// concrete implementation a caller wires in.
type VectorSource interface {
	ShardVectors(ctx context.Context, shardID string) (ids []string, vectors [][]float32, err error)
}

// RowMigrator physically relocates a shard's document/chunk/vector
// rows from one on-disk shard path to another, keyed by chunk id.
// Rebalance uses it to carry a split shard's actual data into its two
// successor shards; the Shard/Cell Store is the concrete
// implementation a caller wires in.
type RowMigrator interface {
	MigrateChunks(ctx context.Context, fromPath, toPath string, chunkIDs []string) error
}

// RunMaintenance recomputes every shard's centroid from ground truth
// once, correcting any drift accumulated between incremental updates.
// Callers run this on a periodic ticker (see StartMaintenanceLoop).
func (r *Router) RunMaintenance(ctx context.Context, src VectorSource) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.shards))
	for id := range r.shards {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_, vectors, err := src.ShardVectors(ctx, id)
		if err != nil {
			r.logr.Printf("maintenance: shard %s: %v", id, err)
			continue
		}
		if len(vectors) == 0 {
			continue
		}
		centroid := mean(vectors, r.dim)
		r.mu.Lock()
		if s, ok := r.shards[id]; ok {
			s.Centroid = centroid
			s.CentroidNorm = vexkernel.Norm(centroid)
			s.DocCount = len(vectors)
			_ = r.persist(s)
		}
		r.mu.Unlock()
	}
	return nil
}

// StartMaintenanceLoop launches RunMaintenance on a ticker until ctx is
// canceled. n is the tick interval as a time.Duration (pass
// N*time.Minute for a once-per-N-minutes cadence).
func (r *Router) StartMaintenanceLoop(ctx context.Context, src VectorSource, n time.Duration) {
	ticker := time.NewTicker(n)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RunMaintenance(ctx, src); err != nil {
					r.logr.Printf("maintenance loop: %v", err)
				}
			}
		}
	}()
}

func mean(vectors [][]float32, dim int) []float32 {
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	if len(vectors) == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(sum[i] / float64(len(vectors)))
	}
	return out
}

// Rebalance splits every shard whose doc_count exceeds 2*target: its
// embeddings are clustered with k=2 k-means, producing two new shards.
// mover physically copies each half's document/chunk/vector rows into
// the corresponding new shard path before the old shard is tombstoned
// (removed from routing), so the split never orphans data.
func (r *Router) Rebalance(ctx context.Context, src VectorSource, mover RowMigrator) error {
	r.mu.RLock()
	candidates := make([]*ShardInfo, 0)
	for _, s := range r.shards {
		if s.DocCount > 2*r.targetSize {
			candidates = append(candidates, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		ids, vectors, err := src.ShardVectors(ctx, s.ID)
		if err != nil || len(vectors) < 2 {
			continue
		}
		centroids := vexkernel.KMeans(vectors, 2, r.dim, 20)
		newA := &ShardInfo{ID: uuid.NewString(), Centroid: centroids[0]}
		newB := &ShardInfo{ID: uuid.NewString(), Centroid: centroids[1]}
		newA.Path = filepath.Join(r.storagePath, newA.ID, "shard.db")
		newB.Path = filepath.Join(r.storagePath, newB.ID, "shard.db")

		var idsA, idsB []string
		for i, v := range vectors {
			if vexkernel.L2Sq(v, centroids[1]) < vexkernel.L2Sq(v, centroids[0]) {
				newB.DocCount++
				idsB = append(idsB, ids[i])
			} else {
				newA.DocCount++
				idsA = append(idsA, ids[i])
			}
		}
		newA.CentroidNorm = vexkernel.Norm(newA.Centroid)
		newB.CentroidNorm = vexkernel.Norm(newB.Centroid)

		if len(idsA) > 0 {
			if err := mover.MigrateChunks(ctx, s.Path, newA.Path, idsA); err != nil {
				return fmt.Errorf("storage_error: migrating shard %s into %s: %w", s.ID, newA.ID, err)
			}
		}
		if len(idsB) > 0 {
			if err := mover.MigrateChunks(ctx, s.Path, newB.Path, idsB); err != nil {
				return fmt.Errorf("storage_error: migrating shard %s into %s: %w", s.ID, newB.ID, err)
			}
		}

		r.mu.Lock()
		r.shards[newA.ID] = newA
		r.shards[newB.ID] = newB
		delete(r.shards, s.ID)
		r.mu.Unlock()

		if err := r.persist(newA); err != nil {
			return err
		}
		if err := r.persist(newB); err != nil {
			return err
		}
		if err := r.deletePersisted(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the routing database handle.
func (r *Router) Close() error { return r.db.Close() }
