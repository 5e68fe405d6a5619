package strategy

import (
	"math"
	"sort"
	"sync"

	"github.com/vexshard/vexshard/internal/vexkernel"
)

// centroidShard is one logical shard owned by the Centroid strategy:
// an incremental mean vector plus the ids routed to it.
type centroidShard struct {
	centroid []float32
	count    int
	vectors  map[string][]float32
	meta     map[string]map[string]any
}

// CentroidStrategy places each document on the shard whose centroid is
// closest by cosine, splitting off a new shard when no shard is close
// enough or the closest is full.
type CentroidStrategy struct {
	mu             sync.RWMutex
	dim            int
	maxShardSize   int
	splitThreshold float32
	shards         []*centroidShard
	owner          map[string]int // id -> shard index
}

// NewCentroidStrategy constructs a Centroid strategy from Options.
func NewCentroidStrategy(opts Options) *CentroidStrategy {
	return &CentroidStrategy{
		dim:            opts.Dim,
		maxShardSize:   opts.MaxShardSize,
		splitThreshold: opts.SplitThreshold,
		owner:          make(map[string]int),
	}
}

func (c *CentroidStrategy) IndexDocument(id string, embedding []float32, meta map[string]any) error {
	if len(embedding) != c.dim {
		return &vexkernel.ErrDimensionMismatch{Expected: c.dim, Got: len(embedding)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.owner[id]; ok {
		c.removeFromShard(idx, id)
	}

	target := c.selectShard(embedding)
	sh := c.shards[target]
	sh.vectors[id] = embedding
	if meta != nil {
		sh.meta[id] = meta
	}
	c.owner[id] = target
	c.updateCentroidIncremental(sh, embedding)
	return nil
}

// selectShard finds the closest shard by cosine, or allocates a new one
// when none is close enough or the closest is full.
func (c *CentroidStrategy) selectShard(v []float32) int {
	best, bestCos := -1, float32(-2)
	for i, sh := range c.shards {
		if sh.count == 0 {
			continue
		}
		cos := vexkernel.Cosine(v, sh.centroid)
		if cos > bestCos {
			bestCos, best = cos, i
		}
	}
	if best == -1 || c.shards[best].count >= c.maxShardSize || bestCos < c.splitThreshold {
		c.shards = append(c.shards, &centroidShard{
			centroid: append([]float32(nil), v...),
			vectors:  make(map[string][]float32),
			meta:     make(map[string]map[string]any),
		})
		return len(c.shards) - 1
	}
	return best
}

func (c *CentroidStrategy) updateCentroidIncremental(sh *centroidShard, v []float32) {
	sh.count++
	if sh.centroid == nil {
		sh.centroid = append([]float32(nil), v...)
		return
	}
	for i := range sh.centroid {
		sh.centroid[i] += (v[i] - sh.centroid[i]) / float32(sh.count)
	}
}

func (c *CentroidStrategy) removeFromShard(idx int, id string) {
	sh := c.shards[idx]
	delete(sh.vectors, id)
	delete(sh.meta, id)
	if sh.count > 1 {
		sh.count--
		// Recompute centroid exactly from the remaining members; the
		// incremental-mean update has no exact incremental inverse.
		sum := make([]float32, c.dim)
		for _, v := range sh.vectors {
			for i := range sum {
				sum[i] += v[i]
			}
		}
		for i := range sum {
			sh.centroid[i] = sum[i] / float32(sh.count)
		}
	} else {
		sh.count = 0
	}
}

func (c *CentroidStrategy) IndexBatch(docs []DocEmbedding) error {
	return foldIndexDocument(c, docs)
}

func (c *CentroidStrategy) DeleteDocument(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.owner[id]
	if !ok {
		return nil
	}
	c.removeFromShard(idx, id)
	delete(c.owner, id)
	return nil
}

func (c *CentroidStrategy) FindCandidates(query []float32, opts FindOpts) ([]Candidate, error) {
	if len(query) != c.dim {
		return nil, &vexkernel.ErrDimensionMismatch{Expected: c.dim, Got: len(query)}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	shardLimit := opts.ShardLimit
	if shardLimit == 0 {
		shardLimit = uint32(math.Log2(float64(maxInt(len(c.shards), 1)))) + 1
	}

	type rankedShard struct {
		idx int
		cos float32
	}
	ranked := make([]rankedShard, 0, len(c.shards))
	for i, sh := range c.shards {
		if sh.count == 0 {
			continue
		}
		ranked = append(ranked, rankedShard{i, vexkernel.Cosine(query, sh.centroid)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].cos > ranked[j].cos })
	if uint32(len(ranked)) > shardLimit {
		ranked = ranked[:shardLimit]
	}

	limit := opts.Limit
	if limit == 0 {
		limit = 20
	}
	var out []Candidate
	for _, rs := range ranked {
		sh := c.shards[rs.idx]
		for id, v := range sh.vectors {
			sim := vexkernel.Cosine(query, v)
			out = append(out, Candidate{ID: id, Similarity: sim, Metadata: sh.meta[id]})
		}
	}
	out = filterMinSimilarity(out, opts.MinSimilarity)
	sortCandidates(out)
	return truncate(out, limit), nil
}

func (c *CentroidStrategy) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		"shard_count": len(c.shards),
		"doc_count":   len(c.owner),
	}
}

func (c *CentroidStrategy) Serialize() ([]byte, error)   { return nil, ErrNotSupported }
func (c *CentroidStrategy) Deserialize(b []byte) error    { return ErrNotSupported }
func (c *CentroidStrategy) Optimize() error               { return nil }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
