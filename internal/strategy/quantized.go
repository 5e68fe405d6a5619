package strategy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vexshard/vexshard/internal/vexkernel"
)

// pathEncoder maps a vector to a hierarchical directory path. Per the
// decided Open Question (c), normalization uses a shared, lazily-learned
// global min/max per component rather than a per-query min-max. The
// bounds widen as new vectors are observed, so a vector's path can
// change after later writes; stored vectors keep the cell they were
// placed in and are not moved.
type pathEncoder struct {
	dim          int
	dimsPerLevel int
	bins         int

	mu       sync.Mutex
	min, max []float32
	seen     bool
}

func newPathEncoder(dim, dimsPerLevel, bins int) *pathEncoder {
	return &pathEncoder{dim: dim, dimsPerLevel: dimsPerLevel, bins: bins}
}

func (p *pathEncoder) observe(v []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.seen {
		p.min = append([]float32(nil), v...)
		p.max = append([]float32(nil), v...)
		p.seen = true
		return
	}
	for i, x := range v {
		if x < p.min[i] {
			p.min[i] = x
		}
		if x > p.max[i] {
			p.max[i] = x
		}
	}
}

func (p *pathEncoder) encode(v []float32) string {
	p.mu.Lock()
	minV, maxV := append([]float32(nil), p.min...), append([]float32(nil), p.max...)
	p.mu.Unlock()

	groups := (p.dim + p.dimsPerLevel - 1) / p.dimsPerLevel
	parts := make([]string, groups)
	for g := 0; g < groups; g++ {
		start := g * p.dimsPerLevel
		end := start + p.dimsPerLevel
		if end > p.dim {
			end = p.dim
		}
		var sum float64
		n := 0
		for i := start; i < end && i < len(v); i++ {
			norm := normalizeComponent(v[i], minV, maxV, i)
			sum += norm
			n++
		}
		mean := 0.0
		if n > 0 {
			mean = sum / float64(n)
		}
		bin := int(mean * float64(p.bins-1))
		bin = clampInt(bin, 0, p.bins-1)
		parts[g] = fmt.Sprintf("%03d", bin)
	}
	return strings.Join(parts, "/")
}

func normalizeComponent(x float32, minV, maxV []float32, i int) float64 {
	if i >= len(minV) || maxV[i] <= minV[i] {
		return 0.5
	}
	return float64((x - minV[i]) / (maxV[i] - minV[i]))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// neighborPaths returns the Cartesian product of per-level bin offsets
// in [-r, +r], clamped to [0, bins).
func (p *pathEncoder) neighborPaths(v []float32, radius int) []string {
	p.mu.Lock()
	minV, maxV := append([]float32(nil), p.min...), append([]float32(nil), p.max...)
	p.mu.Unlock()

	groups := (p.dim + p.dimsPerLevel - 1) / p.dimsPerLevel
	baseBins := make([]int, groups)
	for g := 0; g < groups; g++ {
		start := g * p.dimsPerLevel
		end := start + p.dimsPerLevel
		if end > p.dim {
			end = p.dim
		}
		var sum float64
		n := 0
		for i := start; i < end && i < len(v); i++ {
			sum += normalizeComponent(v[i], minV, maxV, i)
			n++
		}
		mean := 0.0
		if n > 0 {
			mean = sum / float64(n)
		}
		baseBins[g] = clampInt(int(mean*float64(p.bins-1)), 0, p.bins-1)
	}

	var paths []string
	var recurse func(level int, acc []int)
	recurse = func(level int, acc []int) {
		if level == groups {
			parts := make([]string, groups)
			for i, b := range acc {
				parts[i] = fmt.Sprintf("%03d", b)
			}
			paths = append(paths, strings.Join(parts, "/"))
			return
		}
		for off := -radius; off <= radius; off++ {
			b := clampInt(baseBins[level]+off, 0, p.bins-1)
			recurse(level+1, append(acc, b))
		}
	}
	recurse(0, make([]int, 0, groups))
	return dedupStrings(paths)
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// cell is one quantized cell: a capacity-bounded bucket of vectors that,
// once full, routes further inserts to a neighbor cell.
type cell struct {
	path     string
	capacity int
	vectors  map[string][]float32
	meta     map[string]map[string]any
}

func newCell(path string, capacity int) *cell {
	return &cell{path: path, capacity: capacity, vectors: make(map[string][]float32), meta: make(map[string]map[string]any)}
}

// cellRegistry lazily opens a cell per path as a get-or-insert under
// one registry-wide mutex (not a per-key lock).
type cellRegistry struct {
	mu       sync.Mutex
	capacity int
	cells    map[string]*cell
}

func newCellRegistry(capacity int) *cellRegistry {
	return &cellRegistry{capacity: capacity, cells: make(map[string]*cell)}
}

func (r *cellRegistry) getOrCreate(path string) *cell {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cells[path]
	if !ok {
		c = newCell(path, r.capacity)
		r.cells[path] = c
	}
	return c
}

// QuantizedStrategy implements the hierarchical-cell index variant.
type QuantizedStrategy struct {
	mu       sync.RWMutex
	dim      int
	encoder  *pathEncoder
	registry *cellRegistry
	radius   int
	owner    map[string]string // id -> cell path
}

// NewQuantizedStrategy constructs a Quantized strategy from Options.
func NewQuantizedStrategy(opts Options) *QuantizedStrategy {
	return &QuantizedStrategy{
		dim:      opts.Dim,
		encoder:  newPathEncoder(opts.Dim, opts.DimsPerLevel, opts.Bins),
		registry: newCellRegistry(opts.CellCapacity),
		radius:   opts.SearchRadius,
		owner:    make(map[string]string),
	}
}

func (q *QuantizedStrategy) IndexDocument(id string, embedding []float32, meta map[string]any) error {
	if len(embedding) != q.dim {
		return &vexkernel.ErrDimensionMismatch{Expected: q.dim, Got: len(embedding)}
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.encoder.observe(embedding)
	path := q.encoder.encode(embedding)
	c := q.registry.getOrCreate(path)
	if len(c.vectors) >= c.capacity {
		// Cell full: route to a neighbor cell with spare capacity.
		for _, np := range q.encoder.neighborPaths(embedding, 1) {
			if np == path {
				continue
			}
			nc := q.registry.getOrCreate(np)
			if len(nc.vectors) < nc.capacity {
				c = nc
				path = np
				break
			}
		}
	}
	c.vectors[id] = embedding
	if meta != nil {
		c.meta[id] = meta
	}
	q.owner[id] = path
	return nil
}

func (q *QuantizedStrategy) IndexBatch(docs []DocEmbedding) error { return foldIndexDocument(q, docs) }

func (q *QuantizedStrategy) DeleteDocument(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	path, ok := q.owner[id]
	if !ok {
		return nil
	}
	c := q.registry.getOrCreate(path)
	delete(c.vectors, id)
	delete(c.meta, id)
	delete(q.owner, id)
	return nil
}

func (q *QuantizedStrategy) FindCandidates(query []float32, opts FindOpts) ([]Candidate, error) {
	if len(query) != q.dim {
		return nil, &vexkernel.ErrDimensionMismatch{Expected: q.dim, Got: len(query)}
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	limit := opts.Limit
	if limit == 0 {
		limit = 20
	}
	var out []Candidate
	for _, path := range q.encoder.neighborPaths(query, q.radius) {
		c := q.registry.getOrCreate(path)
		for id, v := range c.vectors {
			out = append(out, Candidate{ID: id, Similarity: vexkernel.Cosine(query, v), Metadata: c.meta[id]})
		}
	}
	out = filterMinSimilarity(out, opts.MinSimilarity)
	sortCandidates(out)
	return truncate(out, limit), nil
}

func (q *QuantizedStrategy) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{"cell_count": len(q.registry.cells), "doc_count": len(q.owner)}
}

func (q *QuantizedStrategy) Serialize() ([]byte, error) { return nil, ErrNotSupported }
func (q *QuantizedStrategy) Deserialize(b []byte) error { return ErrNotSupported }
func (q *QuantizedStrategy) Optimize() error            { return nil }
