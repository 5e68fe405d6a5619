package strategy

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/vexshard/vexshard/internal/vexkernel"
)

// hnswNode is a single node in the graph: its vector, the layer it was
// inserted at, and per-layer neighbor sets. Grounded on the reference
// tree's pkg/search/hnsw_index.go hnswNode shape.
type hnswNode struct {
	id        string
	vector    []float32
	level     int
	metadata  map[string]any
	tombstone bool
	neighbors []map[string]struct{} // one set per layer, 0..level
}

// distHeapItem pairs a node id with its distance to the query, for the
// priority-queue beam search.
type distHeapItem struct {
	id   string
	dist float32
}

// minDistHeap is a min-heap by distance (candidates C in search_layer).
type minDistHeap []distHeapItem

func (h minDistHeap) Len() int            { return len(h) }
func (h minDistHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x interface{}) { *h = append(*h, x.(distHeapItem)) }
func (h *minDistHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxDistHeap is a max-heap by distance (result set W, bounded to ef).
type maxDistHeap []distHeapItem

func (h maxDistHeap) Len() int            { return len(h) }
func (h maxDistHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x interface{}) { *h = append(*h, x.(distHeapItem)) }
func (h *maxDistHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// HNSWStrategy is a hierarchical navigable small-world graph. Hand-rolled
// in the teacher's own idiom rather than wired to an external HNSW
// library, because the spec's diversity-heuristic neighbor selection,
// distinct M_max0 = 2M on layer 0, and tombstone+reseed delete semantics
// are not knobs a black-box library exposes.
type HNSWStrategy struct {
	mu             sync.RWMutex
	dim            int
	m              int
	mMax0          int
	efConstruction int
	efSearch       int
	mL             float64

	nodes        map[string]*hnswNode
	entryID      string
	entryLevel   int
	hasEntry     bool
	distanceFunc func(a, b []float32) float32
}

// NewHNSWStrategy constructs an HNSW strategy from Options.
func NewHNSWStrategy(opts Options) *HNSWStrategy {
	m := opts.M
	if m == 0 {
		m = 16
	}
	return &HNSWStrategy{
		dim:            opts.Dim,
		m:              m,
		mMax0:          2 * m,
		efConstruction: defaultInt(opts.EfConstruction, 200),
		efSearch:       defaultInt(opts.EfSearch, 50),
		mL:             1 / math.Log(float64(m)),
		nodes:          make(map[string]*hnswNode),
		distanceFunc:   cosineDistance,
	}
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func cosineDistance(a, b []float32) float32 {
	return 1 - vexkernel.Cosine(a, b)
}

func (h *HNSWStrategy) randomLevel() int {
	u := rand.Float64()
	if u <= 0 {
		u = 1e-12
	}
	return int(math.Floor(-math.Log(u) * h.mL))
}

func (h *HNSWStrategy) IndexDocument(id string, embedding []float32, meta map[string]any) error {
	if len(embedding) != h.dim {
		return &vexkernel.ErrDimensionMismatch{Expected: h.dim, Got: len(embedding)}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.nodes[id]; ok && !existing.tombstone {
		h.deleteLocked(id)
	}

	level := h.randomLevel()
	node := &hnswNode{id: id, vector: embedding, level: level, metadata: meta}
	node.neighbors = make([]map[string]struct{}, level+1)
	for i := range node.neighbors {
		node.neighbors[i] = make(map[string]struct{})
	}
	h.nodes[id] = node

	if !h.hasEntry {
		h.entryID, h.entryLevel, h.hasEntry = id, level, true
		return nil
	}

	ep := h.entryID
	for layer := h.entryLevel; layer > level; layer-- {
		ep = h.searchLayerSingle(embedding, ep, layer)
	}

	for layer := minInt(level, h.entryLevel); layer >= 0; layer-- {
		candidates := h.searchLayer(embedding, ep, h.efConstruction, layer)
		selected := h.selectNeighborsHeuristic(embedding, candidates, h.m)
		for _, sid := range selected {
			node.neighbors[layer][sid] = struct{}{}
			neighbor := h.nodes[sid]
			if layer < len(neighbor.neighbors) {
				neighbor.neighbors[layer][id] = struct{}{}
				mMax := h.m
				if layer == 0 {
					mMax = h.mMax0
				}
				h.shrinkConnections(neighbor, layer, mMax)
			}
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if level > h.entryLevel {
		h.entryID, h.entryLevel = id, level
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// searchLayerSingle greedily descends one layer, keeping only the best
// node found (used above the insertion level, per the spec's Insert
// step 3).
func (h *HNSWStrategy) searchLayerSingle(query []float32, entry string, layer int) string {
	best := entry
	bestDist := h.distanceFunc(query, h.nodes[entry].vector)
	improved := true
	for improved {
		improved = false
		node := h.nodes[best]
		if layer >= len(node.neighbors) {
			break
		}
		for nid := range node.neighbors[layer] {
			n := h.nodes[nid]
			if n == nil || n.tombstone {
				continue
			}
			d := h.distanceFunc(query, n.vector)
			if d < bestDist {
				bestDist, best, improved = d, nid, true
			}
		}
	}
	return best
}

// searchLayer is the standard priority-queue beam search: min-heap of
// candidates, max-heap result set bounded to ef, visited set; stop when
// the closest remaining candidate is farther than the worst kept result.
func (h *HNSWStrategy) searchLayer(query []float32, entry string, ef int, layer int) []distHeapItem {
	visited := map[string]struct{}{entry: {}}
	entryDist := h.distanceFunc(query, h.nodes[entry].vector)

	candidates := &minDistHeap{{id: entry, dist: entryDist}}
	heap.Init(candidates)
	results := &maxDistHeap{{id: entry, dist: entryDist}}
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(distHeapItem)
		if results.Len() > 0 && c.dist > (*results)[0].dist {
			break
		}
		node := h.nodes[c.id]
		if layer >= len(node.neighbors) {
			continue
		}
		for nid := range node.neighbors[layer] {
			if _, ok := visited[nid]; ok {
				continue
			}
			visited[nid] = struct{}{}
			n := h.nodes[nid]
			if n == nil || n.tombstone {
				continue
			}
			d := h.distanceFunc(query, n.vector)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, distHeapItem{id: nid, dist: d})
				heap.Push(results, distHeapItem{id: nid, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]distHeapItem, results.Len())
	copy(out, *results)
	// Ascending by distance (closest first).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].dist < out[i].dist {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// selectNeighborsHeuristic picks up to m neighbors, preferring
// diversity: a candidate n is accepted only if no already-accepted n'
// is closer to n than n is to the query.
func (h *HNSWStrategy) selectNeighborsHeuristic(query []float32, candidates []distHeapItem, m int) []string {
	var selected []string
	for _, cand := range candidates {
		if len(selected) >= m {
			break
		}
		n := h.nodes[cand.id]
		diverse := true
		for _, sid := range selected {
			s := h.nodes[sid]
			if h.distanceFunc(n.vector, s.vector) < cand.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, cand.id)
		}
	}
	return selected
}

// shrinkConnections trims a node's neighbor set at layer down to mMax,
// keeping the closest.
func (h *HNSWStrategy) shrinkConnections(node *hnswNode, layer, mMax int) {
	if layer >= len(node.neighbors) || len(node.neighbors[layer]) <= mMax {
		return
	}
	type nd struct {
		id   string
		dist float32
	}
	all := make([]nd, 0, len(node.neighbors[layer]))
	for nid := range node.neighbors[layer] {
		other := h.nodes[nid]
		all = append(all, nd{nid, h.distanceFunc(node.vector, other.vector)})
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].dist < all[i].dist {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	kept := make(map[string]struct{}, mMax)
	for i := 0; i < mMax && i < len(all); i++ {
		kept[all[i].id] = struct{}{}
	}
	for nid := range node.neighbors[layer] {
		if _, ok := kept[nid]; !ok {
			delete(node.neighbors[layer], nid)
			if other := h.nodes[nid]; other != nil && layer < len(other.neighbors) {
				delete(other.neighbors[layer], node.id)
			}
		}
	}
}

func (h *HNSWStrategy) IndexBatch(docs []DocEmbedding) error { return foldIndexDocument(h, docs) }

func (h *HNSWStrategy) DeleteDocument(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleteLocked(id)
}

// deleteLocked tombstones id, removes it from every neighbor set at
// every layer, and reseeds the entry point if needed.
func (h *HNSWStrategy) deleteLocked(id string) error {
	node, ok := h.nodes[id]
	if !ok || node.tombstone {
		return nil
	}
	node.tombstone = true
	for layer, set := range node.neighbors {
		for nid := range set {
			if other := h.nodes[nid]; other != nil && layer < len(other.neighbors) {
				delete(other.neighbors[layer], id)
			}
		}
	}
	delete(h.nodes, id)

	if h.entryID == id {
		h.hasEntry = false
		h.entryLevel = -1
		for _, n := range h.nodes {
			if n.tombstone {
				continue
			}
			if !h.hasEntry || n.level > h.entryLevel {
				h.entryID, h.entryLevel, h.hasEntry = n.id, n.level, true
			}
		}
	}
	return nil
}

func (h *HNSWStrategy) FindCandidates(query []float32, opts FindOpts) ([]Candidate, error) {
	if len(query) != h.dim {
		return nil, &vexkernel.ErrDimensionMismatch{Expected: h.dim, Got: len(query)}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return nil, nil
	}
	limit := opts.Limit
	if limit == 0 {
		limit = 20
	}

	ep := h.entryID
	for layer := h.entryLevel; layer > 0; layer-- {
		ep = h.searchLayerSingle(query, ep, layer)
	}
	ef := h.efSearch
	if int(limit) > ef {
		ef = int(limit)
	}
	results := h.searchLayer(query, ep, ef, 0)

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		n := h.nodes[r.id]
		if n == nil || n.tombstone {
			continue
		}
		out = append(out, Candidate{ID: r.id, Similarity: vexkernel.SimilarityFromCosineDistance(r.dist), Metadata: n.metadata})
	}
	out = filterMinSimilarity(out, opts.MinSimilarity)
	sortCandidates(out)
	return truncate(out, limit), nil
}

func (h *HNSWStrategy) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		"node_count":  len(h.nodes),
		"entry_level": h.entryLevel,
		"has_entry":   h.hasEntry,
	}
}

func (h *HNSWStrategy) Serialize() ([]byte, error) { return nil, ErrNotSupported }
func (h *HNSWStrategy) Deserialize(b []byte) error  { return ErrNotSupported }
func (h *HNSWStrategy) Optimize() error             { return nil }
