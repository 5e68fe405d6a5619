package strategy

import (
	"sync"

	"github.com/vexshard/vexshard/internal/vexkernel"
)

// ivfEntry is one indexed vector plus metadata, kept both pre- and
// post-training (the trained path additionally tracks list membership).
type ivfEntry struct {
	vector []float32
	meta   map[string]any
}

// IVFStrategy buffers vectors verbatim until training_size is reached,
// then clusters into n_lists inverted lists and probes only the
// nearest n_probe lists per query.
type IVFStrategy struct {
	mu           sync.RWMutex
	dim          int
	nLists       int
	nProbe       int
	trainingSize int

	trained   bool
	centroids [][]float32
	lists     map[int]map[string]*ivfEntry
	reverse   map[string]int // id -> list_id, for O(1)-ish delete

	buffer   map[string]*ivfEntry // pre-training
	bufOrder []string
}

// NewIVFStrategy constructs an IVF strategy from Options.
func NewIVFStrategy(opts Options) *IVFStrategy {
	return &IVFStrategy{
		dim:          opts.Dim,
		nLists:       defaultInt(opts.NLists, 16),
		nProbe:       defaultInt(opts.NProbe, 4),
		trainingSize: defaultInt(opts.TrainingSize, 256),
		lists:        make(map[int]map[string]*ivfEntry),
		reverse:      make(map[string]int),
		buffer:       make(map[string]*ivfEntry),
	}
}

func (s *IVFStrategy) IndexDocument(id string, embedding []float32, meta map[string]any) error {
	if len(embedding) != s.dim {
		return &vexkernel.ErrDimensionMismatch{Expected: s.dim, Got: len(embedding)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trained {
		s.assignToList(id, embedding, meta)
		return nil
	}

	s.buffer[id] = &ivfEntry{vector: embedding, meta: meta}
	s.bufOrder = append(s.bufOrder, id)
	if len(s.buffer) >= s.trainingSize {
		s.train()
	}
	return nil
}

func (s *IVFStrategy) IndexBatch(docs []DocEmbedding) error { return foldIndexDocument(s, docs) }

// train runs Lloyd's k-means over the buffered vectors to produce
// n_lists centroids, then assigns every buffered vector to its nearest
// list. Subsequent inserts go straight to a list.
func (s *IVFStrategy) train() {
	vectors := make([][]float32, 0, len(s.bufOrder))
	for _, id := range s.bufOrder {
		vectors = append(vectors, s.buffer[id].vector)
	}
	s.centroids = vexkernel.KMeans(vectors, s.nLists, s.dim, 20)
	for _, id := range s.bufOrder {
		e := s.buffer[id]
		s.assignToList(id, e.vector, e.meta)
	}
	s.buffer = make(map[string]*ivfEntry)
	s.bufOrder = nil
	s.trained = true
}

func (s *IVFStrategy) assignToList(id string, v []float32, meta map[string]any) {
	if old, ok := s.reverse[id]; ok {
		delete(s.lists[old], id)
	}
	list := s.nearestCentroid(v)
	if s.lists[list] == nil {
		s.lists[list] = make(map[string]*ivfEntry)
	}
	s.lists[list][id] = &ivfEntry{vector: v, meta: meta}
	s.reverse[id] = list
}

func (s *IVFStrategy) nearestCentroid(v []float32) int {
	best, bestDist := 0, vexkernel.L2Sq(v, s.centroids[0])
	for i := 1; i < len(s.centroids); i++ {
		if d := vexkernel.L2Sq(v, s.centroids[i]); d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

func (s *IVFStrategy) DeleteDocument(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if list, ok := s.reverse[id]; ok {
		delete(s.lists[list], id)
		delete(s.reverse, id)
		return nil
	}
	delete(s.buffer, id)
	return nil
}

func (s *IVFStrategy) FindCandidates(query []float32, opts FindOpts) ([]Candidate, error) {
	if len(query) != s.dim {
		return nil, &vexkernel.ErrDimensionMismatch{Expected: s.dim, Got: len(query)}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit == 0 {
		limit = 20
	}

	if !s.trained {
		// Not yet trained: downgrade to an exact scan over the buffer,
		// per the spec's not_trained semantics (never fatal).
		out := make([]Candidate, 0, len(s.buffer))
		for id, e := range s.buffer {
			out = append(out, Candidate{ID: id, Similarity: vexkernel.Cosine(query, e.vector), Metadata: e.meta})
		}
		out = filterMinSimilarity(out, opts.MinSimilarity)
		sortCandidates(out)
		return truncate(out, limit), nil
	}

	type rc struct {
		list int
		dist float32
	}
	ranked := make([]rc, len(s.centroids))
	for i, c := range s.centroids {
		ranked[i] = rc{i, vexkernel.L2Sq(query, c)}
	}
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].dist < ranked[i].dist {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}
	nProbe := s.nProbe
	if nProbe > len(ranked) {
		nProbe = len(ranked)
	}

	var out []Candidate
	for i := 0; i < nProbe; i++ {
		for id, e := range s.lists[ranked[i].list] {
			out = append(out, Candidate{ID: id, Similarity: vexkernel.Cosine(query, e.vector), Metadata: e.meta})
		}
	}
	out = filterMinSimilarity(out, opts.MinSimilarity)
	sortCandidates(out)
	return truncate(out, limit), nil
}

func (s *IVFStrategy) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := len(s.buffer)
	for _, l := range s.lists {
		count += len(l)
	}
	return Stats{"trained": s.trained, "n_lists": s.nLists, "doc_count": count}
}

func (s *IVFStrategy) Serialize() ([]byte, error) { return nil, ErrNotSupported }
func (s *IVFStrategy) Deserialize(b []byte) error  { return ErrNotSupported }
func (s *IVFStrategy) Optimize() error             { return nil }
