package strategy

import (
	"sync"

	"github.com/vexshard/vexshard/internal/vexkernel"
)

// pqEntry is one indexed id's M-byte product-quantization code.
type pqEntry struct {
	code []byte
	meta map[string]any
}

// PQStrategy buffers vectors until training_size, trains M independent
// sub-space codebooks, then stores every vector as an M-byte code and
// answers queries via asymmetric distance computation (ADC).
type PQStrategy struct {
	mu           sync.RWMutex
	dim          int
	m            int
	kSub         int
	trainingSize int

	trained  bool
	codebooks []vexkernel.Codebook
	entries  map[string]*pqEntry

	buffer   map[string][]float32
	bufMeta  map[string]map[string]any
	bufOrder []string
}

// NewPQStrategy constructs a PQ strategy from Options.
func NewPQStrategy(opts Options) *PQStrategy {
	return &PQStrategy{
		dim:          opts.Dim,
		m:            defaultInt(opts.PQM, 8),
		kSub:         defaultInt(opts.PQKSub, 256),
		trainingSize: defaultInt(opts.TrainingSize, 256),
		entries:      make(map[string]*pqEntry),
		buffer:       make(map[string][]float32),
		bufMeta:      make(map[string]map[string]any),
	}
}

func (p *PQStrategy) IndexDocument(id string, embedding []float32, meta map[string]any) error {
	if len(embedding) != p.dim {
		return &vexkernel.ErrDimensionMismatch{Expected: p.dim, Got: len(embedding)}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.trained {
		code, err := vexkernel.PQEncode(embedding, p.codebooks)
		if err != nil {
			return err
		}
		p.entries[id] = &pqEntry{code: code, meta: meta}
		return nil
	}

	p.buffer[id] = embedding
	p.bufMeta[id] = meta
	p.bufOrder = append(p.bufOrder, id)
	if len(p.buffer) >= p.trainingSize {
		return p.train()
	}
	return nil
}

func (p *PQStrategy) IndexBatch(docs []DocEmbedding) error { return foldIndexDocument(p, docs) }

func (p *PQStrategy) train() error {
	vectors := make([][]float32, 0, len(p.bufOrder))
	for _, id := range p.bufOrder {
		vectors = append(vectors, p.buffer[id])
	}
	books, err := vexkernel.PQTrain(vectors, p.dim, p.m, p.kSub)
	if err != nil {
		return err
	}
	p.codebooks = books
	for _, id := range p.bufOrder {
		code, err := vexkernel.PQEncode(p.buffer[id], p.codebooks)
		if err != nil {
			return err
		}
		p.entries[id] = &pqEntry{code: code, meta: p.bufMeta[id]}
	}
	p.buffer = make(map[string][]float32)
	p.bufMeta = make(map[string]map[string]any)
	p.bufOrder = nil
	p.trained = true
	return nil
}

func (p *PQStrategy) DeleteDocument(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
	delete(p.buffer, id)
	delete(p.bufMeta, id)
	return nil
}

func (p *PQStrategy) FindCandidates(query []float32, opts FindOpts) ([]Candidate, error) {
	if len(query) != p.dim {
		return nil, &vexkernel.ErrDimensionMismatch{Expected: p.dim, Got: len(query)}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	limit := opts.Limit
	if limit == 0 {
		limit = 20
	}

	if !p.trained {
		out := make([]Candidate, 0, len(p.buffer))
		for id, v := range p.buffer {
			out = append(out, Candidate{ID: id, Similarity: vexkernel.Cosine(query, v), Metadata: p.bufMeta[id]})
		}
		out = filterMinSimilarity(out, opts.MinSimilarity)
		sortCandidates(out)
		return truncate(out, limit), nil
	}

	tables := vexkernel.PQDistanceTable(query, p.codebooks)
	out := make([]Candidate, 0, len(p.entries))
	for id, e := range p.entries {
		dist := vexkernel.PQAsymDistance(e.code, tables)
		out = append(out, Candidate{ID: id, Similarity: vexkernel.SimilarityFromDistance(dist), Metadata: e.meta})
	}
	out = filterMinSimilarity(out, opts.MinSimilarity)
	sortCandidates(out)
	return truncate(out, limit), nil
}

func (p *PQStrategy) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ratio := float64(4*p.dim) / float64(p.m)
	return Stats{
		"trained":           p.trained,
		"doc_count":         len(p.entries) + len(p.buffer),
		"compression_ratio": ratio,
	}
}

func (p *PQStrategy) Serialize() ([]byte, error) { return nil, ErrNotSupported }
func (p *PQStrategy) Deserialize(b []byte) error  { return ErrNotSupported }
func (p *PQStrategy) Optimize() error             { return nil }
