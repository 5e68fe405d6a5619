package strategy

import (
	"sync"

	"github.com/vexshard/vexshard/internal/vexkernel"
)

// binaryEntry is one indexed id's binary code plus its metadata.
type binaryEntry struct {
	code []byte
	meta map[string]any
}

// BinaryStrategy maintains a mapping id -> binary code and answers
// queries by an exhaustive Hamming scan.
type BinaryStrategy struct {
	mu      sync.RWMutex
	dim     int
	bits    int
	encoder *vexkernel.BinaryEncoder
	entries map[string]*binaryEntry
	pending [][]float32 // not read or written by any method; IndexBatch updates the quantizer directly
}

// NewBinaryStrategy constructs a Binary strategy from Options.
func NewBinaryStrategy(opts Options) *BinaryStrategy {
	bits := opts.Bits
	if bits == 0 {
		bits = 64
	}
	return &BinaryStrategy{
		dim:     opts.Dim,
		bits:    bits,
		encoder: vexkernel.NewBinaryEncoder(opts.BinaryMode, opts.Dim, bits, opts.TrainingSize),
		entries: make(map[string]*binaryEntry),
	}
}

func (b *BinaryStrategy) IndexDocument(id string, embedding []float32, meta map[string]any) error {
	if len(embedding) != b.dim {
		return &vexkernel.ErrDimensionMismatch{Expected: b.dim, Got: len(embedding)}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encoder.Observe(embedding)
	b.entries[id] = &binaryEntry{code: b.encoder.Encode(embedding), meta: meta}
	return nil
}

// IndexBatch updates the quantizer state once for the whole batch, then
// encodes every vector against the refreshed thresholds, matching the
// spec's "index_batch updates the quantizer state once per batch".
func (b *BinaryStrategy) IndexBatch(docs []DocEmbedding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range docs {
		if len(d.Embedding) != b.dim {
			return &vexkernel.ErrDimensionMismatch{Expected: b.dim, Got: len(d.Embedding)}
		}
		b.encoder.Observe(d.Embedding)
	}
	for _, d := range docs {
		b.entries[d.ID] = &binaryEntry{code: b.encoder.Encode(d.Embedding), meta: d.Metadata}
	}
	return nil
}

func (b *BinaryStrategy) DeleteDocument(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
	return nil
}

func (b *BinaryStrategy) FindCandidates(query []float32, opts FindOpts) ([]Candidate, error) {
	if len(query) != b.dim {
		return nil, &vexkernel.ErrDimensionMismatch{Expected: b.dim, Got: len(query)}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	queryCode := b.encoder.Encode(query)
	limit := opts.Limit
	if limit == 0 {
		limit = 20
	}
	out := make([]Candidate, 0, len(b.entries))
	for id, e := range b.entries {
		h := vexkernel.Hamming(queryCode, e.code)
		out = append(out, Candidate{ID: id, Similarity: vexkernel.HammingSimilarity(h, b.bits), Metadata: e.meta})
	}
	out = filterMinSimilarity(out, opts.MinSimilarity)
	sortCandidates(out)
	return truncate(out, limit), nil
}

func (b *BinaryStrategy) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{"entry_count": len(b.entries), "bits": b.bits}
}

func (b *BinaryStrategy) Serialize() ([]byte, error) { return nil, ErrNotSupported }
func (b *BinaryStrategy) Deserialize(d []byte) error  { return ErrNotSupported }
func (b *BinaryStrategy) Optimize() error             { return nil }
