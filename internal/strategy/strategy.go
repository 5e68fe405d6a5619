// Package strategy implements the six interchangeable ANN index
// strategies (Centroid, Quantized, HNSW, Binary, IVF, PQ) behind one
// shared contract, grounded in the reference tree's hand-rolled
// pkg/search/hnsw_index.go and pkg/search/vector_index.go.
//
// Per the design notes, strategy dispatch is a sum type rather than a
// runtime plugin table: New constructs the concrete variant named by
// opts.Kind and every caller programs against the Strategy interface.
package strategy

import (
	"errors"
	"sort"

	"github.com/vexshard/vexshard/internal/vexkernel"
)

// ErrNotSupported is returned by the optional Serialize/Deserialize
// operations when a variant does not implement them; Optimize is a
// no-op returning nil in every variant.
var ErrNotSupported = errors.New("strategy: operation not supported")

// ErrNotTrained names the not_trained condition of IVF/PQ before
// reaching training_size. No strategy returns it: IVF and PQ downgrade
// to an exact scan over their buffer themselves.
var ErrNotTrained = errors.New("strategy: not trained")

// ErrUnknownStrategy is returned by New for an unrecognized Kind.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// Kind names one of the six strategy variants.
type Kind string

const (
	KindCentroid  Kind = "centroid"
	KindQuantized Kind = "quantized"
	KindHNSW      Kind = "hnsw"
	KindBinary    Kind = "binary"
	KindIVF       Kind = "ivf"
	KindPQ        Kind = "pq"
)

// Candidate is a ranked result surfaced by FindCandidates, before the
// Ranking Pipeline's scorer fusion runs.
type Candidate struct {
	ID         string
	Similarity float32
	Metadata   map[string]any
}

// DocEmbedding pairs a document/chunk id with its dense embedding for
// batch indexing.
type DocEmbedding struct {
	ID        string
	Embedding []float32
	Metadata  map[string]any
}

// FindOpts are the options recognized by FindCandidates.
type FindOpts struct {
	Limit         uint32
	MinSimilarity float32
	ShardLimit    uint32
}

// DefaultFindOpts mirrors the spec's default limit of 20, no similarity
// floor, and no shard-limit override.
func DefaultFindOpts() FindOpts {
	return FindOpts{Limit: 20}
}

// Stats is a free-form snapshot of a strategy's internal counters,
// returned by GetStats.
type Stats map[string]any

// Strategy is the contract every index variant obeys.
type Strategy interface {
	IndexDocument(id string, embedding []float32, metadata map[string]any) error
	IndexBatch(docs []DocEmbedding) error
	DeleteDocument(id string) error
	FindCandidates(query []float32, opts FindOpts) ([]Candidate, error)
	GetStats() Stats
	Serialize() ([]byte, error)
	Deserialize(data []byte) error
	Optimize() error
}

// Options configures strategy construction. Only the fields relevant to
// Kind are consulted.
type Options struct {
	Kind Kind
	Dim  int

	// Centroid
	MaxShardSize   int
	SplitThreshold float32

	// Quantized
	DimsPerLevel int
	Bins         int
	CellCapacity int
	SearchRadius int

	// HNSW
	M              int
	EfConstruction int
	EfSearch       int

	// Binary
	BinaryMode   vexkernel.BinaryMode
	Bits         int
	TrainingSize int

	// IVF
	NLists int
	NProbe int

	// PQ
	PQM    int
	PQKSub int
}

// DefaultOptions returns the spec's documented defaults for the given
// Kind, with Dim left to the caller.
func DefaultOptions(kind Kind, dim int) Options {
	return Options{
		Kind:           kind,
		Dim:            dim,
		MaxShardSize:   10000,
		SplitThreshold: 0.5,
		DimsPerLevel:   2,
		Bins:           16,
		CellCapacity:   1000,
		SearchRadius:   1,
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		BinaryMode:     vexkernel.ModeMean,
		Bits:           64,
		TrainingSize:   256,
		NLists:         16,
		NProbe:         4,
		PQM:            8,
		PQKSub:         256,
	}
}

// New constructs the concrete strategy variant named by opts.Kind.
func New(opts Options) (Strategy, error) {
	switch opts.Kind {
	case KindCentroid:
		return NewCentroidStrategy(opts), nil
	case KindQuantized:
		return NewQuantizedStrategy(opts), nil
	case KindHNSW:
		return NewHNSWStrategy(opts), nil
	case KindBinary:
		return NewBinaryStrategy(opts), nil
	case KindIVF:
		return NewIVFStrategy(opts), nil
	case KindPQ:
		return NewPQStrategy(opts), nil
	default:
		return nil, ErrUnknownStrategy
	}
}

// sortCandidates orders by descending similarity, ties broken by
// ascending id (stable, lexicographic) as required by the shared
// find_candidates contract.
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Similarity != c[j].Similarity {
			return c[i].Similarity > c[j].Similarity
		}
		return c[i].ID < c[j].ID
	})
}

func truncate(c []Candidate, limit uint32) []Candidate {
	if limit == 0 || uint32(len(c)) <= limit {
		return c
	}
	return c[:limit]
}

func filterMinSimilarity(c []Candidate, min float32) []Candidate {
	if min <= 0 {
		return c
	}
	out := c[:0]
	for _, cand := range c {
		if cand.Similarity >= min {
			out = append(out, cand)
		}
	}
	return out
}

// foldIndexDocument is the default IndexBatch implementation: fold
// IndexDocument over every item, short-circuiting on the first error.
func foldIndexDocument(s Strategy, docs []DocEmbedding) error {
	for _, d := range docs {
		if err := s.IndexDocument(d.ID, d.Embedding, d.Metadata); err != nil {
			return err
		}
	}
	return nil
}
