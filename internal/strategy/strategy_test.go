package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1: Centroid search.
func TestCentroidSearchScenario(t *testing.T) {
	opts := DefaultOptions(KindCentroid, 4)
	s := NewCentroidStrategy(opts)
	require.NoError(t, s.IndexDocument("doc1", []float32{0.1, 0.2, 0.3, 0.4}, nil))
	require.NoError(t, s.IndexDocument("doc2", []float32{0.4, 0.3, 0.2, 0.1}, nil))

	results, err := s.FindCandidates([]float32{0.1, 0.2, 0.3, 0.4}, FindOpts{Limit: 20})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc1", results[0].ID)
	assert.Greater(t, results[0].Similarity, float32(0.99))
}

// Scenario 2: Quantized cells.
func TestQuantizedCellsScenario(t *testing.T) {
	opts := DefaultOptions(KindQuantized, 4)
	opts.Bins = 4
	opts.DimsPerLevel = 2
	opts.CellCapacity = 100
	opts.SearchRadius = 1
	s := NewQuantizedStrategy(opts)

	require.NoError(t, s.IndexDocument("doc3", []float32{0.2, 0.3, 0.1, 0.4}, nil))
	require.NoError(t, s.IndexDocument("doc4", []float32{0.4, 0.3, 0.2, 0.1}, nil))

	results, err := s.FindCandidates([]float32{0.2, 0.3, 0.1, 0.4}, FindOpts{Limit: 20})
	require.NoError(t, err)
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	assert.Contains(t, ids, "doc3")
}

// Scenario 3: HNSW target-vs-noise.
func TestHNSWTargetVsNoiseScenario(t *testing.T) {
	opts := DefaultOptions(KindHNSW, 8)
	opts.M = 4
	opts.EfConstruction = 50
	opts.EfSearch = 20
	s := NewHNSWStrategy(opts)

	target := make([]float32, 8)
	for i := range target {
		target[i] = 0.5
	}
	require.NoError(t, s.IndexDocument("target", target, nil))

	noise := [][]float32{
		{-1, 0, 1, -1, 0, 1, -1, 0},
		{1, -1, 0, 1, -1, 0, 1, -1},
		{0, 1, -1, 0, 1, -1, 0, 1},
		{-1, -1, -1, 1, 1, 1, 0, 0},
	}
	for i, v := range noise {
		require.NoError(t, s.IndexDocument(idFor(i), v, nil))
	}

	query := make([]float32, 8)
	for i := range query {
		query[i] = 0.51
	}
	results, err := s.FindCandidates(query, FindOpts{Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "target", results[0].ID)
}

func idFor(i int) string {
	return []string{"n0", "n1", "n2", "n3"}[i]
}

// Scenario 4: Binary Hamming.
func TestBinaryHammingScenario(t *testing.T) {
	opts := DefaultOptions(KindBinary, 64)
	opts.Bits = 64
	s := NewBinaryStrategy(opts)

	target := make([]float32, 64)
	for i := range target {
		target[i] = 0.9
	}
	require.NoError(t, s.IndexDocument("target", target, nil))

	for i := 0; i < 3; i++ {
		v := make([]float32, 64)
		for j := range v {
			if (i+j)%2 == 0 {
				v[j] = -0.5
			} else {
				v[j] = 0.5
			}
		}
		require.NoError(t, s.IndexDocument(idFor(i), v, nil))
	}

	results, err := s.FindCandidates(target, FindOpts{Limit: 2})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "target", results[0].ID)
}

func TestDimensionMismatchFailsLoudly(t *testing.T) {
	s := NewCentroidStrategy(DefaultOptions(KindCentroid, 4))
	err := s.IndexDocument("x", []float32{1, 2, 3}, nil)
	require.Error(t, err)
}

func TestIdempotentDelete(t *testing.T) {
	s := NewCentroidStrategy(DefaultOptions(KindCentroid, 4))
	require.NoError(t, s.IndexDocument("x", []float32{1, 2, 3, 4}, nil))
	require.NoError(t, s.DeleteDocument("x"))
	require.NoError(t, s.DeleteDocument("x"))
}

func TestHNSWNeighborBound(t *testing.T) {
	opts := DefaultOptions(KindHNSW, 4)
	opts.M = 4
	s := NewHNSWStrategy(opts)
	for i := 0; i < 50; i++ {
		v := []float32{float32(i), float32(i * 2), float32(i % 5), float32(i % 3)}
		require.NoError(t, s.IndexDocument(idN(i), v, nil))
	}
	for _, n := range s.nodes {
		for layer, set := range n.neighbors {
			mMax := s.m
			if layer == 0 {
				mMax = s.mMax0
			}
			assert.LessOrEqual(t, len(set), mMax)
			for other := range set {
				otherNode := s.nodes[other]
				require.NotNil(t, otherNode)
				if layer < len(otherNode.neighbors) {
					_, symmetric := otherNode.neighbors[layer][n.id]
					assert.True(t, symmetric, "edges must be symmetric")
				}
			}
		}
	}
}

func idN(i int) string {
	return "node-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
