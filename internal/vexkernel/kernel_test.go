package vexkernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineIdentical(t *testing.T) {
	v := []float32{0.1, 0.2, 0.3, 0.4}
	assert.InDelta(t, 1.0, Cosine(v, v), 1e-6)
}

func TestCosineZeroNorm(t *testing.T) {
	assert.Equal(t, float32(0), Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestHammingSelf(t *testing.T) {
	x := []byte{0xFF, 0x0A, 0x13, 0x00, 0x00, 0x00, 0x00, 0x00, 0xAB}
	assert.Equal(t, uint32(0), Hamming(x, x))
}

func TestHammingComplement(t *testing.T) {
	bitsWidth := 64
	x := make([]byte, bitsWidth/8)
	for i := range x {
		x[i] = 0b10110010
	}
	y := make([]byte, len(x))
	for i := range y {
		y[i] = ^x[i]
	}
	assert.Equal(t, uint32(bitsWidth), Hamming(x, y))
}

func TestHammingTailBits(t *testing.T) {
	x := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0b10101010}
	y := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0b01010101}
	assert.Equal(t, uint32(8), Hamming(x, y))
}

func TestBinaryEncodeDeterministic(t *testing.T) {
	enc := NewBinaryEncoder(ModeMean, 4, 8, 10)
	v := []float32{0.9, -0.2, 0.4, -0.8}
	for i := 0; i < 10; i++ {
		enc.Observe(v)
	}
	a := enc.Encode(v)
	b := enc.Encode(v)
	assert.Equal(t, a, b)
}

func TestPQTrainRejectsBadDim(t *testing.T) {
	_, err := PQTrain([][]float32{{1, 2, 3}}, 3, 2, 4)
	require.Error(t, err)
}

func TestPQEncodeRoundTrip(t *testing.T) {
	vectors := [][]float32{
		{1, 1, 0, 0},
		{1, 1, 0, 0},
		{0, 0, 1, 1},
		{0, 0, 1, 1},
	}
	books, err := PQTrain(vectors, 4, 2, 2)
	require.NoError(t, err)
	code, err := PQEncode([]float32{1, 1, 0, 0}, books)
	require.NoError(t, err)
	assert.Len(t, code, 2)

	tables := PQDistanceTable([]float32{1, 1, 0, 0}, books)
	dist := PQAsymDistance(code, tables)
	assert.GreaterOrEqual(t, dist, float32(0))
}

func TestSimilarityFromDistance(t *testing.T) {
	assert.InDelta(t, 1.0, SimilarityFromDistance(0), 1e-9)
	assert.InDelta(t, 0.5, SimilarityFromDistance(1), 1e-9)
}
