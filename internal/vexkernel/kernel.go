// Package vexkernel implements the distance, similarity, and quantization
// kernels shared by every index strategy: cosine/L2 distance, bit-string
// binary encoding, Hamming distance over 64-bit lanes, and product
// quantization training/encoding/asymmetric distance.
package vexkernel

import (
	"fmt"
	"math"
	"math/bits"
)

// ErrDimensionMismatch is returned whenever a vector's length does not
// match the configured dimensionality of the caller.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Undefined
// (zero-norm) inputs return 0 rather than NaN.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// L2Sq returns the squared Euclidean distance between a and b.
func L2Sq(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

// SimilarityFromDistance converts a non-negative distance into a
// similarity in (0, 1].
func SimilarityFromDistance(d float32) float32 {
	return float32(1.0 / (1.0 + float64(d)))
}

// SimilarityFromCosineDistance converts a cosine distance (1-cos) back
// into a similarity.
func SimilarityFromCosineDistance(cosDist float32) float32 {
	return 1 - cosDist
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// BinaryMode selects the thresholding strategy used by BinaryEncoder.
type BinaryMode int

const (
	// ModeMean thresholds against a running per-component mean.
	ModeMean BinaryMode = iota
	// ModeMedian thresholds against a reservoir-sampled per-component median.
	ModeMedian
	// ModeLearned freezes thresholds after the first TrainingSize vectors.
	ModeLearned
)

const reservoirCap = 256

// BinaryEncoder maintains the running quantizer state used to turn a
// dense vector into a B-bit binary code. Bit i is 1 iff vec[i mod D] is
// greater than threshold_i.
type BinaryEncoder struct {
	Mode         BinaryMode
	Dim          int
	Bits         int
	TrainingSize int

	count      int64
	mean       []float64
	reservoirs [][]float32
	rngState   uint64

	learnedFrozen    bool
	learnedThreshold []float64
}

// NewBinaryEncoder builds an encoder for the given dimensionality and bit
// width. Bits need not equal Dim; component i maps via i % Dim.
func NewBinaryEncoder(mode BinaryMode, dim, bitsWidth, trainingSize int) *BinaryEncoder {
	return &BinaryEncoder{
		Mode:         mode,
		Dim:          dim,
		Bits:         bitsWidth,
		TrainingSize: trainingSize,
		mean:         make([]float64, dim),
		reservoirs:   make([][]float32, dim),
		rngState:     0x9e3779b97f4a7c15,
	}
}

func (e *BinaryEncoder) nextRand() uint64 {
	// xorshift64, deterministic and dependency-free.
	e.rngState ^= e.rngState << 13
	e.rngState ^= e.rngState >> 7
	e.rngState ^= e.rngState << 17
	return e.rngState
}

// Observe folds v into the running threshold state. Must be called once
// per indexed vector before Encode relies on fresh state.
func (e *BinaryEncoder) Observe(v []float32) {
	e.count++
	for i := 0; i < e.Dim && i < len(v); i++ {
		switch e.Mode {
		case ModeMean:
			e.mean[i] += (float64(v[i]) - e.mean[i]) / float64(e.count)
		case ModeMedian:
			if len(e.reservoirs[i]) < reservoirCap {
				e.reservoirs[i] = append(e.reservoirs[i], v[i])
			} else if j := int(e.nextRand() % uint64(e.count)); j < reservoirCap {
				e.reservoirs[i][j] = v[i]
			}
		case ModeLearned:
			if !e.learnedFrozen {
				e.mean[i] += (float64(v[i]) - e.mean[i]) / float64(e.count)
			}
		}
	}
	if e.Mode == ModeLearned && !e.learnedFrozen && e.count >= int64(e.TrainingSize) {
		e.learnedThreshold = append([]float64(nil), e.mean...)
		e.learnedFrozen = true
	}
}

func (e *BinaryEncoder) threshold(i int) float64 {
	switch e.Mode {
	case ModeMedian:
		r := e.reservoirs[i]
		if len(r) == 0 {
			return 0
		}
		sorted := append([]float32(nil), r...)
		insertionSort(sorted)
		return float64(sorted[len(sorted)/2])
	case ModeLearned:
		if e.learnedFrozen {
			return e.learnedThreshold[i]
		}
		return e.mean[i]
	default: // ModeMean
		return e.mean[i]
	}
}

func insertionSort(s []float32) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// Encode produces a Bits-length bit string packed into bytes,
// MSB-first within each byte.
func (e *BinaryEncoder) Encode(v []float32) []byte {
	out := make([]byte, (e.Bits+7)/8)
	for i := 0; i < e.Bits; i++ {
		comp := i % e.Dim
		if comp >= len(v) {
			continue
		}
		if float64(v[comp]) > e.threshold(comp) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// Hamming computes the Hamming distance between two equal-length bit
// strings using 64-bit lane XOR+popcount with an 8-bit remainder tail.
// Implementations of this kernel must match bit-for-bit.
func Hamming(x, y []byte) uint32 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	var total uint32
	i := 0
	for ; i+8 <= n; i += 8 {
		var lx, ly uint64
		for k := 0; k < 8; k++ {
			lx |= uint64(x[i+k]) << uint(56-8*k)
			ly |= uint64(y[i+k]) << uint(56-8*k)
		}
		total += uint32(bits.OnesCount64(lx ^ ly))
	}
	for ; i < n; i++ {
		total += uint32(bits.OnesCount8(x[i] ^ y[i]))
	}
	return total
}

// HammingSimilarity converts a Hamming distance over B bits into
// similarity = 1 - hamming/B.
func HammingSimilarity(h uint32, bitsWidth int) float32 {
	if bitsWidth == 0 {
		return 0
	}
	return 1 - float32(h)/float32(bitsWidth)
}

// Codebook is one sub-space's set of K centroids, each sub_dim wide.
type Codebook struct {
	Centroids [][]float32 // K x sub_dim
}

// PQTrain runs independent k-means on each of the M sub-spaces of the
// given training vectors. Fails if D mod M != 0.
func PQTrain(vectors [][]float32, dim, m, k int) ([]Codebook, error) {
	if dim%m != 0 {
		return nil, fmt.Errorf("pq_train: dim %d not divisible by M %d", dim, m)
	}
	subDim := dim / m
	books := make([]Codebook, m)
	for sub := 0; sub < m; sub++ {
		subVectors := make([][]float32, len(vectors))
		for i, v := range vectors {
			subVectors[i] = v[sub*subDim : (sub+1)*subDim]
		}
		books[sub] = Codebook{Centroids: kmeans(subVectors, k, subDim, 20)}
	}
	return books, nil
}

// kmeans runs Lloyd's algorithm for up to maxIter iterations or until
// centroid shift falls below 1e-4.
// KMeans runs Lloyd's algorithm for up to maxIter iterations or until
// centroid shift falls below 1e-4. Exported so strategy/IVF, strategy/PQ,
// and the Shard Router's rebalance (k=2 split) share one implementation.
func KMeans(vectors [][]float32, k, dim, maxIter int) [][]float32 {
	return kmeans(vectors, k, dim, maxIter)
}

func kmeans(vectors [][]float32, k, dim, maxIter int) [][]float32 {
	if len(vectors) == 0 {
		return make([][]float32, k)
	}
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), vectors[i%len(vectors)]...)
	}
	assign := make([]int, len(vectors))
	for iter := 0; iter < maxIter; iter++ {
		for i, v := range vectors {
			best, bestDist := 0, float32(math.MaxFloat32)
			for c, centroid := range centroids {
				d := L2Sq(v, centroid)
				if d < bestDist {
					bestDist, best = d, c
				}
			}
			assign[i] = best
		}
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += float64(v[d])
			}
		}
		var maxShift float32
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			newCentroid := make([]float32, dim)
			for d := 0; d < dim; d++ {
				newCentroid[d] = float32(sums[c][d] / float64(counts[c]))
			}
			maxShift = maxFloat32(maxShift, float32(math.Sqrt(float64(L2Sq(newCentroid, centroids[c])))))
			centroids[c] = newCentroid
		}
		if maxShift < 1e-4 {
			break
		}
	}
	return centroids
}

func maxFloat32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// PQEncode maps a vector to an M-byte code (requires K <= 256).
func PQEncode(v []float32, books []Codebook) ([]byte, error) {
	code := make([]byte, len(books))
	subDim := len(v) / len(books)
	for sub, book := range books {
		if len(book.Centroids) > 256 {
			return nil, fmt.Errorf("pq_encode: K=%d exceeds 256", len(book.Centroids))
		}
		subVec := v[sub*subDim : (sub+1)*subDim]
		best, bestDist := 0, float32(math.MaxFloat32)
		for c, centroid := range book.Centroids {
			d := L2Sq(subVec, centroid)
			if d < bestDist {
				bestDist, best = d, c
			}
		}
		code[sub] = byte(best)
	}
	return code, nil
}

// PQDistanceTable precomputes, per sub-space, the distance from the
// query's sub-vector to every centroid (asymmetric distance computation).
func PQDistanceTable(query []float32, books []Codebook) [][]float32 {
	subDim := len(query) / len(books)
	tables := make([][]float32, len(books))
	for sub, book := range books {
		subVec := query[sub*subDim : (sub+1)*subDim]
		table := make([]float32, len(book.Centroids))
		for c, centroid := range book.Centroids {
			table[c] = L2Sq(subVec, centroid)
		}
		tables[sub] = table
	}
	return tables
}

// PQAsymDistance sums the precomputed table entries for a code.
func PQAsymDistance(code []byte, tables [][]float32) float32 {
	var sum float32
	for sub, c := range code {
		sum += tables[sub][c]
	}
	return sum
}
