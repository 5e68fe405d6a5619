package shardstore

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/blake2b"
)

// bloomK is the number of independent hash functions; each derived from
// a distinct blake2b key so the k hashes are independent without
// needing k separate hash algorithms.
const bloomK = 4

// bloomBits is the bit-array size per shard's filter.
const bloomBits = 1 << 16

// BloomFilterManager keeps a per-shard bloom filter over document ids
// for O(1) negative lookups on deletes and federated joins.
type BloomFilterManager struct {
	mu      sync.RWMutex
	filters map[string]*bitset.BitSet
}

// NewBloomFilterManager constructs an empty manager.
func NewBloomFilterManager() *BloomFilterManager {
	return &BloomFilterManager{filters: make(map[string]*bitset.BitSet)}
}

func (m *BloomFilterManager) filterFor(shardID string) *bitset.BitSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.filters[shardID]
	if !ok {
		f = bitset.New(bloomBits)
		m.filters[shardID] = f
	}
	return f
}

// Add records id as present in shardID's filter.
func (m *BloomFilterManager) Add(shardID, id string) {
	f := m.filterFor(shardID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range bloomHashes(id) {
		f.Set(h % bloomBits)
	}
}

// MightContain reports whether id could be present in shardID. A false
// return is a definitive negative; a true return may be a false
// positive.
func (m *BloomFilterManager) MightContain(shardID, id string) bool {
	f := m.filterFor(shardID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range bloomHashes(id) {
		if !f.Test(h % bloomBits) {
			return false
		}
	}
	return true
}

// Reset clears shardID's filter (used by reset_storage).
func (m *BloomFilterManager) Reset(shardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[shardID] = bitset.New(bloomBits)
}

// bloomHashes derives bloomK independent positions for id via keyed
// blake2b, one distinct key per hash slot.
func bloomHashes(id string) [bloomK]uint {
	var out [bloomK]uint
	for i := 0; i < bloomK; i++ {
		key := make([]byte, 8)
		binary.LittleEndian.PutUint64(key, uint64(i)+1)
		h, _ := blake2b.New256(key)
		h.Write([]byte(id))
		sum := h.Sum(nil)
		out[i] = uint(binary.LittleEndian.Uint64(sum[:8]))
	}
	return out
}
