// Package embedcache implements the content-addressed Embedding Cache
// (C5): an LRU keyed by exact text with hit/miss counters, grounded on
// the reference tree's pkg/embed/cached_embedder.go shape but backed by
// hashicorp/golang-lru/v2's expirable.LRU, whose native "strict LRU on
// capacity, lazy on TTL" eviction is exactly the spec's contract.
package embedcache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Embedder computes a dense embedding for a piece of text; the concrete
// implementation (an HTTP call to an embedding model, say) is an
// external collaborator the cache wraps.
type Embedder interface {
	Embed(text string) ([]float32, error)
	EmbedBatch(texts []string) ([][]float32, error)
}

// Stats reports the cache's running hit/miss counters.
type Stats struct {
	Hits   int64
	Misses int64
}

// Cache is a content-addressed LRU over exact (unnormalized) text.
type Cache struct {
	base   Embedder
	lru    *lru.LRU[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

// New constructs a Cache of the given capacity and TTL, wrapping base.
func New(base Embedder, capacity int, ttl time.Duration) *Cache {
	return &Cache{
		base: base,
		lru:  lru.NewLRU[string, []float32](capacity, nil, ttl),
	}
}

// GetOrCompute returns text's cached embedding, computing and storing
// it via the base Embedder on a miss.
func (c *Cache) GetOrCompute(text string) ([]float32, error) {
	if v, ok := c.lru.Get(text); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)
	v, err := c.base.Embed(text)
	if err != nil {
		return nil, err
	}
	c.lru.Add(text, v)
	return v, nil
}

// GetOrComputeBatch resolves a batch of texts, only calling the base
// Embedder's EmbedBatch for the cache misses.
func (c *Cache) GetOrComputeBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, t := range texts {
		if v, ok := c.lru.Get(t); ok {
			c.hits.Add(1)
			out[i] = v
			continue
		}
		c.misses.Add(1)
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	computed, err := c.base.EmbedBatch(missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		out[idx] = computed[j]
		c.lru.Add(missTexts[j], computed[j])
	}
	return out, nil
}

// Stats returns the current hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// ResetState clears the cache and resets its counters.
func (c *Cache) ResetState() {
	c.lru.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
}
