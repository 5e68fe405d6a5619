package embedcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(text string) ([]float32, error) {
	f.calls++
	return []float32{float32(len(text))}, nil
}

func (f *fakeEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestGetOrComputeCachesHits(t *testing.T) {
	base := &fakeEmbedder{}
	c := New(base, 10, time.Hour)

	_, err := c.GetOrCompute("hello")
	require.NoError(t, err)
	_, err = c.GetOrCompute("hello")
	require.NoError(t, err)

	assert.Equal(t, 1, base.calls)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestResetStateClearsCounters(t *testing.T) {
	base := &fakeEmbedder{}
	c := New(base, 10, time.Hour)
	_, err := c.GetOrCompute("x")
	require.NoError(t, err)
	c.ResetState()
	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestCapacityEviction(t *testing.T) {
	base := &fakeEmbedder{}
	c := New(base, 2, time.Hour)
	for i := 0; i < 5; i++ {
		_, err := c.GetOrCompute(fmt.Sprintf("text-%d", i))
		require.NoError(t, err)
	}
	// Oldest entries should have been evicted; re-requesting one should
	// be a fresh miss (another call to the base embedder).
	before := base.calls
	_, err := c.GetOrCompute("text-0")
	require.NoError(t, err)
	assert.Equal(t, before+1, base.calls)
}
