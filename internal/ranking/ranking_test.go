package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWeightedSumFusion(t *testing.T) {
	r := &Ranker{
		Scorers: []Scorer{VectorSimilarityScorer{W: 1}},
		Fusion:  FusionWeightedSum,
	}
	candidates := []Candidate{
		{ID: "a", Similarity: 0.9},
		{ID: "b", Similarity: 0.2},
	}
	out := r.Rank(candidates, Context{Now: time.Now()})
	assert.Equal(t, "a", out[0].ID)
	assert.InDelta(t, float32(0.9), out[0].FinalScore, 1e-6)
}

func TestMinScoreFilters(t *testing.T) {
	r := &Ranker{
		Scorers:  []Scorer{VectorSimilarityScorer{W: 1}},
		Fusion:   FusionWeightedSum,
		MinScore: 0.5,
	}
	candidates := []Candidate{
		{ID: "a", Similarity: 0.9},
		{ID: "b", Similarity: 0.2},
	}
	out := r.Rank(candidates, Context{Now: time.Now()})
	assert.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
}

func TestRRFFusionOrdersByRank(t *testing.T) {
	r := &Ranker{
		Scorers: []Scorer{VectorSimilarityScorer{W: 1}, PageRankScorer{W: 1}},
		Fusion:  FusionRRF,
	}
	candidates := []Candidate{
		{ID: "a", DocID: "a", Similarity: 0.5},
		{ID: "b", DocID: "b", Similarity: 0.9},
	}
	ctx := Context{
		Now: time.Now(),
		LinkGraph: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
	}
	out := r.Rank(candidates, ctx)
	assert.Len(t, out, 2)
	// b has the higher vector similarity and equal page rank, so it
	// should rank first under RRF's rank-based fusion.
	assert.Equal(t, "b", out[0].ID)
}

func TestFreshnessScorerDecaysWithAge(t *testing.T) {
	now := time.Now()
	fresh := Candidate{ID: "fresh", Metadata: map[string]any{"timestamp": now.Format(time.RFC3339)}}
	old := Candidate{ID: "old", Metadata: map[string]any{"timestamp": now.Add(-60 * 24 * time.Hour).Format(time.RFC3339)}}

	s := FreshnessScorer{}
	ctx := Context{Now: now}
	freshScore := s.Score(&fresh, ctx)
	oldScore := s.Score(&old, ctx)
	assert.Greater(t, freshScore, oldScore)
	assert.InDelta(t, float32(0.25), oldScore, 0.01) // two half-lives -> 0.25
}

func TestFreshnessScorerMissingTimestampIsZero(t *testing.T) {
	s := FreshnessScorer{}
	c := Candidate{ID: "no-ts"}
	assert.Equal(t, float32(0), s.Score(&c, Context{Now: time.Now()}))
}

func TestTextMatchScorerRewardsTermOverlap(t *testing.T) {
	s := &TextMatchScorer{}
	s.SetCorpus([]string{"the quick brown fox", "a slow green turtle"})
	match := Candidate{ID: "match", Text: "the quick brown fox jumps"}
	noMatch := Candidate{ID: "no-match", Text: "a slow green turtle"}
	ctx := Context{QueryTerms: TokenizeQuery("quick fox")}

	matchScore := s.Score(&match, ctx)
	noMatchScore := s.Score(&noMatch, ctx)
	assert.Greater(t, matchScore, noMatchScore)
	assert.Equal(t, float32(0), noMatchScore)
}

func TestTokenizeDropsShortTerms(t *testing.T) {
	terms := TokenizeQuery("a an to the quick fox")
	assert.Equal(t, []string{"the", "quick", "fox"}, terms)
}

func TestPageRankZeroWithoutGraph(t *testing.T) {
	s := PageRankScorer{}
	c := Candidate{ID: "a", DocID: "a"}
	assert.Equal(t, float32(0), s.Score(&c, Context{}))
}
