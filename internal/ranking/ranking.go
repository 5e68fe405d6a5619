// Package ranking implements the Ranking Pipeline (C6): pluggable
// Scorers, fusion strategies (weighted_sum, rrf, max), and the
// post-fusion min-score filter. BM25 terms and the RRF formula are
// grounded on the reference tree's pkg/search/fulltext_index.go and
// pkg/search/search.go's fuseRRF.
package ranking

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Candidate is a ranked result carrying per-scorer scores alongside the
// fused final_score, mirroring the spec's Ranked Candidate entity.
type Candidate struct {
	ID         string
	DocID      string
	Text       string
	Similarity float32
	Scores     map[string]float32
	FinalScore float32
	Metadata   map[string]any
}

// Context is the ambient state Scorers may consult.
type Context struct {
	QueryTerms []string
	Now        time.Time
	// LinkGraph maps a doc id to the ids it links to, for PageRank. A
	// nil or empty graph makes PageRank score every candidate 0, per
	// the spec ("PageRank on a doc-link graph if present, else 0").
	LinkGraph map[string][]string
}

// Scorer is one named, weighted scoring function.
type Scorer interface {
	Name() string
	Weight() float32
	Score(c *Candidate, ctx Context) float32
}

// Fusion names a fusion contract.
type Fusion string

const (
	FusionWeightedSum Fusion = "weighted_sum"
	FusionRRF         Fusion = "rrf"
	FusionMax         Fusion = "max"
)

// rrfK is the RRF constant (1/(k+rank)), fixed at 60 per the spec.
const rrfK = 60

// Ranker fuses multiple Scorers' outputs into one final_score per
// candidate, then filters by min_score.
type Ranker struct {
	Scorers   []Scorer
	Weights   map[string]float32
	Fusion    Fusion
	MinScore  float32
}

// Rank scores every candidate with every configured Scorer, fuses the
// per-scorer scores, filters by MinScore, and sorts descending by
// final_score.
func (r *Ranker) Rank(candidates []Candidate, ctx Context) []Candidate {
	for i := range candidates {
		if candidates[i].Scores == nil {
			candidates[i].Scores = make(map[string]float32)
		}
		for _, s := range r.Scorers {
			candidates[i].Scores[s.Name()] = s.Score(&candidates[i], ctx)
		}
	}

	switch r.Fusion {
	case FusionRRF:
		r.fuseRRF(candidates)
	case FusionMax:
		r.fuseMax(candidates)
	default:
		r.fuseWeightedSum(candidates)
	}

	out := candidates[:0]
	for _, c := range candidates {
		if c.FinalScore >= r.MinScore {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Ranker) weightFor(name string, scorerWeight float32) float32 {
	if r.Weights != nil {
		if w, ok := r.Weights[name]; ok {
			return w
		}
	}
	return scorerWeight
}

func (r *Ranker) fuseWeightedSum(candidates []Candidate) {
	for i := range candidates {
		var sum float32
		for _, s := range r.Scorers {
			sum += r.weightFor(s.Name(), s.Weight()) * candidates[i].Scores[s.Name()]
		}
		candidates[i].FinalScore = sum
	}
}

func (r *Ranker) fuseMax(candidates []Candidate) {
	for i := range candidates {
		var best float32
		first := true
		for _, s := range r.Scorers {
			v := r.weightFor(s.Name(), s.Weight()) * candidates[i].Scores[s.Name()]
			if first || v > best {
				best, first = v, false
			}
		}
		candidates[i].FinalScore = best
	}
}

// fuseRRF ranks candidates descending by each scorer independently,
// then sums 1/(k+rank) across scorers; candidates with equal scores
// share a rank. Grounded on pkg/search/search.go fuseRRF.
func (r *Ranker) fuseRRF(candidates []Candidate) {
	for i := range candidates {
		candidates[i].FinalScore = 0
	}
	for _, s := range r.Scorers {
		idx := make([]int, len(candidates))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return candidates[idx[a]].Scores[s.Name()] > candidates[idx[b]].Scores[s.Name()]
		})
		rank := 0
		for pos, i := range idx {
			if pos > 0 && candidates[i].Scores[s.Name()] != candidates[idx[pos-1]].Scores[s.Name()] {
				rank = pos
			}
			candidates[i].FinalScore += 1.0 / float32(rrfK+rank+1)
		}
	}
}

// VectorSimilarityScorer surfaces the strategy's own similarity score.
type VectorSimilarityScorer struct{ W float32 }

func (s VectorSimilarityScorer) Name() string   { return "vector_similarity" }
func (s VectorSimilarityScorer) Weight() float32 { return orDefault(s.W, 1) }
func (s VectorSimilarityScorer) Score(c *Candidate, _ Context) float32 { return c.Similarity }

// PageRankScorer scores a candidate by its doc's PageRank over the
// link graph in Context, if present; otherwise 0.
type PageRankScorer struct{ W float32 }

func (s PageRankScorer) Name() string    { return "page_rank" }
func (s PageRankScorer) Weight() float32 { return orDefault(s.W, 1) }
func (s PageRankScorer) Score(c *Candidate, ctx Context) float32 {
	if len(ctx.LinkGraph) == 0 {
		return 0
	}
	return simplePageRank(ctx.LinkGraph, c.DocID, 20, 0.85)
}

func simplePageRank(graph map[string][]string, target string, iterations int, damping float32) float32 {
	nodes := make(map[string]struct{})
	for k, links := range graph {
		nodes[k] = struct{}{}
		for _, l := range links {
			nodes[l] = struct{}{}
		}
	}
	if len(nodes) == 0 {
		return 0
	}
	scores := make(map[string]float32, len(nodes))
	for n := range nodes {
		scores[n] = 1.0 / float32(len(nodes))
	}
	for iter := 0; iter < iterations; iter++ {
		next := make(map[string]float32, len(nodes))
		base := (1 - damping) / float32(len(nodes))
		for n := range nodes {
			next[n] = base
		}
		for from, links := range graph {
			if len(links) == 0 {
				continue
			}
			share := damping * scores[from] / float32(len(links))
			for _, to := range links {
				next[to] += share
			}
		}
		scores = next
	}
	return scores[target]
}

// FreshnessScorer scores a candidate by exponential decay of
// metadata.timestamp with a 30-day half-life.
type FreshnessScorer struct {
	W        float32
	HalfLife time.Duration
}

func (s FreshnessScorer) Name() string    { return "freshness" }
func (s FreshnessScorer) Weight() float32 { return orDefault(s.W, 1) }
func (s FreshnessScorer) Score(c *Candidate, ctx Context) float32 {
	halfLife := s.HalfLife
	if halfLife == 0 {
		halfLife = 30 * 24 * time.Hour
	}
	ts, ok := candidateTimestamp(c)
	if !ok {
		return 0
	}
	age := ctx.Now.Sub(ts)
	if age < 0 {
		age = 0
	}
	lambda := math.Ln2 / halfLife.Seconds()
	return float32(math.Exp(-lambda * age.Seconds()))
}

func candidateTimestamp(c *Candidate) (time.Time, bool) {
	if c.Metadata == nil {
		return time.Time{}, false
	}
	raw, ok := c.Metadata["timestamp"]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// tokenize lowercases and extracts word-chars, keeping only terms
// longer than 2 characters, per the spec's TextMatch term extraction.
func tokenize(text string) []string {
	matches := wordRe.FindAllString(strings.ToLower(text), -1)
	out := matches[:0]
	for _, m := range matches {
		if len(m) > 2 {
			out = append(out, m)
		}
	}
	return out
}

const bm25K1 = 1.2
const bm25B = 0.75

// TextMatchScorer is a BM25-like scorer over the candidate's own text
// against the query terms, with IDF estimated over the candidate set
// presented to Score (the Query Engine calls SetCorpus before ranking
// when whole-corpus statistics are available).
type TextMatchScorer struct {
	W       float32
	avgLen  float32
	corpus  []string
}

func (s *TextMatchScorer) Name() string    { return "text_match" }
func (s *TextMatchScorer) Weight() float32 { return orDefault(s.W, 1) }

// SetCorpus primes the scorer's average-document-length statistic from
// the full candidate set before scoring begins.
func (s *TextMatchScorer) SetCorpus(texts []string) {
	s.corpus = texts
	var total int
	for _, t := range texts {
		total += len(tokenize(t))
	}
	if len(texts) > 0 {
		s.avgLen = float32(total) / float32(len(texts))
	}
}

func (s *TextMatchScorer) Score(c *Candidate, ctx Context) float32 {
	docTerms := tokenize(c.Text)
	if len(docTerms) == 0 || len(ctx.QueryTerms) == 0 {
		return 0
	}
	termFreq := make(map[string]int, len(docTerms))
	for _, t := range docTerms {
		termFreq[t]++
	}
	avgLen := s.avgLen
	if avgLen == 0 {
		avgLen = float32(len(docTerms))
	}
	var score float32
	for _, qt := range ctx.QueryTerms {
		tf := float32(termFreq[qt])
		if tf == 0 {
			continue
		}
		idf := s.idf(qt)
		numerator := tf * (bm25K1 + 1)
		denominator := tf + bm25K1*(1-bm25B+bm25B*float32(len(docTerms))/avgLen)
		score += idf * numerator / denominator
	}
	return score
}

func (s *TextMatchScorer) idf(term string) float32 {
	if len(s.corpus) == 0 {
		return 1
	}
	containing := 0
	for _, doc := range s.corpus {
		for _, t := range tokenize(doc) {
			if t == term {
				containing++
				break
			}
		}
	}
	n := float32(len(s.corpus))
	return float32(math.Log(1 + float64((n-float32(containing)+0.5)/(float32(containing)+0.5))))
}

func orDefault(v, fallback float32) float32 {
	if v == 0 {
		return fallback
	}
	return v
}

// TokenizeQuery exposes tokenize for callers building a Context.
func TokenizeQuery(q string) []string { return tokenize(q) }
