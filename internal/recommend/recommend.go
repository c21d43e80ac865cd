// Package recommend ranks follow-up questions by TF-IDF cosine similarity.
package recommend

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/yunhe-labs/tourguide/internal/text"
)

// MinScore is the similarity a candidate must exceed to be suggested.
const MinScore = 0.1

// Suggestion is a ranked follow-up question.
type Suggestion struct {
	Question string  `json:"question"`
	Score    float64 `json:"score"`
}

// Recommender ranks knowledge-base questions against a just-asked question.
type Recommender struct {
	norm     *text.Normalizer
	mu       sync.Mutex
	rng      *rand.Rand
	degraded metric.Int64Counter
}

// Option configures a Recommender.
type Option func(*Recommender)

// WithRand sets the random source used for sampling and the degraded fallback.
func WithRand(rng *rand.Rand) Option {
	return func(r *Recommender) {
		r.rng = rng
	}
}

// New creates a Recommender using norm for tokenization.
func New(norm *text.Normalizer, opts ...Option) *Recommender {
	r := &Recommender{norm: norm}
	for _, opt := range opts {
		opt(r)
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	counter, err := otel.Meter("github.com/yunhe-labs/tourguide/recommend").Int64Counter(
		"recommend.degraded",
		metric.WithDescription("Recommendations served by random fallback"),
	)
	if err != nil {
		slog.Warn("failed to create degraded recommendation counter", "error", err)
	}
	r.degraded = counter
	return r
}

// Recommend returns up to topN candidates most similar to query, excluding
// every member of exclude. Results are ordered by descending score with ties
// kept in candidate order, and only scores above MinScore survive; the list
// is never padded. When no candidate survives normalization the call
// degrades to a uniform random draw of up to topN remaining candidates.
func (r *Recommender) Recommend(query string, candidates []string, exclude map[string]struct{}, topN int) []Suggestion {
	remaining := filterExcluded(candidates, exclude)
	if len(remaining) == 0 || topN <= 0 {
		return nil
	}

	queryTokens := r.norm.Tokens(query)
	candidateTokens := make([][]string, len(remaining))
	for i, c := range remaining {
		candidateTokens[i] = r.norm.Tokens(c)
	}

	scores, err := cosineScores(queryTokens, candidateTokens)
	if err != nil {
		slog.Warn("Recommendation degraded to random sample", "error", err, "candidates", len(remaining))
		if r.degraded != nil {
			r.degraded.Add(context.Background(), 1)
		}
		picks := r.sample(remaining, topN)
		out := make([]Suggestion, len(picks))
		for i, q := range picks {
			out[i] = Suggestion{Question: q}
		}
		return out
	}

	order := make([]int, len(remaining))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		default:
			return 0
		}
	})
	if len(order) > topN {
		order = order[:topN]
	}

	out := make([]Suggestion, 0, len(order))
	for _, i := range order {
		if scores[i] <= MinScore {
			continue
		}
		out = append(out, Suggestion{Question: remaining[i], Score: scores[i]})
	}
	return out
}

// Sample returns up to n candidates not in exclude, drawn uniformly at random.
func (r *Recommender) Sample(candidates []string, exclude map[string]struct{}, n int) []string {
	return r.sample(filterExcluded(candidates, exclude), n)
}

func (r *Recommender) sample(pool []string, n int) []string {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	n = min(n, len(pool))
	r.mu.Lock()
	perm := r.rng.Perm(len(pool))
	r.mu.Unlock()

	out := make([]string, n)
	for i := range n {
		out[i] = pool[perm[i]]
	}
	return out
}

func filterExcluded(candidates []string, exclude map[string]struct{}) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, skip := exclude[c]; skip {
			continue
		}
		out = append(out, c)
	}
	return out
}
