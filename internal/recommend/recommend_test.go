package recommend

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/yunhe-labs/tourguide/internal/text"
)

type fieldsSegmenter struct{}

func (fieldsSegmenter) Cut(s string) []string { return strings.Fields(s) }

func newTestRecommender() *Recommender {
	return New(text.NewNormalizer(fieldsSegmenter{}), WithRand(rand.New(rand.NewPCG(1, 2))))
}

var corpus = []string{
	"When was the canal built?",
	"Who built the canal locks?",
	"What is the best local dish?",
	"Where can I try eel noodles?",
	"How long is the canal?",
}

func TestRecommendRanksBySimilarity(t *testing.T) {
	t.Parallel()

	r := newTestRecommender()
	got := r.Recommend("When was the canal built?", corpus, map[string]struct{}{"When was the canal built?": {}}, 3)
	if len(got) == 0 {
		t.Fatal("expected suggestions")
	}
	if got[0].Question != "Who built the canal locks?" {
		t.Fatalf("expected closest question first, got %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("scores not descending: %+v", got)
		}
	}
	for _, s := range got {
		if strings.Contains(s.Question, "dish") || strings.Contains(s.Question, "eel") {
			t.Fatalf("unrelated question must not be padded in: %+v", got)
		}
	}
}

func TestRecommendNeverReturnsExcluded(t *testing.T) {
	t.Parallel()

	r := newTestRecommender()
	queries := []string{"canal", "built canal", "local dish", "eel", "how long"}
	for i, q := range queries {
		exclude := map[string]struct{}{}
		for j := 0; j <= i; j++ {
			exclude[corpus[j]] = struct{}{}
		}
		for n := 0; n <= len(corpus)+1; n++ {
			got := r.Recommend(q, corpus, exclude, n)
			remaining := len(corpus) - len(exclude)
			if len(got) > min(n, remaining) {
				t.Fatalf("query %q n=%d: %d results exceeds bound %d", q, n, len(got), min(n, remaining))
			}
			for _, s := range got {
				if _, bad := exclude[s.Question]; bad {
					t.Fatalf("excluded question returned: %q", s.Question)
				}
				if s.Score <= MinScore || s.Score > 1 {
					t.Fatalf("score out of range: %+v", s)
				}
			}
		}
	}
}

func TestRecommendTiesKeepCandidateOrder(t *testing.T) {
	t.Parallel()

	r := newTestRecommender()
	candidates := []string{"canal tour b", "canal tour a", "canal tour c"}
	got := r.Recommend("canal tour", candidates, nil, 3)
	var order []string
	for _, s := range got {
		order = append(order, s.Question)
	}
	if !slices.Equal(order, candidates) {
		t.Fatalf("expected stable order %v, got %v", candidates, order)
	}
	if math.Abs(got[0].Score-got[1].Score) > 1e-12 {
		t.Fatalf("expected tied scores, got %+v", got)
	}
}

func TestRecommendEmptyAfterExclusion(t *testing.T) {
	t.Parallel()

	r := newTestRecommender()
	exclude := map[string]struct{}{}
	for _, c := range corpus {
		exclude[c] = struct{}{}
	}
	if got := r.Recommend("canal", corpus, exclude, 3); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestRecommendDegenerateCorpusFallsBackToRandom(t *testing.T) {
	t.Parallel()

	r := newTestRecommender()
	candidates := []string{"???", "!!!", "。。。", "---"}
	got := r.Recommend("canal", candidates, map[string]struct{}{"---": {}}, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 random picks, got %+v", got)
	}
	seen := map[string]bool{}
	for _, s := range got {
		if s.Question == "---" {
			t.Fatal("fallback must respect exclusion")
		}
		if seen[s.Question] {
			t.Fatalf("duplicate pick %q", s.Question)
		}
		seen[s.Question] = true
	}
}

func TestRecommendEmptyQueryScoresZero(t *testing.T) {
	t.Parallel()

	r := newTestRecommender()
	if got := r.Recommend("?!", corpus, nil, 3); len(got) != 0 {
		t.Fatalf("expected no suggestions for empty query, got %+v", got)
	}
}

func TestSampleIsBoundedAndUnique(t *testing.T) {
	t.Parallel()

	r := newTestRecommender()
	pool := make([]string, 10)
	for i := range pool {
		pool[i] = fmt.Sprintf("q%d", i)
	}
	got := r.Sample(pool, map[string]struct{}{"q0": {}}, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3, got %v", got)
	}
	if slices.Contains(got, "q0") {
		t.Fatal("sample returned excluded question")
	}
	if got := r.Sample(pool[:2], nil, 5); len(got) != 2 {
		t.Fatalf("expected sample capped at pool size, got %v", got)
	}
}

func TestCosineScoresIdenticalDocument(t *testing.T) {
	t.Parallel()

	scores, err := cosineScores([]string{"canal", "built"}, [][]string{{"canal", "built"}, {"dish"}})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(scores[0]-1) > 1e-9 {
		t.Fatalf("expected 1 for identical doc, got %v", scores[0])
	}
	if scores[1] != 0 {
		t.Fatalf("expected 0 for disjoint doc, got %v", scores[1])
	}
}
