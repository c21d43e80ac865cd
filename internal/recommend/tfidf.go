package recommend

import (
	"errors"
	"math"
)

// errDegenerateCorpus is returned when no candidate has a token left after
// normalization, so no vector space can be built for them.
var errDegenerateCorpus = errors.New("degenerate corpus: every candidate is empty after normalization")

// vector keeps its terms in first-appearance order so sums are computed in a
// deterministic order and equal documents score exactly equal.
type vector struct {
	terms   []string
	weights map[string]float64
}

// cosineScores builds a TF-IDF space over {query} ∪ candidates and returns
// the cosine similarity between the query and each candidate, in order.
// IDF uses the smoothed form ln((1+n)/(1+df)) + 1 and vectors are L2-normalized.
func cosineScores(query []string, candidates [][]string) ([]float64, error) {
	empty := true
	for _, c := range candidates {
		if len(c) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return nil, errDegenerateCorpus
	}

	docs := make([][]string, 0, len(candidates)+1)
	docs = append(docs, query)
	docs = append(docs, candidates...)

	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]struct{}, len(doc))
		for _, tok := range doc {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}

	n := float64(len(docs))
	idf := make(map[string]float64, len(df))
	for tok, d := range df {
		idf[tok] = math.Log((1+n)/(1+float64(d))) + 1
	}

	q := weigh(query, idf)
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = dot(q, weigh(c, idf))
	}
	return scores, nil
}

func weigh(doc []string, idf map[string]float64) vector {
	v := vector{weights: make(map[string]float64, len(doc))}
	for _, tok := range doc {
		if _, ok := v.weights[tok]; !ok {
			v.terms = append(v.terms, tok)
		}
		v.weights[tok]++
	}
	var norm float64
	for _, tok := range v.terms {
		w := v.weights[tok] * idf[tok]
		v.weights[tok] = w
		norm += w * w
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for _, tok := range v.terms {
		v.weights[tok] /= norm
	}
	return v
}

func dot(q, c vector) float64 {
	var sum float64
	for _, tok := range q.terms {
		sum += q.weights[tok] * c.weights[tok]
	}
	// Rounding can push identical vectors just past 1.
	return math.Min(sum, 1)
}
