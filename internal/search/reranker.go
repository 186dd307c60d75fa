package search

import (
	"context"
	"sort"
	"strings"

	"github.com/quarrydocs/quarry/internal/store"
)

// TermOverlapReranker reorders candidates by weighted query-term
// coverage. It is a cheap lexical second pass: fusion ranks by rank
// agreement, this ranks by how much of the query each chunk actually
// covers. Serves as the default until a cross-encoder is wired in.
type TermOverlapReranker struct{}

var _ Reranker = (*TermOverlapReranker)(nil)

// Rerank scores each candidate by the fraction of distinct query terms
// present in its content, blended with the fused score so ties keep
// their retrieval order.
func (r *TermOverlapReranker) Rerank(_ context.Context, query string, candidates []Result) ([]Result, error) {
	terms := store.Tokenize(query)
	if len(terms) == 0 {
		return candidates, nil
	}
	unique := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		unique[t] = struct{}{}
	}

	reranked := make([]Result, len(candidates))
	copy(reranked, candidates)
	for i := range reranked {
		content := strings.ToLower(reranked[i].Content)
		matched := 0
		for term := range unique {
			if strings.Contains(content, term) {
				matched++
			}
		}
		coverage := float64(matched) / float64(len(unique))
		score := 0.7*coverage + 0.3*reranked[i].Score
		reranked[i].RerankScore = &score
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return *reranked[i].RerankScore > *reranked[j].RerankScore
	})
	return reranked, nil
}
