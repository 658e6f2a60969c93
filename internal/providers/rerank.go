package providers

import (
	"context"
	"strings"
)

// HeuristicReranker scores candidates by query token overlap. It is the
// zero-dependency stand-in used when no Gemini key is configured, and the
// fallback target when the remote reranker misbehaves.
type HeuristicReranker struct{}

var _ Reranker = (*HeuristicReranker)(nil)

func NewHeuristicReranker() *HeuristicReranker {
	return &HeuristicReranker{}
}

func (r *HeuristicReranker) Name() string { return "heuristic" }

func (r *HeuristicReranker) Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]float64, error) {
	queryTokens := tokenSet(query)
	scores := make([]float64, len(candidates))
	if len(queryTokens) == 0 {
		return scores, nil
	}

	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candTokens := tokenSet(cand.Text)
		if len(candTokens) == 0 {
			continue
		}
		overlap := 0
		for tok := range queryTokens {
			if _, ok := candTokens[tok]; ok {
				overlap++
			}
		}
		union := len(queryTokens) + len(candTokens) - overlap
		if union > 0 {
			scores[i] = float64(overlap) / float64(union)
		}
	}
	return scores, nil
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if len(tok) > 1 {
			set[tok] = struct{}{}
		}
	}
	return set
}
