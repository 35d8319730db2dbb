package search

import (
	"sort"

	"github.com/dpolishuk/codegraph/internal/models"
)

// Weights scales the graph and semantic scores of a strategy.
type Weights struct {
	Graph    float64
	Semantic float64
}

// DefaultWeights are graph-first 0.7/0.3, semantic-first 0.3/0.7 and an
// even split for hybrid.
func DefaultWeights() map[models.Strategy]Weights {
	return map[models.Strategy]Weights{
		models.StrategyGraphFirst:    {Graph: 0.7, Semantic: 0.3},
		models.StrategySemanticFirst: {Graph: 0.3, Semantic: 0.7},
		models.StrategyHybrid:        {Graph: 0.5, Semantic: 0.5},
	}
}

// Fuse combines the two scores of one entity.
func Fuse(w Weights, graphScore, semanticScore float64) float64 {
	return w.Graph*graphScore + w.Semantic*semanticScore
}

// Rank drops results under minimum and orders the rest by score, then
// qualified name, then id.
func Rank(results []models.RankedResult, minimum float64) []models.RankedResult {
	out := results[:0]
	for _, r := range results {
		if r.Score >= minimum {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Entity.QualifiedName != b.Entity.QualifiedName {
			return a.Entity.QualifiedName < b.Entity.QualifiedName
		}
		return a.Entity.ID < b.Entity.ID
	})
	return out
}

// Page is one window of ranked results.
type Page struct {
	Results []models.RankedResult
	Total   int
	HasMore bool
}

// Paginate cuts the window [offset, offset+limit) out of ranked results.
func Paginate(ranked []models.RankedResult, limit, offset int) Page {
	total := len(ranked)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return Page{
		Results: ranked[offset:end],
		Total:   total,
		HasMore: end < total,
	}
}
