package guidance

import (
	"context"
	"math"
	"slices"
)

// Snippet is one ranked search result.
type Snippet struct {
	DocumentID string
	Name       string
	Phase      string
	Content    string
	// Score is higher for better matches. Its scale depends on the retriever.
	Score float64
}

// Retriever ranks technique documents for a phase.
type Retriever interface {
	// Search returns at most k snippets, best first. query is free text
	// naming the phase and recent context; phase is the bare phase
	// description.
	Search(ctx context.Context, query, phase string, k int) ([]Snippet, error)
}

// cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topK sorts snippets by descending score and keeps the first k.
func topK(snippets []Snippet, k int) []Snippet {
	slices.SortStableFunc(snippets, func(a, b Snippet) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if k > 0 && len(snippets) > k {
		snippets = snippets[:k]
	}
	return snippets
}
