package embeddings

import (
	"gonum.org/v1/gonum/floats"
)

// CosineSimilarity computes the cosine of the angle between a and b.
// Mismatched lengths and zero vectors score 0, which keeps never-indexed
// fallback vectors out of semantic rankings.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
