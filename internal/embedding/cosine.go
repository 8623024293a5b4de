package embedding

import "math"

// Cosine returns the cosine similarity of two vectors. A zero vector (or a
// length mismatch) yields 0, which downstream scoring reads as "no
// similarity", which is what makes the provider's zero-vector fallback safe.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
