package embedding

import "math"

// CosineSimilarity computes the cosine similarity between two vectors.
//
// Returns a value between -1 and 1, where 1 means identical direction,
// 0 means orthogonal, and -1 means opposite. Mismatched lengths and zero
// vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct float64
	var magnitudeA float64
	var magnitudeB float64

	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		magnitudeA += float64(a[i]) * float64(a[i])
		magnitudeB += float64(b[i]) * float64(b[i])
	}

	if magnitudeA == 0.0 || magnitudeB == 0.0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(magnitudeA) * math.Sqrt(magnitudeB))
}

// CosineDistance computes the cosine distance between two vectors:
// 1 - cos(θ), ranging from 0 (identical) to 2 (opposite).
func CosineDistance(a, b []float32) float64 {
	return 1.0 - CosineSimilarity(a, b)
}
