package extract

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// embedDim is the fixed dimensionality of hashed term vectors. Feature
// hashing keeps the vector space identical across processes and restarts,
// which a grown-on-demand vocabulary would not.
const embedDim = 256

func tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Embed computes a hashed term-frequency vector for the text, L2-normalized.
// Empty input yields nil.
func (Heuristic) Embed(ctx context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}
	vec := make([]float32, embedDim)
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := sum % embedDim
		// The top bit picks the sign so hash collisions partially cancel
		// instead of always inflating the shared dimension.
		if sum&0x80000000 != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	normalize(vec)
	return vec, nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// Cosine computes cosine similarity between two vectors. Differing lengths
// are compared over the shared prefix with the remainder counted in the
// norms. Nil or empty input scores zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	for _, x := range a[n:] {
		normA += float64(x) * float64(x)
	}
	for _, x := range b[n:] {
		normB += float64(x) * float64(x)
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
