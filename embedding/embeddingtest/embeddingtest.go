// Package embeddingtest provides deterministic embedding providers for tests.
// None of them require external services, making them suitable for CI.
package embeddingtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/mwynn/mnemod/embedding"
)

// Static returns the same fixed vector for specific texts and a zero-ish
// fallback otherwise. Useful when a test wants exact similarity control.
type Static struct {
	Vectors   map[string][]float32
	Dimension int
}

// Embed returns the configured vector for text, or a unit vector on the
// first axis when the text is unknown.
func (s *Static) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.Vectors[text]; ok {
		return v, nil
	}
	dim := s.Dimension
	if dim <= 0 {
		dim = 4
	}
	v := make([]float32, dim)
	v[0] = 1
	return v, nil
}

// Failing always returns an error, for exercising provider-failure paths.
type Failing struct{}

func (Failing) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedding provider unavailable")
}

// Hash creates embeddings from word content so that texts with overlapping
// words produce similar vectors (high cosine similarity). Deterministic.
type Hash struct {
	Dimension int
}

// NewHash returns a Hash provider with the given dimension.
func NewHash(dimension int) *Hash {
	return &Hash{Dimension: dimension}
}

func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	words := strings.Fields(strings.ToLower(text))
	vec := make([]float32, h.Dimension)
	if len(words) == 0 {
		return vec, nil
	}

	for _, word := range words {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(word))
		sum := hasher.Sum32()

		// Each word influences a few dimensions so overlap is detectable.
		for i := 0; i < 3; i++ {
			dim := int((sum + uint32(i)*2654435761) % uint32(h.Dimension)) //nolint:gosec // test code
			vec[dim] += float32(math.Sin(float64(sum+uint32(i))*0.1) + 1.0)
		}
	}

	var magnitude float32
	for _, v := range vec {
		magnitude += v * v
	}
	magnitude = float32(math.Sqrt(float64(magnitude)))
	if magnitude > 0 {
		for i := range vec {
			vec[i] /= magnitude
		}
	}
	return vec, nil
}

var _ embedding.Provider = (*Static)(nil)
var _ embedding.Provider = Failing{}
var _ embedding.Provider = (*Hash)(nil)
