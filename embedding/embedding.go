// Package embedding defines the pluggable text-embedding provider contract
// and the vector codec shared by all memory stores.
//
// Each store is constructed with its own Provider: the episodic store and the
// semantic graph are free to use different models with different dimensions.
// Providers are stateless after construction and safe for concurrent use.
package embedding

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
)

// Provider maps text to a fixed-dimension float vector.
// A failed call must return an error, never a silent zero vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Encode encodes a []float32 into a []byte for BLOB storage.
func Encode(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	return b
}

// Decode decodes a stored BLOB back into a []float32.
func Decode(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, errors.New("invalid embedding blob length")
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		u := binary.LittleEndian.Uint32(b[i*4:])
		vec[i] = math.Float32frombits(u)
	}
	return vec, nil
}

// CosineSimilarity between two equal-length vectors. Mismatched or empty
// vectors score zero rather than erroring; callers treat zero as "no match".
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
