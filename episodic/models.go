package episodic

import (
	"math"
	"time"
)

// Role identifies who a memory is attributed to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultDecayRate is the per-day exponential decay constant applied to
// records that do not specify their own.
const DefaultDecayRate = 0.01

// Record is a single decaying memory. Records are append-only: once written
// they are never mutated, only deleted by cleanup or hard expiry.
type Record struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Embedding   []float32  `json:"embedding,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Importance  float64    `json:"importance"`
	DecayRate   float64    `json:"decay_rate"`
	SourceTurns int        `json:"source_turns"`
	Tags        []string   `json:"tags,omitempty"`
	Role        Role       `json:"role"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// AddRequest carries the inputs for storing a new memory.
type AddRequest struct {
	Content     string
	Importance  float64 // must be within [0,1]
	Role        Role    // defaults to RoleUser
	Tags        []string
	SourceTurns int     // defaults to 1
	ExpiryDays  float64 // 0 = never expires
}

// Weights are the hybrid ranking coefficients.
type Weights struct {
	Alpha float64 // similarity
	Beta  float64 // recency
	Gamma float64 // importance
}

// DefaultWeights returns the standard ranking mix.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.5, Beta: 0.2, Gamma: 0.3}
}

// ScoredRecord is a retrieval hit with its hybrid score and a human-readable
// breakdown for debugging retrieval quality.
type ScoredRecord struct {
	Record
	Score float64 `json:"score"`
	Debug string  `json:"debug"`
}

// EffectiveImportance computes importance * exp(-decayRate * ageDays).
// It is strictly decreasing in age for any decayRate > 0.
func EffectiveImportance(importance, decayRate, ageDays float64) float64 {
	return importance * math.Exp(-decayRate*ageDays)
}
