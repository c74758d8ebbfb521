package worldmodel

import (
	"encoding/json"
	"time"
)

// State is one freeform fact about the world as currently understood.
// Keys are caller-defined; there is no fixed schema. A state is live while
// its TTL (if any) has not elapsed since the last update.
type State struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Source     string          `json:"source"`
	Confidence float64         `json:"confidence"`
	TTLHours   *float64        `json:"ttl_hours,omitempty"`
}

// Live reports whether the state has not expired as of now.
func (s State) Live(now time.Time) bool {
	if s.TTLHours == nil {
		return true
	}
	return s.UpdatedAt.Add(hoursToDuration(*s.TTLHours)).After(now)
}

// Thought is an ephemeral narrative entry, independent of keyed state.
// Thoughts are write-once and purged after expiry.
type Thought struct {
	ID        string     `json:"id"`
	Thought   string     `json:"thought"`
	Mood      string     `json:"mood,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Source    string     `json:"source"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
