// Package oracle talks to the knowledge-extraction model: given a slice of
// conversation plus already-known facts, it returns a structured decision of
// what to persist. It also houses the cheaper transcript summarizer used for
// compaction.
package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecisionKind categorizes what a turn contained.
type DecisionKind string

const (
	DecisionSemantic DecisionKind = "SEMANTIC"
	DecisionEpisodic DecisionKind = "EPISODIC"
	DecisionBoth     DecisionKind = "BOTH"
	DecisionPeople   DecisionKind = "PEOPLE"
	DecisionSkip     DecisionKind = "SKIP"
)

// Relationship is one extracted entity edge.
type Relationship struct {
	FromEntity string  `json:"from_entity"`
	FromType   string  `json:"from_type"`
	Relation   string  `json:"relation"`
	ToEntity   string  `json:"to_entity"`
	ToType     string  `json:"to_type"`
	Confidence float64 `json:"confidence"`
}

// Person is a mention of someone in the user's circle.
type Person struct {
	Name     string `json:"name"`
	Relation string `json:"relation"`
	Category string `json:"category"`
	Notes    string `json:"notes"`
}

// Decision is the extraction model's verdict for one interaction. After
// Coerce, list fields are never nil and Decision is always one of the known
// kinds, so downstream code never branches on null-vs-missing.
type Decision struct {
	Decision DecisionKind `json:"decision"`
	Reason   string       `json:"reason"`

	Relationships []Relationship `json:"new_relationships"`
	People        []Person       `json:"people"`
	Preferences   []string       `json:"preferences"`

	EpisodicContent    string   `json:"episodic_content"`
	EpisodicImportance *float64 `json:"episodic_importance"`
	EpisodicTags       []string `json:"episodic_tags"`
	EpisodicExpiryDays *float64 `json:"episodic_expiry_days"`
}

// Skip reports whether the decision calls for no writes at all.
func (d Decision) Skip() bool {
	return d.Decision == DecisionSkip
}

// Coerce normalizes a raw decoded decision: nil lists become empty slices
// and an unrecognized decision string downgrades to SKIP.
func Coerce(d Decision) Decision {
	switch DecisionKind(strings.ToUpper(strings.TrimSpace(string(d.Decision)))) {
	case DecisionSemantic:
		d.Decision = DecisionSemantic
	case DecisionEpisodic:
		d.Decision = DecisionEpisodic
	case DecisionBoth:
		d.Decision = DecisionBoth
	case DecisionPeople:
		d.Decision = DecisionPeople
	default:
		d.Decision = DecisionSkip
	}
	if d.Relationships == nil {
		d.Relationships = []Relationship{}
	}
	if d.People == nil {
		d.People = []Person{}
	}
	if d.Preferences == nil {
		d.Preferences = []string{}
	}
	if d.EpisodicTags == nil {
		d.EpisodicTags = []string{}
	}
	return d
}

// ParseDecision decodes a model response into a coerced Decision. Markdown
// code fences around the JSON are tolerated.
func ParseDecision(raw string) (Decision, error) {
	raw = stripFences(strings.TrimSpace(raw))
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, fmt.Errorf("oracle: parse decision JSON: %w", err)
	}
	return Coerce(d), nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
