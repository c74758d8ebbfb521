package worldmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// RenderForPrompt renders live world-model state and recent thoughts as a
// natural-language block suitable for a system prompt. Returns "" when there
// is nothing to say.
func (s *Store) RenderForPrompt(ctx context.Context) (string, error) {
	states, err := s.GetAllStates(ctx)
	if err != nil {
		return "", err
	}
	thoughts, err := s.GetRecentThoughts(ctx, renderedThoughts)
	if err != nil {
		return "", err
	}
	if len(states) == 0 && len(thoughts) == 0 {
		return "", nil
	}

	var b strings.Builder
	if len(states) > 0 {
		b.WriteString("# YOUR INNER UNDERSTANDING (private — don't quote these directly)\n")
		for _, st := range states {
			label := strings.ReplaceAll(st.Key, "_", " ")
			fmt.Fprintf(&b, "- %s: %s\n", label, renderValue(st.Value))
		}
	}
	if len(thoughts) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("# YOUR RECENT PRIVATE THOUGHTS\n")
		for _, t := range thoughts {
			if t.Mood != "" {
				fmt.Fprintf(&b, "- %s [%s]\n", t.Thought, t.Mood)
			} else {
				fmt.Fprintf(&b, "- %s\n", t.Thought)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// renderValue unwraps a JSON string to its bare text; anything else keeps
// its compact JSON form.
func renderValue(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}
