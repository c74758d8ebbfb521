// Package assemble builds the per-turn prompt context from the three memory
// read APIs. It is synchronous and side-effect free; a failing store
// contributes an empty section rather than failing the turn.
package assemble

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/episodic"
	"github.com/mwynn/mnemod/semantic"
	"github.com/mwynn/mnemod/worldmodel"
)

// Builder pulls from the three stores to assemble context for the next turn.
type Builder struct {
	episodic   *episodic.Store
	semantic   *semantic.Store
	world      *worldmodel.Store
	memoryK    int
	knowledgeK int
	logger     zerolog.Logger
}

// NewBuilder creates a context builder. memoryK and knowledgeK bound the
// retrieved episodic memories and knowledge facts per turn.
func NewBuilder(ep *episodic.Store, sem *semantic.Store, world *worldmodel.Store, memoryK, knowledgeK int, logger zerolog.Logger) *Builder {
	if memoryK <= 0 {
		memoryK = 5
	}
	if knowledgeK <= 0 {
		knowledgeK = 5
	}
	return &Builder{
		episodic:   ep,
		semantic:   sem,
		world:      world,
		memoryK:    memoryK,
		knowledgeK: knowledgeK,
		logger:     logger.With().Str("component", "assemble").Logger(),
	}
}

// Context is the assembled memory view for one turn.
type Context struct {
	Memories   []episodic.ScoredRecord
	Knowledge  []semantic.Knowledge
	WorldModel string
}

// Build gathers all three sections for the query. Individual store failures
// are logged and leave that section empty.
func (b *Builder) Build(ctx context.Context, query string) Context {
	var out Context

	memories, err := b.episodic.Retrieve(ctx, query, b.memoryK, episodic.Weights{})
	if err != nil {
		b.logger.Warn().Err(err).Msg("Episodic retrieval failed")
	} else {
		out.Memories = memories
	}

	knowledge, err := b.semantic.RetrieveRelevantKnowledge(ctx, query, b.knowledgeK)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Knowledge retrieval failed")
	} else {
		out.Knowledge = knowledge
	}

	rendered, err := b.world.RenderForPrompt(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("World model render failed")
	} else {
		out.WorldModel = rendered
	}
	return out
}

// Render formats the context as a prompt block. Empty sections are omitted;
// a fully empty context renders as "".
func (c Context) Render() string {
	var sections []string

	if len(c.Memories) > 0 {
		var b strings.Builder
		b.WriteString("# RELEVANT MEMORIES\n")
		for _, m := range c.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	if len(c.Knowledge) > 0 {
		var b strings.Builder
		b.WriteString("# WHAT YOU KNOW\n")
		for _, k := range c.Knowledge {
			fmt.Fprintf(&b, "- %s (confidence %.2f)\n", k.Content, k.Confidence)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	if c.WorldModel != "" {
		sections = append(sections, c.WorldModel)
	}

	return strings.Join(sections, "\n\n")
}
