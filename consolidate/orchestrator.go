package consolidate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mwynn/mnemod/episodic"
	"github.com/mwynn/mnemod/oracle"
	"github.com/mwynn/mnemod/semantic"
	"github.com/mwynn/mnemod/transcript"
	"github.com/mwynn/mnemod/worldmodel"
)

// dedupFacts is how many known facts are handed to the extraction model to
// stop it re-saving what the graph already holds.
const dedupFacts = 5

// defaultImportance is assumed when the extraction model stores an event
// without rating it.
const defaultImportance = 0.5

// Thresholds controls when transcript compaction triggers.
type Thresholds struct {
	CompactEveryTurns  int // un-summarized turn count that triggers compaction
	CompactAfterChars  int // un-summarized character count that triggers compaction
	CompactWindowTurns int // how many trailing turns feed one summary
}

// Result reports what one consolidation pass did. Dispatched counts jobs
// accepted by the pool, not jobs completed; completion is at-most-once.
type Result struct {
	Decision   oracle.DecisionKind
	Dispatched int
	Compacted  bool
}

// Orchestrator is the single write path into the memory stores. Per turn it
// gathers dedup context, asks the extraction model what to keep, and fans
// the writes out to the pool without waiting for them.
type Orchestrator struct {
	episodic    *episodic.Store
	semantic    *semantic.Store
	world       *worldmodel.Store
	transcripts *transcript.Store
	extractor   oracle.Extractor
	summarizer  oracle.Summarizer
	pool        *Pool
	thresholds  Thresholds
	logger      zerolog.Logger
}

// NewOrchestrator wires the write path together. A nil summarizer disables
// transcript compaction; everything else still runs.
func NewOrchestrator(
	ep *episodic.Store,
	sem *semantic.Store,
	world *worldmodel.Store,
	transcripts *transcript.Store,
	extractor oracle.Extractor,
	summarizer oracle.Summarizer,
	pool *Pool,
	thresholds Thresholds,
	logger zerolog.Logger,
) *Orchestrator {
	if thresholds.CompactEveryTurns <= 0 {
		thresholds.CompactEveryTurns = 10
	}
	if thresholds.CompactAfterChars <= 0 {
		thresholds.CompactAfterChars = 8000
	}
	if thresholds.CompactWindowTurns <= 0 {
		thresholds.CompactWindowTurns = 10
	}
	return &Orchestrator{
		episodic:    ep,
		semantic:    sem,
		world:       world,
		transcripts: transcripts,
		extractor:   extractor,
		summarizer:  summarizer,
		pool:        pool,
		thresholds:  thresholds,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
	}
}

// ProcessTurn runs one consolidation pass over the latest user/assistant
// exchange. Store writes are fire-and-forget; only transcript bookkeeping
// and compaction happen synchronously. Memory failures never surface to the
// caller as errors, they are logged and swallowed.
func (o *Orchestrator) ProcessTurn(ctx context.Context, threadID, userText, assistantText string) Result {
	if err := o.transcripts.AppendTurn(ctx, threadID, "user", userText); err != nil {
		o.logger.Warn().Err(err).Msg("Transcript append failed")
	}
	if err := o.transcripts.AppendTurn(ctx, threadID, "assistant", assistantText); err != nil {
		o.logger.Warn().Err(err).Msg("Transcript append failed")
	}

	res := Result{Decision: oracle.DecisionSkip}
	interaction := fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText)

	decision, ok := o.decide(ctx, interaction)
	if ok && !decision.Skip() {
		res.Decision = decision.Decision
		res.Dispatched = o.dispatch(decision)
	}

	// Compaction runs regardless of the extraction outcome.
	res.Compacted = o.maybeCompact(ctx, threadID)
	return res
}

// decide gathers dedup context and asks the extraction model. A false
// return means the whole consolidation pass is skipped for this turn.
func (o *Orchestrator) decide(ctx context.Context, interaction string) (oracle.Decision, bool) {
	var dedup string
	known, err := o.semantic.RetrieveRelevantKnowledge(ctx, interaction, dedupFacts)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Dedup context lookup failed, proceeding without")
	} else {
		lines := lo.Map(known, func(k semantic.Knowledge, _ int) string {
			return "- " + k.Content
		})
		dedup = strings.Join(lines, "\n")
	}

	decision, err := o.extractor.Extract(ctx, oracle.Request{
		ExistingKnowledgeContext: dedup,
		InteractionText:          interaction,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("Extraction failed, skipping consolidation for this turn")
		return oracle.Decision{}, false
	}
	return decision, true
}

// dispatch submits one independent job per extracted item and returns how
// many the pool accepted.
func (o *Orchestrator) dispatch(d oracle.Decision) int {
	dispatched := 0
	submit := func(job Job) {
		if o.pool.Submit(job) {
			dispatched++
		}
	}

	for _, rel := range d.Relationships {
		rel := rel
		o.logger.Debug().
			Str("from", rel.FromEntity).
			Str("relation", rel.Relation).
			Str("to", rel.ToEntity).
			Msg("Linking entities")
		submit(Job{
			Name: "relationship:" + rel.Relation,
			Run: func(ctx context.Context) error {
				return o.semantic.AddRelationship(ctx,
					rel.FromEntity, semantic.EntityType(rel.FromType),
					rel.Relation,
					rel.ToEntity, semantic.EntityType(rel.ToType),
					rel.Confidence)
			},
		})
	}

	for _, person := range d.People {
		person := person
		submit(Job{
			Name: "person:" + person.Name,
			Run: func(ctx context.Context) error {
				if _, err := o.semantic.GetOrCreateEntity(ctx, person.Name, semantic.EntityPerson, person.Notes); err != nil {
					return err
				}
				attrs := map[string]interface{}{}
				if person.Relation != "" {
					attrs["relation"] = person.Relation
				}
				if person.Category != "" {
					attrs["category"] = person.Category
				}
				if person.Notes != "" {
					attrs["notes"] = person.Notes
				}
				if len(attrs) == 0 {
					return nil
				}
				return o.semantic.UpdateEntityAttributes(ctx, person.Name, attrs)
			},
		})
	}

	for _, pref := range d.Preferences {
		pref := pref
		key := "preference." + slugify(pref)
		submit(Job{
			Name: "preference:" + key,
			Run: func(ctx context.Context) error {
				return o.world.SetState(ctx, key, pref, "consolidation", 0.8, nil)
			},
		})
	}

	if d.EpisodicContent != "" {
		content := d.EpisodicContent
		importance := defaultImportance
		if d.EpisodicImportance != nil {
			importance = *d.EpisodicImportance
		}
		tags := d.EpisodicTags
		var expiryDays float64
		if d.EpisodicExpiryDays != nil {
			expiryDays = *d.EpisodicExpiryDays
		}
		submit(Job{
			Name: "episodic",
			Run: func(ctx context.Context) error {
				_, err := o.episodic.Add(ctx, episodic.AddRequest{
					Content:    content,
					Importance: importance,
					Role:       episodic.RoleUser,
					Tags:       tags,
					ExpiryDays: expiryDays,
				})
				return err
			},
		})
	}

	if reason := strings.TrimSpace(d.Reason); reason != "" {
		submit(Job{
			Name: "thought",
			Run: func(ctx context.Context) error {
				return o.world.AddThought(ctx, reason, "", "consolidation", 0)
			},
		})
	}

	return dispatched
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a preference statement into a stable world-model key
// fragment.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugPattern.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 48 {
		s = s[:48]
		s = strings.TrimRight(s, "_")
	}
	if s == "" {
		s = "unnamed"
	}
	return s
}
