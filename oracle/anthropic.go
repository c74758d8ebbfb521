package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/memerr"
)

// Request carries everything the extraction model needs for one turn.
type Request struct {
	SystemInstructions       string
	ExistingKnowledgeContext string
	InteractionText          string
}

// Extractor is the knowledge-extraction contract. Implementations must
// return a coerced Decision or an error, never a partially-defaulted one.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Decision, error)
}

const extractionSchema = `Output MUST be valid JSON with this exact shape and no extra keys:
{
  "decision": "SEMANTIC" | "EPISODIC" | "BOTH" | "PEOPLE" | "SKIP",
  "reason": string,
  "new_relationships": [
    {"from_entity": string, "from_type": string, "relation": string,
     "to_entity": string, "to_type": string, "confidence": number}
  ],
  "people": [
    {"name": string, "relation": string, "category": string, "notes": string}
  ],
  "preferences": [string],
  "episodic_content": string or null,
  "episodic_importance": number or null,
  "episodic_tags": [string] or null,
  "episodic_expiry_days": number or null
}

Entity and person types: person, org, tool, location, project, concept, preference.
Person categories: family, friend, colleague, other.

Guidance:
1. SEMANTIC (entity graph): "I work at Climate KIC in Amsterdam"
   -> (User, person) works_at (Climate KIC, org)
   -> (Climate KIC, org) located_in (Amsterdam, location)
2. EPISODIC (events): "Meeting tomorrow" -> episodic_expiry_days 1.
3. PEOPLE: mentions of someone in the user's circle go in "people".
4. Stable likes/dislikes go in "preferences" as short statements.
5. Small talk with nothing worth keeping: decision SKIP.

You must output ONLY the JSON object.`

// AnthropicExtractor implements Extractor against the Anthropic Messages API.
type AnthropicExtractor struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	logger    zerolog.Logger
}

// NewAnthropicExtractor creates an extractor for the given model.
func NewAnthropicExtractor(apiKey, model string, maxTokens int64, logger zerolog.Logger) (*AnthropicExtractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("oracle: api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("oracle: model name is required")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicExtractor{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "oracle").Logger(),
	}, nil
}

// Extract asks the model what (if anything) from this interaction should be
// remembered. Rate limits and server errors retry with exponential backoff;
// anything else fails fast as a ProviderError.
func (e *AnthropicExtractor) Extract(ctx context.Context, req Request) (Decision, error) {
	if strings.TrimSpace(req.InteractionText) == "" {
		return Decision{}, memerr.NewValidationError("oracle: interaction text is empty")
	}

	system := req.SystemInstructions
	if system == "" {
		system = "You are the Memory Manager for a personal AI assistant. Extract entities, relationships, people, preferences, and events worth remembering."
	}
	var sb strings.Builder
	sb.WriteString(system)
	sb.WriteString("\n\nEXISTING KNOWLEDGE (do not re-save these unless updated):\n")
	if req.ExistingKnowledgeContext == "" {
		sb.WriteString("(none)\n")
	} else {
		sb.WriteString(req.ExistingKnowledgeContext)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(extractionSchema)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: sb.String()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Analyze:\n" + req.InteractionText)),
		},
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2.0
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 2 * time.Minute
	eb.Reset()
	b := backoff.WithMaxRetries(eb, 4)

	var message *anthropic.Message
	operation := func() error {
		var err error
		message, err = e.client.Messages.New(ctx, params)
		if err == nil {
			return nil
		}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
				e.logger.Warn().Int("status", apiErr.StatusCode).Msg("Oracle: retryable API error")
				return err
			}
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return Decision{}, memerr.NewProviderError("oracle: extraction call failed", err)
	}

	text := firstText(message)
	if text == "" {
		return Decision{}, memerr.NewProviderError("oracle: empty response content", nil)
	}
	decision, err := ParseDecision(text)
	if err != nil {
		return Decision{}, memerr.NewProviderError("oracle: malformed decision", err)
	}
	e.logger.Debug().
		Str("decision", string(decision.Decision)).
		Int("relationships", len(decision.Relationships)).
		Int("people", len(decision.People)).
		Msg("Oracle decision")
	return decision, nil
}

func firstText(message *anthropic.Message) string {
	if message == nil {
		return ""
	}
	for _, blockUnion := range message.Content {
		if block, ok := blockUnion.AsAny().(anthropic.TextBlock); ok {
			return strings.TrimSpace(block.Text)
		}
	}
	return ""
}
