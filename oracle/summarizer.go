package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/mwynn/mnemod/memerr"
)

// Summarizer condenses a window of conversation turns into a short summary
// for transcript compaction.
type Summarizer interface {
	Summarize(ctx context.Context, windowText string) (string, error)
}

const summarizerPrompt = "Summarize the following conversation turns concisely. " +
	"Capture intents, decisions, and follow-ups. Keep it short and actionable."

// OpenAISummarizer implements Summarizer with a chat-completion model.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

// NewOpenAISummarizer creates a summarizer for the given model.
func NewOpenAISummarizer(apiKey, model, baseURL string, logger zerolog.Logger) (*OpenAISummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("summarizer: api key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAISummarizer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.With().Str("component", "summarizer").Logger(),
	}, nil
}

// Summarize returns a compact summary of the given turn window.
func (s *OpenAISummarizer) Summarize(ctx context.Context, windowText string) (string, error) {
	if strings.TrimSpace(windowText) == "" {
		return "", memerr.NewValidationError("summarizer: window text is empty")
	}

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizerPrompt},
			{Role: openai.ChatMessageRoleUser, Content: windowText},
		},
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 90 * time.Second
	eb.Reset()
	b := backoff.WithMaxRetries(eb, 3)

	var summary string
	operation := func() error {
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			s.logger.Warn().Err(err).Msg("Summarizer: retrying")
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("summarizer: no choices in response"))
		}
		summary = strings.TrimSpace(resp.Choices[0].Message.Content)
		if summary == "" {
			return backoff.Permanent(fmt.Errorf("summarizer: empty summary text"))
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", memerr.NewProviderError("summarizer: completion failed", err)
	}
	return summary, nil
}
