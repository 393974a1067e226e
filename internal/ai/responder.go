// Package ai drafts auto-replies with an OpenAI-compatible chat model.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = errors.New("ai replies disabled: no api key")

// Config configures the responder.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
}

// Turn is one message of a conversation, oldest first.
type Turn struct {
	FromMe bool
	Text   string
}

// Responder produces the next reply of a conversation.
type Responder struct {
	client  openai.Client
	model   string
	prompt  string
	enabled bool
	logger  *zap.Logger
}

// NewResponder creates a responder. Extra request options are applied to
// every call.
func NewResponder(cfg Config, logger *zap.Logger, opts ...option.RequestOption) *Responder {
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	return &Responder{
		client:  openai.NewClient(append(base, opts...)...),
		model:   cfg.Model,
		prompt:  cfg.SystemPrompt,
		enabled: cfg.APIKey != "",
		logger:  logger,
	}
}

// Enabled reports whether the responder has credentials.
func (r *Responder) Enabled() bool {
	return r.enabled
}

// Reply returns the assistant's next message for history. An empty string
// means the model chose not to answer.
func (r *Responder) Reply(ctx context.Context, history []Turn) (string, error) {
	if !r.enabled {
		return "", ErrDisabled
	}
	if len(history) == 0 {
		return "", nil
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if r.prompt != "" {
		messages = append(messages, openai.SystemMessage(r.prompt))
	}
	for _, t := range history {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		if t.FromMe {
			messages = append(messages, openai.AssistantMessage(t.Text))
		} else {
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}

	completion, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    r.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	r.logger.Debug("ai reply drafted",
		zap.String("model", completion.Model),
		zap.Int64("total_tokens", completion.Usage.TotalTokens),
		zap.Int("chars", len(reply)))
	return reply, nil
}
