// Package chat sends assembled prompts to a chat completion backend.
package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"ragprompt/internal/domain"
)

// Completer answers a conversation with the next assistant message.
type Completer interface {
	Complete(ctx context.Context, msgs []domain.Message, opts ...CallOption) (domain.Message, error)
}

type callConfig struct {
	logitBias map[int]float64
}

type CallOption func(*callConfig)

// WithLogitBias biases token ids for one call. Values are rounded and
// clamped to the API range [-100, 100].
func WithLogitBias(b map[int]float64) CallOption {
	return func(c *callConfig) { c.logitBias = b }
}

// ErrNoChoices is returned when the backend answers without a message.
var ErrNoChoices = errors.New("chat: completion has no choices")

type Config struct {
	BaseURL     string
	APIKeyEnv   string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	HTTPClient  *http.Client
}

// OpenAI is a Completer for OpenAI-compatible chat completion APIs.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float64
}

var _ Completer = (*OpenAI)(nil)

func NewOpenAI(cfg Config) (*OpenAI, error) {
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if key == "" {
		return nil, &domain.ConfigurationError{Key: cfg.APIKeyEnv, Reason: "missing chat API key"}
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(hc),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	c := openai.NewClient(opts...)
	return &OpenAI{client: &c, model: cfg.Model, temperature: cfg.Temperature}, nil
}

func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Complete(ctx context.Context, msgs []domain.Message, opts ...CallOption) (domain.Message, error) {
	var cc callConfig
	for _, opt := range opts {
		opt(&cc)
	}
	params := openai.ChatCompletionNewParams{
		Model:       o.model,
		Messages:    convertMessages(msgs),
		Temperature: openai.Float(o.temperature),
	}
	if len(cc.logitBias) > 0 {
		params.LogitBias = make(map[string]int64, len(cc.logitBias))
		for tok, b := range cc.logitBias {
			params.LogitBias[strconv.Itoa(tok)] = int64(math.Round(max(-100, min(100, b))))
		}
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return domain.Message{}, fmt.Errorf("chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Message{}, ErrNoChoices
	}
	return domain.Message{Role: domain.RoleAssistant, Content: resp.Choices[0].Message.Content}, nil
}

func convertMessages(msgs []domain.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
