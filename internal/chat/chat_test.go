package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragprompt/internal/domain"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Temperature float64          `json:"temperature"`
	LogitBias   map[string]int64 `json:"logit_bias"`
}

func newFakeServer(t *testing.T, reply string, last *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(last); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		choices := []map[string]any{}
		if reply != "" {
			choices = append(choices, map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   last.Model,
			"choices": choices,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	var last chatRequest
	srv := newFakeServer(t, "4", &last)
	c, err := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "test", Model: "gpt-test", Temperature: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", c.Model())

	reply, err := c.Complete(context.Background(), []domain.Message{
		{Role: domain.RoleSystem, Content: "Be kind."},
		{Role: domain.RoleUser, Content: "2+2?"},
		{Role: domain.RoleAssistant, Content: "Let me think."},
	}, WithLogitBias(map[int]float64{42: 4.6, 7: 250}))
	require.NoError(t, err)
	assert.Equal(t, domain.Message{Role: domain.RoleAssistant, Content: "4"}, reply)

	assert.Equal(t, "gpt-test", last.Model)
	require.Len(t, last.Messages, 3)
	assert.Equal(t, "system", last.Messages[0].Role)
	assert.Equal(t, "user", last.Messages[1].Role)
	assert.Equal(t, "assistant", last.Messages[2].Role)
	assert.Equal(t, "2+2?", last.Messages[1].Content)
	assert.InDelta(t, 0.5, last.Temperature, 1e-9)
	assert.Equal(t, map[string]int64{"42": 5, "7": 100}, last.LogitBias)
}

func TestCompleteNoChoices(t *testing.T) {
	var last chatRequest
	srv := newFakeServer(t, "", &last)
	c, err := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "test"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "hi"}})
	require.ErrorIs(t, err, ErrNoChoices)
	assert.Nil(t, last.LogitBias)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	t.Setenv("RAGPROMPT_CHAT_KEY", "")
	_, err := NewOpenAI(Config{APIKeyEnv: "RAGPROMPT_CHAT_KEY"})
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
}
