package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"ragprompt/internal/domain"
)

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "text-embedding-3-small"
	DefaultDimension = 1536
)

// Client is an OpenAI-compatible embeddings client implementing
// domain.Embedder.
type Client struct {
	client    *openai.Client
	model     string
	dimension int
	// text-embedding-3 models accept a requested dimension; older ones do not.
	sendDimension bool
}

var _ domain.Embedder = (*Client)(nil)

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL    string
	APIKeyEnv  string
	APIKey     string
	Model      string
	Dimension  int
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// NewClient creates a new embeddings client. APIKey takes precedence over
// the environment variable named by APIKeyEnv.
func NewClient(cfg Config) (*Client, error) {
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if key == "" {
		return nil, &domain.ConfigurationError{Key: cfg.APIKeyEnv, Reason: "missing OpenAI API key"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	c := openai.NewClient(
		option.WithAPIKey(key),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(cfg.MaxRetries),
	)
	return &Client{
		client:        &c,
		model:         cfg.Model,
		dimension:     cfg.Dimension,
		sendDimension: strings.HasPrefix(cfg.Model, "text-embedding-3"),
	}, nil
}

// Name identifies the provider and model.
func (c *Client) Name() string { return "openai/" + c.model }

func (c *Client) Dimension() int { return c.dimension }

// EmbedBatch returns one vector per text in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Model:          c.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if c.sendDimension {
		params.Dimensions = openai.Int(int64(c.dimension))
	}
	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, c.fail(err)
	}

	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= int64(len(texts)) {
			return nil, c.fail(fmt.Errorf("unexpected embedding index %d for batch of %d", item.Index, len(texts)))
		}
		v := make([]float32, len(item.Embedding))
		for i, f := range item.Embedding {
			v[i] = float32(f)
		}
		vecs[item.Index] = v
	}
	for i, v := range vecs {
		if v == nil {
			return nil, c.fail(fmt.Errorf("missing embedding for input %d", i))
		}
		if len(v) != c.dimension {
			return nil, c.fail(fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), c.dimension))
		}
	}
	return vecs, nil
}

func (c *Client) fail(err error) error {
	return &domain.EmbeddingProviderError{Provider: c.Name(), Err: err}
}
