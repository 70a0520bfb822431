package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	Dimension   int    `yaml:"dimension"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries"`
}

// CacheConfig selects where embedding batches are memoized.
type CacheConfig struct {
	Type string `yaml:"type"` // none, memory or badger
	Dir  string `yaml:"dir,omitempty"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type                string                `yaml:"type"` // openai or tfidf
	MaxTokensPerRequest int                   `yaml:"max_tokens_per_request"`
	OpenAI              *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
	Cache               CacheConfig           `yaml:"cache"`
}

// TokenizerConfig selects the token counter.
type TokenizerConfig struct {
	Type  string `yaml:"type"` // tiktoken or words
	Model string `yaml:"model"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	Type              string `yaml:"type"`
	SentencesPerChunk int    `yaml:"sentences_per_chunk"`
	OverlapSentences  int    `yaml:"overlap_sentences"`
}

// S3Config locates indexes in an S3-compatible bucket.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// StorageConfig selects where built indexes are persisted.
type StorageConfig struct {
	Type string    `yaml:"type"` // local, s3, badger or memory
	Dir  string    `yaml:"dir"`
	S3   *S3Config `yaml:"s3,omitempty"`
}

// IndexConfig names an index and the corpus files it is built from.
type IndexConfig struct {
	Name    string   `yaml:"name"`
	Sources []string `yaml:"sources,omitempty"`
}

// ParentConfig enables parent expansion for a policy.
type ParentConfig struct {
	GroupKeys []string `yaml:"group_keys"`
	OrderKeys []string `yaml:"order_keys"`
}

// PolicyConfig describes a fill policy over one index.
type PolicyConfig struct {
	Index       string        `yaml:"index"`
	MaxTokens   *int          `yaml:"max_tokens,omitempty"`
	MaxSnippets *int          `yaml:"max_snippets,omitempty"`
	Prefix      string        `yaml:"prefix,omitempty"`
	Suffix      string        `yaml:"suffix,omitempty"`
	Join        *string       `yaml:"join,omitempty"`
	Parent      *ParentConfig `yaml:"parent,omitempty"`
}

// SlotConfig is a mapped strategy entry: literal Text, or a policy when
// Index is set.
type SlotConfig struct {
	Text         string `yaml:"text,omitempty"`
	PolicyConfig `yaml:",inline"`
}

// StrategyConfig describes a named retrieval strategy.
type StrategyConfig struct {
	Type     string                `yaml:"type"` // none, static, single or mapped
	Text     string                `yaml:"text,omitempty"`
	Fallback string                `yaml:"fallback,omitempty"`
	Policy   *PolicyConfig         `yaml:"policy,omitempty"`
	Slots    map[string]SlotConfig `yaml:"slots,omitempty"`
}

// PromptsConfig points at an optional user prompt library.
type PromptsConfig struct {
	Path string `yaml:"path,omitempty"`
}

// ChatConfig configures the chat completion backend.
type ChatConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	TimeoutSecs int     `yaml:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries"`
	LogitBias   bool    `yaml:"logit_bias"`
}

// SessionConfig holds the defaults of new conversations.
type SessionConfig struct {
	Prompt   string `yaml:"prompt"`
	Strategy string `yaml:"strategy"`
}

// SummarizerConfig selects and configures the summarizer.
type SummarizerConfig struct {
	Type         string `yaml:"type"`
	MaxSentences int    `yaml:"max_sentences"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder   EmbedderConfig            `yaml:"embedder"`
	Tokenizer  TokenizerConfig           `yaml:"tokenizer"`
	Chunker    ChunkerConfig             `yaml:"chunker"`
	Storage    StorageConfig             `yaml:"storage"`
	Indexes    []IndexConfig             `yaml:"indexes"`
	Strategies map[string]StrategyConfig `yaml:"strategies"`
	Prompts    PromptsConfig             `yaml:"prompts"`
	Chat       ChatConfig                `yaml:"chat"`
	Session    SessionConfig             `yaml:"session"`
	Summarizer SummarizerConfig          `yaml:"summarizer"`
	Logging    LoggingConfig             `yaml:"logging"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/ragprompt/config.yaml.
// If neither exists, it writes defaults to ~/.config/ragprompt/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks references between sections.
func (c *AppConfig) Validate() error {
	switch c.Embedder.Type {
	case "openai", "tfidf":
	default:
		return fmt.Errorf("config: unknown embedder type %q", c.Embedder.Type)
	}
	switch c.Storage.Type {
	case "local", "badger", "memory":
	case "s3":
		if c.Storage.S3 == nil || c.Storage.S3.Bucket == "" {
			return errors.New("config: storage type s3 needs storage.s3.bucket")
		}
	default:
		return fmt.Errorf("config: unknown storage type %q", c.Storage.Type)
	}
	for name, s := range c.Strategies {
		switch s.Type {
		case "none", "static", "mapped":
		case "single":
			if s.Policy == nil || s.Policy.Index == "" {
				return fmt.Errorf("config: strategy %q needs policy.index", name)
			}
		default:
			return fmt.Errorf("config: strategy %q has unknown type %q", name, s.Type)
		}
	}
	if c.Session.Strategy != "" {
		if _, ok := c.Strategies[c.Session.Strategy]; !ok {
			return fmt.Errorf("config: session strategy %q is not defined", c.Session.Strategy)
		}
	}
	return nil
}

// IndexNames returns the names of all configured indexes.
func (c *AppConfig) IndexNames() []string {
	out := make([]string, len(c.Indexes))
	for i, x := range c.Indexes {
		out[i] = x.Name
	}
	return out
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ragprompt", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Embedder:   EmbedderConfig{Type: "tfidf", MaxTokensPerRequest: 8191, Cache: CacheConfig{Type: "none"}},
		Tokenizer:  TokenizerConfig{Type: "tiktoken", Model: "gpt-3.5-turbo"},
		Chunker:    ChunkerConfig{Type: "sentence", SentencesPerChunk: 5, OverlapSentences: 1},
		Storage:    StorageConfig{Type: "local", Dir: filepath.Join("data", "embeddings")},
		Strategies: map[string]StrategyConfig{"none": {Type: "none"}},
		Chat:       ChatConfig{APIKeyEnv: "OPENAI_API_KEY", Model: "gpt-4o-mini", Temperature: 0.7, TimeoutSecs: 60},
		Session:    SessionConfig{Prompt: "general_math_qa", Strategy: "none"},
		Summarizer: SummarizerConfig{Type: "frequency", MaxSentences: 5},
		Logging:    LoggingConfig{Level: "info"},
	}
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	d := defaultConfig()
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = d.Embedder.Type
	}
	if cfg.Embedder.MaxTokensPerRequest == 0 {
		cfg.Embedder.MaxTokensPerRequest = d.Embedder.MaxTokensPerRequest
	}
	if cfg.Embedder.Cache.Type == "" {
		cfg.Embedder.Cache.Type = "none"
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.Dimension == 0 {
			cfg.Embedder.OpenAI.Dimension = 1536
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
		if cfg.Embedder.OpenAI.MaxRetries == 0 {
			cfg.Embedder.OpenAI.MaxRetries = 5
		}
	}
	if cfg.Tokenizer.Type == "" {
		cfg.Tokenizer = d.Tokenizer
	}
	if cfg.Tokenizer.Model == "" {
		cfg.Tokenizer.Model = d.Tokenizer.Model
	}
	if cfg.Chunker.SentencesPerChunk == 0 {
		cfg.Chunker.SentencesPerChunk = 5
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = d.Storage.Type
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = d.Storage.Dir
	}
	if s3 := cfg.Storage.S3; s3 != nil {
		if s3.Region == "" {
			s3.Region = "us-east-1"
		}
		if s3.AccessKeyEnv == "" {
			s3.AccessKeyEnv = "AWS_ACCESS_KEY_ID"
		}
		if s3.SecretKeyEnv == "" {
			s3.SecretKeyEnv = "AWS_SECRET_ACCESS_KEY"
		}
	}
	if cfg.Strategies == nil {
		cfg.Strategies = map[string]StrategyConfig{}
	}
	if _, ok := cfg.Strategies["none"]; !ok {
		cfg.Strategies["none"] = StrategyConfig{Type: "none"}
	}
	if cfg.Chat.APIKeyEnv == "" {
		cfg.Chat.APIKeyEnv = d.Chat.APIKeyEnv
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = d.Chat.Model
	}
	if cfg.Chat.TimeoutSecs == 0 {
		cfg.Chat.TimeoutSecs = d.Chat.TimeoutSecs
	}
	if cfg.Session.Prompt == "" {
		cfg.Session.Prompt = d.Session.Prompt
	}
	if cfg.Session.Strategy == "" {
		cfg.Session.Strategy = d.Session.Strategy
	}
	if cfg.Summarizer.MaxSentences == 0 {
		cfg.Summarizer.MaxSentences = d.Summarizer.MaxSentences
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
}
