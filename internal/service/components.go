package service

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ragprompt/internal/blobstore"
	"ragprompt/internal/chat"
	"ragprompt/internal/config"
	"ragprompt/internal/domain"
	"ragprompt/internal/embedding"
	"ragprompt/internal/embedding/openai"
	"ragprompt/internal/embedding/tfidf"
	"ragprompt/internal/kv"
	"ragprompt/internal/logitbias"
	"ragprompt/internal/tokenizer"
	"ragprompt/internal/vectorstore"
	"ragprompt/internal/vectorstore/filestore"
	"ragprompt/internal/vectorstore/kvstore"
	"ragprompt/internal/vectorstore/memory"
)

// EmbedderFactory returns a new embedder. Each index gets its own instance
// because vocabulary-based embedders are prepared per corpus.
type EmbedderFactory func() (domain.Embedder, error)

func embedderFactory(cfg config.EmbedderConfig) EmbedderFactory {
	switch cfg.Type {
	case "openai":
		oc := cfg.OpenAI
		if oc == nil {
			oc = &config.OpenAIEmbedderConfig{}
		}
		return func() (domain.Embedder, error) {
			c, err := openai.NewClient(openai.Config{
				BaseURL:    oc.BaseURL,
				APIKeyEnv:  oc.APIKeyEnv,
				Model:      oc.Model,
				Dimension:  oc.Dimension,
				Timeout:    time.Duration(oc.TimeoutSecs) * time.Second,
				MaxRetries: oc.MaxRetries,
			})
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	case "tfidf", "":
		return func() (domain.Embedder, error) { return tfidf.NewEmbedder(), nil }
	default:
		return func() (domain.Embedder, error) {
			return nil, &domain.ConfigurationError{Key: "embedder.type", Reason: fmt.Sprintf("unknown embedder %q", cfg.Type)}
		}
	}
}

// newEmbedder wraps a fresh embedder with the batch cache when one is configured.
func (s *Service) newEmbedder() (domain.Embedder, error) {
	emb, err := s.embedders()
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		return embedding.NewCached(emb, s.cache, s.log), nil
	}
	return emb, nil
}

// newCounter loads tiktoken, falling back to word counts when the
// encoding files cannot be fetched.
func newCounter(cfg config.TokenizerConfig, log *zap.Logger) domain.TokenCounter {
	if cfg.Type == "words" {
		return tokenizer.Words{}
	}
	tk, err := tokenizer.NewTiktoken(cfg.Model)
	if err != nil {
		log.Warn("tiktoken unavailable, counting words", zap.Error(err))
		return tokenizer.Words{}
	}
	return tk
}

// openBadger opens one badger store per directory so the cache and the
// index storage can share a database.
func (s *Service) openBadger(dir string) (kv.Store, error) {
	dir = filepath.Clean(dir)
	if st, ok := s.badgers[dir]; ok {
		return st, nil
	}
	st, err := kv.NewBadger(kv.BadgerOptions{Dir: dir, Logger: s.log})
	if err != nil {
		return nil, fmt.Errorf("service: open badger %s: %w", dir, err)
	}
	s.badgers[dir] = st
	s.closers = append(s.closers, st.Close)
	return st, nil
}

func (s *Service) openCache(cfg config.CacheConfig) (kv.Store, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return kv.NewMemory(), nil
	case "badger":
		if cfg.Dir == "" {
			return nil, &domain.ConfigurationError{Key: "embedder.cache.dir", Reason: "badger cache needs a directory"}
		}
		return s.openBadger(cfg.Dir)
	default:
		return nil, &domain.ConfigurationError{Key: "embedder.cache.type", Reason: fmt.Sprintf("unknown cache %q", cfg.Type)}
	}
}

func (s *Service) openStorage(cfg config.StorageConfig) (vectorstore.Storage, error) {
	switch cfg.Type {
	case "local", "":
		local, err := blobstore.NewLocal(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return filestore.NewStorage(local), nil
	case "s3":
		sc := cfg.S3
		if sc == nil || sc.Bucket == "" {
			return nil, &domain.ConfigurationError{Key: "storage.s3.bucket", Reason: "missing bucket"}
		}
		client := blobstore.NewS3Client(blobstore.S3Config{
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			AccessKeyID:     os.Getenv(sc.AccessKeyEnv),
			SecretAccessKey: os.Getenv(sc.SecretKeyEnv),
			UsePathStyle:    sc.UsePathStyle,
		})
		return filestore.NewStorage(blobstore.NewS3(client, sc.Bucket, sc.Prefix)), nil
	case "memory":
		return memory.NewStorage(), nil
	case "badger":
		st, err := s.openBadger(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return kvstore.NewStorage(st), nil
	default:
		return nil, &domain.ConfigurationError{Key: "storage.type", Reason: fmt.Sprintf("unknown storage %q", cfg.Type)}
	}
}

func newCompleter(cfg config.ChatConfig) (chat.Completer, error) {
	c, err := chat.NewOpenAI(chat.Config{
		BaseURL:     cfg.BaseURL,
		APIKeyEnv:   cfg.APIKeyEnv,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     time.Duration(cfg.TimeoutSecs) * time.Second,
		MaxRetries:  cfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// encoderFor returns counter as a logit bias encoder when it can encode.
func encoderFor(counter domain.TokenCounter) logitbias.Encoder {
	if enc, ok := counter.(logitbias.Encoder); ok {
		return enc
	}
	return nil
}
