// Package service wires indexes, strategies and prompt managers into
// conversations.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ragprompt/internal/chat"
	"ragprompt/internal/chunker"
	"ragprompt/internal/config"
	"ragprompt/internal/corpus"
	"ragprompt/internal/domain"
	"ragprompt/internal/kv"
	"ragprompt/internal/logitbias"
	"ragprompt/internal/prompts"
	"ragprompt/internal/retrieval"
	"ragprompt/internal/strategy"
	"ragprompt/internal/summarizer"
	"ragprompt/internal/vectorstore"
)

// maxConcurrentLoads bounds index loads running at once.
const maxConcurrentLoads = 4

type Service struct {
	cfg        *config.AppConfig
	log        *zap.Logger
	embedders  EmbedderFactory
	cache      kv.Store
	storage    vectorstore.Storage
	counter    domain.TokenCounter
	encoder    logitbias.Encoder
	library    *prompts.Library
	chunker    *chunker.SentenceChunker
	summarizer *summarizer.FrequencySummarizer

	badgers map[string]kv.Store
	closers []func() error

	completerOnce sync.Once
	completer     chat.Completer
	completerErr  error

	mu       sync.RWMutex
	indexes  map[string]*retrieval.Index
	sessions map[string]*Session
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithEmbedderFactory(f EmbedderFactory) Option {
	return func(s *Service) { s.embedders = f }
}

func WithStorage(st vectorstore.Storage) Option {
	return func(s *Service) { s.storage = st }
}

func WithTokenCounter(c domain.TokenCounter) Option {
	return func(s *Service) { s.counter = c }
}

// WithEncoder sets the tokenizer used for logit bias.
func WithEncoder(e logitbias.Encoder) Option {
	return func(s *Service) { s.encoder = e }
}

// WithCompleter replaces the chat backend built from config.
func WithCompleter(c chat.Completer) Option {
	return func(s *Service) {
		s.completerOnce.Do(func() { s.completer = c })
	}
}

// New assembles the components named by cfg. Indexes are not loaded until
// LoadIndexes or BuildIndex is called.
func New(cfg *config.AppConfig, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		log:        zap.NewNop(),
		badgers:    map[string]kv.Store{},
		indexes:    map[string]*retrieval.Index{},
		sessions:   map[string]*Session{},
		chunker:    chunker.NewSentenceChunker(cfg.Chunker.SentencesPerChunk, cfg.Chunker.OverlapSentences),
		summarizer: summarizer.NewFrequencySummarizer(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.embedders == nil {
		s.embedders = embedderFactory(cfg.Embedder)
	}
	if s.counter == nil {
		s.counter = newCounter(cfg.Tokenizer, s.log)
	}
	if s.encoder == nil {
		s.encoder = encoderFor(s.counter)
	}

	var err error
	if s.cache, err = s.openCache(cfg.Embedder.Cache); err != nil {
		s.Close()
		return nil, err
	}
	if s.storage == nil {
		if s.storage, err = s.openStorage(cfg.Storage); err != nil {
			s.Close()
			return nil, err
		}
	}
	if s.library, err = prompts.Default(); err != nil {
		s.Close()
		return nil, err
	}
	if cfg.Prompts.Path != "" {
		user, err := prompts.Load(cfg.Prompts.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.library.Merge(user)
	}
	return s, nil
}

// Close releases the storage and cache backends.
func (s *Service) Close() error {
	var errs []error
	for _, c := range slices.Backward(s.closers) {
		errs = append(errs, c())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Service) Prompts() *prompts.Library { return s.library }

func (s *Service) newIndex(name string) (*retrieval.Index, error) {
	emb, err := s.newEmbedder()
	if err != nil {
		return nil, err
	}
	return retrieval.NewIndex(name, emb,
		retrieval.WithTokenCounter(s.counter),
		retrieval.WithStorage(s.storage),
		retrieval.WithMaxRequestTokens(s.cfg.Embedder.MaxTokensPerRequest),
		retrieval.WithLogger(s.log),
	), nil
}

// BuildReport describes a freshly built index.
type BuildReport struct {
	Index    string
	Rows     int
	Tokens   int
	Summary  string
	Duration time.Duration
}

// BuildIndex reads the corpus at paths, or the configured sources of name
// when paths is empty, embeds it and persists the index.
func (s *Service) BuildIndex(ctx context.Context, name string, paths []string) (*BuildReport, error) {
	start := time.Now()
	if len(paths) == 0 {
		for _, ic := range s.cfg.Indexes {
			if ic.Name == name {
				paths = ic.Sources
			}
		}
	}
	if len(paths) == 0 {
		return nil, &domain.ConfigurationError{Key: "indexes." + name, Reason: "no corpus sources"}
	}
	rows, err := corpus.LoadFiles(paths, s.chunker)
	if err != nil {
		return nil, err
	}
	idx, err := s.newIndex(name)
	if err != nil {
		return nil, err
	}
	if err := idx.Build(ctx, rows); err != nil {
		return nil, fmt.Errorf("service: build index %q: %w", name, err)
	}
	if err := idx.Save(ctx); err != nil {
		return nil, fmt.Errorf("service: save index %q: %w", name, err)
	}
	s.mu.Lock()
	s.indexes[name] = idx
	s.mu.Unlock()

	built := idx.Rows()
	report := &BuildReport{
		Index:    name,
		Rows:     len(built),
		Summary:  s.summarizer.SummarizeRows(built, s.cfg.Summarizer.MaxSentences),
		Duration: time.Since(start),
	}
	for _, r := range built {
		report.Tokens += r.Tokens
	}
	s.log.Info("corpus indexed",
		zap.String("index", name),
		zap.Int("rows", report.Rows),
		zap.Int("tokens", report.Tokens),
		zap.Duration("took", report.Duration))
	return report, nil
}

// LoadIndexes loads every configured index concurrently. An index that
// cannot be loaded is logged and left out; strategies referring to it
// degrade to no retrieval.
func (s *Service) LoadIndexes(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLoads)
	for _, name := range s.cfg.IndexNames() {
		g.Go(func() error {
			idx, err := s.newIndex(name)
			if err != nil {
				return err
			}
			if err := idx.Load(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("index unavailable", zap.String("index", name), zap.Error(err))
				return nil
			}
			s.mu.Lock()
			s.indexes[name] = idx
			s.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Index returns a loaded or built index.
func (s *Service) Index(name string) (*retrieval.Index, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	return idx, ok
}

// Indexes lists the available index names.
func (s *Service) Indexes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.indexes))
	for n := range s.indexes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Hit is one ranked row of a query.
type Hit struct {
	Row      domain.Row
	Distance float64
}

// Query returns the k rows of index name closest to q.
func (s *Service) Query(ctx context.Context, name, q string, k int) ([]Hit, error) {
	idx, ok := s.Index(name)
	if !ok {
		return nil, fmt.Errorf("service: index %q: %w", name, domain.ErrIndexNotBuilt)
	}
	d, err := idx.Distances(ctx, q)
	if err != nil {
		return nil, err
	}
	rows := idx.Rows()
	order := retrieval.TopK(d, k)
	hits := make([]Hit, len(order))
	for i, j := range order {
		hits[i] = Hit{Row: rows[j], Distance: d[j]}
	}
	return hits, nil
}

var errIndexMissing = errors.New("index not loaded")

// Strategy builds the named strategy from config. Slot framing from set
// applies to mapped index slots that configure no prefix or suffix. A
// strategy whose index is not loaded degrades to NoRetrieval.
func (s *Service) Strategy(name string, set prompts.Set) (strategy.Strategy, error) {
	sc, ok := s.cfg.Strategies[name]
	if !ok {
		return nil, &domain.ConfigurationError{Key: "strategies." + name, Reason: "not defined"}
	}
	st, err := s.buildStrategy(sc, set)
	if errors.Is(err, errIndexMissing) {
		s.log.Warn("strategy degraded to no retrieval", zap.String("strategy", name), zap.Error(err))
		return strategy.NoRetrieval{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("service: strategy %q: %w", name, err)
	}
	s.log.Debug("strategy selected", zap.String("strategy", name), zap.String("type", sc.Type))
	return st, nil
}

func (s *Service) buildStrategy(sc config.StrategyConfig, set prompts.Set) (strategy.Strategy, error) {
	switch sc.Type {
	case "none", "":
		return strategy.NoRetrieval{}, nil
	case "static":
		return strategy.NewStatic(sc.Text), nil
	case "single":
		if sc.Policy == nil {
			return nil, &domain.ConfigurationError{Key: "policy", Reason: "single strategy needs a policy"}
		}
		p, err := s.policy(*sc.Policy, prompts.SlotOptions{})
		if err != nil {
			return nil, err
		}
		return strategy.NewSingleIndex(p)
	case "mapped":
		entries := make(map[string]any, len(sc.Slots))
		for slot, v := range sc.Slots {
			if v.Index == "" {
				entries[slot] = v.Text
				continue
			}
			p, err := s.policy(v.PolicyConfig, set.Slots[slot])
			if err != nil {
				return nil, err
			}
			entries[slot] = p
		}
		return strategy.NewMapped(entries, strategy.WithFallback(sc.Fallback), strategy.WithLogger(s.log))
	default:
		return nil, &domain.ConfigurationError{Key: "type", Reason: fmt.Sprintf("unknown strategy type %q", sc.Type)}
	}
}

func (s *Service) policy(pc config.PolicyConfig, framing prompts.SlotOptions) (*retrieval.FillPolicy, error) {
	idx, ok := s.Index(pc.Index)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errIndexMissing, pc.Index)
	}
	var opts []retrieval.PolicyOption
	if pc.MaxTokens != nil {
		opts = append(opts, retrieval.WithMaxTokens(*pc.MaxTokens))
	}
	if pc.MaxSnippets != nil {
		opts = append(opts, retrieval.WithMaxSnippets(*pc.MaxSnippets))
	}
	prefix, suffix := pc.Prefix, pc.Suffix
	if prefix == "" && suffix == "" {
		prefix, suffix = framing.Prefix, framing.Suffix
	}
	opts = append(opts, retrieval.WithPrefix(prefix), retrieval.WithSuffix(suffix))
	if pc.Join != nil {
		opts = append(opts, retrieval.WithJoinSeparator(*pc.Join))
	}
	if pc.Parent != nil {
		opts = append(opts, retrieval.WithParentExpansion(pc.Parent.GroupKeys, pc.Parent.OrderKeys))
	}
	return retrieval.NewFillPolicy(idx, opts...)
}

func (s *Service) chatCompleter() (chat.Completer, error) {
	s.completerOnce.Do(func() {
		s.completer, s.completerErr = newCompleter(s.cfg.Chat)
	})
	return s.completer, s.completerErr
}
