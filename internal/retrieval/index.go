// Package retrieval holds the in-memory nearest-neighbour index over a
// small text corpus and the policies that pack ranked rows into prompt
// fills.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"ragprompt/internal/domain"
	"ragprompt/internal/tokenizer"
	"ragprompt/internal/vectorstore"
)

// DefaultMaxRequestTokens is the per-request token ceiling of the OpenAI
// embedding endpoints.
const DefaultMaxRequestTokens = 8191

// NormalizeText collapses newlines to spaces and trims surrounding
// whitespace.
func NormalizeText(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
}

// Index is a named corpus plus one embedding vector per row. It is safe for
// concurrent reads; Build and Load replace the contents atomically.
type Index struct {
	name             string
	embedder         domain.Embedder
	counter          domain.TokenCounter
	storage          vectorstore.Storage
	maxRequestTokens int
	log              *zap.Logger

	mu     sync.RWMutex
	rows   []domain.Row
	matrix [][]float32
}

type Option func(*Index)

// WithTokenCounter sets the counter used for rows that carry no token count.
func WithTokenCounter(c domain.TokenCounter) Option {
	return func(x *Index) { x.counter = c }
}

// WithStorage sets the backend used by Save and Load.
func WithStorage(s vectorstore.Storage) Option {
	return func(x *Index) { x.storage = s }
}

// WithMaxRequestTokens sets the token ceiling of one embedding request.
func WithMaxRequestTokens(n int) Option {
	return func(x *Index) {
		if n > 0 {
			x.maxRequestTokens = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(x *Index) {
		if l != nil {
			x.log = l
		}
	}
}

// NewIndex returns an empty index. Call Build or Load before querying it.
func NewIndex(name string, embedder domain.Embedder, opts ...Option) *Index {
	x := &Index{
		name:             name,
		embedder:         embedder,
		counter:          tokenizer.Words{},
		maxRequestTokens: DefaultMaxRequestTokens,
		log:              zap.NewNop(),
	}
	for _, o := range opts {
		o(x)
	}
	x.log = x.log.With(zap.String("index", name))
	return x
}

func (x *Index) Name() string { return x.name }

// Build normalizes the corpus, fills in missing token counts and embeds
// every row. Rows are sent in batches whose summed token count stays within
// the request ceiling; a single row above the ceiling is sent on its own.
func (x *Index) Build(ctx context.Context, corpus []domain.Row) error {
	rows := make([]domain.Row, len(corpus))
	texts := make([]string, len(corpus))
	for i, r := range corpus {
		r.Text = NormalizeText(r.Text)
		if r.Tokens <= 0 && r.Text != "" {
			n, err := x.counter.Count(r.Text)
			if err != nil {
				return fmt.Errorf("retrieval: count tokens for row %d: %w", i, err)
			}
			r.Tokens = n
		}
		rows[i] = r
		texts[i] = r.Text
	}
	if err := x.prepare(texts); err != nil {
		return err
	}

	matrix := make([][]float32, 0, len(rows))
	var (
		batch       []string
		batchTokens int
		batches     int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		vecs, err := x.embed(ctx, batch)
		if err != nil {
			return err
		}
		matrix = append(matrix, vecs...)
		batches++
		x.log.Debug("embedded batch", zap.Int("texts", len(batch)), zap.Int("tokens", batchTokens))
		batch, batchTokens = nil, 0
		return nil
	}
	for i, r := range rows {
		if len(batch) > 0 && batchTokens+r.Tokens > x.maxRequestTokens {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, texts[i])
		batchTokens += r.Tokens
	}
	if err := flush(); err != nil {
		return err
	}

	snap := &vectorstore.Snapshot{Embedder: x.embedder.Name(), Rows: rows, Matrix: matrix}
	if err := snap.Validate(); err != nil {
		return &domain.EmbeddingProviderError{Provider: x.embedder.Name(), Err: err}
	}
	x.mu.Lock()
	x.rows, x.matrix = rows, matrix
	x.mu.Unlock()
	x.log.Info("index built",
		zap.Int("rows", len(rows)),
		zap.Int("batches", batches),
		zap.Int("dimension", dimension(matrix)))
	return nil
}

func (x *Index) prepare(texts []string) error {
	p, ok := x.embedder.(domain.Preparer)
	if !ok {
		return nil
	}
	if err := p.Prepare(texts); err != nil {
		return fmt.Errorf("retrieval: prepare %s embedder: %w", x.embedder.Name(), err)
	}
	return nil
}

func (x *Index) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := x.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		var pe *domain.EmbeddingProviderError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &domain.EmbeddingProviderError{Provider: x.embedder.Name(), Err: err}
	}
	if len(vecs) != len(texts) {
		return nil, &domain.EmbeddingProviderError{
			Provider: x.embedder.Name(),
			Err:      fmt.Errorf("got %d vectors for %d texts", len(vecs), len(texts)),
		}
	}
	return vecs, nil
}

// Save persists the rows and the embedding matrix.
func (x *Index) Save(ctx context.Context) error {
	if x.storage == nil {
		return &domain.ConfigurationError{Key: x.name, Reason: "index has no storage"}
	}
	x.mu.RLock()
	snap := &vectorstore.Snapshot{Embedder: x.embedder.Name(), Rows: x.rows, Matrix: x.matrix}
	x.mu.RUnlock()
	if len(snap.Matrix) == 0 {
		return fmt.Errorf("retrieval: save %q: %w", x.name, domain.ErrIndexNotBuilt)
	}
	if err := x.storage.Save(ctx, x.name, snap); err != nil {
		return fmt.Errorf("retrieval: save %q: %w", x.name, err)
	}
	x.log.Info("index saved", zap.Int("rows", len(snap.Rows)))
	return nil
}

// Load replaces the contents with a previously saved snapshot. It fails
// with an error wrapping domain.ErrNotFound when nothing was saved under
// this name.
func (x *Index) Load(ctx context.Context) error {
	if x.storage == nil {
		return &domain.ConfigurationError{Key: x.name, Reason: "index has no storage"}
	}
	snap, err := x.storage.Load(ctx, x.name)
	if err != nil {
		return fmt.Errorf("retrieval: load %q: %w", x.name, err)
	}
	if snap.Embedder != "" && snap.Embedder != x.embedder.Name() {
		x.log.Warn("index was built with a different embedder",
			zap.String("saved", snap.Embedder), zap.String("current", x.embedder.Name()))
	}
	texts := make([]string, len(snap.Rows))
	for i, r := range snap.Rows {
		texts[i] = r.Text
	}
	if err := x.prepare(texts); err != nil {
		return err
	}
	x.mu.Lock()
	x.rows, x.matrix = snap.Rows, snap.Matrix
	x.mu.Unlock()
	x.log.Info("index loaded", zap.Int("rows", len(snap.Rows)), zap.Int("dimension", dimension(snap.Matrix)))
	return nil
}

// Len returns the number of rows.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rows)
}

// Rows returns the corpus. The slice must not be modified.
func (x *Index) Rows() []domain.Row {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.rows
}

// Distances embeds query and returns its cosine distance to every row in
// corpus order.
func (x *Index) Distances(ctx context.Context, query string) ([]float64, error) {
	if err := x.checkBuilt(); err != nil {
		return nil, err
	}
	vecs, err := x.embed(ctx, []string{NormalizeText(query)})
	if err != nil {
		return nil, err
	}
	return x.EmbeddingDistances(vecs[0])
}

// EmbeddingDistances is Distances for a precomputed query vector.
func (x *Index) EmbeddingDistances(query []float32) ([]float64, error) {
	x.mu.RLock()
	matrix := x.matrix
	x.mu.RUnlock()
	if len(matrix) == 0 {
		return nil, fmt.Errorf("retrieval: %q: %w", x.name, domain.ErrIndexNotBuilt)
	}
	if len(query) != len(matrix[0]) {
		return nil, fmt.Errorf("retrieval: %q: query dimension %d, index dimension %d",
			x.name, len(query), len(matrix[0]))
	}
	out := make([]float64, len(matrix))
	for i, v := range matrix {
		out[i] = CosineDistance(query, v)
	}
	return out, nil
}

// IterateDistances yields the distance vector of each query embedding in
// turn. Iteration stops after the first error.
func (x *Index) IterateDistances(queries [][]float32) iter.Seq2[[]float64, error] {
	return func(yield func([]float64, error) bool) {
		for _, q := range queries {
			d, err := x.EmbeddingDistances(q)
			if !yield(d, err) || err != nil {
				return
			}
		}
	}
}

// Top returns the k rows closest to the query the distances were computed
// for.
func (x *Index) Top(distances []float64, k int) []domain.Row {
	rows := x.Rows()
	top := TopK(distances, k)
	out := make([]domain.Row, 0, len(top))
	for _, i := range top {
		if i < len(rows) {
			out = append(out, rows[i])
		}
	}
	return out
}

func (x *Index) checkBuilt() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.matrix) == 0 {
		return fmt.Errorf("retrieval: %q: %w", x.name, domain.ErrIndexNotBuilt)
	}
	return nil
}

// Rank returns row positions ordered by ascending distance. Ties keep
// corpus order.
func Rank(distances []float64) []int {
	idx := make([]int, len(distances))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		da, db := distances[a], distances[b]
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return 0
	})
	return idx
}

// TopK returns the first k entries of Rank.
func TopK(distances []float64, k int) []int {
	r := Rank(distances)
	if k < 0 {
		k = 0
	}
	if k < len(r) {
		r = r[:k]
	}
	return r
}

// CosineDistance returns 1 - cos(a, b) in [0, 2]. Vectors of different
// length or with zero norm are at maximum distance.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 2
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	sim = max(-1, min(1, sim))
	return 1 - sim
}

func dimension(m [][]float32) int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}
