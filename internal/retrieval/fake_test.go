package retrieval

import (
	"context"
	"strings"
	"sync"

	"ragprompt/internal/domain"
)

// letterEmbedder embeds a text as its a-z letter histogram.
type letterEmbedder struct {
	mu       sync.Mutex
	batches  [][]string
	prepared [][]string
	err      error
	short    bool
}

func (e *letterEmbedder) Name() string   { return "letters" }
func (e *letterEmbedder) Dimension() int { return 26 }

func (e *letterEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batches = append(e.batches, append([]string(nil), texts...))
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = letters(t)
	}
	if e.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

type preparingEmbedder struct {
	letterEmbedder
}

func (e *preparingEmbedder) Prepare(corpus []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prepared = append(e.prepared, append([]string(nil), corpus...))
	return nil
}

func letters(t string) []float32 {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(t) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v
}

// staticSource serves fixed rows and distances.
type staticSource struct {
	rows      []domain.Row
	distances []float64
}

func (s *staticSource) Name() string       { return "static" }
func (s *staticSource) Rows() []domain.Row { return s.rows }

func (s *staticSource) Distances(context.Context, string) ([]float64, error) {
	return s.distances, nil
}
