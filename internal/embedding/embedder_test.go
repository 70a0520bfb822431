package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragprompt/internal/embedding/tfidf"
	"ragprompt/internal/kv"
)

type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) Name() string   { return "counting" }
func (e *countingEmbedder) Dimension() int { return 2 }

func (e *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), float32(e.calls)}
	}
	return out, nil
}

func TestCachedHitsIdenticalBatch(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	store := kv.NewMemory()
	c := NewCached(inner, store, nil)

	first, err := c.EmbedBatch(ctx, []string{"ab", "c"})
	require.NoError(t, err)
	second, err := c.EmbedBatch(ctx, []string{"ab", "c"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)

	_, err = c.EmbedBatch(ctx, []string{"a", "bc"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 2, store.Len())

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
	assert.Equal(t, "counting", c.Name())
	assert.Equal(t, 2, c.Dimension())
}

func TestCachedSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store, err := kv.NewBadger(kv.BadgerOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	a := &countingEmbedder{}
	_, err = NewCached(a, store, nil).EmbedBatch(ctx, []string{"x"})
	require.NoError(t, err)

	b := &countingEmbedder{}
	vecs, err := NewCached(b, store, nil).EmbedBatch(ctx, []string{"x"})
	require.NoError(t, err)
	assert.Zero(t, b.calls)
	assert.Equal(t, [][]float32{{1, 1}}, vecs)
}

func TestCachedDoesNotStoreErrors(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{err: errors.New("down")}
	store := kv.NewMemory()
	c := NewCached(inner, store, nil)
	_, err := c.EmbedBatch(ctx, []string{"x"})
	require.Error(t, err)
	assert.Zero(t, store.Len())
}

func TestCachedPrepareChangesKeys(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	c := NewCached(tfidf.NewEmbedder(), store, nil)

	require.NoError(t, c.Prepare([]string{"fractions add", "decimals"}))
	v1, err := c.EmbedBatch(ctx, []string{"fractions"})
	require.NoError(t, err)

	require.NoError(t, c.Prepare([]string{"fractions", "circles area", "decimals"}))
	v2, err := c.EmbedBatch(ctx, []string{"fractions"})
	require.NoError(t, err)

	assert.Equal(t, 2, store.Len())
	assert.NotEqual(t, len(v1[0]), len(v2[0]))

	// non-preparing embedders ignore Prepare
	require.NoError(t, NewCached(&countingEmbedder{}, store, nil).Prepare([]string{"x"}))
}
