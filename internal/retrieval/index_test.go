package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragprompt/internal/domain"
	"ragprompt/internal/kv"
	"ragprompt/internal/vectorstore/kvstore"
)

func corpus() []domain.Row {
	return []domain.Row{
		{Text: "Adding fractions\nwith like denominators.", Tokens: 5},
		{Text: "  Multiplying decimals by powers of ten. ", Tokens: 6},
		{Text: "The area of a circle is pi r squared.", Tokens: 9},
		{Text: "Solving linear equations in one variable.", Tokens: 6},
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a b  c", NormalizeText("  a\nb \nc\n"))
	assert.Equal(t, "", NormalizeText("\n"))
}

func TestRankStable(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3, 0}, Rank([]float64{0.3, 0.1, 0.1, 0.2}))
	assert.Empty(t, Rank(nil))
}

func TestTopK(t *testing.T) {
	d := []float64{0.5, 0.1, 0.9}
	assert.Equal(t, []int{1, 0}, TopK(d, 2))
	assert.Equal(t, []int{1, 0, 2}, TopK(d, 10))
	assert.Empty(t, TopK(d, -1))
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, CosineDistance([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 1, CosineDistance([]float32{1, 0}, []float32{0, 3}), 1e-9)
	assert.InDelta(t, 2, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 2.0, CosineDistance([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 2.0, CosineDistance([]float32{1}, []float32{1, 0}))
}

func TestBuildNormalizesAndEmbeds(t *testing.T) {
	emb := &letterEmbedder{}
	x := NewIndex("demo", emb)
	require.NoError(t, x.Build(context.Background(), corpus()))

	require.Equal(t, 4, x.Len())
	assert.Equal(t, "Adding fractions with like denominators.", x.Rows()[0].Text)
	assert.Equal(t, "Multiplying decimals by powers of ten.", x.Rows()[1].Text)
	require.Len(t, emb.batches, 1)
	assert.Equal(t, "Adding fractions with like denominators.", emb.batches[0][0])
}

func TestBuildBatchesByTokenCeiling(t *testing.T) {
	rows := []domain.Row{
		{Text: "a", Tokens: 3},
		{Text: "b", Tokens: 3},
		{Text: "c", Tokens: 3},
		{Text: "d", Tokens: 10},
		{Text: "e", Tokens: 1},
	}
	emb := &letterEmbedder{}
	x := NewIndex("demo", emb, WithMaxRequestTokens(6))
	require.NoError(t, x.Build(context.Background(), rows))

	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}, {"e"}}, emb.batches)
	assert.Equal(t, 5, x.Len())
}

func TestBuildCountsMissingTokens(t *testing.T) {
	x := NewIndex("demo", &letterEmbedder{})
	require.NoError(t, x.Build(context.Background(), []domain.Row{
		{Text: "three word text"},
		{Text: "given", Tokens: 7},
	}))
	assert.Equal(t, 3, x.Rows()[0].Tokens)
	assert.Equal(t, 7, x.Rows()[1].Tokens)
}

func TestBuildProviderErrors(t *testing.T) {
	boom := errors.New("rate limited")
	x := NewIndex("demo", &letterEmbedder{err: boom})
	err := x.Build(context.Background(), corpus())
	var pe *domain.EmbeddingProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "letters", pe.Provider)
	assert.ErrorIs(t, err, boom)

	x = NewIndex("demo", &letterEmbedder{short: true})
	require.ErrorAs(t, x.Build(context.Background(), corpus()), &pe)
}

func TestDistancesRequiresBuild(t *testing.T) {
	x := NewIndex("demo", &letterEmbedder{})
	_, err := x.Distances(context.Background(), "fractions")
	require.ErrorIs(t, err, domain.ErrIndexNotBuilt)
	_, err = x.EmbeddingDistances(make([]float32, 26))
	require.ErrorIs(t, err, domain.ErrIndexNotBuilt)
	var ce *domain.ConfigurationError
	require.ErrorAs(t, x.Save(context.Background()), &ce)
}

func TestDistances(t *testing.T) {
	x := NewIndex("demo", &letterEmbedder{})
	require.NoError(t, x.Build(context.Background(), corpus()))

	d, err := x.Distances(context.Background(), "circle\narea")
	require.NoError(t, err)
	require.Len(t, d, 4)
	assert.Equal(t, 2, Rank(d)[0])

	_, err = x.EmbeddingDistances([]float32{1, 2})
	require.Error(t, err)
}

func TestIterateDistances(t *testing.T) {
	x := NewIndex("demo", &letterEmbedder{})
	require.NoError(t, x.Build(context.Background(), corpus()))

	var got [][]float64
	for d, err := range x.IterateDistances([][]float32{letters("area"), letters("fractions")}) {
		require.NoError(t, err)
		got = append(got, d)
	}
	require.Len(t, got, 2)

	n := 0
	for _, err := range x.IterateDistances([][]float32{{1}, letters("x")}) {
		require.Error(t, err)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestTop(t *testing.T) {
	x := NewIndex("demo", &letterEmbedder{})
	require.NoError(t, x.Build(context.Background(), corpus()))
	top := x.Top([]float64{0.4, 0.3, 0.2, 0.1}, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "Solving linear equations in one variable.", top[0].Text)
	assert.Equal(t, "The area of a circle is pi r squared.", top[1].Text)
}

func TestSaveLoadKeepsRanking(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewStorage(kv.NewMemory())

	built := NewIndex("demo", &letterEmbedder{}, WithStorage(store))
	require.NoError(t, built.Build(ctx, corpus()))
	require.NoError(t, built.Save(ctx))

	loaded := NewIndex("demo", &letterEmbedder{}, WithStorage(store))
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, built.Rows(), loaded.Rows())

	for _, q := range []string{"fractions", "circle area", "equations", "decimals of ten", ""} {
		before, err := built.Distances(ctx, q)
		require.NoError(t, err)
		after, err := loaded.Distances(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, Rank(before), Rank(after), q)
	}
}

func TestLoadMissing(t *testing.T) {
	x := NewIndex("absent", &letterEmbedder{}, WithStorage(kvstore.NewStorage(kv.NewMemory())))
	require.ErrorIs(t, x.Load(context.Background()), domain.ErrNotFound)
}

func TestPreparerSeesCorpus(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewStorage(kv.NewMemory())
	emb := &preparingEmbedder{}
	x := NewIndex("demo", emb, WithStorage(store))
	require.NoError(t, x.Build(ctx, corpus()))
	require.NoError(t, x.Save(ctx))

	y := NewIndex("demo", emb, WithStorage(store))
	require.NoError(t, y.Load(ctx))
	require.Len(t, emb.prepared, 2)
	assert.Equal(t, emb.prepared[0], emb.prepared[1])
	assert.Equal(t, "Adding fractions with like denominators.", emb.prepared[0][0])
}
