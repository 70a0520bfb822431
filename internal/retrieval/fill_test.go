package retrieval

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragprompt/internal/domain"
)

func policy(t *testing.T, src Source, opts ...PolicyOption) *FillPolicy {
	t.Helper()
	p, err := NewFillPolicy(src, opts...)
	require.NoError(t, err)
	return p
}

func sectionRows(tokens ...int) []domain.Row {
	rows := make([]domain.Row, len(tokens))
	for i, n := range tokens {
		rows[i] = domain.Row{
			Text:     fmt.Sprintf("row%d", i),
			Tokens:   n,
			Metadata: map[string]any{"chapter": 1, "seq": i},
		}
	}
	return rows
}

func TestFillPolicyDefaults(t *testing.T) {
	p := policy(t, &staticSource{})
	assert.Equal(t, 1000, p.MaxTokens)
	assert.Equal(t, 1000, p.MaxSnippets)
	assert.Equal(t, "\n", p.JoinSeparator)
	assert.Equal(t, "\n", p.ParentJoinSeparator)
	assert.False(t, p.UseParentExpansion)
}

func TestFillPolicyValidate(t *testing.T) {
	_, err := NewFillPolicy(&staticSource{}, WithMaxTokens(-1))
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)

	_, err = NewFillPolicy(nil)
	require.ErrorAs(t, err, &ce)
}

func TestFillPolicyWithCopies(t *testing.T) {
	p := policy(t, &staticSource{}, WithPrefix("Context:\n"), WithParentExpansion([]string{"chapter"}, nil))
	c, err := p.With(WithMaxTokens(50), WithSuffix("."))
	require.NoError(t, err)

	assert.Equal(t, 50, c.MaxTokens)
	assert.Equal(t, "Context:\n", c.Prefix)
	assert.Equal(t, ".", c.Suffix)
	assert.Equal(t, 1000, p.MaxTokens)
	assert.Equal(t, "", p.Suffix)

	c.ParentGroupKeys[0] = "section"
	assert.Equal(t, []string{"chapter"}, p.ParentGroupKeys)

	_, err = p.With(WithMaxTokens(-5))
	require.Error(t, err)
}

func TestFillStringPacksUnderBudget(t *testing.T) {
	src := &staticSource{rows: sectionRows(5, 5, 5)}
	p := policy(t, src, WithMaxTokens(12), WithMaxSnippets(10))
	assert.Equal(t, "row0\nrow1", p.FillString([]float64{0.1, 0.2, 0.3}))
	assert.Equal(t, "row2\nrow0", p.FillString([]float64{0.2, 0.9, 0.1}))
}

func TestFillStringMaxSnippets(t *testing.T) {
	src := &staticSource{rows: sectionRows(1, 1, 1)}
	d := []float64{0.3, 0.2, 0.1}
	assert.Equal(t, "row2", policy(t, src, WithMaxSnippets(1)).FillString(d))
	assert.Equal(t, "", policy(t, src, WithMaxSnippets(0)).FillString(d))
}

func TestFillStringPrefixSuffix(t *testing.T) {
	src := &staticSource{rows: sectionRows(2, 2)}
	p := policy(t, src, WithPrefix("<"), WithSuffix(">"), WithJoinSeparator(" | "))
	assert.Equal(t, "<row1 | row0>", p.FillString([]float64{0.5, 0.4}))

	p = policy(t, src, WithPrefix("<"), WithSuffix(">"), WithMaxTokens(1))
	assert.Equal(t, "<>", p.FillString([]float64{0.5, 0.4}))
}

func TestFillStringStopsAtFirstOverflow(t *testing.T) {
	src := &staticSource{rows: sectionRows(3, 10, 1)}
	p := policy(t, src, WithMaxTokens(5))
	assert.Equal(t, "row0", p.FillString([]float64{0.1, 0.2, 0.3}))
}

func TestParentTextBackwardExtension(t *testing.T) {
	src := &staticSource{rows: sectionRows(4, 4, 4)}
	p := policy(t, src, WithParentExpansion([]string{"chapter"}, []string{"seq"}))

	members, text, n, ok := p.ParentText(2, 9, nil)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, members)
	assert.Equal(t, "row1\nrow2", text)
	assert.Equal(t, 8, n)
}

func TestParentTextWholeGroup(t *testing.T) {
	src := &staticSource{rows: sectionRows(4, 4, 4)}
	p := policy(t, src, WithParentExpansion([]string{"chapter"}, []string{"seq"}))

	members, text, n, ok := p.ParentText(1, 12, nil)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 2}, members)
	assert.Equal(t, "row0\nrow1\nrow2", text)
	assert.Equal(t, 12, n)
}

func TestParentTextNoRoom(t *testing.T) {
	src := &staticSource{rows: sectionRows(4, 8, 4)}
	p := policy(t, src, WithParentExpansion(nil, nil))
	_, _, _, ok := p.ParentText(1, 7, nil)
	assert.False(t, ok)

	members, _, n, ok := p.ParentText(0, 7, nil)
	require.True(t, ok)
	assert.Equal(t, []int{0}, members)
	assert.Equal(t, 4, n)
}

func TestParentTextOrdersByKeys(t *testing.T) {
	rows := []domain.Row{
		{Text: "third", Tokens: 1, Metadata: map[string]any{"doc": "a", "seq": int64(3)}},
		{Text: "other", Tokens: 1, Metadata: map[string]any{"doc": "b", "seq": int64(1)}},
		{Text: "first", Tokens: 1, Metadata: map[string]any{"doc": "a", "seq": 1}},
		{Text: "second", Tokens: 1, Metadata: map[string]any{"doc": "a", "seq": 2.0}},
	}
	p := policy(t, &staticSource{rows: rows}, WithParentExpansion([]string{"doc"}, []string{"seq"}))

	members, text, _, ok := p.ParentText(0, 10, nil)
	require.True(t, ok)
	assert.Equal(t, []int{2, 3, 0}, members)
	assert.Equal(t, "first\nsecond\nthird", text)

	members, _, _, ok = p.ParentText(3, 2, nil)
	require.True(t, ok)
	assert.Equal(t, []int{2, 3}, members)
}

func TestFillStringParentNoDuplicates(t *testing.T) {
	rows := []domain.Row{
		{Text: "a0", Tokens: 2, Metadata: map[string]any{"doc": "a", "seq": 0}},
		{Text: "a1", Tokens: 2, Metadata: map[string]any{"doc": "a", "seq": 1}},
		{Text: "b0", Tokens: 2, Metadata: map[string]any{"doc": "b", "seq": 0}},
		{Text: "b1", Tokens: 2, Metadata: map[string]any{"doc": "b", "seq": 1}},
		{Text: "a2", Tokens: 2, Metadata: map[string]any{"doc": "a", "seq": 2}},
	}
	src := &staticSource{rows: rows}
	d := []float64{0.1, 0.15, 0.3, 0.35, 0.2}
	for _, budget := range []int{0, 2, 3, 5, 6, 8, 10, 100} {
		p := policy(t, src, WithMaxTokens(budget), WithJoinSeparator("|"),
			WithParentExpansion([]string{"doc"}, []string{"seq"}))
		out := p.FillString(d)
		total := 0
		for _, r := range rows {
			c := strings.Count(out, r.Text)
			assert.LessOrEqual(t, c, 1, "budget %d: %q", budget, out)
			total += c * r.Tokens
		}
		assert.LessOrEqual(t, total, budget, "budget %d: %q", budget, out)
	}

	p := policy(t, src, WithMaxTokens(10), WithJoinSeparator("|"),
		WithParentExpansion([]string{"doc"}, []string{"seq"}))
	assert.Equal(t, "a0\na1\na2|b0\nb1", p.FillString(d))
}

func TestParentTextSkipsUsedRows(t *testing.T) {
	src := &staticSource{rows: sectionRows(1, 1, 1, 10)}
	p := policy(t, src, WithParentExpansion([]string{"chapter"}, []string{"seq"}))

	_, _, _, ok := p.ParentText(1, 10, map[int]bool{1: true})
	assert.False(t, ok)

	members, text, n, ok := p.ParentText(2, 10, map[int]bool{0: true, 1: true})
	require.True(t, ok)
	assert.Equal(t, []int{2}, members)
	assert.Equal(t, "row2", text)
	assert.Equal(t, 1, n)

	members, _, n, ok = p.ParentText(2, 12, map[int]bool{0: true})
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, members)
	assert.Equal(t, 12, n)

	members, _, n, ok = p.ParentText(2, 11, map[int]bool{0: true})
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, members)
	assert.Equal(t, 2, n)
}

func TestFillStringParentOverlappingCandidates(t *testing.T) {
	src := &staticSource{rows: sectionRows(1, 1, 1, 10)}
	p := policy(t, src, WithMaxTokens(12), WithParentExpansion([]string{"chapter"}, []string{"seq"}))
	assert.Equal(t, "row0\nrow1\nrow2", p.FillString([]float64{0.5, 0.1, 0.2, 0.9}))
}

func TestFillStringParentSweep(t *testing.T) {
	tokens := []int{3, 1, 4, 1, 5, 2, 6}
	src := &staticSource{rows: sectionRows(tokens...)}
	rankings := [][]float64{
		{0.5, 0.1, 0.2, 0.9, 0.3, 0.7, 0.4},
		{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7},
		{0.7, 0.6, 0.5, 0.4, 0.3, 0.2, 0.1},
		{0.4, 0.9, 0.1, 0.3, 0.8, 0.2, 0.6},
	}
	for _, d := range rankings {
		for budget := 0; budget <= 25; budget++ {
			p := policy(t, src, WithMaxTokens(budget), WithJoinSeparator("|"),
				WithParentExpansion([]string{"chapter"}, []string{"seq"}))
			out := p.FillString(d)
			seen := map[string]int{}
			total := 0
			for _, part := range strings.FieldsFunc(out, func(r rune) bool { return r == '|' || r == '\n' }) {
				seen[part]++
				var i int
				_, err := fmt.Sscanf(part, "row%d", &i)
				require.NoError(t, err)
				total += tokens[i]
			}
			for text, c := range seen {
				assert.Equal(t, 1, c, "budget %d: %s repeated in %q", budget, text, out)
			}
			assert.LessOrEqual(t, total, budget, "budget %d: %q", budget, out)
		}
	}
}

func TestFillStringParentSkipsCandidateWithoutRoom(t *testing.T) {
	rows := []domain.Row{
		{Text: "big", Tokens: 8, Metadata: map[string]any{"doc": "a"}},
		{Text: "small", Tokens: 2, Metadata: map[string]any{"doc": "b"}},
	}
	p := policy(t, &staticSource{rows: rows}, WithMaxTokens(5), WithParentExpansion([]string{"doc"}, nil))
	assert.Equal(t, "small", p.FillString([]float64{0.1, 0.2}))
}

func TestFillQueriesIndex(t *testing.T) {
	x := NewIndex("demo", &letterEmbedder{})
	require.NoError(t, x.Build(context.Background(), corpus()))

	p := policy(t, x, WithMaxSnippets(1))
	out, err := p.Fill(context.Background(), "circle area")
	require.NoError(t, err)
	assert.Equal(t, "The area of a circle is pi r squared.", out)

	empty := NewIndex("empty", &letterEmbedder{})
	_, err = policy(t, empty).Fill(context.Background(), "q")
	require.ErrorIs(t, err, domain.ErrIndexNotBuilt)
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, 0, compareValues(1, 1.0))
	assert.Equal(t, -1, compareValues(int64(2), uint8(3)))
	assert.Equal(t, 1, compareValues("b", "a"))
	assert.Equal(t, -1, compareValues(nil, 0))
	assert.Equal(t, 0, compareValues(nil, nil))
}
