package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"ragprompt/internal/domain"
)

// Source is what a FillPolicy retrieves from. *Index implements it.
type Source interface {
	Name() string
	Distances(ctx context.Context, query string) ([]float64, error)
	Rows() []domain.Row
}

var _ Source = (*Index)(nil)

// FillPolicy packs the rows of a Source, closest first, into one fill
// string under a token budget.
type FillPolicy struct {
	Source Source

	MaxTokens           int
	MaxSnippets         int // zero or less accepts no candidates
	Prefix              string
	Suffix              string
	JoinSeparator       string
	ParentJoinSeparator string

	// With UseParentExpansion each candidate row is widened to the rows
	// sharing its ParentGroupKeys values, ordered by ParentOrderKeys.
	UseParentExpansion bool
	ParentGroupKeys    []string
	ParentOrderKeys    []string
}

type PolicyOption func(*FillPolicy)

func WithMaxTokens(n int) PolicyOption   { return func(p *FillPolicy) { p.MaxTokens = n } }
func WithMaxSnippets(n int) PolicyOption { return func(p *FillPolicy) { p.MaxSnippets = n } }
func WithPrefix(s string) PolicyOption   { return func(p *FillPolicy) { p.Prefix = s } }
func WithSuffix(s string) PolicyOption   { return func(p *FillPolicy) { p.Suffix = s } }

func WithJoinSeparator(s string) PolicyOption {
	return func(p *FillPolicy) { p.JoinSeparator = s }
}

// WithParentExpansion enables parent expansion over the given metadata
// keys. No group keys makes the whole corpus one group.
func WithParentExpansion(groupKeys, orderKeys []string) PolicyOption {
	return func(p *FillPolicy) {
		p.UseParentExpansion = true
		p.ParentGroupKeys = slices.Clone(groupKeys)
		p.ParentOrderKeys = slices.Clone(orderKeys)
	}
}

// NewFillPolicy returns a validated policy over src with defaults of 1000
// tokens, 1000 snippets and newline separators.
func NewFillPolicy(src Source, opts ...PolicyOption) (*FillPolicy, error) {
	p := &FillPolicy{
		Source:              src,
		MaxTokens:           1000,
		MaxSnippets:         1000,
		JoinSeparator:       "\n",
		ParentJoinSeparator: "\n",
	}
	for _, o := range opts {
		o(p)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// With returns a validated copy of p with opts applied.
func (p *FillPolicy) With(opts ...PolicyOption) (*FillPolicy, error) {
	c := *p
	c.ParentGroupKeys = slices.Clone(p.ParentGroupKeys)
	c.ParentOrderKeys = slices.Clone(p.ParentOrderKeys)
	for _, o := range opts {
		o(&c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *FillPolicy) Validate() error {
	if p.Source == nil {
		return &domain.ConfigurationError{Reason: "fill policy has no retrieval source"}
	}
	if p.MaxTokens < 0 {
		return &domain.ConfigurationError{
			Key:    p.Source.Name(),
			Reason: fmt.Sprintf("max tokens must be >= 0, got %d", p.MaxTokens),
		}
	}
	return nil
}

// Fill computes distances for query and packs them.
func (p *FillPolicy) Fill(ctx context.Context, query string) (string, error) {
	d, err := p.Source.Distances(ctx, query)
	if err != nil {
		return "", err
	}
	return p.FillString(d), nil
}

// FillString walks rows by ascending distance and accepts candidates until
// the next one would overflow MaxTokens or MaxSnippets are accepted. Rows
// consumed by an earlier parent group are skipped, so no row appears twice.
func (p *FillPolicy) FillString(distances []float64) string {
	rows := p.Source.Rows()
	var (
		texts []string
		total int
		used  = make(map[int]bool)
	)
	for _, i := range Rank(distances) {
		if len(texts) >= p.MaxSnippets {
			break
		}
		if i >= len(rows) || used[i] {
			continue
		}
		var (
			text string
			n    int
		)
		if p.UseParentExpansion {
			members, t, tn, ok := p.ParentText(i, p.MaxTokens-total, used)
			if !ok {
				continue
			}
			for _, m := range members {
				used[m] = true
			}
			text, n = t, tn
		} else {
			text, n = rows[i].Text, rows[i].Tokens
			used[i] = true
		}
		if total+n > p.MaxTokens {
			break
		}
		total += n
		texts = append(texts, text)
	}
	return p.Prefix + strings.Join(texts, p.JoinSeparator) + p.Suffix
}

// ParentText expands row i to its parent group under budget, leaving out
// rows already in used. The remaining group is used when it fits; otherwise
// the group is extended backward from row i for as long as the running
// total fits, stopping at the first used row. ok is false when row i is
// used or alone exceeds budget. The token count ignores the separators.
func (p *FillPolicy) ParentText(i, budget int, used map[int]bool) (members []int, text string, tokens int, ok bool) {
	rows := p.Source.Rows()
	if i < 0 || i >= len(rows) || used[i] {
		return nil, "", 0, false
	}
	cand := rows[i]
	if cand.Tokens > budget {
		return nil, "", 0, false
	}

	var group []int
	for j, r := range rows {
		if sameGroup(cand, r, p.ParentGroupKeys) {
			group = append(group, j)
		}
	}
	if len(p.ParentOrderKeys) > 0 {
		slices.SortStableFunc(group, func(a, b int) int {
			for _, k := range p.ParentOrderKeys {
				if c := compareValues(rows[a].Metadata[k], rows[b].Metadata[k]); c != 0 {
					return c
				}
			}
			return 0
		})
	}

	var (
		free       []int
		freeTokens int
	)
	for _, j := range group {
		if !used[j] {
			free = append(free, j)
			freeTokens += rows[j].Tokens
		}
	}
	if freeTokens <= budget {
		members, tokens = free, freeTokens
	} else {
		pos := slices.Index(group, i)
		start := pos
		tokens = cand.Tokens
		for start > 0 && !used[group[start-1]] && tokens+rows[group[start-1]].Tokens <= budget {
			start--
			tokens += rows[group[start]].Tokens
		}
		members = group[start : pos+1]
	}

	texts := make([]string, len(members))
	for k, m := range members {
		texts[k] = rows[m].Text
	}
	return members, strings.Join(texts, p.ParentJoinSeparator), tokens, true
}

func sameGroup(a, b domain.Row, keys []string) bool {
	for _, k := range keys {
		if compareValues(a.Metadata[k], b.Metadata[k]) != 0 {
			return false
		}
	}
	return true
}

// compareValues orders metadata values. Numbers of any width compare
// numerically, strings lexically; nil sorts first and other mixed kinds
// fall back to their printed form.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return cmp.Compare(fa, fb)
	}
	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(sa, sb)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
