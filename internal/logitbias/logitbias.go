// Package logitbias derives OpenAI logit_bias maps that nudge a model
// toward the vocabulary of retrieved text.
package logitbias

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	"ragprompt/internal/embedding/tfidf"
)

// Encoder tokenizes text with the target model's vocabulary.
// *tokenizer.Tiktoken implements it.
type Encoder interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// Options bound the bias map. The zero value means the defaults.
type Options struct {
	// MinCount is the minimum occurrences of a token. Default 2.
	MinCount int
	// Limit caps the number of biased tokens. Default 50; the
	// API accepts at most 300.
	Limit   int
	MinBias float64
	MaxBias float64
}

func (o Options) withDefaults() Options {
	if o.MinCount <= 0 {
		o.MinCount = 2
	}
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.MinBias == 0 && o.MaxBias == 0 {
		o.MinBias, o.MaxBias = 1, 5
	}
	return o
}

// Bias weights the most frequent tokens occurring at least MinCount times.
// Weights grow linearly with frequency and the most frequent token gets
// MaxBias.
func Bias(tokens []int, opts Options) map[int]float64 {
	opts = opts.withDefaults()
	out := map[int]float64{}
	if len(tokens) == 0 {
		return out
	}
	counts := map[int]int{}
	first := map[int]int{}
	for i, t := range tokens {
		if _, ok := counts[t]; !ok {
			first[t] = i
		}
		counts[t]++
	}
	ranked := make([]int, 0, len(counts))
	for t := range counts {
		ranked = append(ranked, t)
	}
	slices.SortFunc(ranked, func(a, b int) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(first[a], first[b])
	})
	maxCount := counts[ranked[0]]
	for _, t := range ranked {
		if len(out) >= opts.Limit || counts[t] < opts.MinCount {
			break
		}
		out[t] = opts.MinBias + (opts.MaxBias-opts.MinBias)*float64(counts[t])/float64(maxCount)
	}
	return out
}

var wordToken = regexp.MustCompile(`^[ A-Za-z]+$`)

// ContentTokens encodes text and keeps purely alphabetic tokens that are not
// stopwords.
func ContentTokens(enc Encoder, text string) []int {
	var out []int
	for _, t := range enc.Encode(text) {
		s := enc.Decode([]int{t})
		if !wordToken.MatchString(s) || strings.TrimSpace(s) == "" || tfidf.IsStopword(strings.TrimSpace(s)) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// FromFills builds a bias from slot fills, typically a prompt manager's
// recent fill history. A nil include admits every slot; exclude wins.
func FromFills(enc Encoder, fills []map[string]string, include, exclude []string, opts Options) map[int]float64 {
	var texts []string
	for _, f := range fills {
		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if (include == nil || slices.Contains(include, k)) && !slices.Contains(exclude, k) {
				texts = append(texts, f[k])
			}
		}
	}
	return Bias(ContentTokens(enc, strings.Join(texts, "\n")), opts)
}
