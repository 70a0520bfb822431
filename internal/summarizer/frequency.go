// Package summarizer produces short extractive summaries of a corpus.
package summarizer

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"ragprompt/internal/domain"
	"ragprompt/internal/embedding/tfidf"
)

// FrequencySummarizer ranks sentences by word frequency (stopwords filtered).
type FrequencySummarizer struct {
	tokenPattern *regexp.Regexp
	splitter     *regexp.Regexp
}

// NewFrequencySummarizer creates a frequency-based sentence ranker summarizer.
func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`),
		splitter:     regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`),
	}
}

// SummarizeRows summarizes the texts of a corpus, each row taken as its
// own passage.
func (s *FrequencySummarizer) SummarizeRows(rows []domain.Row, maxSentences int) string {
	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.Text
	}
	return s.Summarize(strings.Join(texts, "\n"), maxSentences)
}

// Summarize returns the maxSentences highest-scoring sentences of text in
// their original order.
func (s *FrequencySummarizer) Summarize(text string, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = 5
	}
	sentences := s.splitter.FindAllString(text, -1)
	if len(sentences) == 0 {
		return strings.TrimSpace(text)
	}
	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range s.tokens(sent) {
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = max(maxF, v)
	}
	type pair struct {
		idx   int
		score float64
	}
	scores := make([]pair, len(sentences))
	for i, sent := range sentences {
		toks := s.tokens(sent)
		score := 0.0
		for _, tok := range toks {
			score += freq[tok] / maxF
		}
		// long sentences would otherwise always win
		if l := float64(len(toks)); l > 0 {
			score /= math.Sqrt(l)
		}
		scores[i] = pair{i, score}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	maxSentences = min(maxSentences, len(scores))
	selected := make([]int, maxSentences)
	for i := range selected {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, len(selected))
	for i, idx := range selected {
		out[i] = strings.TrimSpace(sentences[idx])
	}
	return strings.Join(out, " ")
}

// tokens returns the lowercase non-stopword words of text.
func (s *FrequencySummarizer) tokens(text string) []string {
	raw := s.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if !tfidf.IsStopword(t) {
			out = append(out, t)
		}
	}
	return out
}
