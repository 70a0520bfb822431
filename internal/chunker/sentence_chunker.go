// Package chunker splits documents into corpus rows.
package chunker

import (
	"regexp"
	"strings"

	"ragprompt/internal/domain"
)

// Metadata keys set on every row. Together they group rows by document and
// order them within it, so they fit parent expansion directly.
const (
	DocumentKey = "document"
	ChunkKey    = "chunk"
)

// SentenceChunker splits text into sentence-based chunks with overlap.
type SentenceChunker struct {
	sentencesPerChunk int
	overlapSentences  int
	splitter          *regexp.Regexp
}

func NewSentenceChunker(sentencesPerChunk, overlapSentences int) *SentenceChunker {
	if sentencesPerChunk <= 0 {
		sentencesPerChunk = 5
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}
	if overlapSentences >= sentencesPerChunk {
		overlapSentences = sentencesPerChunk - 1
	}
	return &SentenceChunker{
		sentencesPerChunk: sentencesPerChunk,
		overlapSentences:  overlapSentences,
		splitter:          regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`),
	}
}

// Split returns the trimmed sentences of text. Text without sentence
// punctuation is one sentence.
func (c *SentenceChunker) Split(text string) []string {
	sentences := c.splitter.FindAllString(text, -1)
	if len(sentences) == 0 {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}
	out := sentences[:0]
	for _, s := range sentences {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Chunk splits a document into rows tagged with the document name and the
// chunk position. Token counts are left for the index to compute.
func (c *SentenceChunker) Chunk(document, content string) []domain.Row {
	sentences := c.Split(content)
	var rows []domain.Row
	i := 0
	idx := 0
	for i < len(sentences) {
		end := min(i+c.sentencesPerChunk, len(sentences))
		rows = append(rows, domain.Row{
			Text:     strings.Join(sentences[i:end], " "),
			Metadata: map[string]any{DocumentKey: document, ChunkKey: idx},
		})
		if end == len(sentences) {
			break
		}
		i = max(end-c.overlapSentences, 0)
		idx++
	}
	return rows
}
