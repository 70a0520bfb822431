// Package corpus loads retrieval corpora from disk.
package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ragprompt/internal/chunker"
	"ragprompt/internal/domain"
)

// LoadFiles reads every path, expanding globs, in the order given. JSONL
// files hold one row object per line ({"text", "n_tokens", "metadata"});
// .txt files are split by the chunker with the file name, minus its
// extension, as the document key. Other files are skipped.
func LoadFiles(paths []string, c *chunker.SentenceChunker) ([]domain.Row, error) {
	var rows []domain.Row
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("corpus: bad pattern %q: %w", p, err)
		}
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			got, err := loadFile(m, c)
			if err != nil {
				return nil, err
			}
			rows = append(rows, got...)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("corpus: no rows found in %s", strings.Join(paths, ", "))
	}
	return rows, nil
}

func loadFile(path string, c *chunker.SentenceChunker) ([]domain.Row, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jsonl", ".ndjson":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		rows, err := ReadJSONL(f)
		if err != nil {
			return nil, fmt.Errorf("corpus: %s: %w", path, err)
		}
		return rows, nil
	case ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		doc := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return c.Chunk(doc, string(data)), nil
	}
	return nil, nil
}

// ReadJSONL decodes one row per non-blank line.
func ReadJSONL(r io.Reader) ([]domain.Row, error) {
	var rows []domain.Row
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		var row domain.Row
		if err := json.Unmarshal(b, &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if row.Text == "" {
			return nil, fmt.Errorf("line %d: row has no text", line)
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}

// WriteJSONL is the inverse of ReadJSONL.
func WriteJSONL(w io.Writer, rows []domain.Row) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
