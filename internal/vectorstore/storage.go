// Package vectorstore persists retrieval indexes as two co-located
// artifacts: the row table and the embedding matrix.
package vectorstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"ragprompt/internal/domain"
)

// Snapshot is the persisted form of an index.
type Snapshot struct {
	Embedder string
	Rows     []domain.Row
	Matrix   [][]float32
}

// Validate checks the row/vector invariant.
func (s *Snapshot) Validate() error {
	if len(s.Rows) != len(s.Matrix) {
		return fmt.Errorf("vectorstore: %d rows but %d vectors", len(s.Rows), len(s.Matrix))
	}
	if len(s.Matrix) == 0 {
		return nil
	}
	dim := len(s.Matrix[0])
	for i, v := range s.Matrix {
		if len(v) != dim {
			return fmt.Errorf("vectorstore: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}
	return nil
}

// Storage saves and loads snapshots by index name. Load returns an error
// wrapping domain.ErrNotFound when either artifact is missing.
type Storage interface {
	Save(ctx context.Context, name string, snap *Snapshot) error
	Load(ctx context.Context, name string) (*Snapshot, error)
}

// RowsArtifact and EmbedArtifact name the two artifacts of an index.
func RowsArtifact(name string) string  { return name + "_rows.msgpack" }
func EmbedArtifact(name string) string { return name + "_embed.msgpack" }

type rowsFile struct {
	Embedder string       `msgpack:"embedder"`
	Rows     []domain.Row `msgpack:"rows"`
}

type embedFile struct {
	Dimension int         `msgpack:"dimension"`
	Vectors   [][]float32 `msgpack:"vectors"`
}

// EncodeRows writes the row table of snap.
func EncodeRows(w io.Writer, snap *Snapshot) error {
	return msgpack.NewEncoder(w).Encode(rowsFile{Embedder: snap.Embedder, Rows: snap.Rows})
}

// EncodeMatrix writes the embedding matrix of snap.
func EncodeMatrix(w io.Writer, snap *Snapshot) error {
	dim := 0
	if len(snap.Matrix) > 0 {
		dim = len(snap.Matrix[0])
	}
	return msgpack.NewEncoder(w).Encode(embedFile{Dimension: dim, Vectors: snap.Matrix})
}

// Decode reads both artifacts into a validated snapshot.
func Decode(rows, matrix io.Reader) (*Snapshot, error) {
	var rf rowsFile
	dec := msgpack.NewDecoder(rows)
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("vectorstore: decode rows: %w", err)
	}
	var ef embedFile
	if err := msgpack.NewDecoder(matrix).Decode(&ef); err != nil {
		return nil, fmt.Errorf("vectorstore: decode embeddings: %w", err)
	}
	snap := &Snapshot{Embedder: rf.Embedder, Rows: rf.Rows, Matrix: ef.Vectors}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Marshal encodes both artifacts into byte slices.
func Marshal(snap *Snapshot) (rows, matrix []byte, err error) {
	var rb, mb bytes.Buffer
	if err := EncodeRows(&rb, snap); err != nil {
		return nil, nil, err
	}
	if err := EncodeMatrix(&mb, snap); err != nil {
		return nil, nil, err
	}
	return rb.Bytes(), mb.Bytes(), nil
}

// NotFound wraps domain.ErrNotFound with the missing artifact.
func NotFound(name, artifact string) error {
	return fmt.Errorf("vectorstore: index %q: artifact %s: %w", name, artifact, domain.ErrNotFound)
}
