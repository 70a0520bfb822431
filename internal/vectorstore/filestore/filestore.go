// Package filestore persists index snapshots as two files in a blobstore.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"ragprompt/internal/blobstore"
	"ragprompt/internal/vectorstore"
)

// Storage writes <name>_rows.msgpack and <name>_embed.msgpack under the
// root of a FileStore.
type Storage struct {
	fs blobstore.FileStore
}

var _ vectorstore.Storage = (*Storage)(nil)

func NewStorage(fs blobstore.FileStore) *Storage {
	return &Storage{fs: fs}
}

func (s *Storage) Save(ctx context.Context, name string, snap *vectorstore.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	rows, matrix, err := vectorstore.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.write(ctx, vectorstore.EmbedArtifact(name), matrix); err != nil {
		return err
	}
	return s.write(ctx, vectorstore.RowsArtifact(name), rows)
}

func (s *Storage) write(ctx context.Context, path string, data []byte) error {
	w, err := s.fs.Write(ctx, path)
	if err != nil {
		return fmt.Errorf("filestore: open %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	return w.Close()
}

func (s *Storage) Load(ctx context.Context, name string) (*vectorstore.Snapshot, error) {
	rows, err := s.read(ctx, name, vectorstore.RowsArtifact(name))
	if err != nil {
		return nil, err
	}
	matrix, err := s.read(ctx, name, vectorstore.EmbedArtifact(name))
	if err != nil {
		return nil, err
	}
	return vectorstore.Decode(bytes.NewReader(rows), bytes.NewReader(matrix))
}

func (s *Storage) read(ctx context.Context, name, path string) ([]byte, error) {
	r, err := s.fs.Read(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, vectorstore.NotFound(name, path)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
