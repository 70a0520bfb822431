// Package kvstore persists index snapshots in a kv.Store under
// index:<name>:rows and index:<name>:embed.
package kvstore

import (
	"bytes"
	"context"
	"errors"

	"ragprompt/internal/kv"
	"ragprompt/internal/vectorstore"
)

type Storage struct {
	store kv.Store
}

var _ vectorstore.Storage = (*Storage)(nil)

func NewStorage(store kv.Store) *Storage {
	return &Storage{store: store}
}

func rowsKey(name string) kv.Key  { return kv.Key{"index", name, "rows"} }
func embedKey(name string) kv.Key { return kv.Key{"index", name, "embed"} }

func (s *Storage) Save(ctx context.Context, name string, snap *vectorstore.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	rows, matrix, err := vectorstore.Marshal(snap)
	if err != nil {
		return err
	}
	return s.store.BatchSet(ctx, []kv.Entry{
		{Key: rowsKey(name), Value: rows},
		{Key: embedKey(name), Value: matrix},
	})
}

func (s *Storage) Load(ctx context.Context, name string) (*vectorstore.Snapshot, error) {
	rows, err := s.get(ctx, name, rowsKey(name))
	if err != nil {
		return nil, err
	}
	matrix, err := s.get(ctx, name, embedKey(name))
	if err != nil {
		return nil, err
	}
	return vectorstore.Decode(bytes.NewReader(rows), bytes.NewReader(matrix))
}

func (s *Storage) get(ctx context.Context, name string, key kv.Key) ([]byte, error) {
	v, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, vectorstore.NotFound(name, key.String())
	}
	return v, err
}
