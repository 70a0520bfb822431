// Package memory keeps index snapshots in process memory. Indexes saved here
// live until the process exits.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"ragprompt/internal/domain"
	"ragprompt/internal/vectorstore"
)

type Storage struct {
	mu    sync.RWMutex
	snaps map[string]*vectorstore.Snapshot
}

var _ vectorstore.Storage = (*Storage)(nil)

func NewStorage() *Storage { return &Storage{snaps: map[string]*vectorstore.Snapshot{}} }

func (s *Storage) Save(_ context.Context, name string, snap *vectorstore.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	c := clone(snap)
	s.mu.Lock()
	s.snaps[name] = c
	s.mu.Unlock()
	return nil
}

func (s *Storage) Load(_ context.Context, name string) (*vectorstore.Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snaps[name]
	s.mu.RUnlock()
	if !ok {
		return nil, vectorstore.NotFound(name, vectorstore.RowsArtifact(name))
	}
	return clone(snap), nil
}

// Names lists the saved indexes.
func (s *Storage) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.snaps))
}

// clone copies rows, metadata maps and vectors so callers cannot mutate
// stored state.
func clone(snap *vectorstore.Snapshot) *vectorstore.Snapshot {
	rows := make([]domain.Row, len(snap.Rows))
	for i, r := range snap.Rows {
		r.Metadata = maps.Clone(r.Metadata)
		rows[i] = r
	}
	matrix := make([][]float32, len(snap.Matrix))
	for i, v := range snap.Matrix {
		matrix[i] = slices.Clone(v)
	}
	return &vectorstore.Snapshot{Embedder: snap.Embedder, Rows: rows, Matrix: matrix}
}
