package kv

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Badger is a Store backed by BadgerDB v4.
type Badger struct {
	db *badger.DB
}

var _ Store = (*Badger)(nil)

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir holds the data files. Required unless InMemory is set.
	Dir string

	// InMemory runs badger without disk persistence.
	InMemory bool

	// Logger receives badger warnings and errors. Nil discards them.
	Logger *zap.Logger
}

// NewBadger opens (or creates) a BadgerDB store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("kv: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger.Sugar().Named("badger")})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key Key) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.encode())
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key Key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.encode(), value)
	})
}

func (b *Badger) Delete(_ context.Context, key Key) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key.encode())
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) BatchSet(_ context.Context, entries []Entry) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if err := txn.Set(e.Key.encode(), e.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger forwards warnings and errors to zap and drops the rest.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (badgerLogger) Infof(string, ...interface{})          {}
func (badgerLogger) Debugf(string, ...interface{})         {}
