// Package embedding holds embedding helpers shared by the provider
// implementations in its subpackages.
package embedding

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"ragprompt/internal/domain"
	"ragprompt/internal/kv"
)

// Embedder converts free text into a numeric vector representation.
// Implementations may also implement domain.Preparer.
type Embedder = domain.Embedder

// Cached memoizes whole batches of an Embedder in a kv.Store. Entries are
// keyed by the embedder name and the exact batch texts, so a batch hits
// only when it is identical to one embedded before.
type Cached struct {
	inner Embedder
	store kv.Store
	log   *zap.Logger
	// corpus fingerprint of the last Prepare, mixed into keys so that
	// vocabulary-based embedders miss after a rebuild.
	corpus atomic.Value

	hits, misses atomic.Int64
}

var (
	_ domain.Embedder = (*Cached)(nil)
	_ domain.Preparer = (*Cached)(nil)
)

func NewCached(inner Embedder, store kv.Store, log *zap.Logger) *Cached {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cached{inner: inner, store: store, log: log.With(zap.String("embedder", inner.Name()))}
	c.corpus.Store("")
	return c
}

func (c *Cached) Name() string   { return c.inner.Name() }
func (c *Cached) Dimension() int { return c.inner.Dimension() }

// Prepare forwards to the wrapped embedder when it needs the corpus.
func (c *Cached) Prepare(corpus []string) error {
	p, ok := c.inner.(domain.Preparer)
	if !ok {
		return nil
	}
	if err := p.Prepare(corpus); err != nil {
		return err
	}
	c.corpus.Store(digest(corpus))
	return nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	key := c.key(texts)
	if b, err := c.store.Get(ctx, key); err == nil {
		var vecs [][]float32
		if err := msgpack.Unmarshal(b, &vecs); err == nil && len(vecs) == len(texts) {
			c.hits.Add(1)
			return vecs, nil
		}
		c.log.Warn("discarding unreadable cache entry", zap.String("key", key.String()))
	} else if !errors.Is(err, kv.ErrNotFound) {
		c.log.Warn("embedding cache read failed", zap.Error(err))
	}

	c.misses.Add(1)
	vecs, err := c.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	b, err := msgpack.Marshal(vecs)
	if err == nil {
		err = c.store.Set(ctx, key, b)
	}
	if err != nil {
		c.log.Warn("embedding cache write failed", zap.Error(err))
	}
	return vecs, nil
}

// Stats returns the number of batches served from and missing the cache.
func (c *Cached) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cached) key(texts []string) kv.Key {
	prefix := c.inner.Name() + "\x00" + c.corpus.Load().(string)
	return kv.Key{"embed", c.inner.Name(), digest(append([]string{prefix}, texts...))}
}

func digest(parts []string) string {
	h := sha1.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])
}
