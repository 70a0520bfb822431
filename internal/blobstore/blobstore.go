// Package blobstore abstracts where persisted index artifacts live: a local
// directory or an S3-compatible bucket.
package blobstore

import (
	"context"
	"io"
)

// FileStore is a minimal file-oriented storage backend. Paths are forward
// slash separated and relative to the store root.
type FileStore interface {
	// Read returns an error wrapping os.ErrNotExist for missing files.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write truncates existing files. The writer must be closed to flush.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}
