// Package backend implements the pluggable byte-addressable key/value
// contract that COWStore is built on: a local filesystem tree, a remote
// S3-compatible object store, and an in-memory map for tests. No package
// above backend ever sees a filesystem path or an object-store bucket name.
package backend

import (
	"context"
	"time"
)

// Stat describes a stored object without fetching its bytes.
type Stat struct {
	Size  int64
	Mtime time.Time
}

// Backend abstracts byte storage. Keys are opaque strings; values are
// opaque byte slices. Implementations must guarantee: writes are durable on
// successful return, list is lexicographic and reflects preceding writes on
// the same logical backend, and delete is idempotent.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns up to limit keys lexicographically >= cursor with the
	// given prefix, plus the cursor to resume from (empty if exhausted).
	List(ctx context.Context, prefix string, limit int, cursor string) (keys []string, nextCursor string, err error)
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (Stat, error)
	// Kind names the backend for metrics labels ("file", "s3", "memory").
	Kind() string
	Close() error
}
