package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/vgraph/pkg/errs"
)

// MemoryBackend is an in-memory Backend for tests and ephemeral instances.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
	mod  map[string]time.Time
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string][]byte),
		mod:  make(map[string]time.Time),
	}
}

func (b *MemoryBackend) Kind() string { return "memory" }

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := observe("memory", "get", func() error {
		b.mu.RLock()
		defer b.mu.RUnlock()
		v, ok := b.data[key]
		if !ok {
			return errs.New(errs.NotFound, "backend.Get", "key not found: "+key).WithEntity(key)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *MemoryBackend) Put(ctx context.Context, key string, value []byte) error {
	return observe("memory", "put", func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.data[key] = append([]byte(nil), value...)
		b.mod[key] = time.Now()
		return nil
	})
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	return observe("memory", "delete", func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.data, key)
		delete(b.mod, key)
		return nil
	})
}

func (b *MemoryBackend) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	var keys []string
	var next string

	err := observe("memory", "list", func() error {
		b.mu.RLock()
		defer b.mu.RUnlock()

		var all []string
		for k := range b.data {
			if strings.HasPrefix(k, prefix) {
				all = append(all, k)
			}
		}
		sort.Strings(all)

		start := 0
		if cursor != "" {
			for i, k := range all {
				if k >= cursor {
					start = i
					break
				}
			}
		}

		for i := start; i < len(all); i++ {
			if limit > 0 && len(keys) == limit {
				next = all[i]
				return nil
			}
			keys = append(keys, all[i])
		}
		return nil
	})

	return keys, next, err
}

func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := observe("memory", "exists", func() error {
		b.mu.RLock()
		defer b.mu.RUnlock()
		_, ok = b.data[key]
		return nil
	})
	return ok, err
}

func (b *MemoryBackend) Stat(ctx context.Context, key string) (Stat, error) {
	var st Stat
	err := observe("memory", "stat", func() error {
		b.mu.RLock()
		defer b.mu.RUnlock()
		v, ok := b.data[key]
		if !ok {
			return errs.New(errs.NotFound, "backend.Stat", "key not found: "+key).WithEntity(key)
		}
		st = Stat{Size: int64(len(v)), Mtime: b.mod[key]}
		return nil
	})
	return st, err
}

func (b *MemoryBackend) Close() error { return nil }
