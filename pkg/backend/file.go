package backend

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/vgraph/pkg/errs"
	bolt "go.etcd.io/bbolt"
)

var indexBucket = []byte("keys")

// FileBackend is the local filesystem Backend variant. Values live as
// regular files under root, keyed by the logical key with "/" mapped to the
// OS separator. A side bbolt database maps key -> relative file path so
// List(prefix) is an O(log n) bbolt cursor seek instead of a full directory
// walk, the same way the teacher's BoltStore gives O(log n) lookups over
// what would otherwise be a linear bucket scan.
type FileBackend struct {
	root string
	idx  *bolt.DB
}

// NewFileBackend opens (creating if absent) a filesystem-backed Backend
// rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.BackendUnavailable, "backend.NewFileBackend", err, "failed to create root directory")
	}

	idx, err := bolt.Open(filepath.Join(dir, "_index.bolt"), 0o600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.BackendUnavailable, "backend.NewFileBackend", err, "failed to open side index")
	}

	err = idx.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		idx.Close()
		return nil, errs.Wrap(errs.BackendUnavailable, "backend.NewFileBackend", err, "failed to initialize side index bucket")
	}

	return &FileBackend{root: dir, idx: idx}, nil
}

func (b *FileBackend) Kind() string { return "file" }

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := observe("file", "get", func() error {
		p := b.path(key)
		raw, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				return errs.New(errs.NotFound, "backend.Get", "key not found: "+key).WithEntity(key)
			}
			return errs.Wrap(errs.BackendUnavailable, "backend.Get", err, "failed to read file")
		}
		data = raw
		return nil
	})
	return data, err
}

func (b *FileBackend) Put(ctx context.Context, key string, value []byte) error {
	return observe("file", "put", func() error {
		p := b.path(key)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return errs.Wrap(errs.BackendUnavailable, "backend.Put", err, "failed to create parent directory")
		}
		if err := os.WriteFile(p, value, 0o644); err != nil {
			return errs.Wrap(errs.BackendUnavailable, "backend.Put", err, "failed to write file")
		}
		return b.idx.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(indexBucket).Put([]byte(key), []byte{1})
		})
	})
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	return observe("file", "delete", func() error {
		p := b.path(key)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.BackendUnavailable, "backend.Delete", err, "failed to remove file")
		}
		return b.idx.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(indexBucket).Delete([]byte(key))
		})
	})
}

func (b *FileBackend) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	var keys []string
	var next string

	err := observe("file", "list", func() error {
		start := prefix
		if cursor != "" {
			start = cursor
		}

		return b.idx.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(indexBucket).Cursor()
			for k, _ := c.Seek([]byte(start)); k != nil; k, _ = c.Next() {
				key := string(k)
				if !strings.HasPrefix(key, prefix) {
					break
				}
				if limit > 0 && len(keys) == limit {
					next = key
					return nil
				}
				keys = append(keys, key)
			}
			return nil
		})
	})

	sort.Strings(keys)
	return keys, next, err
}

func (b *FileBackend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := observe("file", "exists", func() error {
		_, statErr := os.Stat(b.path(key))
		if statErr == nil {
			ok = true
			return nil
		}
		if os.IsNotExist(statErr) {
			ok = false
			return nil
		}
		return errs.Wrap(errs.BackendUnavailable, "backend.Exists", statErr, "failed to stat file")
	})
	return ok, err
}

func (b *FileBackend) Stat(ctx context.Context, key string) (Stat, error) {
	var st Stat
	err := observe("file", "stat", func() error {
		info, statErr := os.Stat(b.path(key))
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return errs.New(errs.NotFound, "backend.Stat", "key not found: "+key).WithEntity(key)
			}
			return errs.Wrap(errs.BackendUnavailable, "backend.Stat", statErr, "failed to stat file")
		}
		st = Stat{Size: info.Size(), Mtime: info.ModTime()}
		return nil
	})
	return st, err
}

func (b *FileBackend) Close() error {
	return b.idx.Close()
}
