package backend

import (
	"context"
	"testing"

	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   fb,
	}
}

func TestBackendPutGet(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "blob/abc", []byte("hello")))
			got, err := b.Get(ctx, "blob/abc")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), got)
		})
	}
}

func TestBackendGetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(ctx, "blob/missing")
			require.Error(t, err)
			assert.Equal(t, errs.NotFound, errs.KindOf(err))
		})
	}
}

func TestBackendDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "blob/abc", []byte("x")))
			require.NoError(t, b.Delete(ctx, "blob/abc"))
			require.NoError(t, b.Delete(ctx, "blob/abc"))

			exists, err := b.Exists(ctx, "blob/abc")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestBackendListPrefixLexicographic(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			keys := []string{"entities/nouns/3f/c", "entities/nouns/3f/a", "entities/nouns/3f/b", "entities/verbs/3f/z"}
			for _, k := range keys {
				require.NoError(t, b.Put(ctx, k, []byte("v")))
			}

			got, next, err := b.List(ctx, "entities/nouns/3f/", 0, "")
			require.NoError(t, err)
			assert.Empty(t, next)
			assert.Equal(t, []string{"entities/nouns/3f/a", "entities/nouns/3f/b", "entities/nouns/3f/c"}, got)
		})
	}
}

func TestBackendListPagination(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"p/a", "p/b", "p/c", "p/d"} {
				require.NoError(t, b.Put(ctx, k, []byte("v")))
			}

			first, cursor, err := b.List(ctx, "p/", 2, "")
			require.NoError(t, err)
			require.Len(t, first, 2)
			require.NotEmpty(t, cursor)

			second, cursor2, err := b.List(ctx, "p/", 2, cursor)
			require.NoError(t, err)
			assert.NotEmpty(t, second)
			assert.Empty(t, cursor2)
		})
	}
}

func TestBackendStat(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "blob/abc", []byte("hello")))
			st, err := b.Stat(ctx, "blob/abc")
			require.NoError(t, err)
			assert.EqualValues(t, 5, st.Size)
		})
	}
}
