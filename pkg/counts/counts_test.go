package counts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/vgraph/pkg/backend"
	"github.com/cuemby/vgraph/pkg/cowstore"
	"github.com/cuemby/vgraph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *cowstore.Store {
	t.Helper()
	ctx := context.Background()
	be := backend.NewMemoryBackend()
	s := cowstore.New(ctx, be, cowstore.Options{Writer: "test"})
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

func TestIncrementAndSnapshot(t *testing.T) {
	l := New(newTestStore(t), time.Hour)
	l.IncrementNoun(types.NounKind("person"))
	l.IncrementNoun(types.NounKind("person"))
	l.IncrementVerb(types.VerbKind("owns"))

	snap := l.Snapshot()
	assert.Equal(t, int64(2), snap.TotalNouns)
	assert.Equal(t, int64(1), snap.TotalVerbs)
	assert.Equal(t, int64(2), snap.ByKind["person"])
}

func TestDecrementLowersCounts(t *testing.T) {
	l := New(newTestStore(t), time.Hour)
	l.IncrementNoun(types.NounKind("person"))
	l.DecrementNoun(types.NounKind("person"))

	snap := l.Snapshot()
	assert.Equal(t, int64(0), snap.TotalNouns)
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	l1 := New(store, time.Hour)
	l1.IncrementNoun(types.NounKind("person"))
	l1.IncrementVerb(types.VerbKind("owns"))
	require.NoError(t, l1.Stop(ctx))

	l2 := New(store, time.Hour)
	require.NoError(t, l2.Load(ctx))
	snap := l2.Snapshot()
	assert.Equal(t, int64(1), snap.TotalNouns)
	assert.Equal(t, int64(1), snap.TotalVerbs)
}

func TestRebuildFromScan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Commit(ctx, []cowstore.Change{
		{LogicalPath: "entities/nouns/3f/a", Bytes: []byte(`{"id":"a"}`)},
		{LogicalPath: "entities/nouns/3f/b", Bytes: []byte(`{"id":"b"}`)},
		{LogicalPath: "entities/verbs/3f/e1", Bytes: []byte(`{"id":"e1"}`)},
	})
	require.NoError(t, err)

	l := New(store, time.Hour)
	err = l.Rebuild(ctx,
		func(id string) (types.NounKind, error) { return types.NounKind("person"), nil },
		func(id string) (types.VerbKind, error) { return types.VerbKind("owns"), nil },
	)
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.Equal(t, int64(2), snap.TotalNouns)
	assert.Equal(t, int64(1), snap.TotalVerbs)
	assert.Equal(t, int64(2), snap.ByKind["person"])
	assert.Equal(t, int64(1), snap.ByKind["owns"])
}

func TestRebuildFromScanSkipsVectorSubtreeAndTombstones(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Commit(ctx, []cowstore.Change{
		{LogicalPath: "entities/nouns/3f/a", Bytes: []byte(`{"id":"a"}`)},
		{LogicalPath: "entities/nouns/vectors/3f/a", Bytes: []byte(`...`)},
		{LogicalPath: "entities/nouns/3f/b", Bytes: []byte(`{"id":"b"}`)},
	})
	require.NoError(t, err)

	l := New(store, time.Hour)
	err = l.Rebuild(ctx,
		func(id string) (types.NounKind, error) {
			if id == "b" {
				return "", errors.New("noun is tombstoned")
			}
			return types.NounKind("person"), nil
		},
		func(id string) (types.VerbKind, error) { return types.VerbKind("owns"), nil },
	)
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.Equal(t, int64(1), snap.TotalNouns, "the vector blob must not be double-counted and the tombstoned noun must be excluded")
}
