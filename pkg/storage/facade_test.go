package storage

import (
	"context"
	"math"
	"strconv"
	"testing"

	"github.com/cuemby/vgraph/pkg/backend"
	"github.com/cuemby/vgraph/pkg/config"
	"github.com/cuemby/vgraph/pkg/cowstore"
	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/metaindex"
	"github.com/cuemby/vgraph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder deterministically derives a unit vector from the sum of the
// input text's code points, good enough for index exercising without a real model.
type hashEmbedder struct {
	dim int
}

func (e hashEmbedder) Dimensions() int     { return e.dim }
func (e hashEmbedder) ModelVersion() string { return "test-hash-v1" }

func (e hashEmbedder) Embed(text string) ([]float32, error) {
	v := make([]float32, e.dim)
	seed := 1.0
	for _, c := range text {
		seed += float64(c)
	}
	var norm float64
	for i := range v {
		x := math.Sin(seed + float64(i))
		v[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

func (e hashEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// emptyVectorEmbedder returns a zero-length vector, which hnsw.Index.Insert
// rejects -- used to force a failure at the HNSW stage of Add after the
// COWStore write has already committed, to exercise rollback.
type emptyVectorEmbedder struct{}

func (emptyVectorEmbedder) Dimensions() int      { return 0 }
func (emptyVectorEmbedder) ModelVersion() string { return "empty-v1" }
func (emptyVectorEmbedder) Embed(string) ([]float32, error) {
	return []float32{}, nil
}
func (emptyVectorEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	cfg := config.Default()
	cfg.Dimension = 8
	f, err := New(context.Background(), cfg, Deps{Embedder: hashEmbedder{dim: cfg.Dimension}})
	require.NoError(t, err)
	require.NoError(t, f.Init(context.Background()))
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

func TestAddAndGetRoundTrip(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	n, err := f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "Alice Smith", Metadata: map[string]any{"age": 30}})
	require.NoError(t, err)
	require.NotEmpty(t, n.ID)

	got, err := f.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NounPerson, got.Kind)
	assert.Len(t, got.Vector, 8)
}

func TestAddRejectsUnknownKindWithSuggestion(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Add(context.Background(), AddInput{Kind: types.NounKind("Persn"), Content: "x"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	assert.Contains(t, err.Error(), "Person")
}

func TestFindByMetadataPredicate(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	_, err := f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "a", Metadata: map[string]any{"team": "eng"}})
	require.NoError(t, err)
	_, err = f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "b", Metadata: map[string]any{"team": "sales"}})
	require.NoError(t, err)

	got, err := f.Find(ctx, metaindex.Predicate{Field: "team", Op: metaindex.OpEquals, Value: "eng"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSimilarFindsNearestNeighbor(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	a, err := f.Add(ctx, AddInput{Kind: types.NounConcept, Content: "machine learning"})
	require.NoError(t, err)
	_, err = f.Add(ctx, AddInput{Kind: types.NounConcept, Content: "gardening tips"})
	require.NoError(t, err)

	res, err := f.SimilarToID(ctx, a.ID, 1, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.NotEqual(t, a.ID, res[0].ID)
}

func TestRelateAndNeighbors(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	a, err := f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "alice"})
	require.NoError(t, err)
	b, err := f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "bob"})
	require.NoError(t, err)

	_, err = f.Relate(ctx, RelateInput{FromID: a.ID, ToID: b.ID, Kind: types.VerbKnows})
	require.NoError(t, err)

	neighbors, err := f.Neighbors(ctx, a.ID, types.VerbKnows, types.DirectionOut, 1, 0)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, b.ID, neighbors[0].ToID)
}

func TestRelateReassertingMergesInsteadOfDuplicating(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	a, err := f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "alice"})
	require.NoError(t, err)
	b, err := f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "bob"})
	require.NoError(t, err)

	first, err := f.Relate(ctx, RelateInput{FromID: a.ID, ToID: b.ID, Kind: types.VerbKnows})
	require.NoError(t, err)
	countAfterFirst := f.ledger.Snapshot().TotalVerbs

	newWeight := 0.75
	second, err := f.Relate(ctx, RelateInput{FromID: a.ID, ToID: b.ID, Kind: types.VerbKnows, Weight: &newWeight})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-asserting the same relationship must return the same ID")
	assert.Equal(t, countAfterFirst, f.ledger.Snapshot().TotalVerbs, "re-asserting must not change the verb count")
	require.NotNil(t, second.Weight)
	assert.Equal(t, newWeight, *second.Weight)

	neighbors, err := f.Neighbors(ctx, a.ID, types.VerbKnows, types.DirectionOut, 1, 0)
	require.NoError(t, err)
	require.Len(t, neighbors, 1, "must not create a duplicate edge")
}

func TestRelateRejectsUnknownEndpoint(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	a, err := f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "alice"})
	require.NoError(t, err)

	_, err = f.Relate(ctx, RelateInput{FromID: a.ID, ToID: "does-not-exist", Kind: types.VerbKnows})
	assert.Error(t, err)
}

func TestDeleteIsSoftAndExcludesFromFind(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	n, err := f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "alice", Metadata: map[string]any{"team": "eng"}})
	require.NoError(t, err)

	require.NoError(t, f.Delete(ctx, n.ID))

	_, err = f.Get(ctx, n.ID)
	assert.Error(t, err)

	got, err := f.Find(ctx, metaindex.Predicate{Field: "team", Op: metaindex.OpEquals, Value: "eng"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpdateReEmbedsByDefaultOnNewContent(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	n, err := f.Add(ctx, AddInput{Kind: types.NounDocument, Content: "original text"})
	require.NoError(t, err)
	before := append([]float32(nil), n.Vector...)

	newContent := "entirely different content"
	updated, err := f.Update(ctx, n.ID, UpdateInput{NewContent: &newContent})
	require.NoError(t, err)
	assert.NotEqual(t, before, updated.Vector)
}

func TestUpdateSkipsReEmbedWhenDisabled(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	n, err := f.Add(ctx, AddInput{Kind: types.NounDocument, Content: "original text"})
	require.NoError(t, err)
	before := append([]float32(nil), n.Vector...)

	newContent := "entirely different content"
	no := false
	updated, err := f.Update(ctx, n.ID, UpdateInput{NewContent: &newContent, ReEmbed: &no})
	require.NoError(t, err)
	assert.Equal(t, before, updated.Vector)
}

// TestAddIsAtomicOnHNSWFailure simulates the HNSW stage failing after the
// COWStore write has already committed: the rollback must remove the
// noun payload and leave no trace in any index (scenario S4).
func TestAddIsAtomicOnHNSWFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Dimension = 8
	f, err := New(context.Background(), cfg, Deps{Embedder: emptyVectorEmbedder{}})
	require.NoError(t, err)
	require.NoError(t, f.Init(context.Background()))
	t.Cleanup(func() { _ = f.Close(context.Background()) })

	ctx := context.Background()
	_, err = f.Add(ctx, AddInput{Kind: types.NounPerson, Content: "alice", Metadata: map[string]any{"team": "eng"}})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.TransactionExecutionError))

	paths, err := f.store.ListPrefix(ctx, "", nounsPrefix)
	require.NoError(t, err)
	assert.Empty(t, paths, "rolled-back noun write must not survive in the store")

	assert.Equal(t, 0, f.hnswIdx.Len())
	found, err := f.Find(ctx, metaindex.Predicate{Field: "team", Op: metaindex.OpEquals, Value: "eng"})
	require.NoError(t, err)
	assert.Empty(t, found, "rolled-back metadata index entry must not be queryable")

	snap := f.ledger.Snapshot()
	assert.Equal(t, int64(0), snap.TotalNouns, "rolled-back count increment must not survive")
}

// TestInitRebuildsIndexesAfterRestart recreates a Facade over the same
// backend and verifies every index is rebuilt from a full scan rather than
// carried over in memory (scenario S5).
func TestInitRebuildsIndexesAfterRestart(t *testing.T) {
	be := newSharedMemoryBackendForRestart(t)
	ctx := context.Background()
	embedder := hashEmbedder{dim: 8}

	cfg := config.Default()
	cfg.Dimension = 8

	f1 := mustFacadeOverBackend(t, cfg, be, embedder)
	n, err := f1.Add(ctx, AddInput{Kind: types.NounPerson, Content: "alice", Metadata: map[string]any{"team": "eng"}})
	require.NoError(t, err)
	require.NoError(t, f1.Close(ctx))

	f2 := mustFacadeOverBackend(t, cfg, be, embedder)
	t.Cleanup(func() { _ = f2.Close(ctx) })

	got, err := f2.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)

	res, err := f2.SimilarToID(ctx, n.ID, 1, nil)
	require.NoError(t, err)
	assert.Len(t, res, 0) // only one live noun, no other neighbor to find

	found, err := f2.Find(ctx, metaindex.Predicate{Field: "team", Op: metaindex.OpEquals, Value: "eng"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, n.ID, found[0].ID)
}

// TestFindRangePredicate covers a greaterEqual/less combinator predicate
// over a numeric metadata field (scenario S2).
func TestFindRangePredicate(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	dates := []int64{1707955200000, 1710892800000, 1714521600000} // 2024-02-15, 2024-03-20, 2024-05-01
	for i, d := range dates {
		_, err := f.Add(ctx, AddInput{
			Kind:     types.NounEvent,
			Content:  "event",
			Metadata: map[string]any{"date": d, "seq": i},
		})
		require.NoError(t, err)
	}

	got, err := f.Find(ctx, metaindex.Predicate{
		Combinator: metaindex.AllOf,
		Predicates: []metaindex.Predicate{
			{Field: "date", Op: metaindex.OpGreaterEq, Value: int64(1709251200000)}, // 2024-03-01
			{Field: "date", Op: metaindex.OpLess, Value: int64(1711929600000)},      // 2024-04-01
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1710892800000, int(got[0].Metadata["date"].(float64)))
}

// TestSimilarRanksQueryVectorFirst inserts a large population of unit
// vectors including the exact query vector and checks it comes back first
// with a near-perfect score (scenario S3).
func TestSimilarRanksQueryVectorFirst(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	var queryID string
	for i := 0; i < 200; i++ {
		n, err := f.Add(ctx, AddInput{Kind: types.NounConcept, Content: randomish(i)})
		require.NoError(t, err)
		if i == 100 {
			queryID = n.ID
		}
	}

	q, err := f.readVector(ctx, queryID)
	require.NoError(t, err)

	res, err := f.Similar(ctx, q, 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, queryID, res[0].ID)
	assert.GreaterOrEqual(t, res[0].Score, 0.999)
}

func randomish(i int) string {
	words := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}
	return words[i%len(words)] + " " + words[(i*7+3)%len(words)] + " " + words[(i*13+1)%len(words)] + " " + strconv.Itoa(i)
}

// TestInitRepairsCorruptedCounts simulates an on-disk counts blob that no
// longer matches reality and checks that Init detects and repairs it via a
// full-scan rebuild (scenario S6).
func TestInitRepairsCorruptedCounts(t *testing.T) {
	be := newSharedMemoryBackendForRestart(t)
	ctx := context.Background()
	embedder := hashEmbedder{dim: 8}
	cfg := config.Default()
	cfg.Dimension = 8

	f1 := mustFacadeOverBackend(t, cfg, be, embedder)
	_, err := f1.Add(ctx, AddInput{Kind: types.NounPerson, Content: "alice"})
	require.NoError(t, err)
	_, err = f1.Add(ctx, AddInput{Kind: types.NounPerson, Content: "bob"})
	require.NoError(t, err)
	require.NoError(t, f1.Close(ctx))

	_, err = f1.store.Commit(ctx, []cowstore.Change{{LogicalPath: "counts", Bytes: []byte(`{"totalNouns":0}`)}})
	require.NoError(t, err)

	f2 := mustFacadeOverBackend(t, cfg, be, embedder)
	t.Cleanup(func() { _ = f2.Close(ctx) })

	snap := f2.ledger.Snapshot()
	assert.Equal(t, int64(2), snap.TotalNouns, "counts must be repaired to match the true scan count")
}

// TestInitAfterDeleteDoesNotSpuriouslyRebuild checks that a soft-deleted
// noun is excluded from both the ledger (via Delete's DecrementNoun) and
// validateCounts' full scan, so a restart's scan-vs-ledger comparison agrees
// and Init does not take the repair path.
func TestInitAfterDeleteDoesNotSpuriouslyRebuild(t *testing.T) {
	be := newSharedMemoryBackendForRestart(t)
	ctx := context.Background()
	embedder := hashEmbedder{dim: 8}
	cfg := config.Default()
	cfg.Dimension = 8

	f1 := mustFacadeOverBackend(t, cfg, be, embedder)
	a, err := f1.Add(ctx, AddInput{Kind: types.NounPerson, Content: "alice"})
	require.NoError(t, err)
	_, err = f1.Add(ctx, AddInput{Kind: types.NounPerson, Content: "bob"})
	require.NoError(t, err)
	require.NoError(t, f1.Delete(ctx, a.ID))
	require.NoError(t, f1.Close(ctx))

	f2 := mustFacadeOverBackend(t, cfg, be, embedder)
	t.Cleanup(func() { _ = f2.Close(ctx) })

	snap := f2.ledger.Snapshot()
	assert.Equal(t, int64(1), snap.TotalNouns, "deleted noun must not be counted as live after restart")
}

func newSharedMemoryBackendForRestart(t *testing.T) backend.Backend {
	t.Helper()
	return backend.NewMemoryBackend()
}

func mustFacadeOverBackend(t *testing.T, cfg config.Config, be backend.Backend, embedder types.Embedder) *Facade {
	t.Helper()
	f, err := New(context.Background(), cfg, Deps{Embedder: embedder, Backend: be})
	require.NoError(t, err)
	require.NoError(t, f.Init(context.Background()))
	return f
}
