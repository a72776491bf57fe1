package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/vgraph/pkg/cache"
	"github.com/cuemby/vgraph/pkg/codec"
	"github.com/cuemby/vgraph/pkg/cowstore"
	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/graphindex"
	"github.com/cuemby/vgraph/pkg/metaindex"
	"github.com/cuemby/vgraph/pkg/metrics"
	"github.com/cuemby/vgraph/pkg/shard"
	"github.com/cuemby/vgraph/pkg/txn"
	"github.com/cuemby/vgraph/pkg/types"
)

// AddInput describes a new noun to embed and persist.
type AddInput struct {
	Kind     types.NounKind
	Content  string
	Metadata map[string]any
	Service  string
}

// Add embeds content, persists the resulting noun through a transaction
// spanning COWStore, the HNSW index, the metadata index, and the counts
// ledger, rolling every step back on the first failure.
func (f *Facade) Add(ctx context.Context, in AddInput) (*types.Noun, error) {
	if err := f.validateNounKind(in.Kind); err != nil {
		return nil, err
	}
	if f.embedder == nil {
		return nil, errs.New(errs.InvalidArgument, "storage.Add", "no embedder configured")
	}

	vector, err := f.embedder.Embed(in.Content)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "storage.Add", err, "embedding failed")
	}

	id := newID()
	s, err := shard.For(id)
	if err != nil {
		return nil, err
	}

	noun := &types.Noun{
		ID:             id,
		Kind:           in.Kind,
		Vector:         vector,
		Metadata:       in.Metadata,
		CreatedAt:      nowMs(f.clock),
		UpdatedAt:      nowMs(f.clock),
		Service:        in.Service,
		Confidence:     1,
		EmbeddingModel: f.embedder.ModelVersion(),
	}

	ops := []txn.Operation{
		f.opWriteNoun(noun, s),
		f.opInsertHNSW(noun),
		f.opInsertMetaIndex(noun),
		f.opIncrementNounCount(noun.Kind),
	}

	if err := f.txnMgr.Run(ctx, ops...); err != nil {
		return nil, err
	}
	return noun, nil
}

func (f *Facade) opWriteNoun(n *types.Noun, s string) txn.Operation {
	return txn.Func{
		OpName: "storage.writeNoun",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			body, err := codec.Wrap(n)
			if err != nil {
				return nil, err
			}
			changes := []cowstore.Change{
				{LogicalPath: nounPath(s, n.ID), Bytes: body},
				{LogicalPath: vectorPath(s, n.ID), Bytes: codec.WrapVector(n.Vector)},
			}
			if _, err := f.store.Commit(ctx, changes); err != nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				_, err := f.store.Commit(ctx, []cowstore.Change{
					{LogicalPath: nounPath(s, n.ID), Tombstone: true},
					{LogicalPath: vectorPath(s, n.ID), Tombstone: true},
				})
				return err
			}, nil
		},
	}
}

func (f *Facade) opInsertHNSW(n *types.Noun) txn.Operation {
	return txn.Func{
		OpName: "storage.insertHNSW",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			if err := f.hnswIdx.Insert(n.ID, n.Vector); err != nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				f.hnswIdx.Delete(n.ID)
				return nil
			}, nil
		},
	}
}

func (f *Facade) opInsertMetaIndex(n *types.Noun) txn.Operation {
	return txn.Func{
		OpName: "storage.insertMetaIndex",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			f.metaIdx.Insert(n.ID, n.Metadata)
			return func(ctx context.Context) error {
				f.metaIdx.Remove(n.ID)
				return nil
			}, nil
		},
	}
}

func (f *Facade) opIncrementNounCount(kind types.NounKind) txn.Operation {
	return txn.Func{
		OpName: "storage.incrementNounCount",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			f.ledger.IncrementNoun(kind)
			return func(ctx context.Context) error {
				f.ledger.DecrementNoun(kind)
				return nil
			}, nil
		},
	}
}

// RelateInput describes a new edge between two existing nouns.
type RelateInput struct {
	FromID   string
	ToID     string
	Kind     types.VerbKind
	Weight   *float64
	Metadata map[string]any
}

// Relate persists a typed edge and inserts it into the graph index,
// transactionally. The pair (FromID, Kind, ToID) is unique: re-asserting an
// existing relationship updates its weight and metadata in place rather than
// creating a duplicate, and does not change the verb count.
func (f *Facade) Relate(ctx context.Context, in RelateInput) (*types.Verb, error) {
	lock := f.lockFor(in.FromID)
	lock.Lock()
	defer lock.Unlock()

	if err := f.validateVerbKind(in.Kind); err != nil {
		return nil, err
	}
	if _, err := f.readNoun(ctx, in.FromID); err != nil {
		return nil, err
	}
	if _, err := f.readNoun(ctx, in.ToID); err != nil {
		return nil, err
	}

	if existing, ok := f.graphIdx.FindEdge(in.FromID, in.Kind, in.ToID); ok {
		return f.mergeRelate(ctx, existing.ID, in)
	}

	id := newID()
	s, err := shard.For(id)
	if err != nil {
		return nil, err
	}

	v := &types.Verb{
		ID:        id,
		FromID:    in.FromID,
		ToID:      in.ToID,
		Kind:      in.Kind,
		Weight:    in.Weight,
		Metadata:  in.Metadata,
		CreatedAt: nowMs(f.clock),
		UpdatedAt: nowMs(f.clock),
	}

	ops := []txn.Operation{
		f.opWriteVerb(v, s),
		f.opInsertGraph(v),
		f.opIncrementVerbCount(v.Kind),
	}

	if err := f.txnMgr.Run(ctx, ops...); err != nil {
		return nil, err
	}
	return v, nil
}

// mergeRelate re-asserts an already-existing (from, kind, to) relationship:
// it updates weight and metadata in place and returns the existing verb's
// ID, without touching the verb count.
func (f *Facade) mergeRelate(ctx context.Context, id string, in RelateInput) (*types.Verb, error) {
	v, err := f.readVerb(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := shard.For(id)
	if err != nil {
		return nil, err
	}

	oldWeight := weightOf(v)
	if in.Weight != nil {
		v.Weight = in.Weight
	}
	if in.Metadata != nil {
		v.Metadata = in.Metadata
	}
	v.UpdatedAt = nowMs(f.clock)

	ops := []txn.Operation{
		f.opWriteVerb(v, s),
		f.opUpdateGraphWeight(v, oldWeight),
	}

	if err := f.txnMgr.Run(ctx, ops...); err != nil {
		return nil, err
	}
	return v, nil
}

func (f *Facade) opUpdateGraphWeight(v *types.Verb, oldWeight float64) txn.Operation {
	return txn.Func{
		OpName: "storage.updateGraphWeight",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			f.graphIdx.UpdateWeight(v.ID, weightOf(v))
			return func(ctx context.Context) error {
				f.graphIdx.UpdateWeight(v.ID, oldWeight)
				return nil
			}, nil
		},
	}
}

func (f *Facade) opWriteVerb(v *types.Verb, s string) txn.Operation {
	return txn.Func{
		OpName: "storage.writeVerb",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			body, err := codec.Wrap(v)
			if err != nil {
				return nil, err
			}
			if _, err := f.store.Commit(ctx, []cowstore.Change{{LogicalPath: verbPath(s, v.ID), Bytes: body}}); err != nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				_, err := f.store.Commit(ctx, []cowstore.Change{{LogicalPath: verbPath(s, v.ID), Tombstone: true}})
				return err
			}, nil
		},
	}
}

func (f *Facade) opInsertGraph(v *types.Verb) txn.Operation {
	return txn.Func{
		OpName: "storage.insertGraph",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			edge := graphindex.Edge{ID: v.ID, Kind: v.Kind, From: v.FromID, To: v.ToID, Weight: weightOf(v)}
			f.graphIdx.Insert(edge)
			return func(ctx context.Context) error {
				f.graphIdx.Remove(v.ID)
				return nil
			}, nil
		},
	}
}

func (f *Facade) opIncrementVerbCount(kind types.VerbKind) txn.Operation {
	return txn.Func{
		OpName: "storage.incrementVerbCount",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			f.ledger.IncrementVerb(kind)
			return func(ctx context.Context) error {
				f.ledger.DecrementVerb(kind)
				return nil
			}, nil
		},
	}
}

// Get returns a noun by ID, through the cache.
func (f *Facade) Get(ctx context.Context, id string) (*types.Noun, error) {
	n, err := f.readNoun(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Deleted {
		return nil, errs.New(errs.NotFound, "storage.Get", "noun is deleted").WithEntity(id)
	}
	vec, err := f.readVector(ctx, id)
	if err == nil {
		n.Vector = vec
	}
	return n, nil
}

// Find returns nouns matching predicate.
func (f *Facade) Find(ctx context.Context, predicate metaindex.Predicate) ([]*types.Noun, error) {
	ids, err := f.metaIdx.Query(predicate)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Noun, 0, len(ids))
	for _, id := range ids {
		n, err := f.readNoun(ctx, id)
		if err != nil {
			continue
		}
		if n.Deleted {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Result is one scored hit from Similar.
type Result struct {
	ID       string
	Distance float64
	Score    float64
}

// Similar returns the k nearest nouns to vector by the configured HNSW
// metric, optionally filtered to those matching where.
func (f *Facade) Similar(ctx context.Context, vector []float32, k int, where *metaindex.Predicate) ([]Result, error) {
	search := k
	if where != nil {
		search = k * 4
		if search < k {
			search = k
		}
	}

	hits, err := f.hnswIdx.Search(vector, search, 0)
	if err != nil {
		return nil, err
	}

	var allow map[string]struct{}
	if where != nil {
		ids, err := f.metaIdx.Query(*where)
		if err != nil {
			return nil, err
		}
		allow = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			allow[id] = struct{}{}
		}
	}

	out := make([]Result, 0, k)
	for _, h := range hits {
		if allow != nil {
			if _, ok := allow[h.ID]; !ok {
				continue
			}
		}
		out = append(out, Result{ID: h.ID, Distance: h.Distance, Score: h.Score})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// SimilarToID looks up id's stored vector and searches for its neighbors,
// excluding id itself.
func (f *Facade) SimilarToID(ctx context.Context, id string, k int, where *metaindex.Predicate) ([]Result, error) {
	vec, err := f.readVector(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := f.Similar(ctx, vec, k+1, where)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, k)
	for _, r := range res {
		if r.ID == id {
			continue
		}
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// UpdateInput describes a partial update to an existing noun.
type UpdateInput struct {
	Metadata    map[string]any
	NewContent  *string
	ReEmbed     *bool
}

// Update applies field changes to a noun. When NewContent is set, the
// vector is automatically re-embedded unless ReEmbed is explicitly false
// (Open Question (b): default to automatic re-embedding, caller-overridable).
func (f *Facade) Update(ctx context.Context, id string, in UpdateInput) (*types.Noun, error) {
	lock := f.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	n, err := f.readNoun(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Deleted {
		return nil, errs.New(errs.NotFound, "storage.Update", "noun is deleted").WithEntity(id)
	}
	if vec, err := f.readVector(ctx, id); err == nil {
		n.Vector = vec
	}

	s, err := shard.For(id)
	if err != nil {
		return nil, err
	}

	reEmbed := in.NewContent != nil
	if in.ReEmbed != nil {
		reEmbed = *in.ReEmbed && in.NewContent != nil
	}

	oldVector := n.Vector
	oldMetadata := n.Metadata

	if in.Metadata != nil {
		n.Metadata = in.Metadata
	}
	if reEmbed {
		if f.embedder == nil {
			return nil, errs.New(errs.InvalidArgument, "storage.Update", "no embedder configured")
		}
		vec, err := f.embedder.Embed(*in.NewContent)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, "storage.Update", err, "re-embedding failed")
		}
		n.Vector = vec
		n.EmbeddingModel = f.embedder.ModelVersion()
	}
	n.UpdatedAt = nowMs(f.clock)

	ops := []txn.Operation{
		f.opWriteNoun(n, s),
		f.opReplaceMetaIndex(n, oldMetadata),
	}
	if reEmbed {
		ops = append(ops, f.opReplaceHNSW(n, oldVector))
	}

	if err := f.txnMgr.Run(ctx, ops...); err != nil {
		return nil, err
	}
	f.cacheC.Invalidate(cache.TierOther, "noun:"+id)
	f.cacheC.Invalidate(cache.TierEmbedding, "vector:"+id)
	return n, nil
}

func (f *Facade) opReplaceMetaIndex(n *types.Noun, oldMetadata map[string]any) txn.Operation {
	return txn.Func{
		OpName: "storage.replaceMetaIndex",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			f.metaIdx.Remove(n.ID)
			f.metaIdx.Insert(n.ID, n.Metadata)
			return func(ctx context.Context) error {
				f.metaIdx.Remove(n.ID)
				f.metaIdx.Insert(n.ID, oldMetadata)
				return nil
			}, nil
		},
	}
}

func (f *Facade) opReplaceHNSW(n *types.Noun, oldVector []float32) txn.Operation {
	return txn.Func{
		OpName: "storage.replaceHNSW",
		Run: func(ctx context.Context) (txn.Rollback, error) {
			f.hnswIdx.Delete(n.ID)
			if err := f.hnswIdx.Insert(n.ID, n.Vector); err != nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				f.hnswIdx.Delete(n.ID)
				return f.hnswIdx.Insert(n.ID, oldVector)
			}, nil
		},
	}
}

// Delete soft-deletes a noun: it is removed from the metadata index and
// tombstoned in HNSW, but its COWStore payload is retained until the next
// Compact (Open Question (a)). Edges touching the noun are not removed from
// the graph index and their verbs are not marked deleted.
func (f *Facade) Delete(ctx context.Context, id string) error {
	lock := f.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	n, err := f.readNoun(ctx, id)
	if err != nil {
		return err
	}
	if n.Deleted {
		return nil
	}

	s, err := shard.For(id)
	if err != nil {
		return err
	}
	n.Deleted = true
	n.UpdatedAt = nowMs(f.clock)

	body, err := codec.Wrap(n)
	if err != nil {
		return err
	}
	if _, err := f.store.Commit(ctx, []cowstore.Change{{LogicalPath: nounPath(s, id), Bytes: body}}); err != nil {
		return err
	}

	f.metaIdx.Remove(id)
	f.hnswIdx.Delete(id)
	f.ledger.DecrementNoun(n.Kind)
	f.cacheC.Invalidate(cache.TierOther, "noun:"+id)
	f.cacheC.Invalidate(cache.TierEmbedding, "vector:"+id)
	return nil
}

// Neighbors returns verbs directly adjacent to id in direction dir,
// optionally restricted to kind, up to limit results (0 means no limit).
// A depth above 1 only runs a graph traversal that must succeed; edges
// beyond the first hop are not returned.
func (f *Facade) Neighbors(ctx context.Context, id string, kind types.VerbKind, dir types.Direction, depth, limit int) ([]*types.Verb, error) {
	edges := f.graphIdx.Neighbors(id, kind, dir)
	if depth > 1 {
		ids, err := f.graphIdx.Traverse(id, kind, dir, depth)
		if err != nil {
			return nil, err
		}
		_ = ids // traversal validates reachability; edges already carry detail for depth 1
	}

	out := make([]*types.Verb, 0, len(edges))
	for _, e := range edges {
		v, err := f.readVerb(ctx, e.ID)
		if err != nil || v.Deleted {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// FindDuplicates returns nouns within threshold similarity score of id,
// a thin wrapper over Similar.
func (f *Facade) FindDuplicates(ctx context.Context, id string, threshold float64, limit int) ([]*types.Noun, error) {
	res, err := f.SimilarToID(ctx, id, limit, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Noun, 0, len(res))
	for _, r := range res {
		if r.Score < threshold {
			continue
		}
		n, err := f.readNoun(ctx, r.ID)
		if err != nil || n.Deleted {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Cluster groups nouns connected by kind-typed edges into connected
// components via union-find.
func (f *Facade) Cluster(ctx context.Context, kind types.VerbKind) ([][]string, error) {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		p, ok := parent[x]
		if !ok {
			parent[x] = x
			return x
		}
		if p != x {
			parent[x] = find(p)
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	nounPaths, err := f.store.ListPrefix(ctx, "", nounsPrefix)
	if err != nil {
		return nil, err
	}
	for _, path := range nounPaths {
		if hasVectorPrefix(path) {
			continue
		}
		id := lastSegment(path)
		find(id)
	}

	verbPaths, err := f.store.ListPrefix(ctx, "", verbsPrefix)
	if err != nil {
		return nil, err
	}
	for _, path := range verbPaths {
		id := lastSegment(path)
		v, err := f.readVerb(ctx, id)
		if err != nil || v.Deleted || v.Kind != kind {
			continue
		}
		union(v.FromID, v.ToID)
	}

	groups := make(map[string][]string)
	for id := range parent {
		root := find(id)
		groups[root] = append(groups[root], id)
	}

	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		sort.Strings(g)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

// Compact runs HNSW compaction, physically removing tombstoned nodes.
// Explicit entry point per Open Question (a): tombstones are retained at
// least until the caller invokes Compact.
func (f *Facade) Compact(ctx context.Context) error {
	f.hnswIdx.Compact()
	return nil
}

// Close stops background loops and flushes pending writes.
func (f *Facade) Close(ctx context.Context) error {
	f.readyMu.RLock()
	ready := f.ready
	f.readyMu.RUnlock()
	if ready {
		f.compactor.Stop()
		f.warmer.Stop()
	}
	if err := f.ledger.Stop(ctx); err != nil {
		return err
	}
	f.cacheC.Close()
	return f.store.Close(ctx)
}

// CacheTierStats implements metrics.StatsProvider.
func (f *Facade) CacheTierStats() []metrics.TierStats { return f.cacheC.TierStats() }

// PoolStats implements metrics.StatsProvider. This Facade does not hold a
// generic pool.Pool directly -- S3Backend's SDK client already pools HTTP
// connections internally -- so there is nothing to report.
func (f *Facade) PoolStats() []metrics.PoolStats { return nil }

// TombstoneCount implements metrics.StatsProvider.
func (f *Facade) TombstoneCount() int { return f.hnswIdx.Tombstones() }

func (f *Facade) validateNounKind(kind types.NounKind) error {
	for _, k := range types.AllNounKinds {
		if k == kind {
			return nil
		}
	}
	return f.suggestInvalidKind("storage.validateNounKind", string(kind), stringsOfNounKinds())
}

func (f *Facade) validateVerbKind(kind types.VerbKind) error {
	for _, k := range types.AllVerbKinds {
		if k == kind {
			return nil
		}
	}
	return f.suggestInvalidKind("storage.validateVerbKind", string(kind), stringsOfVerbKinds())
}

func (f *Facade) suggestInvalidKind(op, value string, candidates []string) error {
	msg := fmt.Sprintf("%q is not a recognized kind", value)
	if suggestion, ok := nearestMatch(value, candidates, 3); ok {
		msg = fmt.Sprintf("%s; did you mean %q?", msg, suggestion)
	}
	return errs.New(errs.InvalidArgument, op, msg)
}

func stringsOfNounKinds() []string {
	out := make([]string, len(types.AllNounKinds))
	for i, k := range types.AllNounKinds {
		out[i] = string(k)
	}
	return out
}

func stringsOfVerbKinds() []string {
	out := make([]string, len(types.AllVerbKinds))
	for i, k := range types.AllVerbKinds {
		out[i] = string(k)
	}
	return out
}
