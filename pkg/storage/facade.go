// Package storage implements the Facade (C10): vgraph's public API,
// wiring COWStore, the HNSW/metadata/graph indexes, UnifiedCache, the
// TransactionManager, and CountsLedger into add/relate/get/find/similar/
// update/delete/neighbors/init/rebuild operations.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/vgraph/pkg/backend"
	"github.com/cuemby/vgraph/pkg/cache"
	"github.com/cuemby/vgraph/pkg/codec"
	"github.com/cuemby/vgraph/pkg/config"
	"github.com/cuemby/vgraph/pkg/counts"
	"github.com/cuemby/vgraph/pkg/cowstore"
	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/graphindex"
	"github.com/cuemby/vgraph/pkg/hnsw"
	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/metaindex"
	"github.com/cuemby/vgraph/pkg/metrics"
	"github.com/cuemby/vgraph/pkg/reconciler"
	"github.com/cuemby/vgraph/pkg/scheduler"
	"github.com/cuemby/vgraph/pkg/shard"
	"github.com/cuemby/vgraph/pkg/txn"
	"github.com/cuemby/vgraph/pkg/types"
	"github.com/google/uuid"
)

const (
	nounsPrefix   = "entities/nouns/"
	vectorsPrefix = "entities/nouns/vectors/"
	verbsPrefix   = "entities/verbs/"
)

// Facade is vgraph's public API, the single entry point embedding
// applications use.
type Facade struct {
	cfg      config.Config
	be       backend.Backend
	store    *cowstore.Store
	hnswIdx  *hnsw.Index
	metaIdx  *metaindex.Index
	graphIdx *graphindex.Index
	cacheC   *cache.Cache
	ledger   *counts.Ledger
	txnMgr   *txn.Manager
	embedder types.Embedder
	clock    types.Clock

	compactor *reconciler.Reconciler
	warmer    *scheduler.Scheduler

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	readyMu sync.RWMutex
	ready   bool
}

// Deps bundles the external collaborators a Facade needs that the spec
// does not define an implementation for.
type Deps struct {
	Embedder types.Embedder
	Clock    types.Clock
	// Backend, when set, is used in place of constructing one from
	// cfg.Backend -- lets an embedding application reuse an already-open
	// backend across Facade instances (e.g. a process restart).
	Backend backend.Backend
}

// New constructs a Facade from configuration and collaborators. Call
// Init before using it.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Facade, error) {
	be := deps.Backend
	if be == nil {
		var err error
		be, err = newBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	clock := deps.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}

	store := cowstore.New(ctx, be, cowstore.Options{
		Clock:            clock,
		FlushWindow:      cfg.WriteBuffer.Window,
		BufferCap:        cfg.WriteBuffer.Cap,
		FlushConcurrency: cfg.WriteBuffer.Concurrency,
	})

	f := &Facade{
		cfg:      cfg,
		be:       be,
		store:    store,
		hnswIdx:  hnsw.New(cfg.HNSWParams(), nil),
		metaIdx:  metaindex.New(),
		graphIdx: graphindex.New(),
		cacheC:   cache.New(cache.Options{BudgetBytes: cfg.Cache.BudgetBytes, FairnessInterval: cfg.Cache.FairnessInterval}),
		embedder: deps.Embedder,
		clock:    clock,
		locks:    make(map[string]*sync.Mutex),
		txnMgr:   txn.NewManager(cfg.TransactionTimeout),
	}
	f.ledger = counts.New(store, cfg.CountsFlushInterval)
	f.compactor = reconciler.New(f, reconciler.DefaultInterval)
	f.warmer = scheduler.New(f, scheduler.DefaultInterval)
	return f, nil
}

// WarmTier eagerly touches every live entity under tier so its cache
// entries are populated ahead of the first query, implementing
// scheduler.Warmable.
func (f *Facade) WarmTier(ctx context.Context, tier string) error {
	switch cache.Tier(tier) {
	case cache.TierOther:
		paths, err := f.store.ListPrefix(ctx, "", nounsPrefix)
		if err != nil {
			return err
		}
		for _, path := range paths {
			if hasVectorPrefix(path) {
				continue
			}
			_, _ = f.readNoun(ctx, lastSegment(path))
		}
	case cache.TierEmbedding:
		paths, err := f.store.ListPrefix(ctx, "", vectorsPrefix)
		if err != nil {
			return err
		}
		for _, path := range paths {
			_, _ = f.readVector(ctx, lastSegment(path))
		}
	}
	return nil
}

func newBackend(ctx context.Context, cfg config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return backend.NewFileBackend(cfg.File.Dir)
	case config.BackendS3:
		return backend.NewS3Backend(ctx, backend.S3Config{Bucket: cfg.S3.Bucket, Prefix: cfg.S3.Prefix, Region: cfg.S3.Region})
	default:
		return backend.NewMemoryBackend(), nil
	}
}

// Init is idempotent: it loads counts, rebuilds every in-memory index from
// a full storage scan, validates counts against the scan, and repairs
// counts on mismatch.
func (f *Facade) Init(ctx context.Context) error {
	f.readyMu.Lock()
	defer f.readyMu.Unlock()
	if f.ready {
		return nil
	}

	if err := f.ledger.Load(ctx); err != nil {
		return err
	}
	f.ledger.Start(ctx)

	if err := f.rebuildIndexes(ctx); err != nil {
		return err
	}

	if err := f.validateCounts(ctx); err != nil {
		log.WithComponent("storage").Warn().Err(err).Msg("counts mismatch detected on init; rebuilding")
		nounKindOf := f.nounKindLookup(ctx)
		verbKindOf := f.verbKindLookup(ctx)
		if err := f.ledger.Rebuild(ctx, nounKindOf, verbKindOf); err != nil {
			return err
		}
	}

	f.compactor.Start()
	f.warmer.Start()

	f.ready = true
	return nil
}

func (f *Facade) nounKindLookup(ctx context.Context) func(id string) (types.NounKind, error) {
	return func(id string) (types.NounKind, error) {
		n, err := f.readNoun(ctx, id)
		if err != nil {
			return "", err
		}
		if n.Deleted {
			return "", errs.New(errs.NotFound, "storage.nounKindLookup", "noun is tombstoned")
		}
		return n.Kind, nil
	}
}

func (f *Facade) verbKindLookup(ctx context.Context) func(id string) (types.VerbKind, error) {
	return func(id string) (types.VerbKind, error) {
		v, err := f.readVerb(ctx, id)
		if err != nil {
			return "", err
		}
		if v.Deleted {
			return "", errs.New(errs.NotFound, "storage.verbKindLookup", "verb is tombstoned")
		}
		return v.Kind, nil
	}
}

// rebuildIndexes clears and repopulates HNSW, the metadata index, and the
// graph index from a full scan, per the shared rebuild contract (§4.8):
// each prefix is read as one path list from a single ListPrefix call and
// sorted, giving ascending shard, then ascending ID within shard.
func (f *Facade) rebuildIndexes(ctx context.Context) error {
	f.hnswIdx.Rebuild()
	f.metaIdx.Rebuild()
	f.graphIdx.Rebuild()

	nounPaths, err := f.store.ListPrefix(ctx, "", nounsPrefix)
	if err != nil {
		return err
	}
	sort.Strings(nounPaths)
	for _, path := range nounPaths {
		if hasVectorPrefix(path) {
			continue
		}
		id := lastSegment(path)
		n, err := f.readNoun(ctx, id)
		if err != nil {
			continue
		}
		if n.Deleted {
			continue
		}
		f.metaIdx.Insert(n.ID, n.Metadata)
		if vec, err := f.readVector(ctx, n.ID); err == nil && len(vec) > 0 {
			_ = f.hnswIdx.Insert(n.ID, vec)
		}
	}

	verbPaths, err := f.store.ListPrefix(ctx, "", verbsPrefix)
	if err != nil {
		return err
	}
	sort.Strings(verbPaths)
	for _, path := range verbPaths {
		id := lastSegment(path)
		v, err := f.readVerb(ctx, id)
		if err != nil || v.Deleted {
			continue
		}
		f.graphIdx.Insert(graphindex.Edge{ID: v.ID, Kind: v.Kind, From: v.FromID, To: v.ToID, Weight: weightOf(v)})
	}

	return nil
}

func hasVectorPrefix(path string) bool {
	return len(path) >= len(vectorsPrefix) && path[:len(vectorsPrefix)] == vectorsPrefix
}

func weightOf(v *types.Verb) float64 {
	if v.Weight != nil {
		return *v.Weight
	}
	return 1
}

// validateCounts checks the ledger's totals against a fresh full scan, per
// invariant §3: "the authoritative entity/relationship count equals the
// cardinality of a full storage scan."
func (f *Facade) validateCounts(ctx context.Context) error {
	nounPaths, err := f.store.ListPrefix(ctx, "", nounsPrefix)
	if err != nil {
		return err
	}
	liveNouns := 0
	for _, path := range nounPaths {
		if hasVectorPrefix(path) {
			continue
		}
		n, err := f.readNoun(ctx, lastSegment(path))
		if err != nil || n.Deleted {
			continue
		}
		liveNouns++
	}

	verbPaths, err := f.store.ListPrefix(ctx, "", verbsPrefix)
	if err != nil {
		return err
	}
	liveVerbs := 0
	for _, path := range verbPaths {
		v, err := f.readVerb(ctx, lastSegment(path))
		if err != nil || v.Deleted {
			continue
		}
		liveVerbs++
	}

	snap := f.ledger.Snapshot()
	if int(snap.TotalNouns) != liveNouns || int(snap.TotalVerbs) != liveVerbs {
		return errs.New(errs.IntegrityError, "storage.validateCounts", "counts ledger disagrees with full scan")
	}
	return nil
}

func (f *Facade) lockFor(id string) *sync.Mutex {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	l, ok := f.locks[id]
	if !ok {
		l = &sync.Mutex{}
		f.locks[id] = l
	}
	return l
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func nounPath(shardPrefix, id string) string  { return fmt.Sprintf("%s%s/%s", nounsPrefix, shardPrefix, id) }
func vectorPath(shardPrefix, id string) string {
	return fmt.Sprintf("%s%s/%s", vectorsPrefix, shardPrefix, id)
}
func verbPath(shardPrefix, id string) string { return fmt.Sprintf("%s%s/%s", verbsPrefix, shardPrefix, id) }

func (f *Facade) readNoun(ctx context.Context, id string) (*types.Noun, error) {
	cacheKey := "noun:" + id
	data, err := f.cacheC.Get(ctx, cache.TierOther, cacheKey, func(ctx context.Context) ([]byte, int64, error) {
		timer := metrics.NewTimer()
		s, err := shard.For(id)
		if err != nil {
			return nil, 0, err
		}
		d, err := f.store.Lookup(ctx, "", nounPath(s, id))
		return d, int64(timer.Duration().Milliseconds()), err
	})
	if err != nil {
		return nil, err
	}
	var n types.Noun
	if err := codec.Unwrap(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (f *Facade) readVector(ctx context.Context, id string) ([]float32, error) {
	cacheKey := "vector:" + id
	data, err := f.cacheC.Get(ctx, cache.TierEmbedding, cacheKey, func(ctx context.Context) ([]byte, int64, error) {
		s, err := shard.For(id)
		if err != nil {
			return nil, 0, err
		}
		d, err := f.store.Lookup(ctx, "", vectorPath(s, id))
		return d, 1, err
	})
	if err != nil {
		return nil, err
	}
	return codec.UnwrapVector(data)
}

func (f *Facade) readVerb(ctx context.Context, id string) (*types.Verb, error) {
	cacheKey := "verb:" + id
	data, err := f.cacheC.Get(ctx, cache.TierOther, cacheKey, func(ctx context.Context) ([]byte, int64, error) {
		s, err := shard.For(id)
		if err != nil {
			return nil, 0, err
		}
		d, err := f.store.Lookup(ctx, "", verbPath(s, id))
		return d, 1, err
	})
	if err != nil {
		return nil, err
	}
	var v types.Verb
	if err := codec.Unwrap(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func newID() string { return uuid.New().String() }

func nowMs(clock types.Clock) int64 { return clock.NowMs() }
