// Package counts is the CountsLedger (C11): in-memory totals for nouns and
// verbs, persisted through cowstore and rebuildable from a full scan.
package counts

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/vgraph/pkg/cowstore"
	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/types"
)

const countsLogicalPath = "counts"

// vectorsLogicalPrefix mirrors storage's vectorsPrefix: nouns' vector blobs
// live under a subtree of the noun prefix and must not be double-counted as
// separate nouns during a rebuild scan.
const vectorsLogicalPrefix = "entities/nouns/vectors/"

// DefaultFlushInterval is how often a dirty ledger is persisted.
const DefaultFlushInterval = 200 * time.Millisecond

// Snapshot is the ledger's persisted shape.
type Snapshot struct {
	TotalNouns int64            `json:"totalNouns"`
	TotalVerbs int64            `json:"totalVerbs"`
	ByKind     map[string]int64 `json:"byKind"`
}

// Ledger maintains running totals in memory and periodically flushes them.
type Ledger struct {
	mu sync.Mutex

	snapshot Snapshot
	dirty    bool

	store *cowstore.Store

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Ledger backed by store. Call Load once at startup to
// read any persisted snapshot, then Start to begin the periodic flusher.
func New(store *cowstore.Store, interval time.Duration) *Ledger {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Ledger{
		snapshot: Snapshot{ByKind: make(map[string]int64)},
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Load reads the persisted counts snapshot, if any.
func (l *Ledger) Load(ctx context.Context) error {
	data, err := l.store.Lookup(ctx, "", countsLogicalPath)
	if err != nil {
		return nil // no persisted counts yet; starts at zero
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.ByKind == nil {
		snap.ByKind = make(map[string]int64)
	}
	l.mu.Lock()
	l.snapshot = snap
	l.mu.Unlock()
	return nil
}

// Start begins the periodic idempotent flush loop.
func (l *Ledger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.flush(ctx); err != nil {
					log.WithComponent("counts").Warn().Err(err).Msg("periodic counts flush failed")
				}
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop joins the flush loop and performs a final synchronous flush.
func (l *Ledger) Stop(ctx context.Context) error {
	close(l.stopCh)
	l.wg.Wait()
	return l.flush(ctx)
}

// IncrementNoun records the addition of a noun of the given kind.
func (l *Ledger) IncrementNoun(kind types.NounKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot.TotalNouns++
	l.snapshot.ByKind[string(kind)]++
	l.dirty = true
}

// DecrementNoun records the removal of a noun of the given kind.
func (l *Ledger) DecrementNoun(kind types.NounKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot.TotalNouns--
	l.snapshot.ByKind[string(kind)]--
	l.dirty = true
}

// IncrementVerb records the addition of a verb of the given kind.
func (l *Ledger) IncrementVerb(kind types.VerbKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot.TotalVerbs++
	l.snapshot.ByKind[string(kind)]++
	l.dirty = true
}

// DecrementVerb records the removal of a verb of the given kind.
func (l *Ledger) DecrementVerb(kind types.VerbKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot.TotalVerbs--
	l.snapshot.ByKind[string(kind)]--
	l.dirty = true
}

// Snapshot returns a copy of the current counts.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	byKind := make(map[string]int64, len(l.snapshot.ByKind))
	for k, v := range l.snapshot.ByKind {
		byKind[k] = v
	}
	return Snapshot{TotalNouns: l.snapshot.TotalNouns, TotalVerbs: l.snapshot.TotalVerbs, ByKind: byKind}
}

// flush persists the snapshot through cowstore if dirty, idempotently.
func (l *Ledger) flush(ctx context.Context) error {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	snap := Snapshot{TotalNouns: l.snapshot.TotalNouns, TotalVerbs: l.snapshot.TotalVerbs, ByKind: make(map[string]int64, len(l.snapshot.ByKind))}
	for k, v := range l.snapshot.ByKind {
		snap.ByKind[k] = v
	}
	l.dirty = false
	l.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = l.store.Commit(ctx, []cowstore.Change{{LogicalPath: countsLogicalPath, Bytes: data}})
	return err
}

// Rebuild replaces all counters with a full scan over every noun and verb
// shard. Each prefix is read as one sorted path list from a single
// ListPrefix call; no cursor is involved.
func (l *Ledger) Rebuild(ctx context.Context, nounKindOf func(id string) (types.NounKind, error), verbKindOf func(id string) (types.VerbKind, error)) error {
	fresh := Snapshot{ByKind: make(map[string]int64)}

	nounPaths, err := l.scanAllShards(ctx, "entities/nouns/")
	if err != nil {
		return err
	}
	for _, path := range nounPaths {
		if hasVectorPrefix(path) {
			continue
		}
		id := lastSegment(path)
		kind, err := nounKindOf(id)
		if err != nil {
			continue
		}
		fresh.TotalNouns++
		fresh.ByKind[string(kind)]++
	}

	verbPaths, err := l.scanAllShards(ctx, "entities/verbs/")
	if err != nil {
		return err
	}
	for _, path := range verbPaths {
		id := lastSegment(path)
		kind, err := verbKindOf(id)
		if err != nil {
			continue
		}
		fresh.TotalVerbs++
		fresh.ByKind[string(kind)]++
	}

	l.mu.Lock()
	l.snapshot = fresh
	l.dirty = true
	l.mu.Unlock()

	return l.flush(ctx)
}

func (l *Ledger) scanAllShards(ctx context.Context, prefix string) ([]string, error) {
	all, err := l.store.ListPrefix(ctx, "", prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(all)
	return all, nil
}

func hasVectorPrefix(path string) bool {
	return len(path) >= len(vectorsLogicalPrefix) && path[:len(vectorsLogicalPrefix)] == vectorsLogicalPrefix
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
