// Package reconciler runs the periodic compaction loop: on a fixed
// interval it calls storage.Facade.Compact, which physically drops
// HNSW's soft-deleted nodes once they are no longer needed for recall.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/vgraph/pkg/log"
	"github.com/rs/zerolog"
)

// Compactor is the subset of storage.Facade the reconciler drives.
type Compactor interface {
	Compact(ctx context.Context) error
	TombstoneCount() int
}

// DefaultInterval is how often the reconciler runs a compaction cycle.
const DefaultInterval = 10 * time.Minute

// Reconciler periodically compacts the store's tombstoned state.
type Reconciler struct {
	target   Compactor
	interval time.Duration
	logger   zerolog.Logger
	mu       sync.RWMutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Reconciler driving target on interval (DefaultInterval if
// zero).
func New(target Compactor, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		target:   target,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the compaction loop in the background.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reconciler and waits for the loop to exit.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("compaction cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile runs one compaction cycle. It skips the call entirely when
// there is nothing tombstoned, since Compact still walks every surviving
// node's neighbor lists even with zero deletions to strip.
func (r *Reconciler) reconcile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.target.TombstoneCount() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()
	return r.target.Compact(ctx)
}
