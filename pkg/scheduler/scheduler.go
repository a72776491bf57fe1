// Package scheduler decides, per cache tier and on a fixed interval,
// whether the UnifiedCache should eagerly preload a tier's working set or
// keep serving it on-demand through cache.Cache.Get's loader path.
//
// The rebuild contract allows either strategy: preloading trades startup
// latency for steady-state hit rate, on-demand loading trades a cold-cache
// penalty on the first query for a faster Init. Small tiers are cheap to
// preload; large ones are not. Each tier is decided once: a tier under
// PreloadByteThreshold is preloaded (retried on later cycles if the preload
// fails), a tier at or over it is left to on-demand loading, and a decided
// tier is not re-evaluated afterwards.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/metrics"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often tier warming decisions are re-evaluated.
const DefaultInterval = 30 * time.Second

// PreloadByteThreshold is the per-tier footprint below which preloading is
// considered cheap enough to always do.
const PreloadByteThreshold int64 = 64 << 20 // 64 MiB

// Warmable is implemented by storage.Facade: it reports per-tier stats and
// can be asked to eagerly prime one tier's entries into the cache.
type Warmable interface {
	CacheTierStats() []metrics.TierStats
	WarmTier(ctx context.Context, tier string) error
}

// Scheduler periodically decides, per tier, whether to preload.
type Scheduler struct {
	target   Warmable
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	warmed map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler driving target's tiers on interval (DefaultInterval
// if zero).
func New(target Warmable, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		target:   target,
		interval: interval,
		logger:   log.WithComponent("scheduler"),
		warmed:   make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the decision loop in the background.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop stops the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.decide(); err != nil {
				s.logger.Error().Err(err).Msg("tier warming cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// decide evaluates every tier's current footprint and preloads any that
// are under PreloadByteThreshold and not yet warmed.
func (s *Scheduler) decide() error {
	stats := s.target.CacheTierStats()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stat := range stats {
		if s.warmed[stat.Tier] {
			continue
		}
		if stat.SizeBytes >= PreloadByteThreshold {
			// Tier has grown past the cheap-to-preload threshold; leave it
			// to on-demand loading from here on.
			s.warmed[stat.Tier] = true
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		err := s.target.WarmTier(ctx, stat.Tier)
		cancel()
		if err != nil {
			s.logger.Warn().Str("tier", stat.Tier).Err(err).Msg("tier preload failed, will retry next cycle")
			continue
		}
		s.warmed[stat.Tier] = true
		s.logger.Info().Str("tier", stat.Tier).Int64("bytes", stat.SizeBytes).Msg("tier preloaded")
	}

	return nil
}
