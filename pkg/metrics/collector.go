package metrics

import "time"

// TierStats is a snapshot of one cache tier's current footprint, reported by
// cache.UnifiedCache so Collector can keep CacheSizeBytes current without the
// cache needing to know about Prometheus internals.
type TierStats struct {
	Tier      string
	SizeBytes int64
}

// PoolStats is a snapshot of one connection pool's current occupancy.
type PoolStats struct {
	Backend string
	InUse   int
	Idle    int
}

// StatsProvider is implemented by storage.Facade. Collector polls it on a
// fixed interval rather than updating gauges inline on every cache/pool
// operation, matching the teacher's periodic-collection shape.
type StatsProvider interface {
	CacheTierStats() []TierStats
	PoolStats() []PoolStats
	TombstoneCount() int
}

// Collector periodically refreshes the gauge metrics that are cheapest to
// compute as a snapshot rather than updated on every call site.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector polling provider every
// interval (15s if interval is zero).
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, ts := range c.provider.CacheTierStats() {
		CacheSizeBytes.WithLabelValues(ts.Tier).Set(float64(ts.SizeBytes))
	}

	for _, ps := range c.provider.PoolStats() {
		PoolConnectionsInUse.WithLabelValues(ps.Backend).Set(float64(ps.InUse))
		PoolConnectionsIdle.WithLabelValues(ps.Backend).Set(float64(ps.Idle))
	}

	HNSWTombstonesTotal.Set(float64(c.provider.TombstoneCount()))
}
