// Package cache implements UnifiedCache (C8): a single cost-aware,
// fairness-monitored cache serving the hnsw, metadata, embedding, and
// other tiers under one shared byte budget.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/metrics"
)

// Tier is one of the four fixed cache partitions.
type Tier string

const (
	TierHNSW      Tier = "hnsw"
	TierMetadata  Tier = "metadata"
	TierEmbedding Tier = "embedding"
	TierOther     Tier = "other"
)

// DefaultBudgetBytes is the total byte budget shared across all tiers.
const DefaultBudgetBytes int64 = 2 << 30 // 2 GiB

// DefaultFairnessInterval is how often the fairness monitor re-checks tier
// balance.
const DefaultFairnessInterval = 60 * time.Second

type entry struct {
	key         string
	tier        Tier
	value       []byte
	size        int64
	lastAccess  time.Time
	accessCount int64
	rebuildCost int64 // ms, estimated cost to recompute this entry
}

func (e *entry) score() float64 {
	cost := e.rebuildCost
	if cost < 1 {
		cost = 1
	}
	return float64(e.accessCount) / float64(cost)
}

// Loader recomputes a missing value; rebuildCost is the caller's estimate
// in milliseconds of how expensive that recomputation was.
type Loader func(ctx context.Context) (value []byte, rebuildCostMs int64, err error)

// inflight coalesces concurrent misses for the same key into one Loader
// invocation.
type inflight struct {
	done  chan struct{}
	value []byte
	err   error
}

// Cache is the UnifiedCache.
type Cache struct {
	mu sync.Mutex

	budget      int64
	currentSize int64

	entries  map[string]*entry
	inflight map[string]*inflight

	fairnessInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
}

// Options configures a Cache.
type Options struct {
	BudgetBytes      int64
	FairnessInterval time.Duration
}

// New constructs a Cache and starts its fairness monitor.
func New(opts Options) *Cache {
	budget := opts.BudgetBytes
	if budget <= 0 {
		budget = DefaultBudgetBytes
	}
	interval := opts.FairnessInterval
	if interval <= 0 {
		interval = DefaultFairnessInterval
	}
	c := &Cache{
		budget:           budget,
		entries:          make(map[string]*entry),
		inflight:         make(map[string]*inflight),
		fairnessInterval: interval,
		stopCh:           make(chan struct{}),
	}
	c.wg.Add(1)
	go c.fairnessLoop()
	return c
}

// Close stops the fairness monitor.
func (c *Cache) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

// cacheKey hashes the (tier, key) pair to a fixed-width internal key, so
// the entry map never retains arbitrarily long caller keys.
func cacheKey(tier Tier, key string) string {
	h := xxhash.New()
	_, _ = h.WriteString(string(tier))
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(key)
	return string(tier) + ":" + hashHex(h.Sum64())
}

func hashHex(h uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(buf)
}

// Get returns a cached value, or invokes loader on miss, coalescing
// concurrent misses for the same (tier, key) into a single loader call.
func (c *Cache) Get(ctx context.Context, tier Tier, key string, loader Loader) ([]byte, error) {
	ck := cacheKey(tier, key)

	c.mu.Lock()
	if e, ok := c.entries[ck]; ok {
		e.lastAccess = time.Now()
		e.accessCount++
		c.mu.Unlock()
		metrics.CacheHitsTotal.WithLabelValues(string(tier)).Inc()
		return e.value, nil
	}

	if inf, ok := c.inflight[ck]; ok {
		c.mu.Unlock()
		metrics.CacheCoalescedTotal.WithLabelValues(string(tier)).Inc()
		<-inf.done
		return inf.value, inf.err
	}

	inf := &inflight{done: make(chan struct{})}
	c.inflight[ck] = inf
	c.mu.Unlock()

	metrics.CacheMissesTotal.WithLabelValues(string(tier)).Inc()
	value, rebuildCost, err := loader(ctx)

	c.mu.Lock()
	delete(c.inflight, ck)
	if err == nil {
		c.insertLocked(ck, tier, key, value, rebuildCost)
	}
	c.mu.Unlock()

	inf.value, inf.err = value, err
	close(inf.done)
	return value, err
}

// Put seeds or overwrites a cache entry directly, bypassing Loader.
func (c *Cache) Put(tier Tier, key string, value []byte, rebuildCostMs int64) {
	ck := cacheKey(tier, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(ck, tier, key, value, rebuildCostMs)
}

func (c *Cache) insertLocked(ck string, tier Tier, key string, value []byte, rebuildCostMs int64) {
	size := int64(len(value))
	if existing, ok := c.entries[ck]; ok {
		c.currentSize -= existing.size
	}
	c.entries[ck] = &entry{
		key:         key,
		tier:        tier,
		value:       value,
		size:        size,
		lastAccess:  time.Now(),
		accessCount: 1,
		rebuildCost: rebuildCostMs,
	}
	c.currentSize += size

	c.evictLocked()
	c.publishSizesLocked()
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(tier Tier, key string) {
	ck := cacheKey(tier, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ck]; ok {
		c.currentSize -= e.size
		delete(c.entries, ck)
		c.publishSizesLocked()
	}
}

// evictLocked evicts lowest-scoring entries until currentSize fits the
// budget. Must be called with mu held.
func (c *Cache) evictLocked() {
	for c.currentSize > c.budget && len(c.entries) > 0 {
		var worstKey string
		var worst *entry
		for k, e := range c.entries {
			if worst == nil || e.score() < worst.score() {
				worst = e
				worstKey = k
			}
		}
		if worst == nil {
			return
		}
		c.currentSize -= worst.size
		delete(c.entries, worstKey)
		metrics.CacheEvictionsTotal.WithLabelValues(string(worst.tier)).Inc()
	}
}

// fairnessLoop periodically prevents one tier from starving the others: a
// tier holding most of the budget's bytes while receiving few of the
// accesses gives some of its space back.
func (c *Cache) fairnessLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.fairnessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.enforceFairness()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) enforceFairness() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentSize == 0 {
		return
	}

	type tierStats struct {
		bytes   int64
		accesses int64
	}
	stats := make(map[Tier]*tierStats)
	var totalAccesses int64
	for _, e := range c.entries {
		s, ok := stats[e.tier]
		if !ok {
			s = &tierStats{}
			stats[e.tier] = s
		}
		s.bytes += e.size
		s.accesses += e.accessCount
		totalAccesses += e.accessCount
	}
	if totalAccesses == 0 {
		return
	}

	for tier, s := range stats {
		sizeRatio := float64(s.bytes) / float64(c.currentSize)
		accessRatio := float64(s.accesses) / float64(totalAccesses)
		if sizeRatio > 0.9 && accessRatio < 0.1 {
			c.evictBottomFraction(tier, 0.2)
			log.WithComponent("cache").Warn().
				Str("tier", string(tier)).
				Float64("size_ratio", sizeRatio).
				Float64("access_ratio", accessRatio).
				Msg("fairness monitor evicting starved-access tier")
		}
	}
}

func (c *Cache) evictBottomFraction(tier Tier, fraction float64) {
	var tierKeys []string
	for k, e := range c.entries {
		if e.tier == tier {
			tierKeys = append(tierKeys, k)
		}
	}
	sort.Slice(tierKeys, func(i, j int) bool {
		return c.entries[tierKeys[i]].score() < c.entries[tierKeys[j]].score()
	})

	n := int(float64(len(tierKeys)) * fraction)
	if n == 0 && len(tierKeys) > 0 {
		n = 1
	}
	for _, k := range tierKeys[:n] {
		e := c.entries[k]
		c.currentSize -= e.size
		delete(c.entries, k)
		metrics.CacheEvictionsTotal.WithLabelValues(string(tier)).Inc()
	}
}

func (c *Cache) publishSizesLocked() {
	byTier := make(map[Tier]int64)
	for _, e := range c.entries {
		byTier[e.tier] += e.size
	}
	for _, tier := range []Tier{TierHNSW, TierMetadata, TierEmbedding, TierOther} {
		metrics.CacheSizeBytes.WithLabelValues(string(tier)).Set(float64(byTier[tier]))
	}
}

// TierStats reports per-tier byte usage, implementing
// metrics.StatsProvider's CacheTierStats contribution.
func (c *Cache) TierStats() []metrics.TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	byTier := make(map[Tier]int64)
	for _, e := range c.entries {
		byTier[e.tier] += e.size
	}
	out := make([]metrics.TierStats, 0, 4)
	for _, tier := range []Tier{TierHNSW, TierMetadata, TierEmbedding, TierOther} {
		out = append(out, metrics.TierStats{Tier: string(tier), SizeBytes: byTier[tier]})
	}
	return out
}

// Len reports the total number of cached entries, used by tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
