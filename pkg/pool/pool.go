// Package pool is the ConnectionPool (C12): a bounded pool of clients for
// networked backends, with acquire timeout, periodic health checks, and
// idle-timeout eviction.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/metrics"
)

// DefaultMinSize / DefaultMaxSize are the generic connection pool bounds.
const (
	DefaultMinSize = 2
	DefaultMaxSize = 10
)

// ObjectStoreMinSize / ObjectStoreMaxSize are wider bounds used for
// object-store backends (S3 and similar), which tolerate more concurrent
// clients per process than typical database connections.
const (
	ObjectStoreMinSize = 3
	ObjectStoreMaxSize = 20
)

// DefaultAcquireTimeout bounds how long Acquire waits for a free client.
const DefaultAcquireTimeout = 30 * time.Second

// DefaultHealthCheckInterval is how often idle clients are health-checked.
const DefaultHealthCheckInterval = 15 * time.Second

// DefaultIdleTimeout evicts a client that has sat idle this long.
const DefaultIdleTimeout = 5 * time.Minute

// Factory creates a new client.
type Factory[T any] func(ctx context.Context) (T, error)

// Closer releases a client's resources.
type Closer[T any] func(client T) error

// HealthCheck reports whether a client is still usable.
type HealthCheck[T any] func(ctx context.Context, client T) bool

// Options configures a Pool.
type Options[T any] struct {
	Name                string
	MinSize             int
	MaxSize             int
	AcquireTimeout      time.Duration
	HealthCheckInterval time.Duration
	IdleTimeout         time.Duration
	NewClient           Factory[T]
	CloseClient         Closer[T]
	CheckHealth         HealthCheck[T]
}

type pooledClient[T any] struct {
	client     T
	lastUsedAt time.Time
}

// Pool is a bounded, health-checked, idle-evicting client pool.
type Pool[T any] struct {
	opts Options[T]

	mu      sync.Mutex
	idle    []*pooledClient[T]
	inUse   int
	created int
	waiters []chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool and starts its health-check/idle-eviction loop.
// It eagerly creates MinSize clients.
func New[T any](ctx context.Context, opts Options[T]) (*Pool[T], error) {
	if opts.MinSize <= 0 {
		opts.MinSize = DefaultMinSize
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	p := &Pool[T]{opts: opts, stopCh: make(chan struct{})}

	for i := 0; i < opts.MinSize; i++ {
		c, err := opts.NewClient(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.BackendUnavailable, "pool.New", err, "failed to prime connection pool")
		}
		p.idle = append(p.idle, &pooledClient[T]{client: c, lastUsedAt: time.Now()})
		p.created++
	}

	p.wg.Add(1)
	go p.monitorLoop()

	return p, nil
}

// Acquire returns a client, creating a new one if under MaxSize and none
// are idle, or waiting up to AcquireTimeout for one to free up.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PoolAcquireWaitDuration, p.opts.Name)

	deadline := time.Now().Add(p.opts.AcquireTimeout)
	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.inUse++
			p.publishLocked()
			p.mu.Unlock()
			return pc.client, nil
		}
		if p.created < p.opts.MaxSize {
			p.created++
			p.inUse++
			p.publishLocked()
			p.mu.Unlock()
			c, err := p.opts.NewClient(ctx)
			if err != nil {
				p.mu.Lock()
				p.created--
				p.inUse--
				p.publishLocked()
				p.mu.Unlock()
				var zero T
				return zero, errs.Wrap(errs.BackendUnavailable, "pool.Acquire", err, "failed to create new pooled client")
			}
			return c, nil
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero T
			return zero, errs.New(errs.Timeout, "pool.Acquire", "acquire timed out waiting for a free connection")
		}
		select {
		case <-wait:
			continue
		case <-ctx.Done():
			var zero T
			return zero, errs.Wrap(errs.Cancelled, "pool.Acquire", ctx.Err(), "acquire cancelled")
		case <-time.After(remaining):
			var zero T
			return zero, errs.New(errs.Timeout, "pool.Acquire", "acquire timed out waiting for a free connection")
		}
	}
}

// Release returns client to the idle set.
func (p *Pool[T]) Release(client T) {
	p.mu.Lock()
	p.idle = append(p.idle, &pooledClient[T]{client: client, lastUsedAt: time.Now()})
	p.inUse--
	p.publishLocked()
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func (p *Pool[T]) publishLocked() {
	metrics.PoolConnectionsInUse.WithLabelValues(p.opts.Name).Set(float64(p.inUse))
	metrics.PoolConnectionsIdle.WithLabelValues(p.opts.Name).Set(float64(len(p.idle)))
}

// Stats reports current in-use/idle counts for metrics.StatsProvider.
func (p *Pool[T]) Stats() (inUse, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse, len(p.idle)
}

// monitorLoop periodically health-checks idle clients and evicts ones
// that fail the check or have sat idle past IdleTimeout.
func (p *Pool[T]) monitorLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool[T]) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.HealthCheckInterval)
	defer cancel()

	p.mu.Lock()
	keep := p.idle[:0]
	var toClose []*pooledClient[T]
	for _, pc := range p.idle {
		idleFor := time.Since(pc.lastUsedAt)
		if idleFor > p.opts.IdleTimeout && p.created > p.opts.MinSize {
			toClose = append(toClose, pc)
			p.created--
			continue
		}
		if p.opts.CheckHealth != nil && !p.opts.CheckHealth(ctx, pc.client) {
			toClose = append(toClose, pc)
			p.created--
			continue
		}
		keep = append(keep, pc)
	}
	p.idle = keep
	p.publishLocked()
	p.mu.Unlock()

	for _, pc := range toClose {
		if p.opts.CloseClient != nil {
			if err := p.opts.CloseClient(pc.client); err != nil {
				log.WithComponent("pool").Warn().Str("pool", p.opts.Name).Err(err).Msg("error closing evicted pooled client")
			}
		}
	}
	if len(toClose) > 0 {
		log.WithComponent("pool").Debug().Str("pool", p.opts.Name).Int("evicted", len(toClose)).Msg("idle/unhealthy connections evicted")
	}
}

// Close stops the monitor loop and closes every idle client. Clients still
// checked out via Acquire are not closed.
func (p *Pool[T]) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, pc := range idle {
		if p.opts.CloseClient != nil {
			if err := p.opts.CloseClient(pc.client); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
