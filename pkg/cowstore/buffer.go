package cowstore

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/vgraph/pkg/backend"
	"github.com/cuemby/vgraph/pkg/log"
)

// DefaultFlushWindow is the write-buffer collapse window: writes to the
// same logical path within this window collapse to the last value,
// observed in chat-heavy workloads where index-file rewrites dominate.
const DefaultFlushWindow = 200 * time.Millisecond

// DefaultBufferCap forces an early flush once this many distinct paths are
// pending, regardless of window.
const DefaultBufferCap = 200

// DefaultFlushConcurrency bounds in-flight backend calls during a flush.
const DefaultFlushConcurrency = 10

// pendingWrite is nil Value for a tombstone (delete), non-nil for a put.
type pendingWrite struct {
	value   []byte
	tomb    bool
	addedAt time.Time
}

// writeBuffer collapses writes to the same logical path within a window.
// It is only engaged for networked backends (spec §4.4): local backends
// write through synchronously because the per-write cost is already
// microseconds.
type writeBuffer struct {
	mu          sync.Mutex
	entries     map[string]*pendingWrite
	window      time.Duration
	cap         int
	concurrency int
	oldestAt    time.Time

	be backend.Backend

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newWriteBuffer(be backend.Backend, window time.Duration, cap_ int, concurrency int) *writeBuffer {
	if window <= 0 {
		window = DefaultFlushWindow
	}
	if cap_ <= 0 {
		cap_ = DefaultBufferCap
	}
	if concurrency <= 0 {
		concurrency = DefaultFlushConcurrency
	}
	return &writeBuffer{
		entries:     make(map[string]*pendingWrite),
		window:      window,
		cap:         cap_,
		concurrency: concurrency,
		be:          be,
		stopCh:      make(chan struct{}),
	}
}

// start spawns the periodic flush loop, joined by stop.
func (b *writeBuffer) start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.window / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := b.maybeFlush(ctx); err != nil {
					log.Logger.Warn().Err(err).Msg("write buffer periodic flush failed")
				}
			case <-b.stopCh:
				return
			}
		}
	}()
}

// stop joins the periodic flush loop and performs a final synchronous
// flush so no buffered writes are lost on shutdown.
func (b *writeBuffer) stop(ctx context.Context) error {
	close(b.stopCh)
	b.wg.Wait()
	return b.flush(ctx)
}

// put stages value for key, collapsing any prior pending write for the same
// key, then flushes immediately if the buffer cap is reached.
func (b *writeBuffer) put(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.oldestAt = time.Now()
	}
	b.entries[key] = &pendingWrite{value: value, addedAt: time.Now()}
	full := len(b.entries) >= b.cap
	b.mu.Unlock()

	if full {
		return b.flush(ctx)
	}
	return nil
}

// delete stages a tombstone for key.
func (b *writeBuffer) delete(ctx context.Context, key string) error {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.oldestAt = time.Now()
	}
	b.entries[key] = &pendingWrite{tomb: true, addedAt: time.Now()}
	full := len(b.entries) >= b.cap
	b.mu.Unlock()

	if full {
		return b.flush(ctx)
	}
	return nil
}

// maybeFlush flushes only if the oldest pending write has sat in the buffer
// for at least the collapse window.
func (b *writeBuffer) maybeFlush(ctx context.Context) error {
	b.mu.Lock()
	empty := len(b.entries) == 0
	expired := !b.oldestAt.IsZero() && time.Since(b.oldestAt) >= b.window
	b.mu.Unlock()

	if empty || !expired {
		return nil
	}
	return b.flush(ctx)
}

// flush drains all pending writes, applying up to concurrency of them to
// the backend at once.
func (b *writeBuffer) flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return nil
	}
	pending := b.entries
	b.entries = make(map[string]*pendingWrite)
	b.oldestAt = time.Time{}
	b.mu.Unlock()

	sem := make(chan struct{}, b.concurrency)
	errCh := make(chan error, len(pending))
	var wg sync.WaitGroup

	for key, pw := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(key string, pw *pendingWrite) {
			defer wg.Done()
			defer func() { <-sem }()
			var err error
			if pw.tomb {
				err = b.be.Delete(ctx, key)
			} else {
				err = b.be.Put(ctx, key, pw.value)
			}
			if err != nil {
				errCh <- err
			}
		}(key, pw)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// pendingCount reports the number of distinct paths currently buffered,
// used by tests and Stats.
func (b *writeBuffer) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
