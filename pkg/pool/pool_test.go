package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct{ id int64 }

func newTestPool(t *testing.T, opts Options[*fakeClient]) *Pool[*fakeClient] {
	t.Helper()
	p, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAcquireReleaseReusesClient(t *testing.T) {
	var counter int64
	p := newTestPool(t, Options[*fakeClient]{
		MinSize: 1, MaxSize: 2,
		NewClient: func(ctx context.Context) (*fakeClient, error) {
			return &fakeClient{id: atomic.AddInt64(&counter, 1)}, nil
		},
	})

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c1.id, c2.id)
}

func TestAcquireGrowsUpToMax(t *testing.T) {
	var counter int64
	p := newTestPool(t, Options[*fakeClient]{
		MinSize: 1, MaxSize: 2,
		NewClient: func(ctx context.Context) (*fakeClient, error) {
			return &fakeClient{id: atomic.AddInt64(&counter, 1)}, nil
		},
	})

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, c1.id, c2.id)

	inUse, idle := p.Stats()
	assert.Equal(t, 2, inUse)
	assert.Equal(t, 0, idle)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p := newTestPool(t, Options[*fakeClient]{
		MinSize: 1, MaxSize: 1,
		AcquireTimeout: 50 * time.Millisecond,
		NewClient: func(ctx context.Context) (*fakeClient, error) {
			return &fakeClient{}, nil
		},
	})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.Error(t, err)
}

func TestIdleEvictionRespectsMinSize(t *testing.T) {
	var closed int64
	var counter int64
	p := newTestPool(t, Options[*fakeClient]{
		MinSize: 1, MaxSize: 3,
		HealthCheckInterval: 10 * time.Millisecond,
		IdleTimeout:         5 * time.Millisecond,
		NewClient: func(ctx context.Context) (*fakeClient, error) {
			return &fakeClient{id: atomic.AddInt64(&counter, 1)}, nil
		},
		CloseClient: func(c *fakeClient) error {
			atomic.AddInt64(&closed, 1)
			return nil
		},
	})

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c2)
	p.Release(c3)

	time.Sleep(100 * time.Millisecond)

	_, idle := p.Stats()
	assert.Equal(t, 1, idle, "should evict down to MinSize but no further")
}

func TestUnhealthyClientEvicted(t *testing.T) {
	healthy := int32(1)
	p := newTestPool(t, Options[*fakeClient]{
		MinSize: 1, MaxSize: 1,
		HealthCheckInterval: 10 * time.Millisecond,
		NewClient: func(ctx context.Context) (*fakeClient, error) {
			return &fakeClient{}, nil
		},
		CheckHealth: func(ctx context.Context, c *fakeClient) bool {
			return atomic.LoadInt32(&healthy) == 1
		},
	})

	atomic.StoreInt32(&healthy, 0)
	time.Sleep(50 * time.Millisecond)

	_, idle := p.Stats()
	assert.Equal(t, 0, idle)
}
