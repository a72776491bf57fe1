package reconciler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeCompactor struct {
	tombstones int32
	compacted  int32
}

func (f *fakeCompactor) TombstoneCount() int { return int(atomic.LoadInt32(&f.tombstones)) }
func (f *fakeCompactor) Compact(ctx context.Context) error {
	atomic.AddInt32(&f.compacted, 1)
	atomic.StoreInt32(&f.tombstones, 0)
	return nil
}

func TestReconcileSkipsWhenNoTombstones(t *testing.T) {
	target := &fakeCompactor{}
	r := New(target, time.Hour)
	require := assert.New(t)
	require.NoError(r.reconcile())
	require.Equal(int32(0), atomic.LoadInt32(&target.compacted))
}

func TestReconcileCompactsWhenTombstonesPresent(t *testing.T) {
	target := &fakeCompactor{tombstones: 3}
	r := New(target, time.Hour)
	assert.NoError(t, r.reconcile())
	assert.Equal(t, int32(1), atomic.LoadInt32(&target.compacted))
}

func TestStartStopRunsLoop(t *testing.T) {
	target := &fakeCompactor{tombstones: 1}
	r := New(target, 5*time.Millisecond)
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&target.compacted), int32(1))
}
