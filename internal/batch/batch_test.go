package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func double(_ context.Context, requests []int) ([]int, error) {
	out := make([]int, len(requests))
	for i, r := range requests {
		out[i] = r * 2
	}
	return out, nil
}

func TestSubmitSingleRequest(t *testing.T) {
	p := New(8, 50*time.Millisecond, double)
	p.Start()
	defer p.Stop()

	got, err := p.Submit(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestBatchFillsToMaxBatchSize(t *testing.T) {
	var callSizes []int
	var mu sync.Mutex
	cb := func(_ context.Context, requests []int) ([]int, error) {
		mu.Lock()
		callSizes = append(callSizes, len(requests))
		mu.Unlock()
		return double(nil, requests)
	}

	p := New(4, 2*time.Second, cb)
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, err := p.Submit(context.Background(), v)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap := p.Metrics().Snapshot()
	assert.Equal(t, int64(4), snap.TotalRequests)
	assert.GreaterOrEqual(t, snap.TotalBatches, int64(1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{4}, callSizes, "all four requests should be coalesced into one full batch")
}

func TestBatchFlushesOnTimeout(t *testing.T) {
	p := New(100, 20*time.Millisecond, double)
	p.Start()
	defer p.Stop()

	got, err := p.Submit(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 10, got)

	snap := p.Metrics().Snapshot()
	assert.GreaterOrEqual(t, snap.TimeoutBatches, int64(1))
}

func TestCallbackErrorPropagatesToAllWaiters(t *testing.T) {
	boom := assert.AnError
	cb := func(_ context.Context, requests []int) ([]int, error) {
		return nil, boom
	}
	p := New(4, 20*time.Millisecond, cb)
	p.Start()
	defer p.Stop()

	_, err := p.Submit(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	cb := func(_ context.Context, requests []int) ([]int, error) {
		<-block
		return double(nil, requests)
	}
	p := New(1, time.Second, cb)
	p.Start()
	defer func() {
		close(block)
		p.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Submit(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopDrainsQueuedJobsBeforeExiting(t *testing.T) {
	var processed int32
	cb := func(_ context.Context, requests []int) ([]int, error) {
		atomic.AddInt32(&processed, int32(len(requests)))
		return double(nil, requests)
	}
	p := New(10, time.Second, cb)
	p.Start()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, _ = p.Submit(context.Background(), v)
		}(i)
	}

	// Give submitters a moment to enqueue before we stop.
	time.Sleep(10 * time.Millisecond)
	p.Stop()
	wg.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&processed))
}

func TestAvgBatchSizeIscomputedAcrossBatches(t *testing.T) {
	p := New(1, 10*time.Millisecond, double)
	p.Start()
	defer p.Stop()

	for i := 0; i < 5; i++ {
		_, err := p.Submit(context.Background(), i)
		require.NoError(t, err)
	}

	snap := p.Metrics().Snapshot()
	assert.Equal(t, int64(5), snap.TotalBatches)
	assert.InDelta(t, 1.0, snap.AvgBatchSize, 1e-9)
}

func TestSubmitAfterStopReturnsShutdownError(t *testing.T) {
	p := New(4, 20*time.Millisecond, double)
	p.Start()
	p.Stop()

	_, err := p.Submit(context.Background(), 1)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() { New(0, time.Second, double) })
	assert.Panics(t, func() { New(1, 0, double) })
}
