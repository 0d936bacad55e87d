package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesWork(t *testing.T) {
	var sum int64
	pool := NewPool(3, 10, func(_ context.Context, n int) error {
		atomic.AddInt64(&sum, int64(n))
		if n == 5 {
			return errors.New("boom")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	for i := 1; i <= 5; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(15), atomic.LoadInt64(&sum))
	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPool_QueueFullAndSubmitWait(t *testing.T) {
	release := make(chan struct{})
	reg := prometheus.NewRegistry()
	pool := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	}, WithMetrics[int](reg, "test_pool"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	// 1 个在 worker 中阻塞，1 个占满队列
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return pool.Stats().BusyWorkers == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(2))
	assert.ErrorIs(t, pool.Submit(3), ErrQueueFull)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, pool.SubmitWait(waitCtx, 4), context.DeadlineExceeded)

	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.dropped))

	close(release)
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(2), pool.Stats().Processed)
}

func TestPool_StopReleasesBlockedSubmitWait(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(ctx context.Context, _ int) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return pool.Stats().BusyWorkers == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(2))

	waitErr := make(chan error, 1)
	go func() { waitErr <- pool.SubmitWait(context.Background(), 3) }()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- pool.Stop(time.Second) }()

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrPoolStopped)
	case <-time.After(time.Second):
		t.Fatal("SubmitWait stayed blocked after Stop")
	}
	close(release)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestNewPool_NilProcessorPanics(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[int](1, 1, nil)
	})
}
