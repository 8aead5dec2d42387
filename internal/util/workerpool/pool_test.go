package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	p := NewWorkerPool(Config{Name: "test", MaxWorkers: 4, QueueSize: 100})
	defer p.Stop(time.Second)

	var n int32
	for i := 0; i < 50; i++ {
		require.True(t, p.TrySubmit(Task{ID: "t", Fn: func(context.Context) error {
			atomic.AddInt32(&n, 1)
			return nil
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, int32(50), atomic.LoadInt32(&n))
	assert.Equal(t, uint64(50), p.Stats().Completed)
}

func TestWorkerPool_CountsFailuresAndPanics(t *testing.T) {
	p := NewWorkerPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 10})
	defer p.Stop(time.Second)

	p.TrySubmit(Task{ID: "err", Fn: func(context.Context) error { return errors.New("boom") }})
	p.TrySubmit(Task{ID: "panic", Fn: func(context.Context) error { panic("bad") }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, uint64(2), p.Stats().Failed)
}

func TestWorkerPool_RejectsWhenFull(t *testing.T) {
	p := NewWorkerPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	require.True(t, p.TrySubmit(Task{ID: "block", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.True(t, p.TrySubmit(Task{ID: "queued", Fn: func(context.Context) error { return nil }}))
	assert.False(t, p.TrySubmit(Task{ID: "rejected", Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Stop(time.Second))
	assert.False(t, p.TrySubmit(Task{ID: "after-stop", Fn: func(context.Context) error { return nil }}))
}

func TestWorkerPool_RateLimited(t *testing.T) {
	p := NewWorkerPool(Config{Name: "test", MaxWorkers: 4, QueueSize: 10, RatePerSecond: 20, Burst: 1})
	defer p.Stop(time.Second)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.True(t, p.TrySubmit(Task{ID: "t", Fn: func(context.Context) error { return nil }}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
