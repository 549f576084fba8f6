package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests for the priority pool: ordering, timeouts and shutdown.

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg)
	require.NoError(t, p.Init())
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func TestSubmitRunsTask(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 2})

	v, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	}, Normal)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int64(1), p.Stats().Completed)
}

func TestHighPriorityJumpsQueue(t *testing.T) {
	// one worker, blocked on a gate, so priorities decide the queue order
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1})

	gate := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(tag string) Task {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			return nil, nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}, Normal)
	}()
	// wait until the blocker occupies the only worker
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.running) == 1
	}, time.Second, 5*time.Millisecond)

	for _, tag := range []string{"low", "normal"} {
		tag := tag
		prio := Low
		if tag == "normal" {
			prio = Normal
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Submit(context.Background(), record(tag), prio)
		}()
	}
	// queued after the others, but highest priority
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.queue) == 2
	}, time.Second, 5*time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Submit(context.Background(), record("high"), High)
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.queue) == 3
	}, time.Second, 5*time.Millisecond)

	close(gate)
	wg.Wait()

	require.Len(t, order, 3)
	assert.Equal(t, "high", order[0], "high priority jumps the FIFO queue")
	assert.Equal(t, []string{"normal", "low"}, order[1:], "the rest run in priority order")
}

func TestTaskTimeout(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1, TaskTimeout: 30 * time.Millisecond})

	_, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	}, Normal)
	assert.ErrorIs(t, err, ErrTaskTimeout)
	assert.Equal(t, int64(1), p.Stats().Timeouts)
}

func TestCallerCancellation(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Submit(ctx, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Normal)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueFull(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})

	gate := make(chan struct{})
	defer close(gate)
	go p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		<-gate
		return nil, nil
	}, Normal)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.running) == 1
	}, time.Second, 5*time.Millisecond)

	// one slot in the queue
	go p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) { return nil, nil }, Normal)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.queue) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) { return nil, nil }, Normal)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPanicDoesNotKillPool(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1})

	_, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, Normal)
	require.Error(t, err)

	// the pool keeps serving
	v, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, Normal)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	p := New(Config{MinWorkers: 1, MaxWorkers: 1})
	require.NoError(t, p.Init())
	p.Shutdown(time.Second)

	_, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) { return nil, nil }, Normal)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConcurrentSubmissions(t *testing.T) {
	p := newTestPool(t, Config{MinWorkers: 2, MaxWorkers: 4})

	var completed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
				return nil, nil
			}, Normal); err == nil {
				atomic.AddInt64(&completed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), completed)
}
