package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests for the fixed-window limiter and its adaptive allowance.

func TestAcquireWithinWindow(t *testing.T) {
	l := New(map[string]KeyConfig{"k": {Requests: 3, Window: time.Hour}}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, "k"))
	}

	// the fourth acquisition must block until the window rolls; a short
	// deadline proves it did not sneak through
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWindowRollsAndRefills(t *testing.T) {
	l := New(map[string]KeyConfig{"k": {Requests: 2, Window: 50 * time.Millisecond}}, nil)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "k"))
	require.NoError(t, l.Acquire(ctx, "k"))

	// blocks across the roll, then succeeds
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "k"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

// The limiter never grants more than the allowance within one window.
func TestNoOvergrantUnderConcurrency(t *testing.T) {
	const allowance = 5
	l := New(map[string]KeyConfig{"k": {Requests: allowance, Window: time.Hour}}, nil)

	granted := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			if err := l.Acquire(ctx, "k"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, allowance, granted)
}

func TestReportErrorHalvesAllowance(t *testing.T) {
	l := New(map[string]KeyConfig{"k": {Requests: 8, Window: 40 * time.Millisecond}}, nil)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "k"))
	l.ReportError("k", http.StatusTooManyRequests)

	// the next window has half the allowance
	time.Sleep(45 * time.Millisecond)
	granted := 0
	for i := 0; i < 8; i++ {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
		if l.Acquire(tctx, "k") == nil {
			granted++
		}
		cancel()
	}
	assert.Equal(t, 4, granted)
	assert.Equal(t, int64(1), l.Stats().Halved)
}

func TestCleanWindowsRestoreAllowance(t *testing.T) {
	l := New(map[string]KeyConfig{"k": {Requests: 8, Window: 30 * time.Millisecond}}, nil)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "k"))
	l.ReportError("k", http.StatusForbidden)

	// let several clean windows roll; the allowance steps back up a
	// quarter of the base per window
	deadline := time.Now().Add(500 * time.Millisecond)
	restored := false
	for time.Now().Before(deadline) {
		time.Sleep(35 * time.Millisecond)
		granted := 0
		for i := 0; i < 8; i++ {
			tctx, cancel := context.WithTimeout(ctx, time.Millisecond)
			if l.Acquire(tctx, "k") == nil {
				granted++
			}
			cancel()
		}
		if granted == 8 {
			restored = true
			break
		}
	}
	assert.True(t, restored, "allowance should recover after clean windows")
}

func TestNonThrottleStatusIgnored(t *testing.T) {
	l := New(map[string]KeyConfig{"k": {Requests: 4, Window: time.Hour}}, nil)
	l.ReportError("k", http.StatusInternalServerError)
	assert.Equal(t, int64(0), l.Stats().Halved)
}

func TestUnknownKeyUsesDefaultConfig(t *testing.T) {
	l := New(nil, nil)
	ctx := context.Background()
	for i := 0; i < DefaultKeyConfig.Requests; i++ {
		require.NoError(t, l.Acquire(ctx, "unconfigured"))
	}
	assert.Equal(t, int64(DefaultKeyConfig.Requests), l.Stats().Acquired)
}
