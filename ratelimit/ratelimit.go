// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Per-resource fixed-window rate limiting with adaptive backoff.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/app-ads-inspector/logging"
)

// KeyConfig sets the base allowance for one resource key.
type KeyConfig struct {
	Requests int
	Window   time.Duration
}

// DefaultKeyConfig applies to keys with no explicit configuration.
var DefaultKeyConfig = KeyConfig{Requests: 10, Window: time.Second}

// window tracks one fixed window for a key.
type window struct {
	start     time.Time
	count     int
	effective int  // current allowance, halved under upstream pressure
	dirty     bool // saw a 429/403 during this window
}

// Limiter grants per-key request slots in fixed windows. When a window is
// saturated, Acquire blocks until the window rolls. Upstream 429/403
// feedback halves the allowance for following windows; clean windows
// restore it gradually.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	configs map[string]KeyConfig
	remote  *RemoteCounter

	// stats
	acquired  int64
	waited    int64
	halved    int64
	successes int64
}

// Stats holds runtime counters exported by Limiter
type Stats struct {
	Acquired  int64 `json:"acquired"`
	Waited    int64 `json:"waited"`
	Halved    int64 `json:"halved"`
	Successes int64 `json:"successes"`
}

// New creates a Limiter with per-key configurations. A nil remote keeps
// all counters in-process.
func New(configs map[string]KeyConfig, remote *RemoteCounter) *Limiter {
	if configs == nil {
		configs = map[string]KeyConfig{}
	}
	return &Limiter{
		windows: make(map[string]*window),
		configs: configs,
		remote:  remote,
	}
}

// Stats returns a snapshot of the Limiter counters
func (l *Limiter) Stats() Stats {
	return Stats{
		Acquired:  atomic.LoadInt64(&l.acquired),
		Waited:    atomic.LoadInt64(&l.waited),
		Halved:    atomic.LoadInt64(&l.halved),
		Successes: atomic.LoadInt64(&l.successes),
	}
}

func (l *Limiter) configFor(key string) KeyConfig {
	if cfg, ok := l.configs[key]; ok {
		return cfg
	}
	return DefaultKeyConfig
}

// Acquire blocks until a request slot is available for key or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	cfg := l.configFor(key)

	for {
		// shared counter first: when healthy it is authoritative across processes
		if l.remote != nil && l.remote.Available() {
			granted, wait, err := l.remote.TryAcquire(ctx, key, cfg)
			if err == nil {
				if granted {
					atomic.AddInt64(&l.acquired, 1)
					return nil
				}
				atomic.AddInt64(&l.waited, 1)
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
				continue
			}
			// remote error: fall through to the local window below
			logging.DebugMethod("ratelimit", "Acquire", "remote counter error for %s, using local window: %v", key, err)
		}

		now := time.Now()
		l.mu.Lock()
		w, ok := l.windows[key]
		if !ok {
			w = &window{start: now, effective: cfg.Requests}
			l.windows[key] = w
		}

		if now.Sub(w.start) >= cfg.Window {
			l.rollWindow(w, cfg, now)
		}

		if w.count < w.effective {
			w.count++
			l.mu.Unlock()
			atomic.AddInt64(&l.acquired, 1)
			return nil
		}

		wait := cfg.Window - now.Sub(w.start)
		l.mu.Unlock()

		atomic.AddInt64(&l.waited, 1)
		logging.DebugMethod("ratelimit", "Acquire", "key %s saturated, waiting %v", key, wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// rollWindow starts a new window, applying the adaptive allowance rules.
// Caller holds l.mu.
func (l *Limiter) rollWindow(w *window, cfg KeyConfig, now time.Time) {
	if !w.dirty && w.effective < cfg.Requests {
		// clean window: restore gradually, a quarter of the base per window
		step := cfg.Requests / 4
		if step < 1 {
			step = 1
		}
		w.effective += step
		if w.effective > cfg.Requests {
			w.effective = cfg.Requests
		}
	}
	w.start = now
	w.count = 0
	w.dirty = false
}

// ReportError feeds an upstream response status back into the limiter.
// 429 and 403 halve the allowance for the next window.
func (l *Limiter) ReportError(key string, httpStatus int) {
	if httpStatus != http.StatusTooManyRequests && httpStatus != http.StatusForbidden {
		return
	}
	cfg := l.configFor(key)

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &window{start: time.Now(), effective: cfg.Requests}
		l.windows[key] = w
	}
	if !w.dirty {
		w.effective /= 2
		if w.effective < 1 {
			w.effective = 1
		}
		w.dirty = true
		atomic.AddInt64(&l.halved, 1)
		logging.DebugMethod("ratelimit", "ReportError", "key %s got %d, allowance halved to %d", key, httpStatus, w.effective)
	}
}

// ReportSuccess records a clean upstream response. A halving is not undone
// within the same window; restoration happens when a clean window rolls.
func (l *Limiter) ReportSuccess(key string) {
	atomic.AddInt64(&l.successes, 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
