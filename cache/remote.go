// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/girino/app-ads-inspector/logging"
)

const (
	remoteMaxConsecutiveFailures = 10
	remoteProbeInterval          = 30 * time.Second
	remoteOpTimeout              = 3 * time.Second
	remoteKeyPrefix              = "appads-cache:"
)

// remoteTier mirrors cache entries into redis. After enough consecutive
// failures the tier marks itself unavailable; a background probe
// re-promotes it on a successful ping. Writes during unavailability go to
// memory and disk only.
type remoteTier struct {
	rdb *redis.Client

	consecutiveFailures int64
	down                int64 // 0 = available, 1 = unavailable

	probeCancel context.CancelFunc
	wg          sync.WaitGroup

	// stats
	gets     int64
	sets     int64
	failures int64
}

// RemoteStats holds counters for the remote tier
type RemoteStats struct {
	Available           bool  `json:"available"`
	Gets                int64 `json:"gets"`
	Sets                int64 `json:"sets"`
	Failures            int64 `json:"failures"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`
}

func newRemoteTier(addr, password string, db int) *remoteTier {
	return &remoteTier{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// client exposes the underlying redis client so other subsystems (the
// shared rate-limit counter) can reuse the connection pool.
func (t *remoteTier) client() *redis.Client {
	return t.rdb
}

func (t *remoteTier) available() bool {
	return atomic.LoadInt64(&t.down) == 0
}

func (t *remoteTier) get(ctx context.Context, key string, now time.Time) (*entry, bool) {
	octx, cancel := context.WithTimeout(ctx, remoteOpTimeout)
	defer cancel()

	atomic.AddInt64(&t.gets, 1)
	raw, err := t.rdb.Get(octx, remoteKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			t.recordFailure(err)
		}
		return nil, false
	}
	t.recordSuccess()

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		t.delete(ctx, key)
		return nil, false
	}
	if e.expired(now) {
		t.delete(ctx, key)
		return nil, false
	}
	return &e, true
}

func (t *remoteTier) set(ctx context.Context, key string, e *entry, ttl time.Duration) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	octx, cancel := context.WithTimeout(ctx, remoteOpTimeout)
	defer cancel()

	atomic.AddInt64(&t.sets, 1)
	if err := t.rdb.Set(octx, remoteKeyPrefix+key, data, ttl).Err(); err != nil {
		t.recordFailure(err)
		return
	}
	t.recordSuccess()
}

func (t *remoteTier) delete(ctx context.Context, key string) {
	octx, cancel := context.WithTimeout(ctx, remoteOpTimeout)
	defer cancel()
	if err := t.rdb.Del(octx, remoteKeyPrefix+key).Err(); err != nil {
		t.recordFailure(err)
	}
}

func (t *remoteTier) clear(ctx context.Context) {
	octx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	iter := t.rdb.Scan(octx, 0, remoteKeyPrefix+"*", 500).Iterator()
	for iter.Next(octx) {
		t.rdb.Del(octx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.recordFailure(err)
	}
}

func (t *remoteTier) recordFailure(err error) {
	atomic.AddInt64(&t.failures, 1)
	if atomic.AddInt64(&t.consecutiveFailures, 1) >= remoteMaxConsecutiveFailures {
		if atomic.CompareAndSwapInt64(&t.down, 0, 1) {
			logging.Warn("cache: remote tier marked unavailable after %d consecutive failures (last: %v)", remoteMaxConsecutiveFailures, err)
		}
	}
}

func (t *remoteTier) recordSuccess() {
	atomic.StoreInt64(&t.consecutiveFailures, 0)
}

// startProbe starts the availability probe loop.
func (t *remoteTier) startProbe() {
	ctx, cancel := context.WithCancel(context.Background())
	t.probeCancel = cancel
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(remoteProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if t.available() {
					continue
				}
				pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
				err := t.rdb.Ping(pctx).Err()
				pcancel()
				if err == nil {
					atomic.StoreInt64(&t.consecutiveFailures, 0)
					atomic.StoreInt64(&t.down, 0)
					logging.Info("cache: remote tier available again")
				} else {
					logging.DebugMethod("cache", "probe", "remote tier still unavailable: %v", err)
				}
			}
		}
	}()
}

func (t *remoteTier) statsSnapshot() RemoteStats {
	return RemoteStats{
		Available:           t.available(),
		Gets:                atomic.LoadInt64(&t.gets),
		Sets:                atomic.LoadInt64(&t.sets),
		Failures:            atomic.LoadInt64(&t.failures),
		ConsecutiveFailures: atomic.LoadInt64(&t.consecutiveFailures),
	}
}

func (t *remoteTier) stop() {
	if t.probeCancel != nil {
		t.probeCancel()
		t.wg.Wait()
	}
	_ = t.rdb.Close()
}
