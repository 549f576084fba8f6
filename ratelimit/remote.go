// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/girino/app-ads-inspector/logging"
)

const (
	remoteMaxConsecutiveFailures = 10
	remoteProbeInterval          = 30 * time.Second
	remoteKeyPrefix              = "ratelimit:"
)

// RemoteCounter implements shared fixed-window counting over a redis
// atomic INCR. When redis misbehaves repeatedly the counter marks itself
// unavailable and a background probe re-promotes it; callers fall back to
// in-process windows meanwhile.
type RemoteCounter struct {
	rdb *redis.Client

	consecutiveFailures int64
	unavailable         int64 // 0 = available, 1 = unavailable

	probeCancel context.CancelFunc
}

// NewRemoteCounter creates a RemoteCounter on an existing redis client and
// starts its health probe.
func NewRemoteCounter(rdb *redis.Client) *RemoteCounter {
	rc := &RemoteCounter{rdb: rdb}
	ctx, cancel := context.WithCancel(context.Background())
	rc.probeCancel = cancel
	go rc.probeLoop(ctx)
	return rc
}

// Close stops the health probe.
func (rc *RemoteCounter) Close() {
	if rc.probeCancel != nil {
		rc.probeCancel()
	}
}

// Available reports whether the remote counter should be consulted.
func (rc *RemoteCounter) Available() bool {
	return atomic.LoadInt64(&rc.unavailable) == 0
}

// TryAcquire atomically counts a request for key in the current window.
// It returns granted=false with a suggested wait when the window is full.
func (rc *RemoteCounter) TryAcquire(ctx context.Context, key string, cfg KeyConfig) (granted bool, wait time.Duration, err error) {
	// bucket the clock into fixed windows so all processes agree
	windowID := time.Now().UnixMilli() / cfg.Window.Milliseconds()
	redisKey := remoteKeyPrefix + key + ":" + formatInt(windowID)

	pipe := rc.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, cfg.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		rc.recordFailure()
		return false, 0, err
	}
	rc.recordSuccess()

	if incr.Val() <= int64(cfg.Requests) {
		return true, 0, nil
	}
	// wait for the window to roll
	elapsed := time.Duration(time.Now().UnixMilli()-windowID*cfg.Window.Milliseconds()) * time.Millisecond
	return false, cfg.Window - elapsed, nil
}

func (rc *RemoteCounter) recordFailure() {
	if atomic.AddInt64(&rc.consecutiveFailures, 1) >= remoteMaxConsecutiveFailures {
		if atomic.CompareAndSwapInt64(&rc.unavailable, 0, 1) {
			logging.Warn("ratelimit: remote counter marked unavailable after %d consecutive failures", remoteMaxConsecutiveFailures)
		}
	}
}

func (rc *RemoteCounter) recordSuccess() {
	atomic.StoreInt64(&rc.consecutiveFailures, 0)
}

// probeLoop periodically pings redis and re-promotes the counter on success.
func (rc *RemoteCounter) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(remoteProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.Available() {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := rc.rdb.Ping(pctx).Err()
			cancel()
			if err == nil {
				atomic.StoreInt64(&rc.consecutiveFailures, 0)
				atomic.StoreInt64(&rc.unavailable, 0)
				logging.Info("ratelimit: remote counter available again")
			} else {
				logging.DebugMethod("ratelimit", "probeLoop", "remote still unavailable: %v", err)
			}
		}
	}
}

func formatInt(v int64) string {
	// small helper to avoid fmt on the hot path
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := v < 0
	if neg {
		v = -v
	}
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
