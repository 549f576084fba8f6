// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Tiered cache: in-memory, on-disk, optional remote key/value store.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/metrics"
)

// TTLClass selects one of the fixed expiry durations.
type TTLClass string

const (
	TTLStoreSuccess     TTLClass = "storeSuccess"
	TTLStoreError       TTLClass = "storeError"
	TTLAppAdsTxtFound   TTLClass = "appAdsTxtFound"
	TTLAppAdsTxtMissing TTLClass = "appAdsTxtMissing"
	TTLAppAdsTxtError   TTLClass = "appAdsTxtError"
	TTLAnalysisResults  TTLClass = "analysisResults"
	TTLDefault          TTLClass = "default"
)

var ttlDurations = map[TTLClass]time.Duration{
	TTLStoreSuccess:     24 * time.Hour,
	TTLStoreError:       1 * time.Hour,
	TTLAppAdsTxtFound:   12 * time.Hour,
	TTLAppAdsTxtMissing: 6 * time.Hour,
	TTLAppAdsTxtError:   1 * time.Hour,
	TTLAnalysisResults:  48 * time.Hour,
	TTLDefault:          24 * time.Hour,
}

// TTLFor returns the duration for a TTL class.
func TTLFor(class TTLClass) time.Duration {
	if d, ok := ttlDurations[class]; ok {
		return d
	}
	return ttlDurations[TTLDefault]
}

// entry is the stored record shape shared by all tiers.
// Expiry is unix milliseconds.
type entry struct {
	Expiry int64           `json:"expiry"`
	Value  json.RawMessage `json:"value"`
}

func (e *entry) expired(now time.Time) bool {
	return now.UnixMilli() >= e.Expiry
}

// Config holds cache construction parameters.
type Config struct {
	// MaxItems bounds the memory tier.
	MaxItems int
	// Dir is the disk tier directory; empty disables the disk tier.
	Dir string
	// RedisAddr enables the remote tier when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// DisableMemory turns the memory tier off (used by tests).
	DisableMemory bool
	// CleanupInterval overrides the disk cleanup period.
	CleanupInterval time.Duration
}

// Manager consults tiers in memory→disk→remote order on reads and writes
// to all enabled tiers. Values promoted from a slower tier are copied into
// faster tiers during the same read.
type Manager struct {
	memory *memoryTier
	disk   *diskTier
	remote *remoteTier

	closeOnce sync.Once

	// stats
	hits   int64
	misses int64
	sets   int64
}

// Stats holds runtime counters exported by Manager
type Stats struct {
	Hits   int64        `json:"hits"`
	Misses int64        `json:"misses"`
	Sets   int64        `json:"sets"`
	Memory *MemoryStats `json:"memory,omitempty"`
	Disk   *DiskStats   `json:"disk,omitempty"`
	Remote *RemoteStats `json:"remote,omitempty"`
}

// New creates a Manager with the enabled tiers.
func New(cfg Config) (*Manager, error) {
	m := &Manager{}

	if !cfg.DisableMemory {
		maxItems := cfg.MaxItems
		if maxItems <= 0 {
			maxItems = 1000
		}
		m.memory = newMemoryTier(maxItems)
	}

	if cfg.Dir != "" {
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = time.Hour
		}
		d, err := newDiskTier(cfg.Dir, interval)
		if err != nil {
			return nil, err
		}
		m.disk = d
	}

	if cfg.RedisAddr != "" {
		m.remote = newRemoteTier(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}

	return m, nil
}

// Init starts tier housekeeping.
func (m *Manager) Init() error {
	if m.memory != nil {
		m.memory.startCleanup()
	}
	if m.disk != nil {
		m.disk.startCleanup()
	}
	if m.remote != nil {
		m.remote.startProbe()
	}
	return nil
}

// Close stops housekeeping and releases tier resources. Safe to call
// more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.memory != nil {
			m.memory.stop()
		}
		if m.disk != nil {
			m.disk.stop()
		}
		if m.remote != nil {
			m.remote.stop()
		}
	})
}

// Get returns the cached value for key, or ok=false when absent/expired.
func (m *Manager) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	now := time.Now()

	if m.memory != nil {
		if e, ok := m.memory.get(key, now); ok {
			atomic.AddInt64(&m.hits, 1)
			metrics.CacheOperations.WithLabelValues("memory", "get", "hit").Inc()
			logging.DebugMethod("cache", "Get", "memory hit for %s", key)
			return e.Value, true
		}
	}

	if m.disk != nil {
		if e, ok := m.disk.get(key, now); ok {
			atomic.AddInt64(&m.hits, 1)
			metrics.CacheOperations.WithLabelValues("disk", "get", "hit").Inc()
			logging.DebugMethod("cache", "Get", "disk hit for %s", key)
			m.promote(key, e)
			return e.Value, true
		}
	}

	if m.remote != nil && m.remote.available() {
		if e, ok := m.remote.get(ctx, key, now); ok {
			atomic.AddInt64(&m.hits, 1)
			metrics.CacheOperations.WithLabelValues("remote", "get", "hit").Inc()
			logging.DebugMethod("cache", "Get", "remote hit for %s", key)
			m.promote(key, e)
			if m.disk != nil {
				m.disk.set(key, e)
			}
			return e.Value, true
		}
	}

	atomic.AddInt64(&m.misses, 1)
	metrics.CacheOperations.WithLabelValues("all", "get", "miss").Inc()
	return nil, false
}

// promote copies an entry read from a slower tier into the memory tier.
func (m *Manager) promote(key string, e *entry) {
	if m.memory != nil {
		m.memory.set(key, e)
	}
}

// Set marshals value and writes it to every enabled tier with the class TTL.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, class TTLClass) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e := &entry{
		Expiry: time.Now().Add(TTLFor(class)).UnixMilli(),
		Value:  data,
	}
	atomic.AddInt64(&m.sets, 1)
	metrics.CacheOperations.WithLabelValues("all", "set", "ok").Inc()

	if m.memory != nil {
		m.memory.set(key, e)
	}
	if m.disk != nil {
		m.disk.set(key, e)
	}
	if m.remote != nil && m.remote.available() {
		m.remote.set(ctx, key, e, TTLFor(class))
	}
	return nil
}

// GetJSON unmarshals a cached value into out and reports whether it was found.
func (m *Manager) GetJSON(ctx context.Context, key string, out interface{}) bool {
	raw, ok := m.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		logging.DebugMethod("cache", "GetJSON", "corrupt value for %s: %v", key, err)
		m.Delete(ctx, key)
		return false
	}
	return true
}

// Delete removes key from every enabled tier.
func (m *Manager) Delete(ctx context.Context, key string) {
	if m.memory != nil {
		m.memory.delete(key)
	}
	if m.disk != nil {
		m.disk.delete(key)
	}
	if m.remote != nil && m.remote.available() {
		m.remote.delete(ctx, key)
	}
}

// Clear empties every enabled tier.
func (m *Manager) Clear(ctx context.Context) {
	if m.memory != nil {
		m.memory.clear()
	}
	if m.disk != nil {
		m.disk.clear()
	}
	if m.remote != nil && m.remote.available() {
		m.remote.clear(ctx)
	}
}

// RedisClient returns the remote tier's redis client, or nil when the
// remote tier is disabled. Other subsystems reuse it for shared counters.
func (m *Manager) RedisClient() *redis.Client {
	if m.remote == nil {
		return nil
	}
	return m.remote.client()
}

// Stats returns a snapshot of the Manager and tier counters
func (m *Manager) Stats() Stats {
	s := Stats{
		Hits:   atomic.LoadInt64(&m.hits),
		Misses: atomic.LoadInt64(&m.misses),
		Sets:   atomic.LoadInt64(&m.sets),
	}
	if m.memory != nil {
		ms := m.memory.stats()
		s.Memory = &ms
	}
	if m.disk != nil {
		ds := m.disk.stats()
		s.Disk = &ds
	}
	if m.remote != nil {
		rs := m.remote.statsSnapshot()
		s.Remote = &rs
	}
	return s
}
