// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/girino/app-ads-inspector/logging"
)

const (
	// values above this are gzip-compressed on disk
	diskCompressThreshold = 10 * 1024
	diskCleanupBatchSize  = 100
)

// diskTier stores one file per key at <dir>/<md5(key)>.json[.gz] with the
// payload {expiry:<unix-ms>, value:<json>}. Writes go to a temp file and
// rename into place.
type diskTier struct {
	dir             string
	cleanupInterval time.Duration

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	wg            sync.WaitGroup

	// stats
	writes   int64
	reads    int64
	removals int64
}

// DiskStats holds counters for the disk tier
type DiskStats struct {
	Dir      string `json:"dir"`
	Writes   int64  `json:"writes"`
	Reads    int64  `json:"reads"`
	Removals int64  `json:"removals"`
}

func newDiskTier(dir string, cleanupInterval time.Duration) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &diskTier{
		dir:             dir,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}, nil
}

func keyFilename(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// paths returns the plain and compressed candidate paths for a key.
func (t *diskTier) paths(key string) (plain, compressed string) {
	base := filepath.Join(t.dir, keyFilename(key))
	return base + ".json", base + ".json.gz"
}

func (t *diskTier) get(key string, now time.Time) (*entry, bool) {
	plain, compressed := t.paths(key)

	data, compressedFile, err := readEither(plain, compressed)
	if err != nil {
		return nil, false
	}
	atomic.AddInt64(&t.reads, 1)

	if compressedFile {
		gz, err := gzip.NewReader(strings.NewReader(string(data)))
		if err != nil {
			t.removeBoth(key)
			return nil, false
		}
		decoded, err := io.ReadAll(gz)
		gz.Close()
		if err != nil {
			t.removeBoth(key)
			return nil, false
		}
		data = decoded
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// corrupted entries are deleted, not surfaced
		logging.DebugMethod("cache", "diskGet", "corrupt cache file for %s: %v", key, err)
		t.removeBoth(key)
		return nil, false
	}
	if e.expired(now) {
		t.removeBoth(key)
		return nil, false
	}
	return &e, true
}

func readEither(plain, compressed string) (data []byte, wasCompressed bool, err error) {
	if data, err = os.ReadFile(plain); err == nil {
		return data, false, nil
	}
	if data, err = os.ReadFile(compressed); err == nil {
		return data, true, nil
	}
	return nil, false, err
}

func (t *diskTier) set(key string, e *entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	plain, compressed := t.paths(key)

	target := plain
	payload := data
	if len(data) > diskCompressThreshold {
		var sb strings.Builder
		gz := gzip.NewWriter(&sb)
		if _, err := gz.Write(data); err == nil && gz.Close() == nil {
			target = compressed
			payload = []byte(sb.String())
		}
	}

	tmp, err := os.CreateTemp(t.dir, ".tmp-*")
	if err != nil {
		logging.DebugMethod("cache", "diskSet", "temp file for %s: %v", key, err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return
	}
	// drop the sibling representation so only one file holds the key
	if target == plain {
		os.Remove(compressed)
	} else {
		os.Remove(plain)
	}
	atomic.AddInt64(&t.writes, 1)
}

func (t *diskTier) removeBoth(key string) {
	plain, compressed := t.paths(key)
	if os.Remove(plain) == nil {
		atomic.AddInt64(&t.removals, 1)
	}
	if os.Remove(compressed) == nil {
		atomic.AddInt64(&t.removals, 1)
	}
}

func (t *diskTier) delete(key string) {
	t.removeBoth(key)
}

func (t *diskTier) clear() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	for _, de := range entries {
		name := de.Name()
		if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz") {
			if os.Remove(filepath.Join(t.dir, name)) == nil {
				atomic.AddInt64(&t.removals, 1)
			}
		}
	}
}

func (t *diskTier) stats() DiskStats {
	return DiskStats{
		Dir:      t.dir,
		Writes:   atomic.LoadInt64(&t.writes),
		Reads:    atomic.LoadInt64(&t.reads),
		Removals: atomic.LoadInt64(&t.removals),
	}
}

// startCleanup starts a goroutine to remove expired or corrupted files
func (t *diskTier) startCleanup() {
	t.cleanupTicker = time.NewTicker(t.cleanupInterval)
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.cleanupTicker.C:
				t.cleanupPass()
			case <-t.stopCleanup:
				return
			}
		}
	}()
}

// cleanupPass walks cache files in batches, deleting expired and corrupted
// entries.
func (t *diskTier) cleanupPass() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	now := time.Now()
	processed := 0
	removed := 0

	for _, de := range entries {
		name := de.Name()
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".json.gz") {
			continue
		}
		if processed >= diskCleanupBatchSize {
			// batches keep a large cache dir from monopolizing the pass;
			// the remainder waits for the next tick
			break
		}
		processed++

		path := filepath.Join(t.dir, name)
		if t.fileExpiredOrCorrupt(path, strings.HasSuffix(name, ".gz"), now) {
			if os.Remove(path) == nil {
				removed++
				atomic.AddInt64(&t.removals, 1)
			}
		}
	}
	if removed > 0 {
		logging.DebugMethod("cache", "cleanupPass", "disk tier removed %d of %d inspected files", removed, processed)
	}
}

func (t *diskTier) fileExpiredOrCorrupt(path string, compressed bool, now time.Time) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if compressed {
		gz, err := gzip.NewReader(strings.NewReader(string(data)))
		if err != nil {
			return true
		}
		decoded, err := io.ReadAll(gz)
		gz.Close()
		if err != nil {
			return true
		}
		data = decoded
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return true
	}
	return e.expired(now)
}

func (t *diskTier) stop() {
	if t.cleanupTicker != nil {
		t.cleanupTicker.Stop()
		close(t.stopCleanup)
		t.wg.Wait()
	}
}
