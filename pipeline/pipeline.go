// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Per-bundle resolution pipeline: detect store, extract developer domain,
// fetch and analyse app-ads.txt, cache both stages.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/girino/app-ads-inspector/appads"
	"github.com/girino/app-ads-inspector/cache"
	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/stores"
)

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// Error kinds surfaced on per-bundle failures.
const (
	KindBadRequest          = "BadRequest"
	KindStoreNotRecognised  = "StoreNotRecognised"
	KindUpstreamFetchFailed = "UpstreamFetchFailed"
	KindInternal            = "Internal"
)

// Error is a typed per-bundle failure with a machine-readable kind.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Message
}

// Result is the per-bundle outcome delivered to callers.
type Result struct {
	BundleID         string         `json:"bundleId"`
	StoreKind        stores.Kind    `json:"storeKind"`
	Success          bool           `json:"success"`
	DeveloperURL     string         `json:"developerUrl,omitempty"`
	Domain           string         `json:"domain,omitempty"`
	AppAdsTxt        *appads.Report `json:"appAdsTxt,omitempty"`
	Error            *Error         `json:"error,omitempty"`
	StoreErrors      []string       `json:"storeErrors,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	ProcessingMethod string         `json:"processingMethod"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
}

// cachedStore is the store-stage record kept in the cache. The terms
// signature lets a hit with different terms reuse the domain while
// re-running only the app-ads stage.
type cachedStore struct {
	Result   Result `json:"result"`
	TermsSig string `json:"termsSig"`
}

// Extractor resolves a bundle on one store into a developer domain.
type Extractor interface {
	Extract(ctx context.Context, bundleID string, kind stores.Kind) (*stores.Extraction, error)
}

// Inspector fetches and analyses a domain's app-ads.txt.
type Inspector interface {
	Inspect(ctx context.Context, domain string, terms []appads.Term) *appads.Report
}

// Resolver composes the store extractor and the app-ads inspector.
type Resolver struct {
	cache     *cache.Manager
	extractor Extractor
	inspector Inspector

	sf singleflight.Group

	// per-store consecutive failure tracking
	mu            sync.Mutex
	storeFailures map[stores.Kind]int64

	// stats
	resolved  int64
	cacheHits int64
	failures  int64
	fallbacks int64
}

// StoreHealth reports one store's health state.
type StoreHealth struct {
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	State               string `json:"state"`
}

// Stats holds runtime counters exported by Resolver
type Stats struct {
	Resolved  int64                       `json:"resolved"`
	CacheHits int64                       `json:"cache_hits"`
	Failures  int64                       `json:"failures"`
	Fallbacks int64                       `json:"fallbacks"`
	Stores    map[stores.Kind]StoreHealth `json:"stores"`
}

// NewResolver creates a Resolver on shared subsystems.
func NewResolver(c *cache.Manager, extractor Extractor, inspector Inspector) *Resolver {
	return &Resolver{
		cache:         c,
		extractor:     extractor,
		inspector:     inspector,
		storeFailures: make(map[stores.Kind]int64),
	}
}

// getHealthState determines the health state based on consecutive failures
func getHealthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return HealthGreen
	} else if consecutiveFailures < 10 {
		return HealthYellow
	}
	return HealthRed
}

// Stats returns a snapshot of the Resolver counters
func (r *Resolver) Stats() Stats {
	s := Stats{
		Resolved:  atomic.LoadInt64(&r.resolved),
		CacheHits: atomic.LoadInt64(&r.cacheHits),
		Failures:  atomic.LoadInt64(&r.failures),
		Fallbacks: atomic.LoadInt64(&r.fallbacks),
		Stores:    make(map[stores.Kind]StoreHealth),
	}
	r.mu.Lock()
	for kind, failures := range r.storeFailures {
		s.Stores[kind] = StoreHealth{
			ConsecutiveFailures: failures,
			State:               getHealthState(failures),
		}
	}
	r.mu.Unlock()
	return s
}

func (r *Resolver) recordStoreOutcome(kind stores.Kind, ok bool) {
	r.mu.Lock()
	if ok {
		r.storeFailures[kind] = 0
	} else {
		r.storeFailures[kind]++
	}
	r.mu.Unlock()
}

// termsSig is a stable signature of a term set, also used in cache keys.
func termsSig(terms []appads.Term) string {
	if len(terms) == 0 {
		return ""
	}
	labels := make([]string, len(terms))
	for i, t := range terms {
		labels[i] = t.Label()
	}
	sort.Strings(labels)
	return strings.Join(labels, "-")
}

func storeKey(kind stores.Kind, bundleID string) string {
	return "store:" + string(kind) + "-" + bundleID
}

func appAdsKey(domain, sig string) string {
	key := "app-ads-txt:" + domain
	if sig != "" {
		key += ":" + sig
	}
	return key
}

// Resolve runs the full per-bundle pipeline. It never returns an error;
// failures are encoded in the Result.
func (r *Resolver) Resolve(ctx context.Context, bundleID string, terms []appads.Term) *Result {
	started := time.Now()
	sig := termsSig(terms)

	// collapse concurrent identical requests into one execution
	v, _, _ := r.sf.Do(bundleID+"\x00"+sig, func() (interface{}, error) {
		return r.resolveOnce(ctx, bundleID, terms, sig, started), nil
	})
	return v.(*Result)
}

func (r *Resolver) resolveOnce(ctx context.Context, bundleID string, terms []appads.Term, sig string, started time.Time) *Result {
	atomic.AddInt64(&r.resolved, 1)

	kind := stores.Detect(bundleID)
	if kind == stores.Unknown {
		atomic.AddInt64(&r.failures, 1)
		return r.finish(&Result{
			BundleID:  bundleID,
			StoreKind: stores.Unknown,
			Error: &Error{
				Kind:    KindStoreNotRecognised,
				Message: "bundle identifier matches no supported store pattern",
			},
			ProcessingMethod: appads.MethodNone,
		}, started)
	}

	// store-stage cache
	var cached cachedStore
	if r.cache.GetJSON(ctx, storeKey(kind, bundleID), &cached) {
		atomic.AddInt64(&r.cacheHits, 1)
		if cached.TermsSig == sig {
			logging.DebugMethod("pipeline", "Resolve", "full cache hit for %s", bundleID)
			return &cached.Result
		}
		if cached.Result.Success && cached.Result.Domain != "" {
			// same domain, new terms: only the app-ads stage re-runs
			logging.DebugMethod("pipeline", "Resolve", "domain cache hit for %s, re-searching with new terms", bundleID)
			res := cached.Result
			res.AppAdsTxt = r.inspectDomain(ctx, cached.Result.Domain, terms, sig)
			res.ProcessingMethod = res.AppAdsTxt.ProcessingMethod
			out := r.finish(&res, started)
			r.store(ctx, kind, bundleID, out, sig)
			return out
		}
	}

	result := r.extractWithFallback(ctx, bundleID, kind, terms, sig)
	out := r.finish(result, started)
	// keyed by the detected kind so the next lookup finds it even when a
	// fallback store answered
	r.store(ctx, kind, bundleID, out, sig)
	return out
}

// extractWithFallback tries the detected store, then every other
// supported store in the fixed order.
func (r *Resolver) extractWithFallback(ctx context.Context, bundleID string, detected stores.Kind, terms []appads.Term, sig string) *Result {
	tried := []stores.Kind{detected}
	for _, k := range stores.FallbackOrder {
		if k != detected {
			tried = append(tried, k)
		}
	}

	var storeErrors []string
	for i, kind := range tried {
		if ctx.Err() != nil {
			storeErrors = append(storeErrors, string(kind)+": "+ctx.Err().Error())
			break
		}
		if i > 0 {
			atomic.AddInt64(&r.fallbacks, 1)
		}

		ext, err := r.extractor.Extract(ctx, bundleID, kind)
		if err != nil {
			r.recordStoreOutcome(kind, false)
			storeErrors = append(storeErrors, string(kind)+": "+err.Error())
			continue
		}
		r.recordStoreOutcome(kind, true)

		report := r.inspectDomain(ctx, ext.Domain, terms, sig)
		return &Result{
			BundleID:         bundleID,
			StoreKind:        kind,
			Success:          true,
			DeveloperURL:     ext.DeveloperURL,
			Domain:           ext.Domain,
			AppAdsTxt:        report,
			ProcessingMethod: report.ProcessingMethod,
		}
	}

	atomic.AddInt64(&r.failures, 1)
	return &Result{
		BundleID:  bundleID,
		StoreKind: detected,
		Error: &Error{
			Kind:    KindUpstreamFetchFailed,
			Message: "extraction failed on all supported stores",
		},
		StoreErrors:      storeErrors,
		ProcessingMethod: appads.MethodNone,
	}
}

// inspectDomain consults the app-ads cache and runs the inspector on miss.
func (r *Resolver) inspectDomain(ctx context.Context, domain string, terms []appads.Term, sig string) *appads.Report {
	key := appAdsKey(domain, sig)

	var report appads.Report
	if r.cache.GetJSON(ctx, key, &report) {
		atomic.AddInt64(&r.cacheHits, 1)
		logging.DebugMethod("pipeline", "inspectDomain", "app-ads cache hit for %s", domain)
		return &report
	}

	fresh := r.inspector.Inspect(ctx, domain, terms)

	class := cache.TTLAppAdsTxtError
	switch {
	case fresh.Exists && fresh.Error == "":
		class = cache.TTLAppAdsTxtFound
	case !fresh.Exists && fresh.Error == "":
		class = cache.TTLAppAdsTxtMissing
	}
	if err := r.cache.Set(ctx, key, fresh, class); err != nil {
		logging.DebugMethod("pipeline", "inspectDomain", "cache write failed for %s: %v", key, err)
	}
	return fresh
}

// store persists the store-stage result with the outcome TTL class.
func (r *Resolver) store(ctx context.Context, kind stores.Kind, bundleID string, res *Result, sig string) {
	class := cache.TTLStoreSuccess
	if !res.Success {
		class = cache.TTLStoreError
	}
	err := r.cache.Set(ctx, storeKey(kind, bundleID), cachedStore{Result: *res, TermsSig: sig}, class)
	if err != nil {
		logging.DebugMethod("pipeline", "store", "cache write failed for %s: %v", bundleID, err)
	}
}

func (r *Resolver) finish(res *Result, started time.Time) *Result {
	res.Timestamp = time.Now()
	res.ProcessingTimeMs = time.Since(started).Milliseconds()
	return res
}
