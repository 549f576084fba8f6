// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Concurrency-limited fan-out over bundle identifier lists.
package batch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/girino/app-ads-inspector/appads"
	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/pipeline"
	"github.com/girino/app-ads-inspector/stores"
)

const (
	// DefaultMaxIDs caps a batch; export endpoints double it.
	DefaultMaxIDs = 100
	ExportMaxIDs  = 200

	// DefaultConcurrency bounds in-flight resolutions per batch.
	DefaultConcurrency = 4
	ExportConcurrency  = 6

	DefaultPageSize = 20
	MinPageSize     = 5
	MaxPageSize     = 100

	batchResultTTL = 5 * time.Minute

	// heap level that triggers a GC hint between batches
	gcHintHeapBytes = 512 * 1024 * 1024
)

// Options tunes one ResolveMany run.
type Options struct {
	Concurrency int
	MaxIDs      int
}

// Export returns the option set used by CSV export endpoints.
func Export() Options {
	return Options{Concurrency: ExportConcurrency, MaxIDs: ExportMaxIDs}
}

func (o Options) normalised() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxIDs <= 0 {
		o.MaxIDs = DefaultMaxIDs
	}
	return o
}

// Counts summarises batch outcomes.
type Counts struct {
	Success        int `json:"success"`
	Error          int `json:"error"`
	Skipped        int `json:"skipped"`
	TotalProcessed int `json:"totalProcessed"`
	AppAdsFound    int `json:"appAdsFound"`
}

// TermStats aggregates one search term across the batch.
type TermStats struct {
	Term         string `json:"term"`
	TotalMatches int    `json:"totalMatches"`
	BundlesWith  int    `json:"bundlesWithMatches"`
}

// SharedDomain lists bundles that resolved to the same publisher domain.
type SharedDomain struct {
	Domain    string   `json:"domain"`
	BundleIDs []string `json:"bundleIds"`
}

// DomainAnalysis is the cross-bundle analytics block.
type DomainAnalysis struct {
	UniqueDomains int                       `json:"uniqueDomains"`
	SharedDomains []SharedDomain            `json:"sharedDomains,omitempty"`
	Relationships appads.RelationshipCounts `json:"relationships"`
}

// Pagination describes the returned page slice.
type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	TotalItems  int  `json:"totalItems"`
	HasNext     bool `json:"hasNext"`
	HasPrev     bool `json:"hasPrev"`
}

// Result is the full batch response.
type Result struct {
	Results        []*pipeline.Result `json:"results"`
	Pagination     Pagination         `json:"pagination"`
	Counts         Counts             `json:"counts"`
	SearchStats    []TermStats        `json:"searchStats,omitempty"`
	DomainAnalysis *DomainAnalysis    `json:"domainAnalysis,omitempty"`
}

// cachedBatch holds a complete unpaginated run for pagination reuse.
type cachedBatch struct {
	results   []*pipeline.Result
	counts    Counts
	stats     []TermStats
	analysis  *DomainAnalysis
	timestamp time.Time
}

// Resolver is the per-bundle resolution dependency of the processor.
type Resolver interface {
	Resolve(ctx context.Context, bundleID string, terms []appads.Term) *pipeline.Result
}

// Processor fans a list of bundle identifiers out over the resolver.
type Processor struct {
	resolver Resolver

	// CacheStats optionally reports service cache hits/misses so the
	// hit rate can be recorded between batches.
	CacheStats func() (hits, misses int64)

	cacheMu    sync.Mutex
	batchCache map[string]*cachedBatch

	// stats
	batches     int64
	bundlesRun  int64
	cacheReuses int64
}

// Stats holds runtime counters exported by Processor
type Stats struct {
	Batches     int64 `json:"batches"`
	BundlesRun  int64 `json:"bundles_run"`
	CacheReuses int64 `json:"cache_reuses"`
}

// NewProcessor creates a Processor on a shared resolver.
func NewProcessor(resolver Resolver) *Processor {
	return &Processor{
		resolver:   resolver,
		batchCache: make(map[string]*cachedBatch),
	}
}

// Stats returns a snapshot of the Processor counters
func (p *Processor) Stats() Stats {
	return Stats{
		Batches:     atomic.LoadInt64(&p.batches),
		BundlesRun:  atomic.LoadInt64(&p.bundlesRun),
		CacheReuses: atomic.LoadInt64(&p.cacheReuses),
	}
}

// Dedupe trims and deduplicates bundle identifiers case-sensitively,
// preserving first-seen order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// batchKey hashes sorted ids and terms so pagination requests reuse the run.
func batchKey(ids []string, terms []appads.Term) string {
	sortedIDs := append([]string(nil), ids...)
	sort.Strings(sortedIDs)
	labels := make([]string, len(terms))
	for i, t := range terms {
		labels[i] = t.Label()
	}
	sort.Strings(labels)

	h := md5.New()
	for _, id := range sortedIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, l := range labels {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResolveMany resolves a deduplicated id list and returns the requested
// page. The complete run is cached for a short period so later pages do
// not recompute it.
func (p *Processor) ResolveMany(ctx context.Context, ids []string, terms []appads.Term, page, pageSize int, opts Options) *Result {
	opts = opts.normalised()
	deduped := Dedupe(ids)
	if len(deduped) > opts.MaxIDs {
		deduped = deduped[:opts.MaxIDs]
	}

	run := p.lookupBatch(deduped, terms)
	if run == nil {
		run = p.execute(ctx, deduped, terms, opts)
		p.storeBatch(deduped, terms, run)
	} else {
		atomic.AddInt64(&p.cacheReuses, 1)
	}

	return paginate(run, page, pageSize)
}

// ResolveAll resolves the whole list without pagination (CSV export).
func (p *Processor) ResolveAll(ctx context.Context, ids []string, terms []appads.Term, opts Options) *Result {
	opts = opts.normalised()
	deduped := Dedupe(ids)
	if len(deduped) > opts.MaxIDs {
		deduped = deduped[:opts.MaxIDs]
	}
	run := p.execute(ctx, deduped, terms, opts)

	total := len(run.results)
	return &Result{
		Results: run.results,
		Pagination: Pagination{
			CurrentPage: 1,
			TotalPages:  1,
			TotalItems:  total,
		},
		Counts:         run.counts,
		SearchStats:    run.stats,
		DomainAnalysis: run.analysis,
	}
}

// Each resolves ids with bounded concurrency and hands each result to fn
// as it completes (completion order). Used by the streaming endpoints.
func (p *Processor) Each(ctx context.Context, ids []string, terms []appads.Term, opts Options, fn func(*pipeline.Result)) int {
	opts = opts.normalised()
	deduped := Dedupe(ids)
	if len(deduped) > opts.MaxIDs {
		deduped = deduped[:opts.MaxIDs]
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, id := range deduped {
		id := id
		g.Go(func() error {
			res := p.resolveOne(gctx, id, terms)
			mu.Lock()
			fn(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return len(deduped)
}

// resolveOne validates and resolves a single identifier.
func (p *Processor) resolveOne(ctx context.Context, id string, terms []appads.Term) *pipeline.Result {
	atomic.AddInt64(&p.bundlesRun, 1)
	if !stores.ValidBundleID(id) {
		return &pipeline.Result{
			BundleID:  id,
			StoreKind: stores.Unknown,
			Error: &pipeline.Error{
				Kind:    pipeline.KindBadRequest,
				Message: "invalid bundle identifier",
			},
			Timestamp:        time.Now(),
			ProcessingMethod: appads.MethodNone,
		}
	}
	return p.resolver.Resolve(ctx, id, terms)
}

// execute runs the whole list in concurrency-bounded batches. Results
// mirror input order.
func (p *Processor) execute(ctx context.Context, ids []string, terms []appads.Term, opts Options) *cachedBatch {
	atomic.AddInt64(&p.batches, 1)
	results := make([]*pipeline.Result, len(ids))

	for start := 0; start < len(ids); start += opts.Concurrency {
		end := start + opts.Concurrency
		if end > len(ids) {
			end = len(ids)
		}

		// all tasks inside a batch run concurrently; the batch completes
		// before the next starts
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				results[i] = p.resolveOne(gctx, ids[i], terms)
				return nil
			})
		}
		_ = g.Wait()

		p.interBatchProbe()
	}

	run := &cachedBatch{
		results:   results,
		timestamp: time.Now(),
	}
	run.counts = countOutcomes(results)
	run.stats = searchStats(results, terms)
	run.analysis = analyseDomains(results)
	return run
}

// interBatchProbe hints the collector when the heap is large between
// batches and records the cache hit rate.
func (p *Processor) interBatchProbe() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapAlloc >= gcHintHeapBytes {
		logging.DebugMethod("batch", "interBatchProbe", "heap %d MiB, hinting GC", m.HeapAlloc/1024/1024)
		runtime.GC()
	}
	if p.CacheStats != nil {
		hits, misses := p.CacheStats()
		if total := hits + misses; total > 0 {
			logging.DebugMethod("batch", "interBatchProbe", "cache hit rate %.1f%% (%d/%d)",
				float64(hits)/float64(total)*100, hits, total)
		}
	}
}

func countOutcomes(results []*pipeline.Result) Counts {
	var c Counts
	for _, r := range results {
		c.TotalProcessed++
		switch {
		case r.Success:
			c.Success++
			if r.AppAdsTxt != nil && r.AppAdsTxt.Exists {
				c.AppAdsFound++
			}
		case r.Error != nil && r.Error.Kind == pipeline.KindBadRequest:
			c.Skipped++
		default:
			c.Error++
		}
	}
	return c
}

func searchStats(results []*pipeline.Result, terms []appads.Term) []TermStats {
	if len(terms) == 0 {
		return nil
	}
	stats := make([]TermStats, len(terms))
	for i, t := range terms {
		stats[i].Term = t.Label()
	}
	for _, r := range results {
		if r.AppAdsTxt == nil || r.AppAdsTxt.Search == nil {
			continue
		}
		for i, pt := range r.AppAdsTxt.Search.PerTerm {
			if i >= len(stats) {
				break
			}
			stats[i].TotalMatches += pt.Count
			if pt.Count > 0 {
				stats[i].BundlesWith++
			}
		}
	}
	return stats
}

func analyseDomains(results []*pipeline.Result) *DomainAnalysis {
	byDomain := make(map[string][]string)
	var rel appads.RelationshipCounts
	for _, r := range results {
		if !r.Success || r.Domain == "" {
			continue
		}
		byDomain[r.Domain] = append(byDomain[r.Domain], r.BundleID)
		if r.AppAdsTxt != nil && r.AppAdsTxt.Analysed != nil {
			rel.Direct += r.AppAdsTxt.Analysed.Relationships.Direct
			rel.Reseller += r.AppAdsTxt.Analysed.Relationships.Reseller
			rel.Other += r.AppAdsTxt.Analysed.Relationships.Other
		}
	}
	if len(byDomain) == 0 {
		return &DomainAnalysis{Relationships: rel}
	}

	analysis := &DomainAnalysis{
		UniqueDomains: len(byDomain),
		Relationships: rel,
	}
	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		if len(byDomain[d]) > 1 {
			analysis.SharedDomains = append(analysis.SharedDomains, SharedDomain{Domain: d, BundleIDs: byDomain[d]})
		}
	}
	return analysis
}

// lookupBatch returns a fresh cached run for the same ids and terms.
func (p *Processor) lookupBatch(ids []string, terms []appads.Term) *cachedBatch {
	key := batchKey(ids, terms)
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	run, ok := p.batchCache[key]
	if !ok {
		return nil
	}
	if time.Since(run.timestamp) >= batchResultTTL {
		delete(p.batchCache, key)
		return nil
	}
	return run
}

func (p *Processor) storeBatch(ids []string, terms []appads.Term, run *cachedBatch) {
	key := batchKey(ids, terms)
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	// opportunistic expiry sweep keeps the map small
	now := time.Now()
	for k, v := range p.batchCache {
		if now.Sub(v.timestamp) >= batchResultTTL {
			delete(p.batchCache, k)
		}
	}
	p.batchCache[key] = run
}

// ClampPageSize bounds a requested page size to the allowed range.
func ClampPageSize(pageSize int) int {
	if pageSize <= 0 {
		return DefaultPageSize
	}
	if pageSize < MinPageSize {
		return MinPageSize
	}
	if pageSize > MaxPageSize {
		return MaxPageSize
	}
	return pageSize
}

func paginate(run *cachedBatch, page, pageSize int) *Result {
	pageSize = ClampPageSize(pageSize)
	if page < 1 {
		page = 1
	}
	total := len(run.results)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return &Result{
		Results: run.results[start:end],
		Pagination: Pagination{
			CurrentPage: page,
			TotalPages:  totalPages,
			TotalItems:  total,
			HasNext:     page < totalPages,
			HasPrev:     page > 1,
		},
		Counts:         run.counts,
		SearchStats:    run.stats,
		DomainAnalysis: run.analysis,
	}
}
