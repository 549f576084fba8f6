// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package appads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/girino/app-ads-inspector/fetch"
	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/ratelimit"
	"github.com/girino/app-ads-inspector/workerpool"
)

const (
	// RateKey is the limiter resource key guarding app-ads.txt fetches.
	RateKey = "app-ads-txt"

	// SyncMaxBytes is the buffered-size boundary between the sync and
	// worker parse paths.
	SyncMaxBytes = 100 * 1024

	defaultStreamThreshold = 2 * 1024 * 1024
)

// Inspector fetches and analyses app-ads.txt files. The execution path is
// chosen by size: small bodies parse inline, large buffered bodies go to
// the worker pool, and bodies whose HEAD advertises more than the stream
// threshold are parsed straight off the wire.
type Inspector struct {
	fetcher         *fetch.Client
	limiter         *ratelimit.Limiter
	pool            *workerpool.Pool
	streamThreshold int64

	// stats
	inspections int64
	found       int64
	missing     int64
	fetchFailed int64
	streamed    int64
	workered    int64
}

// Stats holds runtime counters exported by Inspector
type Stats struct {
	Inspections int64 `json:"inspections"`
	Found       int64 `json:"found"`
	Missing     int64 `json:"missing"`
	FetchFailed int64 `json:"fetch_failed"`
	Streamed    int64 `json:"streamed"`
	Workered    int64 `json:"workered"`
}

// NewInspector creates an Inspector. pool may be nil, disabling the
// worker path; streamThreshold <= 0 uses the default.
func NewInspector(fetcher *fetch.Client, limiter *ratelimit.Limiter, pool *workerpool.Pool, streamThreshold int64) *Inspector {
	if streamThreshold <= 0 {
		streamThreshold = defaultStreamThreshold
	}
	return &Inspector{
		fetcher:         fetcher,
		limiter:         limiter,
		pool:            pool,
		streamThreshold: streamThreshold,
	}
}

// Stats returns a snapshot of the Inspector counters
func (ins *Inspector) Stats() Stats {
	return Stats{
		Inspections: atomic.LoadInt64(&ins.inspections),
		Found:       atomic.LoadInt64(&ins.found),
		Missing:     atomic.LoadInt64(&ins.missing),
		FetchFailed: atomic.LoadInt64(&ins.fetchFailed),
		Streamed:    atomic.LoadInt64(&ins.streamed),
		Workered:    atomic.LoadInt64(&ins.workered),
	}
}

// Inspect resolves https then http for <domain>/app-ads.txt and analyses
// whatever it finds. It never returns an error; failures are reported in
// the Report so callers can cache them.
func (ins *Inspector) Inspect(ctx context.Context, domain string, terms []Term) *Report {
	atomic.AddInt64(&ins.inspections, 1)

	candidates := []string{
		"https://" + domain + "/app-ads.txt",
		"http://" + domain + "/app-ads.txt",
	}

	var fetchErrors []string
	sawNotFound := false

	for _, url := range candidates {
		report, notFound, errMsg := ins.tryURL(ctx, url, terms)
		if report != nil {
			report.FetchErrors = fetchErrors
			if report.Exists {
				atomic.AddInt64(&ins.found, 1)
			}
			return report
		}
		if notFound {
			sawNotFound = true
		}
		fetchErrors = append(fetchErrors, errMsg)
		if ctx.Err() != nil {
			break
		}
	}

	report := &Report{
		Exists:           false,
		FetchErrors:      fetchErrors,
		ProcessingMethod: MethodNone,
	}
	if sawNotFound {
		atomic.AddInt64(&ins.missing, 1)
	} else {
		atomic.AddInt64(&ins.fetchFailed, 1)
		report.Error = "all fetch attempts failed"
	}
	return report
}

// tryURL attempts one protocol. It returns a non-nil report on a
// conclusive outcome (found, or found-but-unprocessable); otherwise an
// error message for the fetchErrors list.
func (ins *Inspector) tryURL(ctx context.Context, url string, terms []Term) (report *Report, notFound bool, errMsg string) {
	// HEAD decides whether the body is worth streaming
	if err := ins.limiter.Acquire(ctx, RateKey); err != nil {
		return nil, false, fmt.Sprintf("%s: %v", url, err)
	}
	head, headErr := ins.fetcher.Head(ctx, url, fetch.Options{})
	if headErr == nil {
		switch {
		case head.StatusCode == http.StatusNotFound || head.StatusCode == http.StatusGone:
			ins.limiter.ReportSuccess(RateKey)
			return nil, true, fmt.Sprintf("%s: status %d", url, head.StatusCode)
		case head.StatusCode >= 400:
			ins.reportStatus(head.StatusCode)
			return nil, false, fmt.Sprintf("%s: status %d", url, head.StatusCode)
		case head.ContentLength > ins.streamThreshold:
			ins.limiter.ReportSuccess(RateKey)
			return ins.streamPath(ctx, url, head.ContentLength, terms)
		}
		ins.limiter.ReportSuccess(RateKey)
	} else {
		// HEAD is advisory; fall through to GET with length unknown
		logging.DebugMethod("appads", "tryURL", "HEAD %s failed, falling back to GET: %v", url, headErr)
	}

	return ins.bufferedPath(ctx, url, terms)
}

// streamPath parses the body directly off the wire.
func (ins *Inspector) streamPath(ctx context.Context, url string, contentLength int64, terms []Term) (*Report, bool, string) {
	if err := ins.limiter.Acquire(ctx, RateKey); err != nil {
		return nil, false, fmt.Sprintf("%s: %v", url, err)
	}
	body, err := ins.fetcher.FetchStream(ctx, url, fetch.Options{})
	if err != nil {
		return ins.classifyFetchError(url, contentLength, err)
	}
	defer body.Close()
	ins.limiter.ReportSuccess(RateKey)
	atomic.AddInt64(&ins.streamed, 1)

	res, serr := StreamAnalyse(ctx, body, terms, func(level string, heapBytes uint64) {
		logging.Warn("appads: %s memory pressure while streaming %s (heap %d MiB)", level, url, heapBytes/1024/1024)
	})

	report := &Report{
		Exists:           true,
		URL:              url,
		ContentSample:    res.HeadSample,
		ContentLength:    contentLength,
		Analysed:         res.Analysis,
		ProcessingMethod: MethodStream,
	}
	if serr != nil {
		report.Error = serr.Error()
		return report, false, ""
	}
	if len(terms) > 0 {
		report.Search = res.Search
	}
	if report.ContentLength <= 0 {
		report.ContentLength = res.BytesRead
	}
	return report, false, ""
}

// bufferedPath downloads the whole body and parses it inline or on the pool.
func (ins *Inspector) bufferedPath(ctx context.Context, url string, terms []Term) (*Report, bool, string) {
	if err := ins.limiter.Acquire(ctx, RateKey); err != nil {
		return nil, false, fmt.Sprintf("%s: %v", url, err)
	}
	text, err := ins.fetcher.FetchText(ctx, url, fetch.Options{})
	if err != nil {
		return ins.classifyFetchError(url, 0, err)
	}
	ins.limiter.ReportSuccess(RateKey)

	report := &Report{
		Exists:        true,
		URL:           url,
		ContentLength: int64(len(text)),
		ContentSample: truncate(text, HeadSampleBytes),
	}

	maxMatches := MaxMatches
	if ins.pool != nil && ins.pool.MemoryPressured() {
		maxMatches = MaxMatchesPressured
	}

	if len(text) <= SyncMaxBytes || ins.pool == nil {
		report.Analysed, report.Search = Analyse(text, terms, maxMatches)
		report.ProcessingMethod = MethodSync
	} else {
		report.Analysed, report.Search = ins.analyseOnPool(ctx, text, terms, maxMatches)
		if report.Analysed.Error != "" && report.Analysed.TotalLines == 0 {
			report.ProcessingMethod = MethodSync
			report.Error = report.Analysed.Error
		} else {
			report.ProcessingMethod = MethodWorker
		}
	}

	if len(terms) == 0 {
		report.Search = nil
	}
	return report, false, ""
}

// analyseOnPool submits the parse to the worker pool, falling back to a
// synchronous parse when the pool rejects or kills the task.
func (ins *Inspector) analyseOnPool(ctx context.Context, text string, terms []Term, maxMatches int) (*Analysis, *SearchResult) {
	type parsed struct {
		analysis *Analysis
		search   *SearchResult
	}

	v, err := ins.pool.Submit(ctx, func(tctx context.Context) (interface{}, error) {
		analysis, search := Analyse(text, terms, maxMatches)
		return parsed{analysis, search}, nil
	}, workerpool.Normal)
	if err == nil {
		atomic.AddInt64(&ins.workered, 1)
		p := v.(parsed)
		return p.analysis, p.search
	}

	switch {
	case errors.Is(err, workerpool.ErrTaskTimeout),
		errors.Is(err, workerpool.ErrMemoryExceeded),
		errors.Is(err, workerpool.ErrQueueFull),
		errors.Is(err, workerpool.ErrPoolClosed):
		logging.Warn("appads: worker parse failed (%v), retrying synchronously", err)
		analysis, search := Analyse(text, terms, MaxMatchesPressured)
		return analysis, search
	default:
		// caller cancellation or an unexpected failure: minimal analysis
		return errorAnalysis(err), nil
	}
}

// classifyFetchError maps a fetch failure onto the outcome triple.
func (ins *Inspector) classifyFetchError(url string, contentLength int64, err error) (*Report, bool, string) {
	var statusErr *fetch.StatusError
	if errors.As(err, &statusErr) {
		ins.reportStatus(statusErr.StatusCode)
		notFound := statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusGone
		return nil, notFound, fmt.Sprintf("%s: status %d", url, statusErr.StatusCode)
	}
	if errors.Is(err, fetch.ErrResponseTooLarge) {
		// the file exists but is too large to process
		report := &Report{
			Exists:           true,
			URL:              url,
			ContentLength:    contentLength,
			Error:            err.Error(),
			ProcessingMethod: MethodNone,
		}
		return report, false, ""
	}
	return nil, false, fmt.Sprintf("%s: %v", url, err)
}

func (ins *Inspector) reportStatus(status int) {
	if status == http.StatusTooManyRequests || status == http.StatusForbidden {
		ins.limiter.ReportError(RateKey, status)
	} else {
		ins.limiter.ReportSuccess(RateKey)
	}
}
