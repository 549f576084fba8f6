// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/girino/app-ads-inspector/appads"
	"github.com/girino/app-ads-inspector/batch"
	"github.com/girino/app-ads-inspector/cache"
	"github.com/girino/app-ads-inspector/metrics"
	"github.com/girino/app-ads-inspector/stores"
)

// handleExtract resolves a single bundle identifier.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !stores.ValidBundleID(req.BundleID) {
		writeError(w, http.StatusBadRequest, kindBadRequest, "bundleId is missing or invalid", nil)
		return
	}
	terms, err := buildTerms(req.SearchTerms, req.StructuredParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error(), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), unaryTimeout)
	defer cancel()

	result := s.deps.Resolver.Resolve(ctx, req.BundleID, terms)
	if result.Success {
		metrics.ExtractRequests.WithLabelValues("success").Inc()
	} else {
		metrics.ExtractRequests.WithLabelValues("error").Inc()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

// handleExtractMultiple resolves a paginated list of bundle identifiers.
func (s *Server) handleExtractMultiple(w http.ResponseWriter, r *http.Request) {
	var req multiRequest
	if !decodeBody(w, r, &req) {
		return
	}
	validation, apiErr := validateIDs(req.BundleIDs, batch.DefaultMaxIDs)
	if apiErr != nil {
		writeError(w, http.StatusBadRequest, apiErr.Kind, apiErr.Message, apiErr.Details)
		return
	}
	if apiErr := validatePageSize(req.PageSize); apiErr != nil {
		writeError(w, http.StatusBadRequest, apiErr.Kind, apiErr.Message, nil)
		return
	}
	terms, err := buildTerms(req.SearchTerms, req.StructuredParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error(), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), unaryTimeout)
	defer cancel()

	result := s.deps.Processor.ResolveMany(ctx, validation.IDs, terms, req.Page, req.PageSize, batch.Options{})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"results":        result.Results,
		"pagination":     result.Pagination,
		"counts":         result.Counts,
		"searchStats":    result.SearchStats,
		"domainAnalysis": result.DomainAnalysis,
	})
}

// handleExportCSV resolves the full list without pagination and returns
// CSV.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	var req multiRequest
	if !decodeBody(w, r, &req) {
		return
	}
	validation, apiErr := validateIDs(req.BundleIDs, batch.ExportMaxIDs)
	if apiErr != nil {
		writeError(w, http.StatusBadRequest, apiErr.Kind, apiErr.Message, apiErr.Details)
		return
	}
	terms, err := buildTerms(req.SearchTerms, req.StructuredParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error(), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), unaryTimeout)
	defer cancel()

	result := s.deps.Processor.ResolveAll(ctx, validation.IDs, terms, batch.Export())

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="app-ads-export.csv"`)
	w.WriteHeader(http.StatusOK)
	writeCSV(w, result.Results)
}

// handleCheckAppAds analyses app-ads.txt for a domain directly.
func (s *Server) handleCheckAppAds(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	canonical, err := stores.CanonicalDomain("https://" + domain)
	if domain == "" || err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "domain query parameter is missing or invalid", nil)
		return
	}

	var terms []appads.Term
	if rawTerms := r.URL.Query().Get("searchTerms"); rawTerms != "" {
		for _, s := range splitTermList(rawTerms) {
			t, err := appads.PlainTerm(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, kindBadRequest, err.Error(), nil)
				return
			}
			terms = append(terms, t)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), unaryTimeout)
	defer cancel()

	report := s.deps.Inspector.Inspect(ctx, canonical, terms)
	if report.Analysed != nil {
		metrics.RecordAnalysis(report.Analysed.ValidLines, report.Analysed.CommentLines,
			report.Analysed.EmptyLines, report.Analysed.InvalidLines)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  report,
	})
}

// structuredSearchRequest is the structured-search body.
type structuredSearchRequest struct {
	Domain string          `json:"domain"`
	Query  structuredParam `json:"query"`
	// repeated params are accepted as well
	StructuredParams flexParams `json:"structuredParams"`
}

// handleStructuredSearch runs a structured query against one domain's
// app-ads.txt, caching the search result.
func (s *Server) handleStructuredSearch(w http.ResponseWriter, r *http.Request) {
	var req structuredSearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	canonical, err := stores.CanonicalDomain("https://" + req.Domain)
	if req.Domain == "" || err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "domain is missing or invalid", nil)
		return
	}

	var terms []appads.Term
	if t, err := appads.StructuredTerm(req.Query.Domain, req.Query.PublisherID, req.Query.Relationship, req.Query.TagID); err == nil {
		terms = append(terms, t)
	}
	for _, sp := range req.StructuredParams {
		if t, err := appads.StructuredTerm(sp.Domain, sp.PublisherID, sp.Relationship, sp.TagID); err == nil {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		writeError(w, http.StatusBadRequest, kindBadRequest, "query must set at least one of domain, publisherId, relationship, tagId", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), unaryTimeout)
	defer cancel()

	// structured searches are cached separately with the long analysis TTL
	cacheKey := "structured-search:" + canonical + ":" + termsLabel(terms)
	var cached appads.SearchResult
	if s.deps.Cache.GetJSON(ctx, cacheKey, &cached) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"result":  &cached,
			"cached":  true,
		})
		return
	}

	report := s.deps.Inspector.Inspect(ctx, canonical, terms)
	if !report.Exists {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"result":  nil,
			"report":  report,
		})
		return
	}
	if report.Search != nil {
		_ = s.deps.Cache.Set(ctx, cacheKey, report.Search, cache.TTLAnalysisResults)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  report.Search,
	})
}

func termsLabel(terms []appads.Term) string {
	out := ""
	for i, t := range terms {
		if i > 0 {
			out += "-"
		}
		out += t.Label()
	}
	return out
}

// handleStats exposes subsystem counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats": map[string]interface{}{
			"cache":     s.deps.Cache.Stats(),
			"fetch":     s.deps.Fetcher.Stats(),
			"ratelimit": s.deps.Limiter.Stats(),
			"workers":   s.deps.Pool.Stats(),
			"extractor": s.deps.Extractor.Stats(),
			"inspector": s.deps.Inspector.Stats(),
			"pipeline":  s.deps.Resolver.Stats(),
			"batch":     s.deps.Processor.Stats(),
			"memory": map[string]interface{}{
				"alloc_bytes":      m.Alloc,
				"heap_alloc_bytes": m.HeapAlloc,
				"sys_bytes":        m.Sys,
				"gc_cycles":        m.NumGC,
			},
			"goroutines":    runtime.NumGoroutine(),
			"uptimeSeconds": time.Since(s.deps.StartedAt).Seconds(),
		},
	})
}

// handleHealth reports liveness plus cache state for probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "up",
		"uptime":     time.Since(s.deps.StartedAt).Seconds(),
		"cacheStats": s.deps.Cache.Stats(),
		"version":    s.deps.Version,
	})
}
