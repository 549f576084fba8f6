// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// HTTP request boundary: routing, validation, quotas and response shaping.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/girino/app-ads-inspector/appads"
	"github.com/girino/app-ads-inspector/batch"
	"github.com/girino/app-ads-inspector/cache"
	"github.com/girino/app-ads-inspector/fetch"
	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/pipeline"
	"github.com/girino/app-ads-inspector/ratelimit"
	"github.com/girino/app-ads-inspector/stores"
	"github.com/girino/app-ads-inspector/workerpool"
)

// unaryTimeout caps wall-clock time of non-streaming requests.
const unaryTimeout = 5 * time.Minute

// Resolver is the single-bundle resolution dependency of the handlers.
type Resolver interface {
	Resolve(ctx context.Context, bundleID string, terms []appads.Term) *pipeline.Result
	Stats() pipeline.Stats
}

// Deps carries the shared subsystems the handlers compose.
type Deps struct {
	Cache     *cache.Manager
	Fetcher   *fetch.Client
	Limiter   *ratelimit.Limiter
	Pool      *workerpool.Pool
	Extractor *stores.Extractor
	Inspector *appads.Inspector
	Resolver  Resolver
	Processor *batch.Processor

	Version   string
	StartedAt time.Time

	// QuotaRPS/QuotaBurst bound per-caller API usage; zero disables.
	QuotaRPS   float64
	QuotaBurst int
}

// Server owns the router and the per-caller quota state.
type Server struct {
	deps   Deps
	router chi.Router

	quotaMu  sync.Mutex
	quotas   map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

// New builds the Server and its routes.
func New(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		quotas:   make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(recoverPanic)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.quota)

		api.Post("/extract", s.handleExtract)
		api.Post("/extract-multiple", s.handleExtractMultiple)
		api.Post("/export-csv", s.handleExportCSV)
		api.Get("/check-app-ads", s.handleCheckAppAds)
		api.Post("/structured-search", s.handleStructuredSearch)
		api.Get("/stats", s.handleStats)

		api.Route("/stream", func(st chi.Router) {
			st.Post("/extract-multiple", s.handleStreamExtractMultiple)
			st.Post("/export-csv", s.handleStreamExportCSV)
		})
	})

	s.router = r
	return s
}

// Handler returns the http handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestID attaches a request id header for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one line per request in verbose mode.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.DebugMethod("server", "accessLog", "%s %s -> %d (%d bytes, %v)",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start))
	})
}

// recoverPanic converts handler panics into the Internal error shape.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error("server: panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, kindInternal, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// quota enforces the per-caller API rate limit.
func (s *Server) quota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.QuotaRPS <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !s.callerLimiter(r).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, kindRateLimited, "API rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerLimiter returns (creating if needed) the caller's token bucket.
func (s *Server) callerLimiter(r *http.Request) *rate.Limiter {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	lim, ok := s.quotas[host]
	if !ok {
		burst := s.deps.QuotaBurst
		if burst <= 0 {
			burst = int(s.deps.QuotaRPS) + 1
		}
		lim = rate.NewLimiter(rate.Limit(s.deps.QuotaRPS), burst)
		s.quotas[host] = lim
	}
	s.lastSeen[host] = time.Now()

	// occasional sweep of idle callers
	if len(s.quotas) > 4096 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for h, seen := range s.lastSeen {
			if seen.Before(cutoff) {
				delete(s.quotas, h)
				delete(s.lastSeen, h)
			}
		}
	}
	return lim
}
