// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// App-Ads Inspector - resolves store bundle identifiers to developer
// domains and analyses the app-ads.txt files published there.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/girino/app-ads-inspector/appads"
	"github.com/girino/app-ads-inspector/batch"
	"github.com/girino/app-ads-inspector/cache"
	"github.com/girino/app-ads-inspector/fetch"
	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/pipeline"
	"github.com/girino/app-ads-inspector/ratelimit"
	"github.com/girino/app-ads-inspector/server"
	"github.com/girino/app-ads-inspector/stores"
	"github.com/girino/app-ads-inspector/workerpool"
)

func main() {
	// Track start time for uptime calculation
	startTime := time.Now()

	// use LoadConfig to read env/flags
	cfg := LoadConfig()
	logging.SetVerbose(cfg.Verbose)
	defer logging.Sync()

	// cache: memory always, disk when a dir is configured, redis when an
	// address is configured
	cacheManager, err := cache.New(cache.Config{
		MaxItems:      cfg.CacheMaxItems,
		Dir:           cfg.CacheDir,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	})
	if err != nil {
		logging.Fatal("initializing cache: %v", err)
	}
	if err := cacheManager.Init(); err != nil {
		logging.Fatal("initializing cache: %v", err)
	}
	defer cacheManager.Close()

	// outbound fetch client shared by all subsystems
	fetcher := fetch.New(fetch.Config{MaxBytes: cfg.FetchMaxBytes})

	// rate limiter: per-store windows plus the app-ads.txt key; shared
	// counters ride on the cache's redis connection when available
	limiterConfigs := map[string]ratelimit.KeyConfig{
		appads.RateKey: {Requests: 10, Window: time.Second},
	}
	for key, rc := range stores.RateConfigs() {
		limiterConfigs[key] = ratelimit.KeyConfig{Requests: rc.Requests, Window: rc.Window}
	}
	var remoteCounter *ratelimit.RemoteCounter
	if rdb := cacheManager.RedisClient(); rdb != nil {
		remoteCounter = ratelimit.NewRemoteCounter(rdb)
		defer remoteCounter.Close()
	}
	limiter := ratelimit.New(limiterConfigs, remoteCounter)

	// worker pool for CPU-heavy parsing off the request path
	pool := workerpool.New(workerpool.Config{
		MinWorkers:  cfg.WorkerMin,
		MaxWorkers:  cfg.WorkerMax,
		TaskTimeout: cfg.TaskTimeout,
		MaxHeapMB:   cfg.WorkerMaxHeapMB,
	})
	if err := pool.Init(); err != nil {
		logging.Fatal("initializing worker pool: %v", err)
	}

	inspector := appads.NewInspector(fetcher, limiter, pool, cfg.StreamThresholdBytes)
	extractor := stores.NewExtractor(fetcher, limiter)
	resolver := pipeline.NewResolver(cacheManager, extractor, inspector)
	processor := batch.NewProcessor(resolver)
	processor.CacheStats = func() (int64, int64) {
		s := cacheManager.Stats()
		return s.Hits, s.Misses
	}

	srv := server.New(server.Deps{
		Cache:      cacheManager,
		Fetcher:    fetcher,
		Limiter:    limiter,
		Pool:       pool,
		Extractor:  extractor,
		Inspector:  inspector,
		Resolver:   resolver,
		Processor:  processor,
		Version:    Version,
		StartedAt:  startTime,
		QuotaRPS:   cfg.QuotaRPS,
		QuotaBurst: cfg.QuotaBurst,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
		// streaming responses are unbounded; only cap header reads
		ReadHeaderTimeout: 10 * time.Second,
	}

	// graceful shutdown on SIGTERM/SIGINT: stop accepting, drain, force-exit
	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
		<-sig
		logging.Info("%s shutting down, draining for up to %v", ProjectName, cfg.ShutdownGrace)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logging.Warn("forced shutdown: %v", err)
			_ = httpServer.Close()
		}
		pool.Shutdown(cfg.ShutdownGrace)
		close(done)
	}()

	logging.Info("Starting %s %s on %s", ProjectName, Version, cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server exited: %v", err)
	}
	<-done
}
