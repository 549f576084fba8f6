// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for App-Ads Inspector.
package main

import (
	"flag"
	"os"
	"runtime"
	"strconv"
	"time"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

// getEnvIntOr returns the environment variable as int or a default
func getEnvIntOr(env string, defaultValue int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDurationOr returns the environment variable as duration or a default
func getEnvDurationOr(env string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr    string
	Verbose string

	// Cache settings
	CacheDir      string
	CacheMaxItems int
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Worker pool settings
	WorkerMin       int
	WorkerMax       int
	WorkerMaxHeapMB int
	TaskTimeout     time.Duration

	// Fetch / analysis settings
	StreamThresholdBytes int64
	FetchMaxBytes        int64

	// API quota settings
	QuotaRPS   float64
	QuotaBurst int

	// Shutdown settings
	ShutdownGrace time.Duration
}

// LoadConfig reads environment variables and flags. Flags override env values.
func LoadConfig() *Config {
	addr := flag.String("addr", getEnvOr("ADDR", ":8085"), "address to listen on (env: ADDR)")
	verbose := flag.String("verbose", os.Getenv("VERBOSE"), "verbose logging control: '1'/'true' for all, 'cache' for module, 'pipeline.Resolve,server' for specific methods (env: VERBOSE)")

	cacheDir := flag.String("cache-dir", getEnvOr("CACHE_DIR", "./cache-data"), "directory for the on-disk cache tier, empty disables it (env: CACHE_DIR)")
	cacheMaxItems := flag.Int("cache-max-items", getEnvIntOr("CACHE_MAX_ITEMS", 1000), "maximum entries in the in-memory cache tier (env: CACHE_MAX_ITEMS)")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "redis address for the remote cache tier and shared rate counters, empty disables it (env: REDIS_ADDR)")
	redisPassword := flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "redis password (env: REDIS_PASSWORD)")
	redisDB := flag.Int("redis-db", getEnvIntOr("REDIS_DB", 0), "redis database number (env: REDIS_DB)")

	workerMin := flag.Int("worker-min", getEnvIntOr("WORKER_MIN", 1), "minimum parse workers (env: WORKER_MIN)")
	workerMax := flag.Int("worker-max", getEnvIntOr("WORKER_MAX", runtime.NumCPU()), "maximum parse workers (env: WORKER_MAX)")
	workerMaxHeapMB := flag.Int("worker-max-heap-mb", getEnvIntOr("WORKER_MAX_HEAP_MB", 768), "heap limit that triggers the worker memory guard, 0 disables (env: WORKER_MAX_HEAP_MB)")
	taskTimeout := flag.Duration("task-timeout", getEnvDurationOr("TASK_TIMEOUT", 60*time.Second), "per-task timeout on the worker pool (env: TASK_TIMEOUT)")

	streamThreshold := flag.Int64("stream-threshold-bytes", int64(getEnvIntOr("STREAM_THRESHOLD_BYTES", 2*1024*1024)), "HEAD-reported size above which app-ads.txt bodies are streamed (env: STREAM_THRESHOLD_BYTES)")
	fetchMaxBytes := flag.Int64("fetch-max-bytes", int64(getEnvIntOr("FETCH_MAX_BYTES", 20*1024*1024)), "response size cap on outbound fetches (env: FETCH_MAX_BYTES)")

	quotaRPS := flag.Float64("quota-rps", float64(getEnvIntOr("QUOTA_RPS", 20)), "per-caller API requests per second, 0 disables (env: QUOTA_RPS)")
	quotaBurst := flag.Int("quota-burst", getEnvIntOr("QUOTA_BURST", 40), "per-caller API burst size (env: QUOTA_BURST)")

	shutdownGrace := flag.Duration("shutdown-grace", getEnvDurationOr("SHUTDOWN_GRACE", 10*time.Second), "drain period before a forced shutdown (env: SHUTDOWN_GRACE)")

	flag.Parse()

	return &Config{
		Addr:    *addr,
		Verbose: *verbose,

		CacheDir:      *cacheDir,
		CacheMaxItems: *cacheMaxItems,
		RedisAddr:     *redisAddr,
		RedisPassword: *redisPassword,
		RedisDB:       *redisDB,

		WorkerMin:       *workerMin,
		WorkerMax:       *workerMax,
		WorkerMaxHeapMB: *workerMaxHeapMB,
		TaskTimeout:     *taskTimeout,

		StreamThresholdBytes: *streamThreshold,
		FetchMaxBytes:        *fetchMaxBytes,

		QuotaRPS:   *quotaRPS,
		QuotaBurst: *quotaBurst,

		ShutdownGrace: *shutdownGrace,
	}
}
