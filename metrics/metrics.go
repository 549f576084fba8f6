// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Prometheus collectors for the extraction service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExtractRequests counts per-bundle resolutions by outcome.
	ExtractRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appads",
		Name:      "extract_requests_total",
		Help:      "Per-bundle resolutions by outcome.",
	}, []string{"outcome"})

	// OutboundFetches counts outbound HTTP fetches by target kind and status class.
	OutboundFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appads",
		Name:      "outbound_fetches_total",
		Help:      "Outbound fetches by target kind and status class.",
	}, []string{"kind", "status"})

	// CacheOperations counts cache tier operations.
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appads",
		Name:      "cache_operations_total",
		Help:      "Cache operations by tier, op and result.",
	}, []string{"tier", "op", "result"})

	// WorkerTasks counts worker pool task completions by outcome.
	WorkerTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appads",
		Name:      "worker_tasks_total",
		Help:      "Worker pool tasks by outcome.",
	}, []string{"outcome"})

	// WorkerQueueDepth gauges the pending parse queue.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "appads",
		Name:      "worker_queue_depth",
		Help:      "Pending tasks in the worker pool queue.",
	})

	// StreamHeartbeats counts heartbeat comments written to streams.
	StreamHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "appads",
		Name:      "stream_heartbeats_total",
		Help:      "Heartbeat comments emitted on streaming responses.",
	})

	// AnalysedLines counts analysed app-ads.txt lines by class.
	AnalysedLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appads",
		Name:      "analyse_lines_total",
		Help:      "Analysed app-ads.txt lines by class.",
	}, []string{"class"})
)

// RecordAnalysis feeds one finished analysis into the line counters.
func RecordAnalysis(valid, comment, empty, invalid int) {
	AnalysedLines.WithLabelValues("valid").Add(float64(valid))
	AnalysedLines.WithLabelValues("comment").Add(float64(comment))
	AnalysedLines.WithLabelValues("empty").Add(float64(empty))
	AnalysedLines.WithLabelValues("invalid").Add(float64(invalid))
}
