// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package appads

import (
	"context"
	"io"
	"runtime"
	"strings"

	"github.com/girino/app-ads-inspector/logging"
)

const (
	streamChunkSize = 64 * 1024
	// HeadSampleBytes is how much raw content is retained for inspection.
	HeadSampleBytes = 100 * 1024

	// memory thresholds checked against the heap between chunks
	memWarningBytes  = 256 * 1024 * 1024
	memHighBytes     = 384 * 1024 * 1024
	memCriticalBytes = 512 * 1024 * 1024
)

// StreamResult is the outcome of a streaming analysis.
type StreamResult struct {
	Analysis   *Analysis
	Search     *SearchResult
	HeadSample string
	BytesRead  int64
}

// StreamWarning is invoked when the streamer crosses a memory threshold.
type StreamWarning func(level string, heapBytes uint64)

// StreamAnalyse consumes a body incrementally: whole lines are processed
// as newlines appear and discarded once accounted for; only a bounded
// head sample of the raw content stays resident. Memory thresholds shrink
// the retained match set and hint the collector.
func StreamAnalyse(ctx context.Context, r io.Reader, terms []Term, warn StreamWarning) (*StreamResult, error) {
	a := newAnalyser(terms, MaxMatches)

	var sample strings.Builder
	var residual string
	var bytesRead int64
	lineNumber := 0
	buf := make([]byte, streamChunkSize)
	chunks := 0

	feedLine := func(line string) {
		lineNumber++
		a.feed(lineNumber, line)
	}

	for {
		if err := ctx.Err(); err != nil {
			return &StreamResult{Analysis: errorAnalysis(err), HeadSample: sample.String(), BytesRead: bytesRead}, err
		}

		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			bytesRead += int64(n)

			if sample.Len() < HeadSampleBytes {
				room := HeadSampleBytes - sample.Len()
				if room > len(chunk) {
					sample.WriteString(chunk)
				} else {
					sample.WriteString(chunk[:room])
				}
			}

			residual += chunk
			// process whole lines; the residual holds the unterminated tail
			for {
				idx := strings.IndexAny(residual, "\r\n")
				if idx < 0 {
					break
				}
				line := residual[:idx]
				// treat \r\n as a single terminator
				if residual[idx] == '\r' && idx+1 < len(residual) && residual[idx+1] == '\n' {
					residual = residual[idx+2:]
				} else if residual[idx] == '\r' && idx+1 == len(residual) {
					// lone \r at the buffer edge: wait for the next chunk to
					// decide whether it is half of \r\n
					break
				} else {
					residual = residual[idx+1:]
				}
				feedLine(line)
			}

			chunks++
			if chunks%16 == 0 {
				checkMemory(a, warn)
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			logging.DebugMethod("appads", "StreamAnalyse", "read aborted after %d bytes: %v", bytesRead, err)
			return &StreamResult{Analysis: errorAnalysis(err), HeadSample: sample.String(), BytesRead: bytesRead}, err
		}
	}

	// flush the unterminated tail; a trailing \r is a terminator itself
	if strings.HasSuffix(residual, "\r") {
		feedLine(strings.TrimSuffix(residual, "\r"))
		feedLine("")
	} else {
		feedLine(residual)
	}

	analysis, search := a.finish()
	return &StreamResult{
		Analysis:   analysis,
		Search:     search,
		HeadSample: sample.String(),
		BytesRead:  bytesRead,
	}, nil
}

// checkMemory probes the heap and reacts to pressure levels.
func checkMemory(a *analyser, warn StreamWarning) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	switch {
	case m.HeapAlloc >= memCriticalBytes:
		if a.matcher != nil {
			a.matcher.reduceLimit(MaxMatchesPressured)
		}
		runtime.GC()
		if warn != nil {
			warn("critical", m.HeapAlloc)
		}
	case m.HeapAlloc >= memHighBytes:
		if a.matcher != nil {
			a.matcher.reduceLimit(MaxMatchesPressured)
		}
		if warn != nil {
			warn("high", m.HeapAlloc)
		}
	case m.HeapAlloc >= memWarningBytes:
		if warn != nil {
			warn("warning", m.HeapAlloc)
		}
	}
}
