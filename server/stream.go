// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package server

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/girino/app-ads-inspector/appads"
	"github.com/girino/app-ads-inspector/batch"
	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/metrics"
	"github.com/girino/app-ads-inspector/pipeline"
)

// heartbeatInterval is how long a stream may stay silent before a
// comment token keeps intermediaries from timing it out.
const heartbeatInterval = time.Second

// envelopeWriter emits the in-flight JSON envelope:
// {"success":true,"results":[ <value>,<value>... ],"totalProcessed":N,...}
// with /* heartbeat */ comments allowed in the array gaps. The writer
// flushes after every token.
type envelopeWriter struct {
	w       io.Writer
	flusher http.Flusher
	wrote   bool
	success int64
	failed  int64
}

func newEnvelopeWriter(w http.ResponseWriter) *envelopeWriter {
	flusher, _ := w.(http.Flusher)
	ew := &envelopeWriter{w: w, flusher: flusher}
	io.WriteString(w, `{"success":true,"results":[`)
	ew.flush()
	return ew
}

func (ew *envelopeWriter) flush() {
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
}

// writeValue emits one already-serialized array value.
func (ew *envelopeWriter) writeValue(raw []byte) {
	if ew.wrote {
		io.WriteString(ew.w, ",")
	}
	ew.w.Write(raw)
	ew.wrote = true
	ew.flush()
}

// heartbeat emits a comment token inside the array gap.
func (ew *envelopeWriter) heartbeat() {
	io.WriteString(ew.w, "/* heartbeat */")
	ew.flush()
	metrics.StreamHeartbeats.Inc()
}

// close terminates the envelope; totalProcessed is always emitted so
// clients can detect end-of-stream deterministically.
func (ew *envelopeWriter) close(totalProcessed int) {
	io.WriteString(ew.w, `],"totalProcessed":`+strconv.Itoa(totalProcessed))
	io.WriteString(ew.w, `,"successCount":`+strconv.FormatInt(atomic.LoadInt64(&ew.success), 10))
	io.WriteString(ew.w, `,"errorCount":`+strconv.FormatInt(atomic.LoadInt64(&ew.failed), 10))
	io.WriteString(ew.w, "}")
	ew.flush()
}

// streamRun fans the batch out and writes each serialized value in
// completion order, emitting heartbeats while the pipeline is quiet.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, ids []string, terms []appads.Term, opts batch.Options, serialize func(*pipeline.Result) ([]byte, error)) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ew := newEnvelopeWriter(w)

	results := make(chan *pipeline.Result, opts.Concurrency)
	done := make(chan int, 1)
	go func() {
		n := s.deps.Processor.Each(r.Context(), ids, terms, opts, func(res *pipeline.Result) {
			select {
			case results <- res:
			case <-r.Context().Done():
			}
		})
		close(results)
		done <- n
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				ew.close(<-done)
				return
			}
			if res.Success {
				atomic.AddInt64(&ew.success, 1)
				metrics.ExtractRequests.WithLabelValues("success").Inc()
			} else {
				atomic.AddInt64(&ew.failed, 1)
				metrics.ExtractRequests.WithLabelValues("error").Inc()
			}
			raw, err := serialize(res)
			if err != nil {
				logging.Error("server: serializing stream result for %s: %v", res.BundleID, err)
				continue
			}
			ew.writeValue(raw)
			ticker.Reset(heartbeatInterval)
		case <-ticker.C:
			ew.heartbeat()
		case <-r.Context().Done():
			// client went away; drain the producer and stop
			go func() {
				for range results {
				}
				<-done
			}()
			return
		}
	}
}

// handleStreamExtractMultiple streams JSON result objects.
func (s *Server) handleStreamExtractMultiple(w http.ResponseWriter, r *http.Request) {
	var req multiRequest
	if !decodeBody(w, r, &req) {
		return
	}
	validation, apiErr := validateIDs(req.BundleIDs, batch.DefaultMaxIDs)
	if apiErr != nil {
		writeError(w, http.StatusBadRequest, apiErr.Kind, apiErr.Message, apiErr.Details)
		return
	}
	terms, err := buildTerms(req.SearchTerms, req.StructuredParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error(), nil)
		return
	}

	s.streamRun(w, r, validation.IDs, terms, batch.Options{}, func(res *pipeline.Result) ([]byte, error) {
		return json.Marshal(res)
	})
}

// handleStreamExportCSV streams CSV rows as envelope string values.
func (s *Server) handleStreamExportCSV(w http.ResponseWriter, r *http.Request) {
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

	s.streamRun(w, r, validation.IDs, terms, batch.Export(), func(res *pipeline.Result) ([]byte, error) {
		return json.Marshal(csvRow(res))
	})
}

// csvHeader is the column set of CSV exports.
var csvHeader = []string{
	"bundleId", "storeKind", "success", "developerUrl", "domain",
	"appAdsTxtExists", "totalLines", "validLines", "direct", "reseller", "other",
	"searchMatches", "processingMethod", "error",
}

// csvRecord flattens one result into the export column set.
func csvRecord(res *pipeline.Result) []string {
	record := make([]string, 0, len(csvHeader))
	record = append(record,
		res.BundleID,
		string(res.StoreKind),
		strconv.FormatBool(res.Success),
		res.DeveloperURL,
		res.Domain,
	)

	exists := false
	totalLines, validLines, direct, reseller, other, matches := 0, 0, 0, 0, 0, 0
	if res.AppAdsTxt != nil {
		exists = res.AppAdsTxt.Exists
		if a := res.AppAdsTxt.Analysed; a != nil {
			totalLines = a.TotalLines
			validLines = a.ValidLines
			direct = a.Relationships.Direct
			reseller = a.Relationships.Reseller
			other = a.Relationships.Other
		}
		if res.AppAdsTxt.Search != nil {
			matches = res.AppAdsTxt.Search.Count
		}
	}
	record = append(record,
		strconv.FormatBool(exists),
		strconv.Itoa(totalLines),
		strconv.Itoa(validLines),
		strconv.Itoa(direct),
		strconv.Itoa(reseller),
		strconv.Itoa(other),
		strconv.Itoa(matches),
		res.ProcessingMethod,
	)
	if res.Error != nil {
		record = append(record, res.Error.Error())
	} else {
		record = append(record, "")
	}
	return record
}

// csvRow renders one result as a single CSV line without the trailing
// newline, for use as a streamed envelope value.
func csvRow(res *pipeline.Result) string {
	var sb strings.Builder
	wr := csv.NewWriter(&sb)
	_ = wr.Write(csvRecord(res))
	wr.Flush()
	return strings.TrimSuffix(sb.String(), "\n")
}

// writeCSV renders a full result set as a CSV document.
func writeCSV(w io.Writer, results []*pipeline.Result) {
	wr := csv.NewWriter(w)
	_ = wr.Write(csvHeader)
	for _, res := range results {
		_ = wr.Write(csvRecord(res))
	}
	wr.Flush()
}
