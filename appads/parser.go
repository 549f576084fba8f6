// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package appads

import (
	"strings"
)

const (
	maxSampleErrors       = 5
	sampleContentTruncate = 120
)

// lineClass is the outcome of classifying one line. Exactly one counter
// is incremented per line.
type lineClass int

const (
	classEmpty lineClass = iota
	classComment
	classInvalid
	classValid
)

// analyser accumulates counters line by line so the sync, worker and
// streaming paths share one implementation.
type analyser struct {
	analysis   Analysis
	publishers map[string]struct{}
	matcher    *matcher
}

func newAnalyser(terms []Term, maxMatches int) *analyser {
	a := &analyser{publishers: make(map[string]struct{})}
	if len(terms) > 0 {
		a.matcher = newMatcher(terms, maxMatches)
	}
	return a
}

// feed classifies one line and updates counters and search state.
func (a *analyser) feed(lineNumber int, raw string) {
	a.analysis.TotalLines++

	class, fields := classifyLine(raw)
	switch class {
	case classEmpty:
		a.analysis.EmptyLines++
	case classComment:
		a.analysis.CommentLines++
	case classInvalid:
		a.analysis.InvalidLines++
		if len(a.analysis.SampleErrors) < maxSampleErrors {
			a.analysis.SampleErrors = append(a.analysis.SampleErrors, SampleError{
				LineNumber: lineNumber,
				Content:    truncate(raw, sampleContentTruncate),
				Reason:     "fewer than 3 comma-separated fields",
			})
		}
	case classValid:
		a.analysis.ValidLines++
		a.publishers[strings.ToLower(fields[0])] = struct{}{}
		switch strings.ToLower(fields[2]) {
		case RelationshipDirect:
			a.analysis.Relationships.Direct++
		case RelationshipReseller:
			a.analysis.Relationships.Reseller++
		default:
			a.analysis.Relationships.Other++
		}
	}

	if a.matcher != nil {
		a.matcher.offer(lineNumber, raw)
	}
}

// finish closes the accumulation and returns the results.
func (a *analyser) finish() (*Analysis, *SearchResult) {
	a.analysis.UniquePublishers = len(a.publishers)
	var search *SearchResult
	if a.matcher != nil {
		search = a.matcher.finish()
	}
	return &a.analysis, search
}

// classifyLine applies the line rules: leading whitespace is stripped,
// empty lines and comment lines are counted as such, the remainder before
// any inline comment is split on commas and needs at least three fields.
func classifyLine(raw string) (lineClass, []string) {
	s := strings.TrimLeft(raw, " \t")
	if s == "" {
		return classEmpty, nil
	}
	if s[0] == '#' {
		return classComment, nil
	}

	lhs := s
	if idx := strings.IndexByte(s, '#'); idx >= 0 {
		lhs = s[:idx]
	}
	lhs = strings.TrimSpace(lhs)
	if lhs == "" {
		return classEmpty, nil
	}

	parts := strings.Split(lhs, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		fields = append(fields, strings.TrimSpace(p))
	}
	if len(fields) < 3 {
		return classInvalid, nil
	}
	return classValid, fields
}

// splitLines splits content on \r\n, \n or \r.
func splitLines(content string) []string {
	// normalise the two-byte sequence first so lone \r still splits
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	return strings.Split(content, "\n")
}

// Analyse parses a fully buffered app-ads.txt body and runs the search
// matcher over it. terms may be empty.
func Analyse(content string, terms []Term, maxMatches int) (*Analysis, *SearchResult) {
	a := newAnalyser(terms, maxMatches)
	for i, line := range splitLines(content) {
		a.feed(i+1, line)
	}
	return a.finish()
}

// ParseLines returns the structurally valid records of a buffered body.
// Used by tooling; the service paths use Analyse.
func ParseLines(content string) []Line {
	var out []Line
	for i, raw := range splitLines(content) {
		class, fields := classifyLine(raw)
		if class != classValid {
			continue
		}
		out = append(out, Line{
			LineNumber: i + 1,
			Content:    strings.TrimSpace(raw),
			Fields:     fields,
		})
	}
	return out
}

// errorAnalysis builds the minimal zero-counter analysis used when the
// whole run aborts (I/O failure, memory kill). Callers can still cache it.
func errorAnalysis(err error) *Analysis {
	return &Analysis{Error: err.Error()}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
