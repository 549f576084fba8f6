// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package appads

import (
	"errors"
	"strings"
)

// Match retention limits.
const (
	MaxMatches          = 1000
	MaxMatchesPressured = 500
	MaxMatchesPerTerm   = 1000
)

// ErrEmptyTerm is returned for terms with no usable content.
var ErrEmptyTerm = errors.New("search term is empty")

// Term is a tagged search-term variant: plain substring or a structured
// (domain, publisher id, relationship, tag id) tuple. Sub-fields are
// normalised to lower case on validation.
type Term struct {
	Plain string `json:"plain,omitempty"`

	Domain       string `json:"domain,omitempty"`
	PublisherID  string `json:"publisherId,omitempty"`
	Relationship string `json:"relationship,omitempty"`
	TagID        string `json:"tagId,omitempty"`
}

// IsStructured reports whether the term is the structured variant.
func (t Term) IsStructured() bool {
	return t.Plain == "" && (t.Domain != "" || t.PublisherID != "" || t.Relationship != "" || t.TagID != "")
}

// conditions returns the case-normalised substring conditions of the term.
func (t Term) conditions() []string {
	if t.Plain != "" {
		return []string{t.Plain}
	}
	conds := make([]string, 0, 4)
	for _, f := range []string{t.Domain, t.PublisherID, t.Relationship, t.TagID} {
		if f != "" {
			conds = append(conds, f)
		}
	}
	return conds
}

// Label renders the term for result reporting.
func (t Term) Label() string {
	if !t.IsStructured() {
		return t.Plain
	}
	return strings.Join(t.conditions(), ",")
}

// PlainTerm validates and normalises a plain search term.
func PlainTerm(s string) (Term, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Term{}, ErrEmptyTerm
	}
	return Term{Plain: s}, nil
}

// StructuredTerm validates and normalises a structured search term. At
// least one sub-field must be non-empty.
func StructuredTerm(domain, publisherID, relationship, tagID string) (Term, error) {
	t := Term{
		Domain:       strings.ToLower(strings.TrimSpace(domain)),
		PublisherID:  strings.ToLower(strings.TrimSpace(publisherID)),
		Relationship: strings.ToLower(strings.TrimSpace(relationship)),
		TagID:        strings.ToLower(strings.TrimSpace(tagID)),
	}
	if !t.IsStructured() {
		return Term{}, ErrEmptyTerm
	}
	return t, nil
}

// group is one AND-group of substring conditions.
type group struct {
	conditions []string
	// termIdxs are the indices of the terms this group accounts for
	termIdxs []int
}

// matcher evaluates the group semantics: plain terms form a single
// AND-group, each structured term its own AND-group, groups combine with
// OR at the line level. Per-term accounting is kept alongside.
type matcher struct {
	terms  []Term
	groups []group

	maxMatches int
	result     SearchResult
}

// newMatcher builds a matcher for the given terms. maxMatches bounds the
// overall retained matches (reduced under memory pressure).
func newMatcher(terms []Term, maxMatches int) *matcher {
	if maxMatches <= 0 {
		maxMatches = MaxMatches
	}
	m := &matcher{terms: terms, maxMatches: maxMatches}

	var plainIdxs []int
	var plainConds []string
	for i, t := range terms {
		if t.IsStructured() {
			m.groups = append(m.groups, group{conditions: t.conditions(), termIdxs: []int{i}})
		} else {
			plainIdxs = append(plainIdxs, i)
			plainConds = append(plainConds, t.Plain)
		}
	}
	if len(plainConds) > 0 {
		// all plain terms must match together
		m.groups = append(m.groups, group{conditions: plainConds, termIdxs: plainIdxs})
	}

	m.result.Terms = make([]string, len(terms))
	m.result.PerTerm = make([]TermMatches, len(terms))
	for i, t := range terms {
		m.result.Terms[i] = t.Label()
		m.result.PerTerm[i] = TermMatches{Term: t.Label()}
	}
	return m
}

func matchesAll(lower string, conditions []string) bool {
	for _, c := range conditions {
		if !strings.Contains(lower, c) {
			return false
		}
	}
	return true
}

// offer feeds one line into the matcher.
func (m *matcher) offer(lineNumber int, content string) {
	if len(m.groups) == 0 {
		return
	}
	lower := strings.ToLower(content)

	lineMatched := false
	for _, g := range m.groups {
		if matchesAll(lower, g.conditions) {
			lineMatched = true
			break
		}
	}

	if lineMatched {
		m.result.Count++
		if len(m.result.MatchingLines) < m.maxMatches {
			m.result.MatchingLines = append(m.result.MatchingLines, MatchedLine{LineNumber: lineNumber, Content: content})
		} else {
			m.result.Truncated = true
		}
	}

	// per-term accounting is independent of the group combination
	for i, t := range m.terms {
		if !matchesAll(lower, t.conditions()) {
			continue
		}
		pt := &m.result.PerTerm[i]
		pt.Count++
		if len(pt.MatchingLines) < MaxMatchesPerTerm {
			pt.MatchingLines = append(pt.MatchingLines, MatchedLine{LineNumber: lineNumber, Content: content})
		} else {
			pt.Truncated = true
		}
	}
}

// reduceLimit lowers the retained-match bound mid-run (memory pressure).
func (m *matcher) reduceLimit(limit int) {
	if limit >= m.maxMatches {
		return
	}
	m.maxMatches = limit
	if len(m.result.MatchingLines) > limit {
		m.result.MatchingLines = m.result.MatchingLines[:limit]
		m.result.Truncated = true
	}
}

// finish finalises truncation bookkeeping and returns the result.
func (m *matcher) finish() *SearchResult {
	if m.result.Truncated {
		m.result.OriginalCount = m.result.Count
	}
	for i := range m.result.PerTerm {
		if m.result.PerTerm[i].Truncated {
			m.result.PerTerm[i].OriginalCount = m.result.PerTerm[i].Count
		}
	}
	return &m.result
}
