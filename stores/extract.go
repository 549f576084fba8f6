// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package stores

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/girino/app-ads-inspector/fetch"
	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/ratelimit"
)

// domainPattern is the canonical registrable-domain shape.
var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

var (
	// ErrNoDeveloperURL means no extractor or selector produced a URL.
	ErrNoDeveloperURL = errors.New("no developer URL found on store page")
	// ErrBadDomain means the developer URL did not canonicalise to a
	// valid registrable domain.
	ErrBadDomain = errors.New("developer URL does not yield a valid domain")
	// ErrUnknownStore means the bundle identifier matched no store pattern.
	ErrUnknownStore = errors.New("bundle identifier matches no known store")
)

// Extraction is the outcome of resolving one bundle on one store.
type Extraction struct {
	Kind         Kind   `json:"storeKind"`
	PageURL      string `json:"pageUrl"`
	DeveloperURL string `json:"developerUrl"`
	Domain       string `json:"domain"`
}

// Extractor resolves a store page into the publisher's domain using the
// static per-store recipes.
type Extractor struct {
	fetcher *fetch.Client
	limiter *ratelimit.Limiter

	// stats
	attempts     int64
	patternHits  int64
	selectorHits int64
	failures     int64
}

// Stats holds runtime counters exported by Extractor
type Stats struct {
	Attempts     int64 `json:"attempts"`
	PatternHits  int64 `json:"pattern_hits"`
	SelectorHits int64 `json:"selector_hits"`
	Failures     int64 `json:"failures"`
}

// NewExtractor creates an Extractor on shared fetch and limiter instances.
func NewExtractor(fetcher *fetch.Client, limiter *ratelimit.Limiter) *Extractor {
	return &Extractor{fetcher: fetcher, limiter: limiter}
}

// Stats returns a snapshot of the Extractor counters
func (e *Extractor) Stats() Stats {
	return Stats{
		Attempts:     atomic.LoadInt64(&e.attempts),
		PatternHits:  atomic.LoadInt64(&e.patternHits),
		SelectorHits: atomic.LoadInt64(&e.selectorHits),
		Failures:     atomic.LoadInt64(&e.failures),
	}
}

// Extract fetches the store page for bundleID on kind and derives the
// publisher's registrable domain.
func (e *Extractor) Extract(ctx context.Context, bundleID string, kind Kind) (*Extraction, error) {
	cfg := ConfigFor(kind)
	if cfg == nil {
		return nil, ErrUnknownStore
	}
	atomic.AddInt64(&e.attempts, 1)

	pageURL := cfg.URL(bundleID)
	if err := e.limiter.Acquire(ctx, RateKey(kind)); err != nil {
		return nil, err
	}

	html, err := e.fetcher.FetchText(ctx, pageURL, fetch.Options{})
	if err != nil {
		atomic.AddInt64(&e.failures, 1)
		var statusErr *fetch.StatusError
		if errors.As(err, &statusErr) {
			e.reportStatus(kind, statusErr.StatusCode)
		}
		return nil, fmt.Errorf("fetch store page: %w", err)
	}
	e.limiter.ReportSuccess(RateKey(kind))

	developerURL := e.findDeveloperURL(cfg, html)
	if developerURL == "" {
		atomic.AddInt64(&e.failures, 1)
		return nil, ErrNoDeveloperURL
	}

	domain, err := CanonicalDomain(developerURL)
	if err != nil {
		atomic.AddInt64(&e.failures, 1)
		return nil, err
	}

	logging.DebugMethod("stores", "Extract", "%s on %s -> %s (%s)", bundleID, kind, developerURL, domain)
	return &Extraction{
		Kind:         kind,
		PageURL:      pageURL,
		DeveloperURL: developerURL,
		Domain:       domain,
	}, nil
}

func (e *Extractor) reportStatus(kind Kind, status int) {
	if status == 429 || status == 403 {
		e.limiter.ReportError(RateKey(kind), status)
	}
}

// findDeveloperURL runs the ordered regex extractors, then the DOM
// selector fallbacks. First non-empty http(s) URL wins.
func (e *Extractor) findDeveloperURL(cfg *Config, html string) string {
	for _, p := range cfg.Patterns {
		if m := p.FindStringSubmatch(html); len(m) > 1 && m[1] != "" {
			atomic.AddInt64(&e.patternHits, 1)
			return unescapeURL(m[1])
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	for _, sel := range cfg.Selectors {
		if u := applySelector(doc, sel); u != "" {
			atomic.AddInt64(&e.selectorHits, 1)
			return u
		}
	}
	return ""
}

// applySelector evaluates one DOM fallback rule.
func applySelector(doc *goquery.Document, sel Selector) string {
	var found string
	doc.Find(sel.Query).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if sel.TextContains != "" && !strings.Contains(s.Text(), sel.TextContains) {
			return true
		}
		attr := sel.Attr
		if attr == "" {
			attr = "href"
		}
		v, ok := s.Attr(attr)
		if !ok {
			return true
		}
		v = unescapeURL(strings.TrimSpace(v))
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			found = v
			return false
		}
		return true
	})
	return found
}

// unescapeURL unwraps store redirectors and entity escaping.
func unescapeURL(raw string) string {
	raw = strings.ReplaceAll(raw, "&amp;", "&")
	raw = strings.ReplaceAll(raw, `\/`, "/")

	// play.google.com/url?q=<target> style redirectors
	if u, err := url.Parse(raw); err == nil {
		if strings.Contains(u.Host, "play.google.com") && u.Path == "/url" {
			if q := u.Query().Get("q"); q != "" {
				return q
			}
		}
	}
	return raw
}

// CanonicalDomain derives the lower-cased registrable domain of an
// absolute http(s) URL, validating the result shape.
func CanonicalDomain(developerURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(developerURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadDomain, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrBadDomain, u.Scheme)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", ErrBadDomain
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadDomain, err)
	}
	if !domainPattern.MatchString(domain) {
		return "", ErrBadDomain
	}
	return domain, nil
}
