// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Store detection and per-store extraction configuration.
package stores

import (
	"regexp"
	"strings"
	"time"
)

// Kind identifies an app store.
type Kind string

const (
	GooglePlay Kind = "googleplay"
	AppStore   Kind = "appstore"
	Amazon     Kind = "amazon"
	Roku       Kind = "roku"
	Samsung    Kind = "samsung"
	Unknown    Kind = "unknown"
)

// FallbackOrder is the fixed order tried when the detected store fails.
var FallbackOrder = []Kind{GooglePlay, AppStore, Amazon, Roku, Samsung}

// MaxBundleIDLength bounds accepted bundle identifiers.
const MaxBundleIDLength = 100

// bundleIDForbidden matches characters rejected in bundle identifiers.
var bundleIDForbidden = regexp.MustCompile(`[<>"'&;]`)

// ValidBundleID reports whether s is an acceptable bundle identifier:
// non-empty printable string of at most 100 chars without markup
// characters.
func ValidBundleID(s string) bool {
	if s == "" || len(s) > MaxBundleIDLength {
		return false
	}
	if bundleIDForbidden.MatchString(s) {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// detection patterns; Detect tries samsung, amazon, googleplay, appstore,
// roku in that order
var (
	// Android package names: dotted reverse-domain identifiers
	googlePlayPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)
	// iTunes numeric identifiers, optionally id-prefixed
	appStorePattern = regexp.MustCompile(`^(id)?\d{8,12}$`)
	// Amazon ASINs
	amazonPattern = regexp.MustCompile(`^B[0-9A-Z]{9}$`)
	// Roku channel identifiers: short numeric
	rokuPattern = regexp.MustCompile(`^\d{1,7}$`)
	// Samsung Galaxy store identifiers
	samsungPattern = regexp.MustCompile(`^G\d{10,12}$`)
)

// Detect derives the store kind from a bundle identifier's shape.
func Detect(bundleID string) Kind {
	switch {
	case samsungPattern.MatchString(bundleID):
		return Samsung
	case amazonPattern.MatchString(bundleID):
		return Amazon
	case googlePlayPattern.MatchString(bundleID):
		return GooglePlay
	case appStorePattern.MatchString(bundleID):
		return AppStore
	case rokuPattern.MatchString(bundleID):
		return Roku
	default:
		return Unknown
	}
}

// Selector is a DOM fallback: a goquery selector plus how to read the
// match (an attribute, or the href of anchors whose text contains
// TextContains).
type Selector struct {
	Query        string
	Attr         string
	TextContains string
}

// Config holds the static per-store extraction recipe.
type Config struct {
	Kind Kind
	// URL renders the store page address for a bundle identifier.
	URL func(bundleID string) string
	// Patterns are tried in order against the HTML; first capture wins.
	Patterns []*regexp.Regexp
	// Selectors are DOM fallbacks used when no pattern matched.
	Selectors []Selector
	// Rate limit parameters for this store.
	RateRequests int
	RateWindow   time.Duration
}

// registry is the process-global read-only store table, built at init.
var registry = map[Kind]*Config{
	GooglePlay: {
		Kind: GooglePlay,
		URL: func(id string) string {
			return "https://play.google.com/store/apps/details?id=" + id + "&hl=en"
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`<a[^>]+href="(https?://[^"]+)"[^>]*>\s*(?:<[^>]+>\s*)*Visit website`),
			regexp.MustCompile(`\[\[null,null,null,\[null,null,"(https?://[^"]+)"`),
			regexp.MustCompile(`"appLinkUrl"\s*:\s*"(https?://[^"]+)"`),
		},
		Selectors: []Selector{
			{Query: `a[href*="play.google.com/url"]`, Attr: "href"},
			{Query: "a", TextContains: "Visit website"},
			{Query: "a", TextContains: "Visit the"},
		},
		RateRequests: 10,
		RateWindow:   time.Second,
	},
	AppStore: {
		Kind: AppStore,
		URL: func(id string) string {
			return "https://apps.apple.com/us/app/id" + strings.TrimPrefix(id, "id")
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`<meta\s+name="appstore:developer_url"\s+content="(https?://[^"]+)"`),
			regexp.MustCompile(`"websiteUrl"\s*:\s*"(https?://[^"]+)"`),
		},
		Selectors: []Selector{
			{Query: `meta[name="appstore:developer_url"]`, Attr: "content"},
			{Query: `a[href*="/developer/"]`, Attr: "href"},
			{Query: "a", TextContains: "Developer Website"},
		},
		RateRequests: 8,
		RateWindow:   time.Second,
	},
	Amazon: {
		Kind: Amazon,
		URL: func(id string) string {
			return "https://www.amazon.com/dp/" + id
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`"developerWebsite"\s*:\s*"(https?://[^"]+)"`),
			regexp.MustCompile(`<a[^>]+href="(https?://[^"]+)"[^>]*>\s*Developer info`),
		},
		Selectors: []Selector{
			{Query: `a[href*="developer.amazon.com"]`, Attr: "href"},
			{Query: "a", TextContains: "More by"},
		},
		RateRequests: 5,
		RateWindow:   time.Second,
	},
	Roku: {
		Kind: Roku,
		URL: func(id string) string {
			return "https://channelstore.roku.com/details/" + id
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`"developerUrl"\s*:\s*"(https?://[^"]+)"`),
			regexp.MustCompile(`"website"\s*:\s*"(https?://[^"]+)"`),
		},
		Selectors: []Selector{
			{Query: `a[data-test="developer-website"]`, Attr: "href"},
			{Query: "a", TextContains: "Developer website"},
		},
		RateRequests: 5,
		RateWindow:   time.Second,
	},
	Samsung: {
		Kind: Samsung,
		URL: func(id string) string {
			return "https://galaxystore.samsung.com/detail/" + id
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`"supportUrl"\s*:\s*"(https?://[^"]+)"`),
			regexp.MustCompile(`<a[^>]+class="[^"]*seller-site[^"]*"[^>]+href="(https?://[^"]+)"`),
		},
		Selectors: []Selector{
			{Query: `a[href*="sellerSite"]`, Attr: "href"},
			{Query: "a", TextContains: "Visit the"},
		},
		RateRequests: 5,
		RateWindow:   time.Second,
	},
}

// ConfigFor returns the static config for a store kind, or nil for
// Unknown.
func ConfigFor(kind Kind) *Config {
	return registry[kind]
}

// RateKey is the limiter resource key for a store kind.
func RateKey(kind Kind) string {
	return "store:" + string(kind)
}

// RateConfigs returns the limiter configuration for every known store.
func RateConfigs() map[string]struct {
	Requests int
	Window   time.Duration
} {
	out := make(map[string]struct {
		Requests int
		Window   time.Duration
	}, len(registry))
	for kind, cfg := range registry {
		out[RateKey(kind)] = struct {
			Requests int
			Window   time.Duration
		}{cfg.RateRequests, cfg.RateWindow}
	}
	return out
}
