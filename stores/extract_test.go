package stores

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/app-ads-inspector/fetch"
	"github.com/girino/app-ads-inspector/ratelimit"
)

// Tests for developer URL extraction and domain canonicalisation.

func newTestExtractor() *Extractor {
	return NewExtractor(fetch.New(fetch.Config{}), ratelimit.New(nil, nil))
}

func TestCanonicalDomain(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"simple", "https://example.com", "example.com", false},
		{"subdomain stripped", "https://games.example.com/about", "example.com", false},
		{"public suffix aware", "https://games.example-pub.co.uk", "example-pub.co.uk", false},
		{"upper case folded", "HTTPS://WWW.Example.COM", "example.com", false},
		{"port ignored", "http://example.com:8080/x", "example.com", false},
		{"trailing dot", "https://example.com./", "example.com", false},
		{"bare suffix rejected", "https://co.uk", "", true},
		{"no scheme", "example.com", "", true},
		{"ftp scheme", "ftp://example.com", "", true},
		{"empty host", "https://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalDomain(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindDeveloperURLPatternFirst(t *testing.T) {
	e := newTestExtractor()
	html := `<html><head>
		<meta name="appstore:developer_url" content="https://dev.example.com">
	</head><body>
		<a href="https://other.example.org/developer/1">Developer Website</a>
	</body></html>`

	got := e.findDeveloperURL(ConfigFor(AppStore), html)
	// the ordered regexes win before any DOM fallback runs
	assert.Equal(t, "https://dev.example.com", got)
	assert.Equal(t, int64(1), e.Stats().PatternHits)
}

func TestFindDeveloperURLSelectorFallback(t *testing.T) {
	e := newTestExtractor()
	// nothing the regexes recognise, but a selector target exists
	html := `<html><body>
		<div><a class="link" href="https://pub.example.net/home">Developer Website</a></div>
	</body></html>`

	got := e.findDeveloperURL(ConfigFor(AppStore), html)
	assert.Equal(t, "https://pub.example.net/home", got)
	assert.Equal(t, int64(1), e.Stats().SelectorHits)
}

func TestFindDeveloperURLTextSelector(t *testing.T) {
	e := newTestExtractor()
	// the span splits the anchor text, so the "Visit website" regex misses
	// and the text selector has to find it
	html := `<html><body>
		<a href="/internal">ignore me</a>
		<a href="https://studio.example.io"><span>Visit</span> website</a>
	</body></html>`

	got := e.findDeveloperURL(ConfigFor(GooglePlay), html)
	assert.Equal(t, "https://studio.example.io", got)
	assert.Equal(t, int64(1), e.Stats().SelectorHits)
}

func TestFindDeveloperURLNothing(t *testing.T) {
	e := newTestExtractor()
	assert.Empty(t, e.findDeveloperURL(ConfigFor(GooglePlay), "<html><body>no links</body></html>"))
}

func TestUnescapeURL(t *testing.T) {
	assert.Equal(t, "https://x.com/?a=1&b=2", unescapeURL("https://x.com/?a=1&amp;b=2"))
	assert.Equal(t, "https://x.com/path", unescapeURL(`https:\/\/x.com\/path`))
	assert.Equal(t,
		"https://target.example.com",
		unescapeURL("https://play.google.com/url?q=https://target.example.com"))
}

func TestGooglePlayVisitWebsitePattern(t *testing.T) {
	e := newTestExtractor()
	html := `<a aria-label="website" href="https://studio.example.io" target="_blank">Visit website</a>`
	got := e.findDeveloperURL(ConfigFor(GooglePlay), html)
	assert.Equal(t, "https://studio.example.io", got)
}
