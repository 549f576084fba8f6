package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girino/app-ads-inspector/appads"
	"github.com/girino/app-ads-inspector/cache"
	"github.com/girino/app-ads-inspector/stores"
)

// Tests for the per-bundle pipeline: detection, fallback, caching.

type stubExtractor struct {
	calls   int64
	perKind map[stores.Kind]func() (*stores.Extraction, error)
}

func (s *stubExtractor) Extract(ctx context.Context, bundleID string, kind stores.Kind) (*stores.Extraction, error) {
	atomic.AddInt64(&s.calls, 1)
	if fn, ok := s.perKind[kind]; ok {
		return fn()
	}
	return nil, errors.New("store page not found")
}

type stubInspector struct {
	calls  int64
	report *appads.Report
}

func (s *stubInspector) Inspect(ctx context.Context, domain string, terms []appads.Term) *appads.Report {
	atomic.AddInt64(&s.calls, 1)
	if s.report != nil {
		return s.report
	}
	return &appads.Report{
		Exists:           true,
		URL:              "https://" + domain + "/app-ads.txt",
		Analysed:         &appads.Analysis{TotalLines: 1, ValidLines: 1},
		ProcessingMethod: appads.MethodSync,
	}
}

func okExtraction(kind stores.Kind, domain string) func() (*stores.Extraction, error) {
	return func() (*stores.Extraction, error) {
		return &stores.Extraction{
			Kind:         kind,
			DeveloperURL: "https://www." + domain,
			Domain:       domain,
		}, nil
	}
}

func newTestResolver(t *testing.T, ext *stubExtractor, ins *stubInspector) *Resolver {
	t.Helper()
	c, err := cache.New(cache.Config{MaxItems: 100})
	require.NoError(t, err)
	require.NoError(t, c.Init())
	t.Cleanup(c.Close)
	return NewResolver(c, ext, ins)
}

func TestResolveSuccess(t *testing.T) {
	ext := &stubExtractor{perKind: map[stores.Kind]func() (*stores.Extraction, error){
		stores.GooglePlay: okExtraction(stores.GooglePlay, "example-pub.co.uk"),
	}}
	ins := &stubInspector{}
	r := newTestResolver(t, ext, ins)

	res := r.Resolve(context.Background(), "com.example.game", nil)
	assert.True(t, res.Success)
	assert.Equal(t, stores.GooglePlay, res.StoreKind)
	assert.Equal(t, "example-pub.co.uk", res.Domain)
	require.NotNil(t, res.AppAdsTxt)
	assert.True(t, res.AppAdsTxt.Exists)
	assert.Nil(t, res.Error)
	assert.False(t, res.Timestamp.IsZero())
}

func TestResolveUnknownStoreShortCircuits(t *testing.T) {
	ext := &stubExtractor{}
	r := newTestResolver(t, ext, &stubInspector{})

	res := r.Resolve(context.Background(), "!!!", nil)
	assert.False(t, res.Success)
	assert.Equal(t, stores.Unknown, res.StoreKind)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindStoreNotRecognised, res.Error.Kind)
	// no store is ever tried for an unrecognised identifier
	assert.Equal(t, int64(0), atomic.LoadInt64(&ext.calls))
}

func TestResolveFallsBackAcrossStores(t *testing.T) {
	// detection says googleplay, but only amazon answers
	ext := &stubExtractor{perKind: map[stores.Kind]func() (*stores.Extraction, error){
		stores.Amazon: okExtraction(stores.Amazon, "example.com"),
	}}
	r := newTestResolver(t, ext, &stubInspector{})

	res := r.Resolve(context.Background(), "com.example.game", nil)
	assert.True(t, res.Success)
	assert.Equal(t, stores.Amazon, res.StoreKind)
	assert.Positive(t, r.Stats().Fallbacks)
}

func TestResolveAllStoresFailAggregatesErrors(t *testing.T) {
	ext := &stubExtractor{}
	r := newTestResolver(t, ext, &stubInspector{})

	res := r.Resolve(context.Background(), "com.example.game", nil)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindUpstreamFetchFailed, res.Error.Kind)
	// one error per attempted store
	assert.Len(t, res.StoreErrors, len(stores.FallbackOrder))
	// every supported store was tried exactly once
	assert.Equal(t, int64(len(stores.FallbackOrder)), atomic.LoadInt64(&ext.calls))
}

func TestResolveSecondCallIsCacheHit(t *testing.T) {
	ext := &stubExtractor{perKind: map[stores.Kind]func() (*stores.Extraction, error){
		stores.GooglePlay: okExtraction(stores.GooglePlay, "example.com"),
	}}
	ins := &stubInspector{}
	r := newTestResolver(t, ext, ins)

	first := r.Resolve(context.Background(), "com.example.game", nil)
	second := r.Resolve(context.Background(), "com.example.game", nil)

	// structurally equal modulo timing
	assert.Equal(t, first.Domain, second.Domain)
	assert.Equal(t, first.StoreKind, second.StoreKind)
	assert.Equal(t, first.Success, second.Success)
	// the second call hit the cache: no new extraction or inspection
	assert.Equal(t, int64(1), atomic.LoadInt64(&ext.calls))
	assert.Equal(t, int64(1), atomic.LoadInt64(&ins.calls))
	assert.Positive(t, r.Stats().CacheHits)
}

func TestResolveNewTermsReuseDomain(t *testing.T) {
	ext := &stubExtractor{perKind: map[stores.Kind]func() (*stores.Extraction, error){
		stores.GooglePlay: okExtraction(stores.GooglePlay, "example.com"),
	}}
	ins := &stubInspector{}
	r := newTestResolver(t, ext, ins)

	r.Resolve(context.Background(), "com.example.game", nil)

	term, err := appads.PlainTerm("google.com")
	require.NoError(t, err)
	res := r.Resolve(context.Background(), "com.example.game", []appads.Term{term})

	assert.True(t, res.Success)
	assert.Equal(t, "example.com", res.Domain)
	// the store page was not fetched again, only the app-ads stage re-ran
	assert.Equal(t, int64(1), atomic.LoadInt64(&ext.calls))
	assert.Equal(t, int64(2), atomic.LoadInt64(&ins.calls))
}

func TestResolveErrorCachedWithErrorClass(t *testing.T) {
	ext := &stubExtractor{}
	r := newTestResolver(t, ext, &stubInspector{})

	r.Resolve(context.Background(), "com.example.game", nil)
	res := r.Resolve(context.Background(), "com.example.game", nil)

	assert.False(t, res.Success)
	// the failure was served from cache: still one pass over the stores
	assert.Equal(t, int64(len(stores.FallbackOrder)), atomic.LoadInt64(&ext.calls))
}

func TestStoreHealthStates(t *testing.T) {
	assert.Equal(t, HealthGreen, getHealthState(0))
	assert.Equal(t, HealthGreen, getHealthState(2))
	assert.Equal(t, HealthYellow, getHealthState(3))
	assert.Equal(t, HealthYellow, getHealthState(9))
	assert.Equal(t, HealthRed, getHealthState(10))
}

func TestTermsSigStable(t *testing.T) {
	a, _ := appads.PlainTerm("beta")
	b, _ := appads.PlainTerm("alpha")
	assert.Equal(t, termsSig([]appads.Term{a, b}), termsSig([]appads.Term{b, a}))
	assert.Empty(t, termsSig(nil))
}
