package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests for the outbound client: retry policy, decoding, caps and headers.

func testClient() *Client {
	return New(Config{RetryBackoff: time.Millisecond})
}

func TestFetchTextRetriesOn5xx(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := testClient().FetchText(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", body)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestFetchTextNoRetryOn404(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testClient().FetchText(context.Background(), srv.URL, Options{})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestFetchTextGivesUpAfterThreeAttempts(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient().FetchText(context.Background(), srv.URL, Options{})
	require.Error(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestFetchTextDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("compressed payload"))
		gz.Close()
	}))
	defer srv.Close()

	body, err := testClient().FetchText(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", body)
}

func TestFetchTextSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// early flush forces chunked transfer so no Content-Length
		// precheck applies and the cap must trip mid-read
		io.WriteString(w, strings.Repeat("a", 2048))
		w.(http.Flusher).Flush()
		io.WriteString(w, strings.Repeat("a", 2048))
	}))
	defer srv.Close()

	_, err := testClient().FetchText(context.Background(), srv.URL, Options{MaxBytes: 1024})
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestFetchRejectsAdvertisedOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "999999")
		io.WriteString(w, strings.Repeat("a", 999999))
	}))
	defer srv.Close()

	_, err := testClient().FetchText(context.Background(), srv.URL, Options{MaxBytes: 1024})
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestUserAgentFromRotationPool(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := testClient().FetchText(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Contains(t, defaultUserAgents, ua)

	// stable UA pins the first entry
	_, err = testClient().FetchText(context.Background(), srv.URL, Options{StableUA: true})
	require.NoError(t, err)
	assert.Equal(t, defaultUserAgents[0], ua)
}

func TestRedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	_, err := testClient().FetchText(context.Background(), srv.URL, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect")
}

func TestHeadReportsLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "12345")
		w.Header().Set("Content-Type", "text/plain")
	}))
	defer srv.Close()

	res, err := testClient().Head(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(12345), res.ContentLength)
	assert.Equal(t, "text/plain", res.ContentType)
}

func TestFetchStreamIsLazyAndCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// flushing sends the body chunked, with no Content-Length to refuse
		// up front, so the cap has to trip while reading
		io.WriteString(w, strings.Repeat("b", 2048))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	rc, err := testClient().FetchStream(context.Background(), srv.URL, Options{MaxBytes: 1024})
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}
