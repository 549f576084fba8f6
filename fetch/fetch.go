// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Outbound HTTP client with retries, user-agent rotation and bounded bodies.
package fetch

import (
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/metrics"
)

// ErrResponseTooLarge is returned when a response body exceeds the configured cap.
var ErrResponseTooLarge = errors.New("response body exceeds size cap")

// ErrTooManyRedirects is returned when a request chain exceeds the redirect limit.
var ErrTooManyRedirects = errors.New("too many redirects")

// defaultUserAgents is the rotation pool of desktop user agents.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

const (
	defaultTextTimeout = 15 * time.Second
	defaultHeadTimeout = 5 * time.Second
	defaultMaxBytes    = 20 * 1024 * 1024
	maxRedirects       = 5
	maxAttempts        = 3
	defaultBackoff     = time.Second
)

// Options controls a single fetch.
type Options struct {
	// StableUA pins the user agent to the first entry instead of rotating.
	StableUA bool
	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration
	// MaxBytes overrides the response size cap.
	MaxBytes int64
	// Headers are extra request headers.
	Headers map[string]string
}

// Config holds client construction parameters.
type Config struct {
	MaxConns    int
	UserAgents  []string
	TextTimeout time.Duration
	HeadTimeout time.Duration
	MaxBytes    int64
	// RetryBackoff overrides the linear backoff unit (tests).
	RetryBackoff time.Duration
}

// Client is a shared outbound HTTP client. Safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	userAgents  []string
	textTimeout time.Duration
	headTimeout time.Duration
	maxBytes    int64
	backoff     time.Duration

	// stats
	requests    int64
	retries     int64
	failures    int64
	bytesReadIn int64
}

// Stats holds runtime counters exported by Client
type Stats struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Failures  int64 `json:"failures"`
	BytesRead int64 `json:"bytes_read"`
}

// HeadResult reports what a HEAD request learned about a URL.
type HeadResult struct {
	StatusCode    int
	ContentLength int64
	ContentType   string
}

// New creates a Client with pooled keep-alive connections.
func New(cfg Config) *Client {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 64
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = defaultUserAgents
	}
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = defaultTextTimeout
	}
	if cfg.HeadTimeout <= 0 {
		cfg.HeadTimeout = defaultHeadTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultBackoff
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxConns,
		MaxIdleConnsPerHost: 8,
		MaxConnsPerHost:     cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
		// bodies are decoded manually so the size cap sees wire bytes
		DisableCompression: true,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		userAgents:  cfg.UserAgents,
		textTimeout: cfg.TextTimeout,
		headTimeout: cfg.HeadTimeout,
		maxBytes:    cfg.MaxBytes,
		backoff:     cfg.RetryBackoff,
	}
}

// Stats returns a snapshot of the Client counters
func (c *Client) Stats() Stats {
	return Stats{
		Requests:  atomic.LoadInt64(&c.requests),
		Retries:   atomic.LoadInt64(&c.retries),
		Failures:  atomic.LoadInt64(&c.failures),
		BytesRead: atomic.LoadInt64(&c.bytesReadIn),
	}
}

// pickUA selects a user agent for a request.
func (c *Client) pickUA(stable bool) string {
	if stable {
		return c.userAgents[0]
	}
	return c.userAgents[rand.Intn(len(c.userAgents))]
}

// statusClass buckets a status code for metric labels.
func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// retryable reports whether a status code should be retried.
func retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

// StatusError carries a non-2xx terminal status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// FetchText downloads a URL and returns the decoded text body.
func (c *Client) FetchText(ctx context.Context, url string, opts Options) (string, error) {
	body, err := c.fetch(ctx, url, opts)
	if err != nil {
		return "", err
	}
	defer body.Close()

	maxBytes := c.maxBytes
	if opts.MaxBytes > 0 {
		maxBytes = opts.MaxBytes
	}
	data, err := readCapped(body, maxBytes)
	if err != nil {
		return "", err
	}
	atomic.AddInt64(&c.bytesReadIn, int64(len(data)))
	return string(data), nil
}

// FetchStream downloads a URL and returns the decoded body as a lazy reader.
// The reader is finite and not restartable; the caller must Close it.
func (c *Client) FetchStream(ctx context.Context, url string, opts Options) (io.ReadCloser, error) {
	return c.fetch(ctx, url, opts)
}

// Head issues a HEAD request and reports status and advertised length.
func (c *Client) Head(ctx context.Context, url string, opts Options) (*HeadResult, error) {
	timeout := c.headTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			atomic.AddInt64(&c.retries, 1)
			if err := sleepCtx(ctx, c.backoff*time.Duration(attempt-1)); err != nil {
				return nil, err
			}
		}
		atomic.AddInt64(&c.requests, 1)

		cctx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(cctx, http.MethodHead, url, nil)
		if err != nil {
			cancel()
			return nil, err
		}
		c.setHeaders(req, opts)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}
		resp.Body.Close()
		cancel()

		if retryable(resp.StatusCode) {
			lastErr = &StatusError{URL: url, StatusCode: resp.StatusCode}
			continue
		}

		metrics.OutboundFetches.WithLabelValues("head", statusClass(resp.StatusCode)).Inc()
		return &HeadResult{
			StatusCode:    resp.StatusCode,
			ContentLength: resp.ContentLength,
			ContentType:   resp.Header.Get("Content-Type"),
		}, nil
	}
	atomic.AddInt64(&c.failures, 1)
	return nil, fmt.Errorf("head %s: %w", url, lastErr)
}

func (c *Client) setHeaders(req *http.Request, opts Options) {
	req.Header.Set("User-Agent", c.pickUA(opts.StableUA))
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Accept", "*/*")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
}

// fetch performs a GET with retry and returns the decoded body stream.
func (c *Client) fetch(ctx context.Context, url string, opts Options) (io.ReadCloser, error) {
	timeout := c.textTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	maxBytes := c.maxBytes
	if opts.MaxBytes > 0 {
		maxBytes = opts.MaxBytes
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			atomic.AddInt64(&c.retries, 1)
			logging.DebugMethod("fetch", "fetch", "retrying %s (attempt %d): %v", url, attempt, lastErr)
			if err := sleepCtx(ctx, c.backoff*time.Duration(attempt-1)); err != nil {
				return nil, err
			}
		}
		atomic.AddInt64(&c.requests, 1)

		cctx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return nil, err
		}
		c.setHeaders(req, opts)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			// context errors from the parent are terminal
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if retryable(resp.StatusCode) {
			resp.Body.Close()
			cancel()
			lastErr = &StatusError{URL: url, StatusCode: resp.StatusCode}
			continue
		}

		metrics.OutboundFetches.WithLabelValues("get", statusClass(resp.StatusCode)).Inc()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			cancel()
			atomic.AddInt64(&c.failures, 1)
			return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
		}

		// refuse bodies the server already declares oversized
		if resp.ContentLength > 0 && resp.ContentLength > maxBytes {
			resp.Body.Close()
			cancel()
			atomic.AddInt64(&c.failures, 1)
			return nil, fmt.Errorf("%s advertises %d bytes: %w", url, resp.ContentLength, ErrResponseTooLarge)
		}

		decoded, err := decodeBody(resp)
		if err != nil {
			resp.Body.Close()
			cancel()
			atomic.AddInt64(&c.failures, 1)
			return nil, err
		}

		return &cancelingReadCloser{
			reader: &cappedReader{r: decoded, remaining: maxBytes},
			closers: []func() error{
				decoded.Close,
				resp.Body.Close,
				func() error { cancel(); return nil },
			},
		}, nil
	}
	atomic.AddInt64(&c.failures, 1)
	return nil, fmt.Errorf("get %s: %w", url, lastErr)
}

// decodeBody wraps the response body with the matching content decoder.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return gz, nil
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return io.NopCloser(resp.Body), nil
	}
}

// readCapped reads everything from r, failing once the cap is crossed.
func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

// cappedReader fails with ErrResponseTooLarge once more than the cap is read.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (cr *cappedReader) Read(p []byte) (int, error) {
	if cr.remaining <= 0 {
		return 0, ErrResponseTooLarge
	}
	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.r.Read(p)
	cr.remaining -= int64(n)
	if cr.remaining <= 0 && err == nil {
		// peek: if there is more data the cap is exceeded
		var probe [1]byte
		if pn, _ := cr.r.Read(probe[:]); pn > 0 {
			return n, ErrResponseTooLarge
		}
		return n, io.EOF
	}
	return n, err
}

type cancelingReadCloser struct {
	reader  io.Reader
	closers []func() error
}

func (c *cancelingReadCloser) Read(p []byte) (int, error) { return c.reader.Read(p) }

func (c *cancelingReadCloser) Close() error {
	var firstErr error
	for _, fn := range c.closers {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
