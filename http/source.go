// Package http downloads byte ranges of a remote SAR package.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	rhttp "github.com/hashicorp/go-retryablehttp"
)

// ErrStatus is returned when the server answers a range request with
// anything other than 206 Partial Content for the requested range.
var ErrStatus = errors.New("sar/http: unexpected range response")

// Source downloads byte ranges of a package with HTTP range requests.
//
// A redirect observed on a successful request is cached and used for
// later requests. Any unexpected status resets the source to its initial
// URL so the redirect is evaluated again.
//
// Source is safe for concurrent use.
type Source struct {
	initialURL string
	client     *nethttp.Client
	headers    nethttp.Header
	retryDelay time.Duration
	retryMax   int
	attempts   int
	logger     *slog.Logger

	mu  sync.Mutex
	url string
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests. By default a
// retrying client is used that retries connection errors and 5xx
// responses before handing them to Source.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithRetryDelay sets the wait between failed attempts of a Download
// (default: 1s).
func WithRetryDelay(d time.Duration) Option {
	return func(s *Source) {
		s.retryDelay = max(d, 0)
	}
}

// WithRetryMax sets the number of retries of the default client for a
// single request (default: 3). It has no effect with WithClient.
func WithRetryMax(n int) Option {
	return func(s *Source) {
		s.retryMax = max(n, 0)
	}
}

// WithMaxAttempts bounds the attempts of a single Download. Zero, the
// default, retries until the context is done.
func WithMaxAttempts(n int) Option {
	return func(s *Source) {
		s.attempts = max(n, 0)
	}
}

// WithLogger sets the logger for retries and redirects.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource returns a Source for the package at rawURL.
func NewSource(rawURL string, opts ...Option) (*Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	s := &Source{
		initialURL: rawURL,
		url:        rawURL,
		retryDelay: time.Second,
		retryMax:   3,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = newRetryingClient(s.retryMax)
	}
	return s, nil
}

func newRetryingClient(retryMax int) *nethttp.Client {
	client := rhttp.NewClient()
	client.Logger = nil // disable logging every request
	client.RetryMax = retryMax
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.ErrorHandler = rhttp.PassthroughErrorHandler
	return client.StandardClient()
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Source) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// URL returns the URL the next request will use.
func (s *Source) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// InitialURL returns the URL the Source was created with.
func (s *Source) InitialURL() string {
	return s.initialURL
}

// ResetURL drops any cached redirect.
func (s *Source) ResetURL() {
	s.setURL(s.initialURL)
}

func (s *Source) setURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = u
}

// Header downloads the first size bytes of the package.
func (s *Source) Header(ctx context.Context, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := s.Download(ctx, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Download fills p with the bytes at off.
//
// A transfer that drops mid-body resumes from the bytes received. A
// response with an unexpected status restarts the whole range from the
// initial URL. Attempts repeat after the retry delay until the range is
// complete, the attempt limit is reached or ctx is done.
func (s *Source) Download(ctx context.Context, off int64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if off < 0 {
		return fmt.Errorf("download at %d: negative offset", off)
	}

	progress := 0
	for attempt := 1; ; attempt++ {
		n, status, err := s.fetch(ctx, off+int64(progress), p[progress:])
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if status != 0 {
			s.log().Warn("range request failed, restarting",
				"offset", off, "size", len(p), "status", status, "error", err)
			progress = 0
			s.ResetURL()
		} else {
			progress += n
			s.log().Debug("range request interrupted, resuming",
				"offset", off, "size", len(p), "received", progress, "error", err)
		}
		if progress == len(p) {
			return nil
		}

		if s.attempts > 0 && attempt >= s.attempts {
			return fmt.Errorf("download %d bytes at %d: giving up after %d attempts: %w", len(p), off, attempt, err)
		}
		if err := sleep(ctx, s.retryDelay); err != nil {
			return err
		}
	}
}

// fetch performs one range request. status is non-zero when the server
// responded but the response cannot be used.
func (s *Source) fetch(ctx context.Context, off int64, p []byte) (n, status int, err error) {
	reqURL := s.URL()
	req, err := s.newRequest(ctx, reqURL)
	if err != nil {
		return 0, 0, err
	}
	end := off + int64(len(p)) - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != nethttp.StatusPartialContent {
		return 0, resp.StatusCode, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	if crange := resp.Header.Get("Content-Range"); crange != "" {
		start, err := parseContentRange(crange)
		if err != nil || start != off {
			return 0, resp.StatusCode, fmt.Errorf("%w: Content-Range %q for offset %d", ErrStatus, crange, off)
		}
	}

	n, err = io.ReadFull(resp.Body, p)
	if err != nil {
		return n, 0, err
	}

	if final := resp.Request.URL.String(); final != reqURL {
		s.log().Debug("caching redirect", "from", reqURL, "to", final)
		s.setURL(final)
	}
	return n, 0, nil
}

func (s *Source) newRequest(ctx context.Context, u string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// parseContentRange returns the first byte position of a
// "bytes start-end/size" value.
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	rng, _, ok := strings.Cut(strings.TrimPrefix(value, "bytes "), "/")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return start, nil
}
