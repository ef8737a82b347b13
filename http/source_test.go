package http_test

import (
	"bytes"
	"context"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sarhttp "github.com/meigma/sar/http"
)

func serveRange(w nethttp.ResponseWriter, r *nethttp.Request, data []byte) {
	nethttp.ServeContent(w, r, "pkg.sar", time.Time{}, bytes.NewReader(data))
}

func newSource(t *testing.T, url string, opts ...sarhttp.Option) *sarhttp.Source {
	t.Helper()
	opts = append([]sarhttp.Option{sarhttp.WithRetryDelay(time.Millisecond), sarhttp.WithRetryMax(0)}, opts...)
	src, err := sarhttp.NewSource(url, opts...)
	require.NoError(t, err)
	return src
}

func TestSourceDownload(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))
		assert.Equal(t, "test", r.Header.Get("X-Client"))
		serveRange(w, r, data)
	}))
	t.Cleanup(server.Close)

	src := newSource(t, server.URL, sarhttp.WithHeader("X-Client", "test"))

	buf := make([]byte, 5)
	require.NoError(t, src.Download(context.Background(), 6, buf))
	assert.Equal(t, "world", string(buf))

	head, err := src.Header(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(head))

	require.NoError(t, src.Download(context.Background(), 3, nil))
}

func TestSourceResumesDroppedTransfer(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("0123456789"), 100)
	var (
		mu     sync.Mutex
		ranges []string
	)
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		first := len(ranges) == 1
		mu.Unlock()

		if first {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 100-899/%d", len(data)))
			w.Header().Set("Content-Length", "800")
			w.WriteHeader(nethttp.StatusPartialContent)
			_, _ = w.Write(data[100:400])
			w.(nethttp.Flusher).Flush()
			panic(nethttp.ErrAbortHandler)
		}
		serveRange(w, r, data)
	}))
	t.Cleanup(server.Close)

	src := newSource(t, server.URL)
	buf := make([]byte, 800)
	require.NoError(t, src.Download(context.Background(), 100, buf))
	assert.Equal(t, data[100:900], buf)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ranges, 2)
	assert.Equal(t, "bytes=100-899", ranges[0])
	assert.Equal(t, "bytes=400-899", ranges[1])
}

func TestSourceRestartsOnBadStatusAndResetsRedirect(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("abcdefgh"), 64)
	var (
		failures  atomic.Int32
		redirects atomic.Int32
		mu        sync.Mutex
		ranges    []string
	)
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/pkg.sar", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		redirects.Add(1)
		nethttp.Redirect(w, r, "/cdn/pkg.sar", nethttp.StatusFound)
	})
	mux.HandleFunc("/cdn/pkg.sar", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		if strings.HasPrefix(r.Header.Get("Range"), "bytes=10-") && failures.Add(1) == 1 {
			nethttp.Error(w, "nope", nethttp.StatusForbidden)
			return
		}
		serveRange(w, r, data)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	src := newSource(t, server.URL+"/pkg.sar")

	buf := make([]byte, 4)
	require.NoError(t, src.Download(context.Background(), 0, buf))
	assert.Equal(t, server.URL+"/cdn/pkg.sar", src.URL())
	assert.Equal(t, int32(1), redirects.Load())

	require.NoError(t, src.Download(context.Background(), 4, buf))
	assert.Equal(t, int32(1), redirects.Load(), "cached redirect is reused")

	buf = make([]byte, 100)
	require.NoError(t, src.Download(context.Background(), 10, buf))
	assert.Equal(t, data[10:110], buf)
	assert.Equal(t, int32(2), redirects.Load(), "bad status resets to the initial url")
	assert.Equal(t, server.URL+"/cdn/pkg.sar", src.URL())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bytes=0-3", "bytes=4-7", "bytes=10-109", "bytes=10-109"}, ranges)
}

func TestSourceMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("range ignored"))
	}))
	t.Cleanup(server.Close)

	src := newSource(t, server.URL, sarhttp.WithMaxAttempts(3))
	err := src.Download(context.Background(), 0, make([]byte, 4))
	require.ErrorIs(t, err, sarhttp.ErrStatus)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSourceRetriesServerErrors(t *testing.T) {
	t.Parallel()

	data := []byte("retry me please")
	var calls atomic.Int32
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		serveRange(w, r, data)
	}))
	t.Cleanup(server.Close)

	src, err := sarhttp.NewSource(server.URL, sarhttp.WithRetryMax(2), sarhttp.WithMaxAttempts(1))
	require.NoError(t, err)

	buf := make([]byte, len(data))
	require.NoError(t, src.Download(context.Background(), 0, buf))
	assert.Equal(t, data, buf)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSourceCanceled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	src := newSource(t, server.URL, sarhttp.WithRetryDelay(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := src.Download(ctx, 0, make([]byte, 4))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSourceRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := sarhttp.NewSource("ftp://example.com/pkg.sar")
	require.Error(t, err)
	_, err = sarhttp.NewSource("://bad")
	require.Error(t, err)
	_, err = sarhttp.NewSource("http://example.com/" + strconv.Itoa(1))
	require.NoError(t, err)
}
