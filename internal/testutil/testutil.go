// Package testutil provides package fixtures and a ranged HTTP server for
// tests of the download and patch layers.
package testutil

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meigma/sar"
)

// Noise returns n deterministic pseudo-random bytes.
func Noise(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, ^seed)) //nolint:gosec // deterministic test data
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

// Files returns n files of mixed size and compressibility, spread over a
// few directories.
func Files(n int) []sar.BuildFile {
	mtime := time.Unix(1_700_000_000, 0)
	files := make([]sar.BuildFile, n)
	for i := range files {
		var data []byte
		switch i % 3 {
		case 0:
			data = bytes.Repeat(fmt.Appendf(nil, "entry %d;", i), 50+i)
		case 1:
			data = Noise(uint64(i), 200+i*13)
		default:
			data = fmt.Appendf(nil, `{"id":%d,"name":"file %d"}`, i, i)
		}
		files[i] = sar.BuildFile{
			Name:    fmt.Sprintf("dir%d/file%03d.dat", i%4, i),
			Data:    data,
			ModTime: mtime.Add(time.Duration(i) * time.Minute),
		}
	}
	return files
}

// Build returns a package holding files.
func Build(t testing.TB, files []sar.BuildFile, opts ...sar.CreateOption) []byte {
	t.Helper()
	data, err := sar.Build(files, opts...)
	if err != nil {
		t.Fatalf("build package: %v", err)
	}
	return data
}

// WriteFile writes data to name under dir and returns the full path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // test fixture
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Server serves a package over HTTP range requests and counts traffic.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	data     []byte
	ranges   []string
	failNext int
	status   int
	block    *gate

	requests atomic.Int64
	bytes    atomic.Int64
}

type gate struct {
	lo, hi  int64
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

// NewServer starts a Server for data, closed when the test ends.
func NewServer(t testing.TB, data []byte) *Server {
	t.Helper()
	s := &Server{data: data}
	s.Server = httptest.NewServer(nethttp.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// URL returns the package URL.
func (s *Server) URL() string {
	return s.Server.URL + "/pkg.sar"
}

// SetData replaces the served package.
func (s *Server) SetData(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

// FailNext answers the next n range requests with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.status = status
}

// Block holds range requests starting in [lo, hi) until release is
// called. entered is closed when the first such request arrives.
func (s *Server) Block(lo, hi int64) (entered <-chan struct{}, release func()) {
	g := &gate{lo: lo, hi: hi, entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.block = g
	s.mu.Unlock()

	var once sync.Once
	return g.entered, func() {
		once.Do(func() {
			s.mu.Lock()
			if s.block == g {
				s.block = nil
			}
			s.mu.Unlock()
			close(g.release)
		})
	}
}

// Requests returns the number of requests served.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Bytes returns the number of body bytes served.
func (s *Server) Bytes() int64 {
	return s.bytes.Load()
}

// Ranges returns the Range headers received, in order.
func (s *Server) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

// ResetCounters zeroes the request and byte counters.
func (s *Server) ResetCounters() {
	s.mu.Lock()
	s.ranges = nil
	s.mu.Unlock()
	s.requests.Store(0)
	s.bytes.Store(0)
}

func (s *Server) serve(w nethttp.ResponseWriter, r *nethttp.Request) {
	s.requests.Add(1)
	rng := r.Header.Get("Range")

	s.mu.Lock()
	s.ranges = append(s.ranges, rng)
	data := s.data
	fail := s.failNext > 0
	status := s.status
	if fail {
		s.failNext--
	}
	g := s.block
	s.mu.Unlock()

	if fail {
		nethttp.Error(w, "injected failure", status)
		return
	}

	start, end, ok := parseRange(rng, int64(len(data)))
	if !ok {
		w.WriteHeader(nethttp.StatusRequestedRangeNotSatisfiable)
		return
	}

	if g != nil && start >= g.lo && start < g.hi {
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.release:
		case <-r.Context().Done():
			return
		}
	}

	body := data[start : end+1]
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(nethttp.StatusPartialContent)
	n, _ := w.Write(body)
	s.bytes.Add(int64(n))
}

// parseRange parses a single "bytes=start-end" range.
func parseRange(value string, size int64) (start, end int64, ok bool) {
	rng, found := strings.CutPrefix(value, "bytes=")
	if !found {
		return 0, 0, false
	}
	first, last, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if start < 0 || end < start || end >= size {
		return 0, 0, false
	}
	return start, end, true
}
