// Package download keeps a local SAR package in sync with a copy served
// over HTTP, fetching file bodies on demand.
//
// A new Archive starts a worker goroutine that downloads the remote header
// and file table, reuses whatever the local package (or a configured
// populate package) already holds, and then serves fetch requests. Every
// network request and every write to the local package happens on that
// worker.
package download

import (
	"context"
	"errors"
	"log/slog"
	nethttp "net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/sar"
	sarhttp "github.com/meigma/sar/http"
	"github.com/meigma/sar/internal/fetch"
)

// Archive is a SAR package backed by a local file that is filled from a
// remote URL.
//
// Until initialization completes only WaitForInit and the status methods
// are useful; file operations return ErrNotReady. Archive is safe for
// concurrent use.
type Archive struct {
	url         string
	path        string
	populate    []string
	seeds       []*sar.Archive
	threshold   uint64
	lower       uint64
	upper       uint64
	target      time.Duration
	retryDelay  time.Duration
	maxAttempts int
	client      *nethttp.Client
	logger      *slog.Logger
	registerer  prometheus.Registerer

	src     *sarhttp.Source
	sizer   *fetch.Sizer
	queue   *fetch.TaskQueue
	stats   statTracker
	net     networkCounters
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// pkg and checks are set by the worker before initialized is stored.
	pkg          *sar.Archive
	checks       *fetch.CheckTable
	initialized  atomic.Bool
	initializing atomic.Bool
	initCh       chan struct{}

	writeFailure atomic.Bool
	busy         atomic.Bool
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error

	progressMu sync.Mutex
	progress   chan struct{}
}

// New starts downloading the package at the configured URL into the
// configured path and returns immediately.
func New(opts ...Option) (*Archive, error) {
	a := &Archive{
		threshold:   DefaultRedownloadThreshold,
		lower:       DefaultLowerRequestSize,
		upper:       DefaultUpperRequestSize,
		target:      DefaultTargetDuration,
		retryDelay:  DefaultRetryDelay,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.url == "" {
		return nil, errors.New("download: url is required")
	}
	if a.path == "" {
		return nil, errors.New("download: package path is required")
	}

	srcOpts := []sarhttp.Option{
		sarhttp.WithRetryDelay(a.retryDelay),
		sarhttp.WithMaxAttempts(a.maxAttempts),
		sarhttp.WithLogger(a.logger),
	}
	if a.client != nil {
		srcOpts = append(srcOpts, sarhttp.WithClient(a.client))
	}
	src, err := sarhttp.NewSource(a.url, srcOpts...)
	if err != nil {
		return nil, err
	}

	a.src = src
	a.sizer = fetch.NewSizer(a.lower, a.upper, a.target)
	a.queue = fetch.NewTaskQueue()
	a.metrics = newMetrics(a.registerer, filepath.Base(a.path))
	a.metrics.requestSize.Set(float64(a.sizer.Size()))
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.done = make(chan struct{})
	a.initCh = make(chan struct{})
	a.progress = make(chan struct{})
	a.initializing.Store(true)

	go a.run()
	return a, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

func (a *Archive) run() {
	defer close(a.done)
	if !a.initialize(a.ctx) {
		return
	}
	a.loop(a.ctx)
}

// Path returns the local package path.
func (a *Archive) Path() string {
	return a.path
}

// URL returns the URL requests currently go to. After a redirect this is
// the redirect target.
func (a *Archive) URL() string {
	return a.src.URL()
}

// ResetURL drops a cached redirect so the next request goes to the
// configured URL.
func (a *Archive) ResetURL() {
	a.src.ResetURL()
}

// Package returns the local package once initialized.
func (a *Archive) Package() (*sar.Archive, bool) {
	if !a.initialized.Load() {
		return nil, false
	}
	return a.pkg, true
}

// IsInitializing reports whether the worker is still preparing the
// local package.
func (a *Archive) IsInitializing() bool {
	return a.initializing.Load()
}

// IsInitialized reports whether the file table is available.
func (a *Archive) IsInitialized() bool {
	return a.initialized.Load()
}

// WaitForInit blocks until initialization completes. A zero timeout waits
// until the archive is closed.
func (a *Archive) WaitForInit(timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-a.initCh:
		return nil
	case <-a.done:
		if a.initialized.Load() {
			return nil
		}
		return ErrClosed
	case <-expired:
		return ErrTimeout
	}
}

// HasWork reports whether fetches are queued or in progress.
func (a *Archive) HasWork() bool {
	return a.queue.Len() > 0 || a.busy.Load()
}

// HasWriteFailure reports whether a write to the local package has failed.
func (a *Archive) HasWriteFailure() bool {
	return a.writeFailure.Load()
}

// IsServicedByNetwork reports whether name is stored in the package but
// not yet verified locally, so reading it waits for the network.
func (a *Archive) IsServicedByNetwork(name string) bool {
	if !a.initialized.Load() {
		return false
	}
	return a.pkg.Exists(name) && !a.checks.IsOK(name)
}

// Remaining returns the number of entries not yet verified locally.
func (a *Archive) Remaining() int {
	if !a.initialized.Load() {
		return 0
	}
	return a.checks.RemainingNotOK()
}

// Fetch queues names at priority p and blocks until every one of them is
// verified locally.
//
// Unknown names are ignored; ErrNotFound is returned if none are known.
// Fetch returns ErrClosed if the archive is closed while waiting and
// ErrWriteFailure once the local package can no longer be written.
func (a *Archive) Fetch(ctx context.Context, p Priority, names ...string) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.initialized.Load() {
		return ErrNotReady
	}

	want := make([]string, 0, len(names))
	for _, name := range names {
		if e, ok := a.pkg.Lookup(name); ok {
			want = append(want, e.Name)
		}
	}
	if len(want) == 0 && len(names) > 0 {
		return sar.ErrNotFound
	}
	return a.wait(ctx, p, want, nil)
}

// FetchAll queues every unverified entry at priority p and blocks until
// the whole package is verified. progress, if not nil, is called after
// each commit with the total stored size and the size verified so far.
func (a *Archive) FetchAll(ctx context.Context, p Priority, progress func(total, done uint64)) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.initialized.Load() {
		return ErrNotReady
	}

	var total uint64
	for _, e := range a.pkg.TableEntries() {
		total += e.CompressedSize
	}
	want := make([]string, 0, a.checks.RemainingNotOK())
	for _, e := range a.checks.NotOK() {
		want = append(want, e.Name)
	}

	var report func()
	if progress != nil {
		report = func() {
			var pending uint64
			for _, e := range a.checks.NotOK() {
				pending += e.CompressedSize
			}
			progress(total, total-pending)
		}
	}
	return a.wait(ctx, p, want, report)
}

// wait queues want and blocks until all of it is verified.
func (a *Archive) wait(ctx context.Context, p Priority, want []string, report func()) error {
	queued := false
	for {
		if a.writeFailure.Load() {
			return ErrWriteFailure
		}
		// Take the channel before checking so a commit in between is not missed.
		tick := a.progressChan()
		want = a.unverified(want)
		if report != nil {
			report()
		}
		if len(want) == 0 {
			return nil
		}
		if !queued {
			a.queue.Push(p, want...)
			queued = true
		}

		select {
		case <-tick:
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return ErrClosed
		}
	}
}

// Prefetch queues names at priority p and returns immediately. With no
// names every unverified entry is queued. It returns false if the archive
// is not initialized or is closed.
func (a *Archive) Prefetch(p Priority, names ...string) bool {
	if a.closed.Load() || !a.initialized.Load() {
		return false
	}
	if len(names) == 0 {
		for _, e := range a.checks.NotOK() {
			names = append(names, e.Name)
		}
	}
	if want := a.unverified(names); len(want) > 0 {
		a.queue.Push(p, want...)
	}
	return true
}

// unverified returns the names in names that are stored but not verified.
func (a *Archive) unverified(names []string) []string {
	out := names[:0:0]
	for _, name := range names {
		if a.pkg.Exists(name) && !a.checks.IsOK(name) {
			out = append(out, name)
		}
	}
	return out
}

func (a *Archive) progressChan() <-chan struct{} {
	a.progressMu.Lock()
	defer a.progressMu.Unlock()
	return a.progress
}

// broadcast wakes every caller blocked in Fetch or FetchAll.
func (a *Archive) broadcast() {
	a.progressMu.Lock()
	defer a.progressMu.Unlock()
	close(a.progress)
	a.progress = make(chan struct{})
}

// Close stops the worker, discarding any request in flight, wakes every
// waiting caller with ErrClosed and closes the local package.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.cancel()
		<-a.done
		a.initializing.Store(false)
		a.broadcast()
		if a.initialized.Load() {
			if err := a.pkg.Sync(); err != nil {
				a.log().Warn("sync package", "path", a.path, "error", err)
			}
			a.closeErr = a.pkg.Close()
		}
	})
	return a.closeErr
}
