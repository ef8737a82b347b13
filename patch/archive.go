// Package patch combines a read-only fallback package with a network
// backed copy whose URL can be changed while the archive is in use.
package patch

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/sar"
	"github.com/meigma/sar/download"
)

// Archive serves reads from a download.Archive once one is set and
// initialized, and from the fallback package otherwise.
//
// Every operation runs inside a read section counted by an in-flight
// counter. SetURL waits for the counter to drain before it replaces the
// downloadable archive, so a read never sees an archive closed under it.
type Archive struct {
	fallback *sar.Archive
	opts     []download.Option
	logger   *slog.Logger

	mu         sync.Mutex
	inFlight   atomic.Int64
	generation atomic.Uint64
	dl         *download.Archive
	url        string
}

// Interface compliance.
var _ sar.FileSystem = (*Archive)(nil)

// New returns an Archive over fallback. opts configure every downloadable
// archive created by SetURL and must include download.WithPackagePath.
// Entries of the fallback are copied into each new package before
// anything is downloaded, so the fallback may also come from OpenBytes.
//
// The fallback is owned by the caller and is not closed by Close.
func New(fallback *sar.Archive, opts ...download.Option) *Archive {
	return &Archive{
		fallback: fallback,
		opts:     slices.Clone(opts),
	}
}

// SetLogger sets the logger for URL changes. It must be called before
// the archive is shared.
func (a *Archive) SetLogger(logger *slog.Logger) {
	a.logger = logger
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// enter starts a read section and returns the downloadable archive in use,
// which may be nil. The caller must call a.leave.
func (a *Archive) enter() *download.Archive {
	a.mu.Lock()
	a.inFlight.Add(1)
	dl := a.dl
	a.mu.Unlock()
	return dl
}

func (a *Archive) leave() {
	a.inFlight.Add(-1)
}

// quiesce waits, holding a.mu, until no read section is open.
func (a *Archive) quiesce() {
	for a.inFlight.Load() > 0 {
		runtime.Gosched()
	}
}

// active returns the file system reads go to.
func (a *Archive) active(dl *download.Archive) sar.FileSystem {
	if dl != nil && dl.IsInitialized() {
		return dl
	}
	return a.fallback
}

// SetURL points the archive at url. It waits for operations in progress to
// finish, closes the current downloadable archive and starts a new one.
// An empty url leaves only the fallback active.
func (a *Archive) SetURL(url string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quiesce()

	if url == a.url {
		return nil
	}
	if a.dl != nil {
		if err := a.dl.Close(); err != nil {
			a.log().Warn("close downloadable archive", "url", a.url, "error", err)
		}
		a.dl = nil
	}
	a.url = ""
	gen := a.generation.Add(1)

	if url == "" {
		a.log().Info("patching disabled", "generation", gen)
		return nil
	}

	opts := append(slices.Clone(a.opts),
		download.WithURL(url),
		download.WithPopulateArchives(a.fallback),
	)
	dl, err := download.New(opts...)
	if err != nil {
		return err
	}
	a.dl = dl
	a.url = url
	a.log().Info("patching enabled", "url", url, "generation", gen)
	return nil
}

// URL returns the URL set with SetURL.
func (a *Archive) URL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.url
}

// Generation counts the changes made by SetURL.
func (a *Archive) Generation() uint64 {
	return a.generation.Load()
}

// Fallback returns the fallback package.
func (a *Archive) Fallback() *sar.Archive {
	return a.fallback
}

// Active returns the file system currently serving reads. It is meant for
// diagnostics; the value may be replaced by SetURL at any time.
func (a *Archive) Active() sar.FileSystem {
	dl := a.enter()
	defer a.leave()
	return a.active(dl)
}

// IsServicedByNetwork reports whether reading name waits for the network.
func (a *Archive) IsServicedByNetwork(name string) bool {
	dl := a.enter()
	defer a.leave()
	return dl != nil && dl.IsServicedByNetwork(name)
}

// Fetch blocks until names are verified locally. Without a downloadable
// archive everything is local and Fetch returns at once.
func (a *Archive) Fetch(ctx context.Context, p download.Priority, names ...string) error {
	dl := a.enter()
	defer a.leave()
	if dl == nil {
		return nil
	}
	return dl.Fetch(ctx, p, names...)
}

// Prefetch queues names without waiting. It returns false if there is no
// initialized downloadable archive.
func (a *Archive) Prefetch(p download.Priority, names ...string) bool {
	dl := a.enter()
	defer a.leave()
	return dl != nil && dl.Prefetch(p, names...)
}

// WaitForInit waits for the downloadable archive to initialize. A zero
// timeout waits indefinitely.
func (a *Archive) WaitForInit(timeout time.Duration) error {
	dl := a.enter()
	defer a.leave()
	if dl == nil {
		return nil
	}
	return dl.WaitForInit(timeout)
}

// Open opens name from the active source. Files are read into memory so
// they stay readable after a later SetURL.
func (a *Archive) Open(name string) (fs.File, error) {
	dl := a.enter()
	defer a.leave()
	src := a.active(dl)

	info, err := src.Stat(name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return src.Open(name)
	}
	data, err := src.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return &file{Reader: bytes.NewReader(data), info: info}, nil
}

// ReadFile implements fs.ReadFileFS.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	dl := a.enter()
	defer a.leave()
	return a.active(dl).ReadFile(name)
}

// Stat implements fs.StatFS.
func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	dl := a.enter()
	defer a.leave()
	return a.active(dl).Stat(name)
}

// ReadDir implements fs.ReadDirFS.
func (a *Archive) ReadDir(name string) ([]fs.DirEntry, error) {
	dl := a.enter()
	defer a.leave()
	return a.active(dl).ReadDir(name)
}

// Exists reports whether name is stored in the active source.
func (a *Archive) Exists(name string) bool {
	dl := a.enter()
	defer a.leave()
	return a.active(dl).Exists(name)
}

// CheckCRC32 checks the active source.
func (a *Archive) CheckCRC32(ctx context.Context, results []sar.CRCResult) ([]sar.CRCResult, bool, error) {
	dl := a.enter()
	defer a.leave()
	return a.active(dl).CheckCRC32(ctx, results)
}

// Close waits for operations in progress and closes the downloadable
// archive. Afterwards reads go to the fallback.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quiesce()
	if a.dl == nil {
		return nil
	}
	err := a.dl.Close()
	a.dl = nil
	a.url = ""
	a.generation.Add(1)
	return err
}
