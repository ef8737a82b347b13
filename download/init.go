package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/meigma/sar"
	"github.com/meigma/sar/internal/fetch"
	"github.com/meigma/sar/internal/format"
)

// initState is a step of package initialization.
type initState int

const (
	stateRequestHeader initState = iota
	stateCheckExistingPackage
	stateRequestFileTable
	stateUpdateAndReloadPackage
	stateError
	stateComplete
)

func (s initState) String() string {
	switch s {
	case stateRequestHeader:
		return "request_header"
	case stateCheckExistingPackage:
		return "check_existing_package"
	case stateRequestFileTable:
		return "request_file_table"
	case stateUpdateAndReloadPackage:
		return "update_and_reload_package"
	case stateError:
		return "error"
	case stateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// initRun is the state carried between init steps.
type initRun struct {
	state     initState
	since     time.Time
	rawHeader []byte
	header    format.Header
	table     []byte
	pkg       *sar.Archive
	created   bool
	err       error
}

func (r *initRun) closePackage() {
	if r.pkg != nil {
		r.pkg.Close()
		r.pkg = nil
	}
}

// initialize prepares the local package and publishes it. It returns
// false if ctx ends first.
func (a *Archive) initialize(ctx context.Context) bool {
	defer a.measure("init")()

	r := &initRun{state: stateRequestHeader, since: time.Now()}
	for r.state != stateComplete {
		if ctx.Err() != nil {
			r.closePackage()
			return false
		}
		a.transition(r, a.step(ctx, r))
	}

	checks := fetch.NewCheckTable(r.pkg.TableEntries())
	if !a.prepare(ctx, r, checks) {
		r.closePackage()
		return false
	}

	a.pkg = r.pkg
	a.checks = checks
	a.metrics.remaining.Set(float64(checks.RemainingNotOK()))
	a.initialized.Store(true)
	a.initializing.Store(false)
	close(a.initCh)
	a.log().Info("package ready",
		"path", a.path,
		"entries", r.pkg.Len(),
		"unverified", checks.RemainingNotOK(),
		"created", r.created)
	return true
}

func (a *Archive) step(ctx context.Context, r *initRun) initState {
	switch r.state {
	case stateRequestHeader:
		return a.requestHeader(ctx, r)
	case stateCheckExistingPackage:
		return a.checkExistingPackage(r)
	case stateRequestFileTable:
		return a.requestFileTable(ctx, r)
	case stateUpdateAndReloadPackage:
		return a.updateAndReloadPackage(r)
	case stateError:
		return a.recoverInit(ctx, r)
	default:
		return stateComplete
	}
}

func (a *Archive) transition(r *initRun, next initState) {
	prev := r.state
	elapsed := time.Since(r.since)
	a.stats.add("init_"+prev.String(), 1, elapsed)
	a.metrics.phaseSeconds.WithLabelValues("init_" + prev.String()).Add(elapsed.Seconds())
	if next == stateError && prev != stateError {
		a.event("initerr_"+prev.String(), 1)
	}
	a.log().Info("init state changed", "path", a.path, "from", prev, "to", next, "elapsed", elapsed)
	r.state = next
	r.since = time.Now()
}

func (a *Archive) requestHeader(ctx context.Context, r *initRun) initState {
	raw, err := a.src.Header(ctx, sar.HeaderSize)
	if err != nil {
		r.err = fmt.Errorf("%w: %w", ErrNetwork, err)
		return stateError
	}
	h, err := format.DecodeHeader(raw)
	if err != nil {
		r.err = fmt.Errorf("remote header: %w", err)
		return stateError
	}
	r.rawHeader = raw
	r.header = h
	return stateCheckExistingPackage
}

// checkExistingPackage keeps the local package if its header matches the
// remote one. Otherwise a valid local package is kept as <path>.old for
// populating, and a sparse package of the remote size takes its place.
func (a *Archive) checkExistingPackage(r *initRun) initState {
	r.closePackage()
	r.created = false

	existing, err := a.openPackage()
	if err == nil && bytes.Equal(existing.HeaderBytes(), r.rawHeader) {
		r.pkg = existing
		return stateComplete
	}

	r.created = true
	if err == nil {
		existing.Close()
		old := a.oldPath()
		if err := removeIfExists(old); err != nil {
			a.log().Warn("remove old package", "path", old, "error", err)
		}
		if err := os.Rename(a.path, old); err != nil {
			a.log().Warn("keep old package", "path", old, "error", err)
		}
	}

	if err := a.createSparse(r.header.TotalSize); err != nil {
		a.setWriteFailure(err)
		r.err = fmt.Errorf("%w: %w", ErrWriteFailure, err)
		return stateError
	}
	if r.header.TableSize == 0 {
		r.table = nil
		return stateUpdateAndReloadPackage
	}
	return stateRequestFileTable
}

func (a *Archive) requestFileTable(ctx context.Context, r *initRun) initState {
	table := make([]byte, r.header.TableSize)
	if err := a.src.Download(ctx, int64(r.header.TableOffset), table); err != nil { //nolint:gosec // validated against TotalSize on reload
		r.err = fmt.Errorf("%w: %w", ErrNetwork, err)
		return stateError
	}
	r.table = table
	return stateUpdateAndReloadPackage
}

func (a *Archive) updateAndReloadPackage(r *initRun) initState {
	if err := a.writeHeaderAndTable(r.rawHeader, r.header.TableOffset, r.table); err != nil {
		a.setWriteFailure(err)
		r.err = fmt.Errorf("%w: %w", ErrWriteFailure, err)
		return stateError
	}
	a.writeFailure.Store(false)

	pkg, err := a.openPackage()
	if err != nil {
		r.err = err
		return stateError
	}
	r.pkg = pkg
	return stateComplete
}

// recoverInit waits out the retry delay. After a write failure the
// package and its .old copy are removed to free space before retrying.
func (a *Archive) recoverInit(ctx context.Context, r *initRun) initState {
	a.log().Warn("package init failed", "path", a.path, "error", r.err, "retry_in", a.retryDelay)
	r.closePackage()
	if err := sleep(ctx, a.retryDelay); err != nil {
		return stateError
	}
	if a.writeFailure.Load() {
		for _, p := range []string{a.oldPath(), a.path} {
			if err := removeIfExists(p); err != nil {
				a.log().Warn("remove package", "path", p, "error", err)
			}
		}
		if f, err := os.Create(a.path); err == nil {
			f.Close()
		}
	}
	return stateRequestHeader
}

// prepare fills the check table of a freshly initialized package. Created
// packages are populated from local copies and then get their compression
// dictionary; existing packages are CRC checked first.
func (a *Archive) prepare(ctx context.Context, r *initRun, checks *fetch.CheckTable) bool {
	if r.created {
		a.populateAll(ctx, r.pkg, checks)
		return a.loadDict(ctx, r.pkg, checks)
	}

	if !a.loadDict(ctx, r.pkg, checks) {
		return false
	}
	done := a.measure("init_crc")
	results, _, err := r.pkg.CheckCRC32(ctx, nil)
	done()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		a.log().Warn("check package", "path", a.path, "error", err)
	}
	for _, res := range results {
		if res.OK {
			checks.SetOK(res.Name)
		}
	}
	a.populateAll(ctx, r.pkg, checks)
	return ctx.Err() == nil
}

// loadDict downloads the compression dictionary until it verifies and
// loads. It gives up early only on a write failure, leaving the package
// initialized but unable to decode dictionary-compressed files.
func (a *Archive) loadDict(ctx context.Context, pkg *sar.Archive, checks *fetch.CheckTable) bool {
	name := pkg.DictName()
	if name == "" {
		return true
	}
	defer a.measure("init_cdict")()

	for attempt := 0; ; attempt++ {
		if ok, err := pkg.CheckFileCRC32(name); err == nil && ok {
			if err := pkg.ProcessDict(); err == nil {
				checks.SetOK(name)
				return true
			}
		}
		if a.writeFailure.Load() {
			a.log().Error("compression dictionary unavailable", "path", a.path, "name", name)
			return true
		}
		if attempt > 0 && sleep(ctx, a.retryDelay) != nil {
			return false
		}

		e, _ := pkg.Lookup(name)
		buf := make([]byte, e.CompressedSize)
		a.event("init_cdict_download_count", 1)
		err := a.src.Download(ctx, int64(e.Offset), buf) //nolint:gosec // bounded by TotalSize
		if err == nil {
			a.event("init_cdict_download_bytes", uint64(len(buf)))
			if err := pkg.WriteRaw(int64(e.Offset), buf); err != nil { //nolint:gosec // bounded by TotalSize
				a.setWriteFailure(err)
			}
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		a.log().Warn("download compression dictionary", "name", name, "error", err)
	}
}

func (a *Archive) openPackage() (*sar.Archive, error) {
	return sar.Open(a.path, sar.WithWritable(), sar.WithDeferDict(), sar.WithLogger(a.logger))
}

func (a *Archive) oldPath() string {
	return a.path + ".old"
}

// createSparse replaces the package with a zero-filled file of size bytes.
func (a *Archive) createSparse(size uint64) error {
	if err := removeIfExists(a.path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(a.path)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(size)); err != nil { //nolint:gosec // from a validated header
		f.Close()
		return err
	}
	return f.Close()
}

func (a *Archive) writeHeaderAndTable(header []byte, tableOffset uint64, table []byte) error {
	f, err := os.OpenFile(a.path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return err
	}
	if len(table) > 0 {
		if _, err := f.WriteAt(table, int64(tableOffset)); err != nil { //nolint:gosec // from a validated header
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// setWriteFailure records a failed write to the local package. The flag
// stays set until a new package is written successfully during init.
func (a *Archive) setWriteFailure(err error) {
	if !a.writeFailure.Swap(true) {
		a.event("write_failure", 1)
	}
	a.log().Error("package write failed", "path", a.path, "error", err)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
