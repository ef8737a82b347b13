package download

import (
	"context"
	"path/filepath"

	"github.com/meigma/sar"
	"github.com/meigma/sar/internal/fetch"
)

// populateAll copies verified entries from local packages into pkg: first
// from the previous version of the package, which is deleted afterwards,
// then from each configured populate package and open archive.
func (a *Archive) populateAll(ctx context.Context, pkg *sar.Archive, checks *fetch.CheckTable) {
	defer a.measure("init_populate")()

	a.populateFrom(ctx, pkg, checks, a.oldPath())
	if err := removeIfExists(a.oldPath()); err != nil {
		a.log().Warn("remove old package", "path", a.oldPath(), "error", err)
	}
	for _, path := range a.populate {
		a.populateFrom(ctx, pkg, checks, path)
	}
	for _, src := range a.seeds {
		a.copyFrom(ctx, pkg, checks, src)
	}
	if err := pkg.Sync(); err != nil {
		a.setWriteFailure(err)
	}
}

func (a *Archive) populateFrom(ctx context.Context, dst *sar.Archive, checks *fetch.CheckTable, path string) {
	if checks.AllOK() || ctx.Err() != nil || a.writeFailure.Load() {
		return
	}
	if filepath.Clean(path) == filepath.Clean(a.path) {
		return
	}

	src, err := sar.Open(path, sar.WithLogger(a.logger))
	if err != nil {
		a.log().Debug("skip populate package", "path", path, "error", err)
		return
	}
	defer src.Close()
	a.copyFrom(ctx, dst, checks, src)
}

// copyFrom writes the entries of src that pass their CRC32 check and
// match dst's records into dst.
func (a *Archive) copyFrom(ctx context.Context, dst *sar.Archive, checks *fetch.CheckTable, src *sar.Archive) {
	if checks.AllOK() || ctx.Err() != nil || a.writeFailure.Load() {
		return
	}
	path := src.Name()
	if filepath.Clean(path) == filepath.Clean(a.path) {
		return
	}
	if !sar.Compatible(dst, src) {
		a.log().Info("skip incompatible populate package", "path", path)
		return
	}

	var want []sar.CRCResult
	for _, e := range checks.NotOK() {
		want = append(want, sar.CRCResult{Name: e.Name})
	}
	done := a.measure("init_populate_crc")
	results, _, err := src.CheckCRC32(ctx, want)
	done()
	if err != nil {
		a.log().Warn("check populate package", "path", path, "error", err)
		return
	}

	var copied, size uint64
	for _, res := range results {
		if !res.OK {
			continue
		}
		cur, ok := dst.Lookup(res.Name)
		if !ok || !sameStored(dst, src, cur, res.Entry) {
			continue
		}

		buf := make([]byte, cur.CompressedSize)
		done = a.measure("init_populate_readraw")
		err := src.ReadRaw(int64(res.Entry.Offset), buf) //nolint:gosec // bounded by TotalSize
		done()
		if err != nil {
			a.log().Debug("read populate entry", "path", path, "name", res.Name, "error", err)
			continue
		}

		done = a.measure("init_populate_commit")
		err = dst.WriteRaw(int64(cur.Offset), buf) //nolint:gosec // bounded by TotalSize
		done()
		if err != nil {
			a.setWriteFailure(err)
			return
		}
		checks.SetOK(cur.Name)
		copied++
		size += cur.CompressedSize
	}
	a.log().Info("populated package", "from", path, "entries", copied, "bytes", size)
}

// sameStored reports whether the stored bytes of want (in dst) and have
// (in src) are interchangeable.
func sameStored(dst, src *sar.Archive, want, have sar.Entry) bool {
	if want.CompressedSize != have.CompressedSize ||
		want.UncompressedSize != have.UncompressedSize ||
		want.CRC32Pre != have.CRC32Pre {
		return false
	}
	if dst.HasPostCRC32() && src.HasPostCRC32() {
		return want.CRC32Post == have.CRC32Post
	}
	return true
}
