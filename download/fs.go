package download

import (
	"context"
	"io/fs"

	"github.com/meigma/sar"
)

// Interface compliance.
var (
	_ sar.FileSystem = (*Archive)(nil)
	_ fs.FS          = (*Archive)(nil)
)

// ready returns a path error if the file table is not available.
func (a *Archive) ready(op, name string) error {
	if a.closed.Load() {
		return &fs.PathError{Op: op, Path: name, Err: ErrClosed}
	}
	if !a.initialized.Load() {
		return &fs.PathError{Op: op, Path: name, Err: ErrNotReady}
	}
	return nil
}

// fetchFile waits until name is verified locally. Names that are not
// stored files are left to the package to report.
func (a *Archive) fetchFile(op, name string) error {
	if !a.pkg.Exists(name) {
		return nil
	}
	if err := a.Fetch(context.Background(), PriorityDefault, name); err != nil {
		return &fs.PathError{Op: op, Path: name, Err: err}
	}
	return nil
}

// Open implements fs.FS. Files are downloaded before Open returns.
func (a *Archive) Open(name string) (fs.File, error) {
	if err := a.ready("open", name); err != nil {
		return nil, err
	}
	if err := a.fetchFile("open", name); err != nil {
		return nil, err
	}
	return a.pkg.Open(name)
}

// ReadFile implements fs.ReadFileFS. The file is downloaded first.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	if err := a.ready("read", name); err != nil {
		return nil, err
	}
	if err := a.fetchFile("read", name); err != nil {
		return nil, err
	}
	return a.pkg.ReadFile(name)
}

// Stat implements fs.StatFS from the file table, without downloading.
func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	if err := a.ready("stat", name); err != nil {
		return nil, err
	}
	return a.pkg.Stat(name)
}

// ReadDir implements fs.ReadDirFS from the file table.
func (a *Archive) ReadDir(name string) ([]fs.DirEntry, error) {
	if err := a.ready("readdir", name); err != nil {
		return nil, err
	}
	return a.pkg.ReadDir(name)
}

// Exists reports whether name is stored in the package. It is false
// until the archive is initialized.
func (a *Archive) Exists(name string) bool {
	return a.initialized.Load() && a.pkg.Exists(name)
}

// CheckCRC32 checks the local bytes of the package. See
// [sar.Archive.CheckCRC32].
func (a *Archive) CheckCRC32(ctx context.Context, results []sar.CRCResult) ([]sar.CRCResult, bool, error) {
	if err := a.ready("crc32", ""); err != nil {
		return nil, false, err
	}
	return a.pkg.CheckCRC32(ctx, results)
}
