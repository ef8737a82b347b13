package sar

import (
	"errors"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/meigma/sar/internal/format"
)

// Open implements [fs.FS]. Files are returned as *File; directories (only
// with directory query support) as an [fs.ReadDirFile].
func (a *Archive) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if e, ok := a.table.Lookup(name); ok {
		return newFile(a, e), nil
	}
	if a.isDir(name) {
		entries, err := a.ReadDir(name)
		if err != nil {
			return nil, err
		}
		return &dirFile{info: dirInfo{name: path.Base(name)}, entries: entries}, nil
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: ErrNotFound}
}

// Stat implements [fs.StatFS].
func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	if e, ok := a.table.Lookup(name); ok {
		return fileInfo{entry: e}, nil
	}
	if a.isDir(name) {
		return dirInfo{name: path.Base(name)}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: name, Err: ErrNotFound}
}

// ReadFile implements [fs.ReadFileFS]. It returns the decompressed and
// deobfuscated contents of name.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrInvalid}
	}
	e, ok := a.table.Lookup(name)
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: ErrNotFound}
	}
	data, err := a.readContent(e)
	if err != nil {
		return nil, &fs.PathError{Op: "read", Path: name, Err: err}
	}
	return data, nil
}

// ReadDir implements [fs.ReadDirFS]. Listings require a package built
// with directory query support; otherwise ErrDirQueriesUnsupported is returned.
func (a *Archive) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	if !a.header.DirQueries {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrDirQueriesUnsupported}
	}

	prefix := ""
	if name != "." {
		prefix = format.FoldName(name) + "/"
	}
	start, _ := slices.BinarySearchFunc(a.sorted, prefix, func(s, p string) int {
		return strings.Compare(format.FoldName(s), p)
	})

	var out []fs.DirEntry
	seen := make(map[string]bool)
	for _, full := range a.sorted[start:] {
		if !strings.HasPrefix(format.FoldName(full), prefix) {
			break
		}
		rest := full[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			dir := rest[:i]
			if key := format.FoldName(dir); !seen[key] {
				seen[key] = true
				out = append(out, fs.FileInfoToDirEntry(dirInfo{name: dir}))
			}
			continue
		}
		e, _ := a.table.Lookup(full)
		out = append(out, fs.FileInfoToDirEntry(fileInfo{entry: e}))
	}
	if out == nil && name != "." {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotFound}
	}
	slices.SortFunc(out, func(x, y fs.DirEntry) int {
		return strings.Compare(x.Name(), y.Name())
	})
	return out, nil
}

func (a *Archive) isDir(name string) bool {
	if name == "." {
		return true
	}
	if !a.header.DirQueries {
		return false
	}
	prefix := format.FoldName(name) + "/"
	i, _ := slices.BinarySearchFunc(a.sorted, prefix, func(s, p string) int {
		return strings.Compare(format.FoldName(s), p)
	})
	return i < len(a.sorted) && strings.HasPrefix(format.FoldName(a.sorted[i]), prefix)
}

// File is an open file in an archive. It implements [fs.File],
// [io.ReaderAt] and [io.Seeker].
//
// Uncompressed bodies are read and deobfuscated on demand; compressed
// bodies are decoded in full on the first read.
type File struct {
	a     *Archive
	entry Entry
	pos   int64

	once sync.Once
	data []byte
	err  error

	closed bool
}

var (
	_ fs.File     = (*File)(nil)
	_ io.ReaderAt = (*File)(nil)
	_ io.Seeker   = (*File)(nil)
)

var errClosed = errors.New("sar: file already closed")

func newFile(a *Archive, e Entry) *File {
	return &File{a: a, entry: e}
}

// Stat returns the file's metadata.
func (f *File) Stat() (fs.FileInfo, error) {
	return fileInfo{entry: f.entry}, nil
}

// Read reads the next len(p) bytes of content.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errClosed
	}
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt reads len(p) bytes of content starting at off.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, errClosed
	}
	if off < 0 {
		return 0, &fs.PathError{Op: "read", Path: f.entry.Name, Err: fs.ErrInvalid}
	}
	size := int64(f.entry.UncompressedSize) //nolint:gosec // bounded by the package size
	if off >= size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), size-off)

	if f.entry.IsCompressed() {
		f.once.Do(func() { f.data, f.err = f.a.readContent(f.entry) })
		if f.err != nil {
			return 0, &fs.PathError{Op: "read", Path: f.entry.Name, Err: f.err}
		}
		n := copy(p[:want], f.data[off:])
		if int64(n) < int64(len(p)) {
			return n, io.EOF
		}
		return n, nil
	}

	if err := readFull(f.a.store, p[:want], int64(f.entry.Offset)+off); err != nil { //nolint:gosec // bounded by the package size
		return 0, &fs.PathError{Op: "read", Path: f.entry.Name, Err: err}
	}
	if f.entry.XorKey != 0 {
		format.Obfuscate(f.entry.XorKey, p[:want], off)
	}
	if want < int64(len(p)) {
		return int(want), io.EOF
	}
	return int(want), nil
}

// Seek sets the offset for the next Read.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, errClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.pos + offset
	case io.SeekEnd:
		abs = int64(f.entry.UncompressedSize) + offset //nolint:gosec // bounded by the package size
	default:
		return 0, &fs.PathError{Op: "seek", Path: f.entry.Name, Err: fs.ErrInvalid}
	}
	if abs < 0 {
		return 0, &fs.PathError{Op: "seek", Path: f.entry.Name, Err: fs.ErrInvalid}
	}
	f.pos = abs
	return abs, nil
}

// Close releases the file. Further reads fail.
func (f *File) Close() error {
	if f.closed {
		return errClosed
	}
	f.closed = true
	f.data = nil
	return nil
}

// fileInfo implements fs.FileInfo for a stored file.
type fileInfo struct {
	entry Entry
}

func (fi fileInfo) Name() string       { return path.Base(fi.entry.Name) }
func (fi fileInfo) Size() int64        { return int64(fi.entry.UncompressedSize) } //nolint:gosec // bounded by the package size
func (fi fileInfo) Mode() fs.FileMode  { return 0o444 }
func (fi fileInfo) ModTime() time.Time { return time.Unix(int64(fi.entry.ModTime), 0) } //nolint:gosec // stored as unix seconds
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return fi.entry }

// dirInfo implements fs.FileInfo for a synthesized directory.
type dirInfo struct {
	name string
}

func (di dirInfo) Name() string       { return di.name }
func (di dirInfo) Size() int64        { return 0 }
func (di dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (di dirInfo) ModTime() time.Time { return time.Time{} }
func (di dirInfo) IsDir() bool        { return true }
func (di dirInfo) Sys() any           { return nil }

// dirFile is an open directory.
type dirFile struct {
	info    dirInfo
	entries []fs.DirEntry
	offset  int
}

func (d *dirFile) Stat() (fs.FileInfo, error) { return d.info, nil }

func (d *dirFile) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.name, Err: fs.ErrInvalid}
}

func (d *dirFile) Close() error { return nil }

func (d *dirFile) ReadDir(n int) ([]fs.DirEntry, error) {
	remaining := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return slices.Clone(remaining), nil
	}
	if len(remaining) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(remaining))
	d.offset += n
	return slices.Clone(remaining[:n]), nil
}
