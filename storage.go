package sar

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// storage is the backing store of an archive. ReadAt and WriteAt may be
// called concurrently for disjoint ranges.
type storage interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// fileStorage wraps an *os.File opened for reading, or reading and writing.
type fileStorage struct {
	f    *os.File
	size int64
}

func openFileStorage(path string, writable bool) (*fileStorage, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileStorage{f: f, size: info.Size()}, nil
}

func (s *fileStorage) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *fileStorage) WriteAt(p []byte, off int64) (int, error) {
	return s.f.WriteAt(p, off)
}

func (s *fileStorage) Sync() error {
	return s.f.Sync()
}

func (s *fileStorage) Size() int64 {
	return s.size
}

func (s *fileStorage) Close() error {
	return s.f.Close()
}

// memStorage serves an in-memory package. It is never writable.
type memStorage struct {
	*bytes.Reader
}

func (memStorage) Close() error { return nil }

// readFull reads exactly len(p) bytes at off, mapping short reads to ErrIO.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: read %d bytes at %d: %w", ErrIO, len(p), off, err)
}
