package patch

import (
	"bytes"
	"errors"
	"io/fs"
)

// file is an in-memory copy of a package file.
type file struct {
	*bytes.Reader
	info   fs.FileInfo
	closed bool
}

var errClosed = errors.New("sar: file already closed")

func (f *file) Stat() (fs.FileInfo, error) {
	return f.info, nil
}

func (f *file) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errClosed
	}
	return f.Reader.Read(p)
}

func (f *file) Close() error {
	if f.closed {
		return errClosed
	}
	f.closed = true
	return nil
}
