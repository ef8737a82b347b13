package sar

import (
	"errors"
	"io/fs"

	"github.com/meigma/sar/internal/compress"
	"github.com/meigma/sar/internal/format"
)

// Structural errors, returned by Open when a package cannot be used.
var (
	// ErrHeaderCorrupt is returned when the header or package size is invalid.
	ErrHeaderCorrupt = format.ErrHeaderCorrupt

	// ErrVersionUnsupported is returned for unknown format versions.
	ErrVersionUnsupported = format.ErrVersionUnsupported

	// ErrTableCorrupt is returned when the file table cannot be decoded.
	ErrTableCorrupt = format.ErrTableCorrupt
)

var (
	// ErrNotFound is returned (inside an *fs.PathError) for unknown paths.
	ErrNotFound = fs.ErrNotExist

	// ErrDecompression is returned when a stored body cannot be decompressed.
	ErrDecompression = compress.ErrDecompression

	// ErrCRC32Mismatch is returned when stored bytes do not match their CRC32.
	ErrCRC32Mismatch = errors.New("sar: crc32 mismatch")

	// ErrIO wraps failures of the backing storage.
	ErrIO = errors.New("sar: i/o failure")

	// ErrReadOnly is returned by WriteRaw on archives not opened writable.
	ErrReadOnly = errors.New("sar: archive is read-only")

	// ErrDictUnavailable is returned when the compression dictionary cannot be loaded.
	ErrDictUnavailable = errors.New("sar: compression dictionary unavailable")

	// ErrDirQueriesUnsupported is returned by directory operations on
	// packages built without directory query support.
	ErrDirQueriesUnsupported = errors.New("sar: directory queries not supported")

	// ErrSizeOverflow is returned when a size exceeds supported limits.
	ErrSizeOverflow = errors.New("sar: size overflow")
)
