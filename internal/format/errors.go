package format

import "errors"

// Structural errors. The root package re-exports these.
var (
	// ErrHeaderCorrupt is returned when the 48-byte header fails validation.
	ErrHeaderCorrupt = errors.New("sar: header corrupt")

	// ErrVersionUnsupported is returned for an unknown format version.
	ErrVersionUnsupported = errors.New("sar: version unsupported")

	// ErrTableCorrupt is returned when the file table cannot be decoded.
	ErrTableCorrupt = errors.New("sar: file table corrupt")
)
