package download

import "errors"

var (
	// ErrNotReady is returned by operations that need the file table
	// before the package has finished initializing.
	ErrNotReady = errors.New("sar: package not initialized")

	// ErrClosed is returned once the archive has been closed, including to
	// callers that were waiting when Close was called.
	ErrClosed = errors.New("sar: archive closed")

	// ErrWriteFailure is returned once a write to the local package has
	// failed. The condition is sticky.
	ErrWriteFailure = errors.New("sar: package write failure")

	// ErrTimeout is returned by WaitForInit when the timeout expires.
	ErrTimeout = errors.New("sar: timed out")

	// ErrNetwork wraps transport failures.
	ErrNetwork = errors.New("sar: network failure")
)
