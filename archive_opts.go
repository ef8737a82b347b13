package sar

import "log/slog"

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger for diagnostic output. Nil discards logs.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithWritable opens the package read-write so WriteRaw can patch it.
func WithWritable() Option {
	return func(a *Archive) {
		a.writable = true
	}
}

// WithDeferDict skips loading the compression dictionary during Open.
// Call ProcessDict before reading dictionary-compressed files.
func WithDeferDict() Option {
	return func(a *Archive) {
		a.deferDict = true
	}
}

// WithMaxDecoderMemory limits the memory used by each zstd decoder.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(a *Archive) {
		a.maxDecoderMemory = limit
	}
}

// WithDecoderConcurrency sets the zstd decoder concurrency (default: 1).
// Values < 0 are treated as 0 (use GOMAXPROCS).
func WithDecoderConcurrency(n int) Option {
	return func(a *Archive) {
		if n < 0 {
			n = 0
		}
		a.decoderConcurrency = n
	}
}

// WithDecoderLowmem sets whether zstd decoders use low-memory mode (default: false).
func WithDecoderLowmem(enabled bool) Option {
	return func(a *Archive) {
		a.decoderLowmem = enabled
	}
}
