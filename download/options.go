package download

import (
	"log/slog"
	nethttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/sar"
	"github.com/meigma/sar/internal/fetch"
)

// Defaults for the fetch scheduler and init retries.
const (
	DefaultRedownloadThreshold = 8 << 10
	DefaultLowerRequestSize    = 32 << 10
	DefaultUpperRequestSize    = 256 << 10
	DefaultTargetDuration      = 500 * time.Millisecond
	DefaultRetryDelay          = 3 * time.Second
	DefaultMaxAttempts         = 4
)

// Priority orders queued fetches. Higher priorities are fetched first.
type Priority = fetch.Priority

// Fetch priorities.
const (
	PriorityLow      = fetch.PriorityLow
	PriorityMedium   = fetch.PriorityMedium
	PriorityDefault  = fetch.PriorityDefault
	PriorityHigh     = fetch.PriorityHigh
	PriorityCritical = fetch.PriorityCritical
)

// Option configures an Archive.
type Option func(*Archive)

// WithURL sets the URL the package is downloaded from. Required.
func WithURL(url string) Option {
	return func(a *Archive) {
		a.url = url
	}
}

// WithPackagePath sets the local path of the package. Required.
// The file is created if missing and replaced if it does not match the
// remote header.
func WithPackagePath(path string) Option {
	return func(a *Archive) {
		a.path = path
	}
}

// WithPopulatePackages adds local packages whose matching entries are
// copied into a freshly created package before anything is downloaded.
// Packages are tried in order. The option may be given more than once.
func WithPopulatePackages(paths ...string) Option {
	return func(a *Archive) {
		a.populate = append(a.populate, paths...)
	}
}

// WithPopulateArchives adds open packages to copy matching entries from,
// tried after the packages given by WithPopulatePackages. They are read
// concurrently with the caller's own use and are never closed.
func WithPopulateArchives(archives ...*sar.Archive) Option {
	return func(a *Archive) {
		a.seeds = append(a.seeds, archives...)
	}
}

// WithRedownloadThreshold sets the largest gap between two entries that
// is downloaded to merge them into one request (default: 8 KiB).
func WithRedownloadThreshold(n uint64) Option {
	return func(a *Archive) {
		a.threshold = n
	}
}

// WithSizeBounds sets the bounds of the adaptive request size
// (default: 32 KiB to 256 KiB).
func WithSizeBounds(lower, upper uint64) Option {
	return func(a *Archive) {
		a.lower, a.upper = lower, upper
	}
}

// WithTargetDuration sets the request time the adaptive request size
// aims for (default: 500ms).
func WithTargetDuration(d time.Duration) Option {
	return func(a *Archive) {
		a.target = d
	}
}

// WithRetryDelay sets the wait after a failed init step or a request that
// made no progress (default: 3s).
func WithRetryDelay(d time.Duration) Option {
	return func(a *Archive) {
		a.retryDelay = max(d, 0)
	}
}

// WithMaxAttempts sets how many times one ranged request is attempted
// before its entries are requeued at a lower priority (default: 4).
// Zero retries until the archive is closed.
func WithMaxAttempts(n int) Option {
	return func(a *Archive) {
		a.maxAttempts = max(n, 0)
	}
}

// WithHTTPClient sets the HTTP client used for range requests. By default
// a retrying client is used.
func WithHTTPClient(client *nethttp.Client) Option {
	return func(a *Archive) {
		a.client = client
	}
}

// WithLogger sets the logger for init progress, commits and failures.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer for download metrics.
// By default metrics are kept in a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Archive) {
		a.registerer = reg
	}
}
