package download

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "sar"
	metricsSubsystem = "download"
)

type metrics struct {
	requestsIssued    prometheus.Counter
	requestsCompleted prometheus.Counter
	bytes             prometheus.Counter
	requestSeconds    prometheus.Histogram
	requestSize       prometheus.Gauge
	remaining         prometheus.Gauge
	events            *prometheus.CounterVec
	phaseSeconds      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, pkg string) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"package": pkg}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}
	}

	return &metrics{
		requestsIssued: register(reg, prometheus.NewCounter(prometheus.CounterOpts(
			opts("requests_issued_total", "Ranged requests started."),
		))),
		requestsCompleted: register(reg, prometheus.NewCounter(prometheus.CounterOpts(
			opts("requests_completed_total", "Ranged requests that returned the full range."),
		))),
		bytes: register(reg, prometheus.NewCounter(prometheus.CounterOpts(
			opts("bytes_total", "Bytes downloaded by completed ranged requests."),
		))),
		requestSeconds: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "request_duration_seconds",
			Help:        "Duration of completed ranged requests.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 10),
		})),
		requestSize: register(reg, prometheus.NewGauge(prometheus.GaugeOpts(
			opts("request_size_bytes", "Current adaptive request size."),
		))),
		remaining: register(reg, prometheus.NewGauge(prometheus.GaugeOpts(
			opts("unverified_entries", "Entries not yet verified locally."),
		))),
		events: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("events_total", "Init and worker events by name."),
		), []string{"event"})),
		phaseSeconds: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("phase_seconds_total", "Time spent in init and worker phases."),
		), []string{"phase"})),
	}
}

// register registers c, reusing an identical collector that is already
// registered. Other registration errors leave c unregistered but usable.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}
