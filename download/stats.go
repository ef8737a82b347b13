package download

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds per-event counts and cumulative phase durations.
//
// Init states are recorded as "init_<state>" durations, and entering the
// error state from a state as an "initerr_<state>" event. Worker phases use
// the "loop_" prefix.
type Stats struct {
	Events    map[string]uint64
	Durations map[string]time.Duration
}

// NetworkStats summarizes the ranged requests made by an Archive.
type NetworkStats struct {
	RequestsIssued    uint64
	RequestsCompleted uint64
	BytesDownloaded   uint64
	DownloadTime      time.Duration
	RequestSize       uint64
}

type statTracker struct {
	mu        sync.Mutex
	events    map[string]uint64
	durations map[string]time.Duration
}

func (s *statTracker) add(name string, n uint64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[string]uint64)
		s.durations = make(map[string]time.Duration)
	}
	s.events[name] += n
	if d > 0 {
		s.durations[name] += d
	}
}

func (s *statTracker) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Events:    maps.Clone(s.events),
		Durations: maps.Clone(s.durations),
	}
}

type networkCounters struct {
	issued    atomic.Uint64
	completed atomic.Uint64
	bytes     atomic.Uint64
	nanos     atomic.Int64
}

// event counts n occurrences of name.
func (a *Archive) event(name string, n uint64) {
	a.stats.add(name, n, 0)
	a.metrics.events.WithLabelValues(name).Add(float64(n))
}

// measure starts timing the phase name. The returned func records one
// occurrence and the elapsed time.
func (a *Archive) measure(name string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		a.stats.add(name, 1, d)
		a.metrics.events.WithLabelValues(name).Inc()
		a.metrics.phaseSeconds.WithLabelValues(name).Add(d.Seconds())
	}
}

// Stats returns a snapshot of the event counts and phase durations.
func (a *Archive) Stats() Stats {
	return a.stats.snapshot()
}

// NetworkStats returns totals for the ranged requests made so far.
func (a *Archive) NetworkStats() NetworkStats {
	return NetworkStats{
		RequestsIssued:    a.net.issued.Load(),
		RequestsCompleted: a.net.completed.Load(),
		BytesDownloaded:   a.net.bytes.Load(),
		DownloadTime:      time.Duration(a.net.nanos.Load()),
		RequestSize:       a.sizer.Size(),
	}
}
