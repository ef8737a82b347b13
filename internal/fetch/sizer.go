package fetch

import "time"

// Sizer adapts the maximum request size so each ranged request takes
// about the target duration. It is owned by a single goroutine.
type Sizer struct {
	lower, upper uint64
	target       time.Duration
	size         uint64
}

// NewSizer returns a Sizer starting at upper. Bounds are swapped if
// given in the wrong order.
func NewSizer(lower, upper uint64, target time.Duration) *Sizer {
	if lower > upper {
		lower, upper = upper, lower
	}
	return &Sizer{lower: lower, upper: upper, target: target, size: upper}
}

// Size returns the current maximum request size.
func (s *Sizer) Size() uint64 {
	return s.size
}

// Observe records a completed request of n bytes that took elapsed and
// reports whether the maximum size changed.
//
// Requests slower than the target halve the size. Requests that used at
// least half the size and finished in under half the target double it.
func (s *Sizer) Observe(n uint64, elapsed time.Duration) bool {
	prev := s.size
	switch {
	case elapsed > s.target:
		s.size = s.clamp(s.size / 2)
	case n >= s.size/2 && elapsed < s.target/2:
		s.size = s.clamp(s.size * 2)
	}
	return s.size != prev
}

func (s *Sizer) clamp(v uint64) uint64 {
	return min(max(v, s.lower), s.upper)
}
