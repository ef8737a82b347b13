package fetch

import "fmt"

// Priority orders fetch requests. Higher priorities are serviced first.
type Priority int

// Fetch priorities, lowest first.
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityDefault
	PriorityHigh
	PriorityCritical
)

// String returns the lower-case name of p.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityDefault:
		return "default"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a name returned by String.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PriorityCritical; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return PriorityDefault, fmt.Errorf("fetch: unknown priority %q", s)
}
