package fetch

import (
	"cmp"
	"slices"

	"github.com/meigma/sar/internal/format"
)

// Entry is one file waiting to be fetched.
type Entry struct {
	Path     string
	Entry    format.Entry
	Priority Priority

	// InProgress counts bytes of the entry already committed by an earlier
	// partial transfer. Such entries are always fetched on their own. The
	// download worker leaves it zero: dropped transfers are resumed inside
	// sarhttp.Source.Download and entries are committed whole.
	InProgress uint64
}

// Set is a run of entries, Entries[First:Last+1] of the slice passed to
// BuildSets, fetched with a single ranged request.
type Set struct {
	First    int
	Last     int
	Size     uint64
	Priority Priority
}

// Offset returns the absolute offset of the first byte of s.
func (s Set) Offset(entries []Entry) uint64 {
	return entries[s.First].Entry.Offset
}

// Ratio returns entries per byte. Sets with a high ratio deliver more
// files per request byte.
func (s Set) Ratio() float64 {
	if s.Size == 0 {
		return 0
	}
	return float64(s.Last-s.First+1) / float64(s.Size)
}

// SortEntries orders entries by priority (highest first), then offset.
func SortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}
		return cmp.Compare(a.Entry.Offset, b.Entry.Offset)
	})
}

// fullFetchFraction is the share of the file table above which sets are
// fetched front to back instead of by ratio.
const fullFetchFraction = 0.9

// BuildSets groups entries, which must be ordered by SortEntries, into
// ranged requests of at most maxSize bytes.
//
// A set is extended with the next entry while it has the same priority,
// has no partial progress, starts at most threshold bytes after the
// current end and keeps the set within maxSize (gap included). Entries
// with partial progress or larger than maxSize form sets of their own.
//
// When entries covers at least 90% of tableLen, sets are returned in
// offset order within each priority; otherwise sets with more files per
// byte come first within each priority.
func BuildSets(entries []Entry, maxSize, threshold uint64, tableLen int) []Set {
	var sets []Set
	first := -1
	for i, e := range entries {
		if first < 0 {
			if e.InProgress > 0 || e.Entry.CompressedSize > maxSize {
				sets = append(sets, Set{First: i, Last: i, Size: e.Entry.CompressedSize, Priority: e.Priority})
				continue
			}
			first = i
		}

		start := entries[first].Entry.Offset
		end := e.Entry.Offset + e.Entry.CompressedSize
		size := end - start

		closing := true
		if i+1 < len(entries) {
			next := entries[i+1]
			switch {
			case next.Priority != e.Priority:
			case next.InProgress > 0:
			case next.Entry.Offset < end:
			case next.Entry.Offset-end > threshold:
			default:
				closing = size+(next.Entry.Offset-end)+next.Entry.CompressedSize > maxSize
			}
		}
		if closing {
			sets = append(sets, Set{First: first, Last: i, Size: size, Priority: e.Priority})
			first = -1
		}
	}

	if float64(len(entries)) >= fullFetchFraction*float64(tableLen) {
		slices.SortStableFunc(sets, orderByOffset)
	} else {
		slices.SortStableFunc(sets, orderByRatio)
	}
	return sets
}

func orderByOffset(a, b Set) int {
	if a.Priority != b.Priority {
		return cmp.Compare(b.Priority, a.Priority)
	}
	if a.First != b.First {
		return cmp.Compare(a.First, b.First)
	}
	return cmp.Compare(a.Last, b.Last)
}

func orderByRatio(a, b Set) int {
	if a.Priority != b.Priority {
		return cmp.Compare(b.Priority, a.Priority)
	}
	return cmp.Compare(b.Ratio(), a.Ratio())
}
