package fetch

import (
	"sync"
	"sync/atomic"

	"github.com/meigma/sar/internal/format"
)

// CheckTable records which entries of an archive have been verified.
// A verified entry is never unverified again.
type CheckTable struct {
	mu      sync.Mutex
	ok      map[string]bool
	entries map[string]format.TableEntry
	notOK   atomic.Int64
}

// NewCheckTable returns a table holding entries, all unverified.
func NewCheckTable(entries []format.TableEntry) *CheckTable {
	t := &CheckTable{
		ok:      make(map[string]bool, len(entries)),
		entries: make(map[string]format.TableEntry, len(entries)),
	}
	for _, e := range entries {
		key := format.FoldName(e.Name)
		t.ok[key] = false
		t.entries[key] = e
	}
	t.notOK.Store(int64(len(t.ok)))
	return t
}

// SetOK marks name verified and reports whether it was unverified.
// Unknown names are ignored.
func (t *CheckTable) SetOK(name string) bool {
	key := format.FoldName(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	ok, known := t.ok[key]
	if !known || ok {
		return false
	}
	t.ok[key] = true
	t.notOK.Add(-1)
	return true
}

// IsOK reports whether name has been verified.
func (t *CheckTable) IsOK(name string) bool {
	key := format.FoldName(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ok[key]
}

// AllOK reports whether every entry has been verified.
func (t *CheckTable) AllOK() bool {
	return t.notOK.Load() == 0
}

// RemainingNotOK returns the number of unverified entries.
func (t *CheckTable) RemainingNotOK() int {
	return int(t.notOK.Load())
}

// NotOK returns the unverified entries in no particular order.
func (t *CheckTable) NotOK() []format.TableEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]format.TableEntry, 0, t.notOK.Load())
	for key, ok := range t.ok {
		if !ok {
			out = append(out, t.entries[key])
		}
	}
	return out
}
