package sar

import (
	"cmp"
	"context"
	"fmt"
	"hash/crc32"
	"io/fs"
	"slices"
	"strings"
)

const (
	// checkTargetRead is the size CheckCRC32 tries to read per I/O.
	checkTargetRead = 4096

	// checkMaxGap is the largest gap bridged between adjacent entries.
	checkMaxGap = 128
)

// Verify checks the CRC32 of every entry and returns at the first
// mismatch with an error wrapping ErrCRC32Mismatch.
func (a *Archive) Verify(ctx context.Context) error {
	results := a.allResults()
	ok, err := a.check(ctx, results, true)
	if err != nil {
		return err
	}
	if !ok {
		for _, r := range results {
			if !r.OK {
				return fmt.Errorf("%w: %s", ErrCRC32Mismatch, r.Name)
			}
		}
	}
	return nil
}

// CheckCRC32 verifies stored bytes against their recorded CRC32 and reports
// the state of each entry.
//
// If results is empty, every entry is checked and the returned slice lists
// all of them in offset order. Otherwise only the named entries are checked:
// unknown names are dropped and the rest are returned in offset order with
// their current entry record. The boolean is true when every returned
// entry passed. An error is returned only for cancellation or I/O failure.
//
// Entries with a post CRC32 are checked against their stored bytes in
// batched reads; older packages decompress each file and check the content.
func (a *Archive) CheckCRC32(ctx context.Context, results []CRCResult) ([]CRCResult, bool, error) {
	if len(results) == 0 {
		results = a.allResults()
	} else {
		results = a.resolveResults(results)
	}
	ok, err := a.check(ctx, results, false)
	return results, ok, err
}

// CheckFileCRC32 verifies a single entry. Zero-length entries always pass.
func (a *Archive) CheckFileCRC32(name string) (bool, error) {
	e, ok := a.table.Lookup(name)
	if !ok {
		return false, &fs.PathError{Op: "crc32", Path: name, Err: ErrNotFound}
	}
	if e.CompressedSize == 0 {
		return true, nil
	}
	if a.table.HasPostCRC32 {
		if e.CompressedSize > checkMaxEntry {
			return false, nil
		}
		buf := make([]byte, e.CompressedSize)
		if err := readFull(a.store, buf, int64(e.Offset)); err != nil { //nolint:gosec // bounded by TotalSize
			return false, err
		}
		return crc32.ChecksumIEEE(buf) == e.CRC32Post, nil
	}
	return a.checkPre(e), nil
}

// checkMaxEntry bounds the stored size of an entry CheckCRC32 will read.
const checkMaxEntry = 1<<32 - 1

func (a *Archive) allResults() []CRCResult {
	out := make([]CRCResult, len(a.byOffset))
	for i, e := range a.byOffset {
		out[i] = CRCResult{Name: e.Name, Entry: e}
	}
	return out
}

func (a *Archive) resolveResults(in []CRCResult) []CRCResult {
	out := make([]CRCResult, 0, len(in))
	for _, r := range in {
		e, ok := a.table.Lookup(r.Name)
		if !ok {
			continue
		}
		out = append(out, CRCResult{Name: r.Name, Entry: e})
	}
	slices.SortFunc(out, func(x, y CRCResult) int {
		if c := cmp.Compare(x.Entry.Offset, y.Entry.Offset); c != 0 {
			return c
		}
		return strings.Compare(x.Name, y.Name)
	})
	return out
}

// check fills in OK for results, which must be sorted by offset.
func (a *Archive) check(ctx context.Context, results []CRCResult, earlyOut bool) (bool, error) {
	if len(results) == 0 {
		return true, nil
	}
	if !a.table.HasPostCRC32 {
		return a.checkAllPre(ctx, results, earlyOut)
	}

	allOK := true
	var buf []byte
	for _, g := range groupForCheck(results) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		if g.last-g.first == 1 && results[g.first].Entry.CompressedSize > checkMaxEntry {
			results[g.first].OK = false
			allOK = false
			if earlyOut {
				return false, nil
			}
			continue
		}

		size := int(g.end - g.start) //nolint:gosec // bounded by checkMaxEntry or checkTargetRead
		if cap(buf) < size {
			buf = make([]byte, size)
		}
		buf = buf[:size]
		if err := readFull(a.store, buf, int64(g.start)); err != nil { //nolint:gosec // bounded by TotalSize
			return false, err
		}

		for i := g.first; i < g.last; i++ {
			r := &results[i]
			e := r.Entry
			switch {
			case e.CompressedSize == 0:
				r.OK = true
			default:
				off := e.Offset - g.start
				r.OK = crc32.ChecksumIEEE(buf[off:off+e.CompressedSize]) == e.CRC32Post
			}
			if !r.OK {
				allOK = false
				if earlyOut {
					return false, nil
				}
			}
		}
	}
	return allOK, nil
}

func (a *Archive) checkAllPre(ctx context.Context, results []CRCResult, earlyOut bool) (bool, error) {
	allOK := true
	for i := range results {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		r := &results[i]
		r.OK = r.Entry.CompressedSize == 0 || a.checkPre(r.Entry)
		if !r.OK {
			allOK = false
			if earlyOut {
				return false, nil
			}
		}
	}
	return allOK, nil
}

// checkPre checks the CRC32 of the resolved content of e.
func (a *Archive) checkPre(e Entry) bool {
	data, err := a.readContent(e)
	if err != nil {
		a.log().Debug("pre crc32 read failed", "path", e.Name, "error", err)
		return false
	}
	return crc32.ChecksumIEEE(data) == e.CRC32Pre
}

// checkGroup is a run of results read with a single I/O.
type checkGroup struct {
	start, end  uint64 // byte range [start, end)
	first, last int    // results[first:last]
}

// groupForCheck groups offset-sorted results into reads of about
// checkTargetRead bytes, bridging gaps of up to checkMaxGap bytes. An entry
// larger than the target always gets a read of its own.
func groupForCheck(results []CRCResult) []checkGroup {
	groups := make([]checkGroup, 0, 1)
	for i := 0; i < len(results); {
		first := results[i].Entry
		g := checkGroup{start: first.Offset, end: first.Offset + first.CompressedSize, first: i}
		i++
		for i < len(results) {
			next := results[i].Entry
			if next.Offset < g.end || next.Offset-g.end > checkMaxGap {
				break
			}
			end := next.Offset + next.CompressedSize
			if end-g.start > checkTargetRead {
				break
			}
			g.end = end
			i++
		}
		g.last = i
		groups = append(groups, g)
	}
	return groups
}
