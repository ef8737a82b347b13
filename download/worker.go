package download

import (
	"context"
	"hash/crc32"
	"time"

	"github.com/meigma/sar/internal/fetch"
	"github.com/meigma/sar/internal/format"
)

// loop serves fetch requests until ctx is done. pending holds the entries
// still to download, keyed by folded name.
func (a *Archive) loop(ctx context.Context) {
	pending := make(map[string]fetch.Entry)
	for {
		if len(pending) == 0 {
			a.busy.Store(false)
			select {
			case <-ctx.Done():
				return
			case <-a.queue.Ready():
			}
		}
		a.busy.Store(true)

		if a.accumulate(pending) {
			// Requests for already verified names still need a wakeup.
			a.broadcast()
		}
		if a.writeFailure.Load() {
			clear(pending)
			a.broadcast()
			continue
		}
		if len(pending) == 0 {
			continue
		}

		progressed := a.process(ctx, pending)
		if ctx.Err() != nil {
			return
		}
		if !progressed && len(pending) > 0 && a.queue.Len() == 0 {
			if sleep(ctx, a.retryDelay) != nil {
				return
			}
		}
	}
}

// accumulate merges queued requests into pending, keeping the highest
// priority per entry. It reports whether any request was taken.
func (a *Archive) accumulate(pending map[string]fetch.Entry) bool {
	queued := a.queue.PopAll()
	if queued == nil {
		return false
	}
	defer a.measure("loop_accum")()

	for name, p := range queued {
		if a.checks.IsOK(name) {
			continue
		}
		e, ok := a.pkg.Lookup(name)
		if !ok {
			continue
		}
		key := format.FoldName(e.Name)
		if cur, ok := pending[key]; ok && cur.Priority >= p {
			continue
		}
		pending[key] = fetch.Entry{Path: e.Name, Entry: e.Entry, Priority: p}
	}
	return true
}

// process downloads and commits pending entries, highest priority first.
// It returns early when new requests arrive or the request size changes,
// so the sets can be rebuilt. It reports whether any entry was verified.
func (a *Archive) process(ctx context.Context, pending map[string]fetch.Entry) bool {
	defer a.measure("loop_process")()

	entries := make([]fetch.Entry, 0, len(pending))
	for _, e := range pending {
		entries = append(entries, e)
	}
	done := a.measure("loop_fetch_sort")
	fetch.SortEntries(entries)
	done()

	done = a.measure("loop_build_fetch_sets")
	sets := fetch.BuildSets(entries, a.sizer.Size(), a.threshold, a.pkg.Len())
	done()
	a.event("loop_fetch_set_count", uint64(len(sets)))

	progressed := false
	for _, set := range sets {
		if ctx.Err() != nil || a.writeFailure.Load() {
			break
		}
		committed, resized := a.fetchSet(ctx, entries[set.First:set.Last+1], set, pending)
		if committed > 0 {
			progressed = true
		}
		if resized || a.queue.Len() > 0 {
			break
		}
	}
	return progressed
}

// fetchSet downloads one set and commits its entries. It returns the
// number of entries verified and whether the request size changed.
func (a *Archive) fetchSet(ctx context.Context, members []fetch.Entry, set fetch.Set, pending map[string]fetch.Entry) (int, bool) {
	start := members[0].Entry.Offset
	buf := make([]byte, set.Size)

	a.net.issued.Add(1)
	a.metrics.requestsIssued.Inc()
	done := a.measure("loop_download")
	began := time.Now()
	err := a.src.Download(ctx, int64(start), buf) //nolint:gosec // bounded by TotalSize
	elapsed := time.Since(began)
	done()

	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		a.event("loop_download_failed", 1)
		a.log().Warn("download failed",
			"offset", start,
			"size", len(buf),
			"entries", len(members),
			"error", err)
		// Requeue at a lower priority so other work gets a turn.
		for _, m := range members {
			key := format.FoldName(m.Path)
			if e, ok := pending[key]; ok && e.Priority > PriorityLow {
				e.Priority--
				pending[key] = e
			}
		}
		return 0, false
	}

	a.net.completed.Add(1)
	a.net.bytes.Add(uint64(len(buf)))
	a.net.nanos.Add(int64(elapsed))
	a.metrics.requestsCompleted.Inc()
	a.metrics.bytes.Add(float64(len(buf)))
	a.metrics.requestSeconds.Observe(elapsed.Seconds())
	a.event("loop_download_count", 1)
	a.event("loop_download_bytes", uint64(len(buf)))

	resized := a.sizer.Observe(uint64(len(buf)), elapsed)
	if resized {
		a.metrics.requestSize.Set(float64(a.sizer.Size()))
		a.log().Debug("request size changed", "size", a.sizer.Size(), "elapsed", elapsed)
	}

	committed := a.commit(members, start, buf, pending)
	a.broadcast()
	return committed, resized
}

// commit writes each verified member to the package in offset order and
// marks it verified. Only the member's own byte range is written.
func (a *Archive) commit(members []fetch.Entry, start uint64, buf []byte, pending map[string]fetch.Entry) int {
	defer a.measure("loop_commit")()

	post := a.pkg.HasPostCRC32()
	n := 0
	for _, m := range members {
		key := format.FoldName(m.Path)
		if a.checks.IsOK(m.Path) {
			delete(pending, key)
			continue
		}

		rel := m.Entry.Offset - start
		data := buf[rel : rel+m.Entry.CompressedSize]
		if post && crc32.ChecksumIEEE(data) != m.Entry.CRC32Post {
			a.event("loop_commit_crc_mismatch", 1)
			a.log().Warn("downloaded entry fails crc32", "name", m.Path)
			continue
		}
		if err := a.pkg.WriteRaw(int64(m.Entry.Offset), data); err != nil { //nolint:gosec // bounded by TotalSize
			a.setWriteFailure(err)
			break
		}
		if !post {
			if ok, err := a.pkg.CheckFileCRC32(m.Path); err != nil || !ok {
				a.event("loop_commit_crc_mismatch", 1)
				a.log().Warn("downloaded entry fails crc32", "name", m.Path, "error", err)
				continue
			}
		}
		a.checks.SetOK(m.Path)
		delete(pending, key)
		n++
	}

	a.event("loop_commit_count", uint64(n))
	a.metrics.remaining.Set(float64(a.checks.RemainingNotOK()))
	a.log().Debug("committed entries", "offset", start, "size", len(buf), "entries", n)
	return n
}
