package format

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/meigma/sar/internal/compress"
)

// maxNameSize bounds a stored name, including its terminator.
const maxNameSize = 1 << 30

// TableEntry is one decoded file table record.
type TableEntry struct {
	// Name is the stored path with '/' separators.
	Name string
	Entry
	XorKey uint32
	// Order is the record index, which is also the on-disk entry order.
	Order int
}

// Table is a decoded file table.
type Table struct {
	Entries []TableEntry

	// HasPostCRC32 is false when any entry lacks a CRC32 of its stored bytes.
	HasPostCRC32 bool

	index map[string]int
}

// Lookup finds an entry by name, ignoring case.
func (t *Table) Lookup(name string) (TableEntry, bool) {
	i, ok := t.index[FoldName(name)]
	if !ok {
		return TableEntry{}, false
	}
	return t.Entries[i], true
}

// FoldName returns the lookup key for name. Paths are case-insensitive in
// ASCII only, so the key always has the same byte length as name.
func FoldName(name string) string {
	i := strings.IndexFunc(name, func(r rune) bool { return r >= 'A' && r <= 'Z' })
	if i < 0 {
		return name
	}
	b := []byte(name)
	for j := i; j < len(b); j++ {
		b[j] = toLower(b[j])
	}
	return string(b)
}

// DecodeTable decodes the TableSize bytes read at TableOffset.
func DecodeTable(h Header, raw []byte) (*Table, error) {
	if uint64(len(raw)) != uint64(h.TableSize) {
		return nil, fmt.Errorf("%w: read %d bytes, header declares %d", ErrTableCorrupt, len(raw), h.TableSize)
	}
	order := h.ByteOrder()
	data := append([]byte(nil), raw...)

	if h.HasTableCRC32() {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: %d bytes cannot hold a CRC32", ErrTableCorrupt, len(data))
		}
		n := len(data) - 4
		want := order.Uint32(data[n:])
		data = data[:n]
		if got := crc32.ChecksumIEEE(data); got != want {
			return nil, fmt.Errorf("%w: table CRC32 %#08x, expected %#08x", ErrTableCorrupt, got, want)
		}
	}

	Obfuscate(TableKey(h.BuildMajor, h.Changelist), data, 0)

	if h.CompressedTable {
		out, err := compress.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTableCorrupt, err)
		}
		data = out
	}

	hint := min(int(h.Entries), len(data)/(EntrySize+5))
	t := &Table{
		Entries:      make([]TableEntry, 0, hint),
		HasPostCRC32: true,
		index:        make(map[string]int, hint),
	}
	for i := range int(h.Entries) {
		if len(data) < EntrySize+4 {
			return nil, fmt.Errorf("%w: record %d truncated", ErrTableCorrupt, i)
		}
		e := DecodeEntry(data, order)
		nameLen := order.Uint32(data[EntrySize:])
		data = data[EntrySize+4:]

		if nameLen == 0 || nameLen > maxNameSize || uint64(nameLen) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: record %d has invalid name length %d", ErrTableCorrupt, i, nameLen)
		}
		if data[nameLen-1] != 0 {
			return nil, fmt.Errorf("%w: record %d name is not terminated", ErrTableCorrupt, i)
		}
		stored := string(data[:nameLen-1])
		data = data[nameLen:]

		if !h.HasPostCRC32() {
			if !h.Obfuscated && !e.IsCompressed() {
				e.CRC32Post = e.CRC32Pre
			} else {
				t.HasPostCRC32 = false
				e.CRC32Post = 0
			}
		}

		end, ok := e.End()
		if e.Offset > h.TotalSize || !ok || end > h.TotalSize {
			return nil, fmt.Errorf("%w: %q has invalid offset %d size %d", ErrTableCorrupt, stored, e.Offset, e.CompressedSize)
		}

		var key uint32
		if h.Obfuscated {
			key = ObfuscationKey(stored)
		}
		name := strings.ReplaceAll(stored, `\`, "/")
		folded := FoldName(name)
		if _, dup := t.index[folded]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrTableCorrupt, name)
		}
		t.index[folded] = i
		t.Entries = append(t.Entries, TableEntry{Name: name, Entry: e, XorKey: key, Order: i})
	}
	return t, nil
}

// EncodeTable serializes entries for h. When h.CompressedTable is set and
// the table does not compress, the returned flag is false and the table is
// stored uncompressed.
func EncodeTable(h Header, entries []TableEntry) (raw []byte, compressed bool, err error) {
	order := h.ByteOrder()

	var data []byte
	for _, te := range entries {
		stored := strings.ReplaceAll(te.Name, "/", `\`)
		data = AppendEntry(data, te.Entry, order)
		data = order.AppendUint32(data, uint32(len(stored)+1)) //nolint:gosec // names are short
		data = append(data, stored...)
		data = append(data, 0)
	}

	if h.CompressedTable {
		kind := compress.KindZstd
		if h.IsOldLZ4Compression() {
			kind = compress.KindLZ4
		}
		enc, err := compress.NewEncoder(kind, nil)
		if err != nil {
			return nil, false, err
		}
		defer enc.Close()

		framed, err := enc.Encode(data)
		switch {
		case err == nil:
			data = framed
			compressed = true
		case errors.Is(err, compress.ErrIncompressible):
		default:
			return nil, false, err
		}
	}

	Obfuscate(TableKey(h.BuildMajor, h.Changelist), data, 0)

	if h.HasTableCRC32() {
		data = order.AppendUint32(data, crc32.ChecksumIEEE(data))
	}
	return data, compressed, nil
}
