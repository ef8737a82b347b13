package sar

import (
	"bytes"
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/sar/internal/compress"
	"github.com/meigma/sar/internal/format"
)

// Archive provides read access to a SAR package, plus raw patch writes when
// opened with WithWritable.
//
// Archive is safe for concurrent use. A failed Open never returns a
// partially initialized Archive.
type Archive struct {
	name      string
	store     storage
	header    Header
	rawHeader []byte
	table     *format.Table
	byOffset  []Entry
	sorted    []string

	dec       *compress.Decoder
	dictName  string
	dictReady atomic.Bool
	dictGroup singleflight.Group

	writable           bool
	deferDict          bool
	maxDecoderMemory   uint64
	decoderConcurrency int
	decoderLowmem      bool
	logger             *slog.Logger
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Open opens the package at path.
//
// Structural problems are reported as errors wrapping ErrHeaderCorrupt,
// ErrVersionUnsupported or ErrTableCorrupt. Unless WithDeferDict is given,
// the compression dictionary is loaded before Open returns.
func Open(path string, opts ...Option) (*Archive, error) {
	a := newArchive(path, opts)
	s, err := openFileStorage(path, a.writable)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	a.store = s
	if err := a.load(); err != nil {
		s.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return a, nil
}

// OpenBytes opens a package held in memory. The archive is read-only and
// does not copy data, so data must not be modified while the archive is in use.
func OpenBytes(data []byte, opts ...Option) (*Archive, error) {
	a := newArchive("<memory>", opts)
	a.writable = false
	a.store = memStorage{bytes.NewReader(data)}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func newArchive(name string, opts []Option) *Archive {
	a := &Archive{name: name, decoderConcurrency: 1}
	for _, opt := range opts {
		opt(a)
	}
	a.dec = compress.NewDecoder(
		compress.WithMaxMemory(a.maxDecoderMemory),
		compress.WithConcurrency(a.decoderConcurrency),
		compress.WithLowmem(a.decoderLowmem),
	)
	return a
}

func (a *Archive) load() error {
	raw := make([]byte, format.HeaderSize)
	if err := readFull(a.store, raw, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrHeaderCorrupt, err)
	}
	h, err := format.DecodeHeader(raw)
	if err != nil {
		return err
	}
	if size := a.store.Size(); size < 0 || uint64(size) != h.TotalSize {
		return fmt.Errorf("%w: package is %d bytes, header declares %d", ErrHeaderCorrupt, size, h.TotalSize)
	}
	if end := h.TableOffset + uint64(h.TableSize); end < h.TableOffset || end > h.TotalSize {
		return fmt.Errorf("%w: table at %d size %d exceeds package", ErrTableCorrupt, h.TableOffset, h.TableSize)
	}

	tableData := make([]byte, h.TableSize)
	if err := readFull(a.store, tableData, int64(h.TableOffset)); err != nil { //nolint:gosec // bounded by TotalSize
		return fmt.Errorf("%w: %w", ErrTableCorrupt, err)
	}
	table, err := format.DecodeTable(h, tableData)
	if err != nil {
		return err
	}

	a.header = h
	a.rawHeader = raw
	a.table = table
	a.byOffset = slices.Clone(table.Entries)
	slices.SortStableFunc(a.byOffset, func(x, y Entry) int {
		return cmp.Compare(x.Offset, y.Offset)
	})
	if h.DirQueries {
		a.sorted = make([]string, len(table.Entries))
		for i, e := range table.Entries {
			a.sorted[i] = e.Name
		}
		slices.SortFunc(a.sorted, func(x, y string) int {
			return strings.Compare(format.FoldName(x), format.FoldName(y))
		})
	}

	dictName := "pkgcdict_" + h.Platform.String() + ".dat"
	if _, ok := table.Lookup(dictName); ok {
		a.dictName = dictName
	}

	a.log().Debug("opened package",
		"name", a.name,
		"version", h.Version,
		"entries", len(table.Entries),
		"obfuscated", h.Obfuscated,
		"post_crc32", table.HasPostCRC32,
		"dict", a.dictName != "")

	if a.dictName != "" && !a.deferDict {
		if err := a.ProcessDict(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the backing storage.
func (a *Archive) Close() error {
	return a.store.Close()
}

// Name returns the path the archive was opened from.
func (a *Archive) Name() string {
	return a.name
}

// Header returns the decoded package header.
func (a *Archive) Header() Header {
	return a.header
}

// HeaderBytes returns a copy of the header as stored.
func (a *Archive) HeaderBytes() []byte {
	return slices.Clone(a.rawHeader)
}

// BuildMajor returns the build version the package was cooked from.
func (a *Archive) BuildMajor() uint32 { return a.header.BuildMajor }

// Changelist returns the build changelist the package was cooked from.
func (a *Archive) Changelist() uint32 { return a.header.Changelist }

// Variation returns the package variation (v13 and v21 only, else 0).
func (a *Archive) Variation() uint16 { return a.header.Variation }

// Platform returns the target platform.
func (a *Archive) Platform() Platform { return a.header.Platform }

// GameDirectory returns the root directory of the package's paths.
func (a *Archive) GameDirectory() GameDirectory { return a.header.GameDirectory }

// Obfuscated reports whether file bodies are XOR-obfuscated.
func (a *Archive) Obfuscated() bool { return a.header.Obfuscated }

// HasPostCRC32 reports whether every entry carries a CRC32 of its stored
// bytes. When false, CRC checks decompress each file instead.
func (a *Archive) HasPostCRC32() bool {
	return a.table.HasPostCRC32
}

// Writable reports whether WriteRaw is permitted.
func (a *Archive) Writable() bool {
	return a.writable
}

// Len returns the number of entries.
func (a *Archive) Len() int {
	return len(a.table.Entries)
}

// Lookup returns the entry for name.
func (a *Archive) Lookup(name string) (Entry, bool) {
	return a.table.Lookup(name)
}

// Exists reports whether name is stored in the archive.
func (a *Archive) Exists(name string) bool {
	_, ok := a.table.Lookup(name)
	return ok
}

// Entries returns all entries in offset order.
func (a *Archive) Entries() []Entry {
	return slices.Clone(a.byOffset)
}

// TableEntries returns all entries in file table order.
func (a *Archive) TableEntries() []Entry {
	return slices.Clone(a.table.Entries)
}

// ReadRaw reads stored bytes at an absolute offset without deobfuscation or
// decompression.
func (a *Archive) ReadRaw(off int64, p []byte) error {
	return readFull(a.store, p, off)
}

// WriteRaw overwrites stored bytes at an absolute offset. It performs no
// validation; callers write exactly the stored bytes of the entries they patch.
func (a *Archive) WriteRaw(off int64, p []byte) error {
	w, ok := a.store.(*fileStorage)
	if !a.writable || !ok {
		return ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > w.Size() {
		return fmt.Errorf("%w: write of %d bytes at %d exceeds package size %d", ErrIO, len(p), off, w.Size())
	}
	if _, err := w.WriteAt(p, off); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// Sync flushes raw writes to stable storage.
func (a *Archive) Sync() error {
	if w, ok := a.store.(*fileStorage); ok && a.writable {
		if err := w.Sync(); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	return nil
}

// readStored reads and deobfuscates the stored bytes of e.
func (a *Archive) readStored(e Entry) ([]byte, error) {
	if e.CompressedSize > compress.MaxSize {
		return nil, fmt.Errorf("%w: %s stored size %d", ErrSizeOverflow, e.Name, e.CompressedSize)
	}
	buf := make([]byte, e.CompressedSize)
	if err := readFull(a.store, buf, int64(e.Offset)); err != nil { //nolint:gosec // bounded by TotalSize
		return nil, err
	}
	if e.XorKey != 0 {
		format.Obfuscate(e.XorKey, buf, 0)
	}
	return buf, nil
}

// readContent returns the fully resolved contents of e.
func (a *Archive) readContent(e Entry) ([]byte, error) {
	if e.UncompressedSize > compress.MaxSize {
		return nil, fmt.Errorf("%w: %s size %d", ErrSizeOverflow, e.Name, e.UncompressedSize)
	}
	buf, err := a.readStored(e)
	if err != nil {
		return nil, err
	}
	if !e.IsCompressed() {
		return buf, nil
	}
	useDict := a.dictReady.Load() && !strings.EqualFold(e.Name, a.dictName)
	out, err := a.dec.Decode(buf, useDict)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	if uint64(len(out)) != e.UncompressedSize {
		return nil, fmt.Errorf("%w: %s decoded to %d bytes, expected %d", ErrDecompression, e.Name, len(out), e.UncompressedSize)
	}
	return out, nil
}
