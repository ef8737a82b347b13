// Package format implements the on-disk SAR layout: the versioned header,
// packed entry records, the obfuscated file table and its XOR transform.
package format

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"slices"
)

const (
	// HeaderSize is the fixed size of every header version.
	HeaderSize = 48

	// Signature is the leading word of every archive.
	Signature uint32 = 0xDA7F

	// MinVersion and MaxVersion bound the format versions this package reads.
	MinVersion uint32 = 13
	MaxVersion uint32 = 21
)

// Versions lists every supported format version in ascending order.
var Versions = []uint32{13, 16, 17, 18, 19, 20, 21}

// GameDirectory is the root a package's paths are relative to.
type GameDirectory uint16

const (
	GameDirectoryUnknown GameDirectory = 0
	GameDirectoryConfig  GameDirectory = 1
	GameDirectoryContent GameDirectory = 2
)

// String returns the directory name used in logical paths.
func (g GameDirectory) String() string {
	switch g {
	case GameDirectoryConfig:
		return "Config"
	case GameDirectoryContent:
		return "Content"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(g))
	}
}

// Platform is the target platform a package was cooked for.
type Platform uint8

const (
	PlatformPC Platform = iota
	PlatformIOS
	PlatformAndroid
	PlatformLinux
)

// String returns the platform name as it appears in dictionary file names.
func (p Platform) String() string {
	switch p {
	case PlatformPC:
		return "PC"
	case PlatformIOS:
		return "IOS"
	case PlatformAndroid:
		return "Android"
	case PlatformLinux:
		return "Linux"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p <= PlatformLinux
}

// Header is the version-independent view of a package header.
type Header struct {
	Version         uint32
	TotalSize       uint64
	TableOffset     uint64
	TableSize       uint32
	Entries         uint32
	GameDirectory   GameDirectory
	CompressedTable bool
	BuildMajor      uint32
	Changelist      uint32
	Variation       uint16
	DirQueries      bool
	Obfuscated      bool
	Platform        Platform

	// BigEndian is true when the signature was stored byte-swapped.
	BigEndian bool
}

// Order is a byte order usable for both decoding and appending.
type Order interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// ByteOrder returns the byte order of the header and everything it describes.
func (h Header) ByteOrder() Order {
	if h.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// IsOldLZ4Compression reports whether compressed data uses LZ4 instead of zstd.
func (h Header) IsOldLZ4Compression() bool {
	return h.Version == 16
}

// HasPostCRC32 reports whether entries carry a CRC32 of their stored bytes.
func (h Header) HasPostCRC32() bool {
	return h.Version > 18
}

// HasTableCRC32 reports whether the file table ends with its own CRC32.
func (h Header) HasTableCRC32() bool {
	return h.Version > 19
}

// Validate checks the fields that do not depend on the archive size.
func (h Header) Validate() error {
	if !IsSupportedVersion(h.Version) {
		return fmt.Errorf("%w: %d", ErrVersionUnsupported, h.Version)
	}
	if h.GameDirectory != GameDirectoryConfig && h.GameDirectory != GameDirectoryContent {
		return fmt.Errorf("%w: game directory %d", ErrHeaderCorrupt, h.GameDirectory)
	}
	if !h.Platform.Valid() {
		return fmt.Errorf("%w: platform %d", ErrHeaderCorrupt, h.Platform)
	}
	return nil
}

// IsSupportedVersion reports whether v is one of Versions.
func IsSupportedVersion(v uint32) bool {
	return slices.Contains(Versions, v)
}

// DecodeHeader parses and validates a header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrHeaderCorrupt, len(b))
	}

	var order Order = binary.LittleEndian
	bigEndian := false
	switch sig := binary.LittleEndian.Uint32(b); sig {
	case Signature:
	case bits.ReverseBytes32(Signature):
		order = binary.BigEndian
		bigEndian = true
	default:
		return Header{}, fmt.Errorf("%w: signature %#x", ErrHeaderCorrupt, sig)
	}

	version := order.Uint32(b[4:])
	l, ok := newLayout(version)
	if !ok {
		return Header{}, fmt.Errorf("%w: %d", ErrVersionUnsupported, version)
	}
	if _, err := binary.Decode(b[8:HeaderSize], order, l); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrHeaderCorrupt, err)
	}

	h := l.header()
	h.Version = version
	h.BigEndian = bigEndian
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Encode serializes h using the layout for h.Version.
func (h Header) Encode() ([]byte, error) {
	l, ok := newLayout(h.Version)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionUnsupported, h.Version)
	}
	l.set(h)

	order := h.ByteOrder()
	b := make([]byte, HeaderSize)
	order.PutUint32(b, Signature)
	order.PutUint32(b[4:], h.Version)
	if _, err := binary.Encode(b[8:], order, l); err != nil {
		return nil, err
	}
	return b, nil
}

// layout is one historical 40-byte header body. Each implementation
// migrates to and from the current Header.
type layout interface {
	header() Header
	set(h Header)
}

func newLayout(version uint32) (layout, bool) {
	switch version {
	case 13:
		return &layoutV13{}, true
	case 16, 17:
		return &layoutV16{}, true
	case 18, 19, 20:
		return &layoutV18{}, true
	case 21:
		return &layoutV21{}, true
	default:
		return nil, false
	}
}

type layoutV13 struct {
	TotalSize       uint64
	TableOffset     uint64
	Entries         uint32
	GameDirectory   uint16
	CompressedTable uint16
	TableSize       uint32
	BuildMajor      uint32
	Changelist      uint32
	Variation       uint16
	DirQueries      uint8
	Obfuscated      uint8
}

func (l *layoutV13) header() Header {
	return Header{
		TotalSize:       l.TotalSize,
		TableOffset:     l.TableOffset,
		TableSize:       l.TableSize,
		Entries:         l.Entries,
		GameDirectory:   GameDirectory(l.GameDirectory),
		CompressedTable: l.CompressedTable != 0,
		BuildMajor:      l.BuildMajor,
		Changelist:      l.Changelist,
		Variation:       l.Variation,
		DirQueries:      l.DirQueries != 0,
		Obfuscated:      l.Obfuscated != 0,
		Platform:        PlatformPC,
	}
}

func (l *layoutV13) set(h Header) {
	*l = layoutV13{
		TotalSize:       h.TotalSize,
		TableOffset:     h.TableOffset,
		Entries:         h.Entries,
		GameDirectory:   uint16(h.GameDirectory),
		CompressedTable: flag16(h.CompressedTable),
		TableSize:       h.TableSize,
		BuildMajor:      h.BuildMajor,
		Changelist:      h.Changelist,
		Variation:       h.Variation,
		DirQueries:      flag8(h.DirQueries),
		Obfuscated:      flag8(h.Obfuscated),
	}
}

type layoutV16 struct {
	TotalSize       uint64
	TableOffset     uint64
	Entries         uint32
	GameDirectory   uint16
	CompressedTable uint16
	TableSize       uint32
	BuildMajor      uint32
	Changelist      uint32
	DirQueries      uint16
	Obfuscated      uint16
}

func (l *layoutV16) header() Header {
	return Header{
		TotalSize:       l.TotalSize,
		TableOffset:     l.TableOffset,
		TableSize:       l.TableSize,
		Entries:         l.Entries,
		GameDirectory:   GameDirectory(l.GameDirectory),
		CompressedTable: l.CompressedTable != 0,
		BuildMajor:      l.BuildMajor,
		Changelist:      l.Changelist,
		DirQueries:      l.DirQueries != 0,
		Obfuscated:      l.Obfuscated != 0,
		Platform:        PlatformPC,
	}
}

func (l *layoutV16) set(h Header) {
	*l = layoutV16{
		TotalSize:       h.TotalSize,
		TableOffset:     h.TableOffset,
		Entries:         h.Entries,
		GameDirectory:   uint16(h.GameDirectory),
		CompressedTable: flag16(h.CompressedTable),
		TableSize:       h.TableSize,
		BuildMajor:      h.BuildMajor,
		Changelist:      h.Changelist,
		DirQueries:      flag16(h.DirQueries),
		Obfuscated:      flag16(h.Obfuscated),
	}
}

type layoutV18 struct {
	TotalSize       uint64
	TableOffset     uint64
	Entries         uint32
	GameDirectory   uint16
	CompressedTable uint16
	TableSize       uint32
	BuildMajor      uint32
	Changelist      uint32
	DirQueries      uint16
	Obfuscated      uint8
	Platform        uint8
}

func (l *layoutV18) header() Header {
	return Header{
		TotalSize:       l.TotalSize,
		TableOffset:     l.TableOffset,
		TableSize:       l.TableSize,
		Entries:         l.Entries,
		GameDirectory:   GameDirectory(l.GameDirectory),
		CompressedTable: l.CompressedTable != 0,
		BuildMajor:      l.BuildMajor,
		Changelist:      l.Changelist,
		DirQueries:      l.DirQueries != 0,
		Obfuscated:      l.Obfuscated != 0,
		Platform:        Platform(l.Platform),
	}
}

func (l *layoutV18) set(h Header) {
	*l = layoutV18{
		TotalSize:       h.TotalSize,
		TableOffset:     h.TableOffset,
		Entries:         h.Entries,
		GameDirectory:   uint16(h.GameDirectory),
		CompressedTable: flag16(h.CompressedTable),
		TableSize:       h.TableSize,
		BuildMajor:      h.BuildMajor,
		Changelist:      h.Changelist,
		DirQueries:      flag16(h.DirQueries),
		Obfuscated:      flag8(h.Obfuscated),
		Platform:        uint8(h.Platform),
	}
}

// layoutV21 narrows the build version to 16 bits to make room for Variation.
type layoutV21 struct {
	TotalSize       uint64
	TableOffset     uint64
	Entries         uint32
	GameDirectory   uint16
	CompressedTable uint16
	TableSize       uint32
	Variation       uint16
	BuildMajor      uint16
	Changelist      uint32
	DirQueries      uint16
	Obfuscated      uint8
	Platform        uint8
}

func (l *layoutV21) header() Header {
	return Header{
		TotalSize:       l.TotalSize,
		TableOffset:     l.TableOffset,
		TableSize:       l.TableSize,
		Entries:         l.Entries,
		GameDirectory:   GameDirectory(l.GameDirectory),
		CompressedTable: l.CompressedTable != 0,
		BuildMajor:      uint32(l.BuildMajor),
		Changelist:      l.Changelist,
		Variation:       l.Variation,
		DirQueries:      l.DirQueries != 0,
		Obfuscated:      l.Obfuscated != 0,
		Platform:        Platform(l.Platform),
	}
}

func (l *layoutV21) set(h Header) {
	*l = layoutV21{
		TotalSize:       h.TotalSize,
		TableOffset:     h.TableOffset,
		Entries:         h.Entries,
		GameDirectory:   uint16(h.GameDirectory),
		CompressedTable: flag16(h.CompressedTable),
		TableSize:       h.TableSize,
		Variation:       h.Variation,
		BuildMajor:      uint16(h.BuildMajor), //nolint:gosec // v21 stores a 16-bit build version
		Changelist:      h.Changelist,
		DirQueries:      flag16(h.DirQueries),
		Obfuscated:      flag8(h.Obfuscated),
		Platform:        uint8(h.Platform),
	}
}

func flag8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func flag16(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
