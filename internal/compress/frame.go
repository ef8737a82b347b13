// Package compress implements the framed compression used for file bodies
// and file tables: a FourCC, the uncompressed size, then a zstd frame or a
// raw LZ4 block.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies the codec of a frame by its FourCC.
type Kind uint32

const (
	KindZstd Kind = 'Z' | 'S'<<8 | 'T'<<16 | 'D'<<24
	KindLZ4  Kind = 'L' | 'Z'<<8 | '4'<<16 | 'C'<<24
)

// String returns the FourCC as text.
func (k Kind) String() string {
	switch k {
	case KindZstd:
		return "ZSTD"
	case KindLZ4:
		return "LZ4C"
	default:
		return fmt.Sprintf("unknown(%#x)", uint32(k))
	}
}

const (
	// FrameHeaderSize is the size of the FourCC and length prefix.
	FrameHeaderSize = 8

	// MaxSize bounds the declared uncompressed size of a frame.
	MaxSize = 1 << 30
)

var (
	// ErrDecompression is returned when a frame cannot be decoded.
	ErrDecompression = errors.New("sar: decompression failed")

	// ErrIncompressible is returned by Encoder.Encode when the framed
	// output would not be smaller than the input.
	ErrIncompressible = errors.New("sar: data is incompressible")
)

// ParseFrame splits src into its codec, declared size and payload.
func ParseFrame(src []byte) (Kind, int, []byte, error) {
	if len(src) < FrameHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: short frame (%d bytes)", ErrDecompression, len(src))
	}
	kind := Kind(binary.LittleEndian.Uint32(src))
	if kind != KindZstd && kind != KindLZ4 {
		return 0, 0, nil, fmt.Errorf("%w: unknown codec %s", ErrDecompression, kind)
	}
	size := binary.LittleEndian.Uint32(src[4:])
	if size > MaxSize {
		return 0, 0, nil, fmt.Errorf("%w: declared size %d exceeds limit", ErrDecompression, size)
	}
	return kind, int(size), src[FrameHeaderSize:], nil
}

func appendFrameHeader(dst []byte, kind Kind, size int) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(kind))
	return binary.LittleEndian.AppendUint32(dst, uint32(size)) //nolint:gosec // bounded by MaxSize
}
