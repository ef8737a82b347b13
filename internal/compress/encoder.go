package compress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoder produces frames of a single Kind. It is used when building
// archives and is safe for concurrent use.
type Encoder struct {
	kind Kind
	zstd *zstd.Encoder
}

// NewEncoder creates an Encoder. dict is optional and only applies to zstd.
func NewEncoder(kind Kind, dict []byte) (*Encoder, error) {
	e := &Encoder{kind: kind}
	switch kind {
	case KindLZ4:
		return e, nil
	case KindZstd:
		opts := []zstd.EOption{zstd.WithEncoderLevel(zstd.SpeedDefault)}
		if len(dict) > 0 {
			if isFormattedDict(dict) {
				opts = append(opts, zstd.WithEncoderDict(dict))
			} else {
				opts = append(opts, zstd.WithEncoderDictRaw(0, dict))
			}
		}
		enc, err := zstd.NewWriter(nil, opts...)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		e.zstd = enc
		return e, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", kind)
	}
}

// Kind returns the codec this Encoder writes.
func (e *Encoder) Kind() Kind {
	return e.kind
}

// Encode returns the framed form of src. It returns ErrIncompressible when
// the frame would not be smaller than src, so callers store src as-is.
func (e *Encoder) Encode(src []byte) ([]byte, error) {
	if len(src) > MaxSize {
		return nil, fmt.Errorf("encode %d bytes: exceeds frame limit", len(src))
	}

	var out []byte
	switch e.kind {
	case KindLZ4:
		block := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, block, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return nil, ErrIncompressible
		}
		out = appendFrameHeader(make([]byte, 0, FrameHeaderSize+n), e.kind, len(src))
		out = append(out, block[:n]...)
	default:
		out = appendFrameHeader(make([]byte, 0, FrameHeaderSize+len(src)/2), e.kind, len(src))
		out = e.zstd.EncodeAll(src, out)
	}

	if len(out) >= len(src) {
		return nil, ErrIncompressible
	}
	return out, nil
}

// Close releases encoder resources.
func (e *Encoder) Close() error {
	if e.zstd != nil {
		return e.zstd.Close()
	}
	return nil
}
