package compress

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// zstdDictMagic marks a dictionary in the zstd dictionary format. Anything
// else is used as raw content.
const zstdDictMagic uint32 = 0xEC30A437

// Decoder decodes frames with pooled zstd decoders. Plain and dictionary
// decoders are pooled separately; a dictionary can be attached once.
type Decoder struct {
	plain            *sync.Pool
	dict             atomic.Pointer[sync.Pool]
	maxDecoderMemory uint64
	concurrency      int
	lowmem           bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxMemory limits the memory a single zstd decoder may allocate.
// Set limit to 0 to disable the limit.
func WithMaxMemory(limit uint64) Option {
	return func(d *Decoder) {
		d.maxDecoderMemory = limit
	}
}

// WithConcurrency sets the zstd decoder concurrency (default: 1).
// Values < 0 are treated as 0 (use GOMAXPROCS).
func WithConcurrency(n int) Option {
	return func(d *Decoder) {
		if n < 0 {
			n = 0
		}
		d.concurrency = n
	}
}

// WithLowmem sets whether decoders run in low-memory mode (default: false).
func WithLowmem(enabled bool) Option {
	return func(d *Decoder) {
		d.lowmem = enabled
	}
}

// NewDecoder creates a Decoder with no dictionary attached.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{concurrency: 1}
	for _, opt := range opts {
		opt(d)
	}
	d.plain = d.newPool(nil)
	return d
}

var defaultDecoder = sync.OnceValue(func() *Decoder { return NewDecoder() })

// Decode decodes a frame without a dictionary using a shared Decoder.
func Decode(src []byte) ([]byte, error) {
	return defaultDecoder().Decode(src, false)
}

// SetDict attaches a shared dictionary. It fails if the dictionary cannot
// be loaded by the zstd decoder.
func (d *Decoder) SetDict(dict []byte) error {
	if len(dict) == 0 {
		return fmt.Errorf("%w: empty dictionary", ErrDecompression)
	}
	dict = append([]byte(nil), dict...)

	// Build one decoder eagerly so a bad dictionary fails here, not on first read.
	dec, err := d.newZstd(dict)
	if err != nil {
		return fmt.Errorf("%w: load dictionary: %v", ErrDecompression, err)
	}
	pool := d.newPool(dict)
	pool.Put(dec)
	d.dict.Store(pool)
	return nil
}

// HasDict reports whether a dictionary is attached.
func (d *Decoder) HasDict() bool {
	return d.dict.Load() != nil
}

// Decode decodes one frame. useDict selects the dictionary decoder when one
// is attached. The output is exactly the frame's declared size.
func (d *Decoder) Decode(src []byte, useDict bool) ([]byte, error) {
	kind, size, payload, err := ParseFrame(src)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrDecompression, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, expected %d", ErrDecompression, n, size)
		}
		return out, nil
	default:
		pool := d.plain
		if useDict {
			if p := d.dict.Load(); p != nil {
				pool = p
			}
		}
		return d.decodeZstd(pool, payload, size)
	}
}

func (d *Decoder) decodeZstd(pool *sync.Pool, payload []byte, size int) ([]byte, error) {
	dec, ok := pool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, fmt.Errorf("%w: zstd decoder unavailable", ErrDecompression)
	}
	defer pool.Put(dec)

	out, err := dec.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrDecompression, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: zstd produced %d bytes, expected %d", ErrDecompression, len(out), size)
	}
	return out, nil
}

func (d *Decoder) newPool(dict []byte) *sync.Pool {
	return &sync.Pool{
		New: func() any {
			dec, err := d.newZstd(dict)
			if err != nil {
				return nil
			}
			return dec
		},
	}
}

func (d *Decoder) newZstd(dict []byte) (*zstd.Decoder, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(d.concurrency),
		zstd.WithDecoderLowmem(d.lowmem),
	}
	if d.maxDecoderMemory > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(d.maxDecoderMemory))
	}
	if len(dict) > 0 {
		opts = append(opts, decoderDictOption(dict))
	}
	return zstd.NewReader(nil, opts...)
}

func decoderDictOption(dict []byte) zstd.DOption {
	if isFormattedDict(dict) {
		return zstd.WithDecoderDicts(dict)
	}
	return zstd.WithDecoderDictRaw(0, dict)
}

func isFormattedDict(dict []byte) bool {
	return len(dict) >= 8 && binary.LittleEndian.Uint32(dict) == zstdDictMagic
}
