package format

import "encoding/binary"

// EntrySize is the packed size of an entry record.
const EntrySize = 40

// Entry is the fixed-size record describing one stored file.
type Entry struct {
	Offset           uint64
	CompressedSize   uint64
	UncompressedSize uint64
	ModTime          uint64
	CRC32Pre         uint32
	CRC32Post        uint32
}

// IsCompressed reports whether the stored bytes are a compression frame.
func (e Entry) IsCompressed() bool {
	return e.CompressedSize != e.UncompressedSize
}

// End returns the exclusive end offset of the stored bytes. ok is false on overflow.
func (e Entry) End() (end uint64, ok bool) {
	end = e.Offset + e.CompressedSize
	return end, end >= e.Offset
}

// DecodeEntry reads an entry record from the first EntrySize bytes of b.
func DecodeEntry(b []byte, order binary.ByteOrder) Entry {
	_ = b[EntrySize-1]
	return Entry{
		Offset:           order.Uint64(b[0:]),
		CompressedSize:   order.Uint64(b[8:]),
		UncompressedSize: order.Uint64(b[16:]),
		ModTime:          order.Uint64(b[24:]),
		CRC32Pre:         order.Uint32(b[32:]),
		CRC32Post:        order.Uint32(b[36:]),
	}
}

// AppendEntry appends the packed record for e to dst.
func AppendEntry(dst []byte, e Entry, order binary.AppendByteOrder) []byte {
	dst = order.AppendUint64(dst, e.Offset)
	dst = order.AppendUint64(dst, e.CompressedSize)
	dst = order.AppendUint64(dst, e.UncompressedSize)
	dst = order.AppendUint64(dst, e.ModTime)
	dst = order.AppendUint32(dst, e.CRC32Pre)
	return order.AppendUint32(dst, e.CRC32Post)
}
