package format

import (
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries(n int) []TableEntry {
	entries := make([]TableEntry, n)
	off := uint64(HeaderSize)
	for i := range entries {
		size := uint64(10 + i)
		entries[i] = TableEntry{
			Name: fmt.Sprintf("dir%d/File_%d.json", i%3, i),
			Entry: Entry{
				Offset:           off,
				CompressedSize:   size,
				UncompressedSize: size,
				ModTime:          uint64(1700000000 + i),
				CRC32Pre:         uint32(i * 7),
				CRC32Post:        uint32(i * 7),
			},
			Order: i,
		}
		off += size
	}
	return entries
}

func TestObfuscateIsSelfInverse(t *testing.T) {
	t.Parallel()

	plain := []byte("the quick brown fox jumps over the lazy dog")
	data := append([]byte(nil), plain...)
	key := ObfuscationKey(`Content\Authored\Config.json`)

	Obfuscate(key, data, 0)
	assert.NotEqual(t, plain, data)
	Obfuscate(key, data, 0)
	assert.Equal(t, plain, data)
}

func TestObfuscateIsPositional(t *testing.T) {
	t.Parallel()

	key := ObfuscationKey("a.txt")
	whole := []byte("0123456789abcdef")
	Obfuscate(key, whole, 0)

	tail := []byte("0123456789abcdef")[5:]
	Obfuscate(key, tail, 5)
	assert.Equal(t, whole[5:], tail)
}

func TestObfuscationKey(t *testing.T) {
	t.Parallel()

	seed := obfuscationSeed
	assert.Equal(t, seed, ObfuscationKey(""))
	assert.Equal(t, seed*33+'a', ObfuscationKey("A"))
	assert.Equal(t, ObfuscationKey(`Dir\File.PNG`), ObfuscationKey(`dir\file.png`))
	assert.Equal(t, ObfuscationKey("4212"), TableKey(42, 12))
}

func TestFoldName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{"config/settings.json", "config/settings.json"},
		{"Config/Settings.JSON", "config/settings.json"},
		{"İİİİ/A", "İİİİ/a"},
		{"Ünicode/Ä.txt", "Ünicode/Ä.txt"},
		{"", ""},
	}
	for _, tt := range tests {
		got := FoldName(tt.name)
		assert.Equal(t, tt.want, got, tt.name)
		assert.Len(t, got, len(tt.name), tt.name)
	}
}

func TestTableRoundTrip(t *testing.T) {
	t.Parallel()

	for _, version := range Versions {
		for _, compressed := range []bool{false, true} {
			h := sampleHeader(version, version%2 == 0)
			h.CompressedTable = compressed
			h.Obfuscated = false
			entries := sampleEntries(40)
			h.Entries = uint32(len(entries))
			h.TotalSize = 1 << 20

			raw, gotCompressed, err := EncodeTable(h, entries)
			require.NoError(t, err)
			assert.Equal(t, compressed, gotCompressed, "v%d: 40 similar records should compress", version)
			h.CompressedTable = gotCompressed
			h.TableSize = uint32(len(raw))

			table, err := DecodeTable(h, raw)
			require.NoError(t, err, "version %d", version)
			require.Len(t, table.Entries, len(entries))
			assert.True(t, table.HasPostCRC32)
			for i, te := range table.Entries {
				assert.Equal(t, entries[i].Name, te.Name)
				assert.Equal(t, entries[i].Entry, te.Entry)
				assert.Equal(t, i, te.Order)
				assert.Zero(t, te.XorKey)
			}

			got, ok := table.Lookup("DIR1/file_4.JSON")
			require.True(t, ok)
			assert.Equal(t, 4, got.Order)
		}
	}
}

func TestDecodeTableObfuscatedKeysUseStoredName(t *testing.T) {
	t.Parallel()

	h := sampleHeader(21, false)
	entries := sampleEntries(2)
	h.Entries = 2
	raw, compressed, err := EncodeTable(h, entries)
	require.NoError(t, err)
	h.CompressedTable = compressed
	h.TableSize = uint32(len(raw))

	table, err := DecodeTable(h, raw)
	require.NoError(t, err)
	assert.Equal(t, ObfuscationKey(`dir0\File_0.json`), table.Entries[0].XorKey)
	assert.Equal(t, "dir0/File_0.json", table.Entries[0].Name)
}

func TestDecodeTableMigratesPostCRC(t *testing.T) {
	t.Parallel()

	entries := sampleEntries(2)
	entries[1].Entry.CompressedSize = 5
	entries[0].Entry.CRC32Post = 0xFFFF
	entries[1].Entry.CRC32Post = 0xFFFF

	h := sampleHeader(18, false)
	h.Obfuscated = false
	h.CompressedTable = false
	h.Entries = 2
	raw, _, err := EncodeTable(h, entries)
	require.NoError(t, err)
	h.TableSize = uint32(len(raw))

	table, err := DecodeTable(h, raw)
	require.NoError(t, err)
	assert.False(t, table.HasPostCRC32)
	assert.Equal(t, entries[0].Entry.CRC32Pre, table.Entries[0].Entry.CRC32Post)
	assert.Zero(t, table.Entries[1].Entry.CRC32Post)
}

func TestDecodeTableErrors(t *testing.T) {
	t.Parallel()

	base := sampleHeader(20, false)
	base.CompressedTable = false
	base.Entries = 3
	base.TotalSize = 1 << 20

	encode := func(t *testing.T, h Header, entries []TableEntry) (Header, []byte) {
		t.Helper()
		raw, _, err := EncodeTable(h, entries)
		require.NoError(t, err)
		h.TableSize = uint32(len(raw))
		return h, raw
	}

	t.Run("crc mismatch", func(t *testing.T) {
		t.Parallel()
		h, raw := encode(t, base, sampleEntries(3))
		raw[3] ^= 0x01
		_, err := DecodeTable(h, raw)
		require.ErrorIs(t, err, ErrTableCorrupt)
		assert.Contains(t, err.Error(), "CRC32")
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		entries := sampleEntries(3)
		entries[2].Name = "DIR0/file_0.json"
		h, raw := encode(t, base, entries)
		_, err := DecodeTable(h, raw)
		require.ErrorIs(t, err, ErrTableCorrupt)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("out of bounds", func(t *testing.T) {
		t.Parallel()
		entries := sampleEntries(3)
		entries[1].Entry.Offset = base.TotalSize - 2
		h, raw := encode(t, base, entries)
		_, err := DecodeTable(h, raw)
		require.ErrorIs(t, err, ErrTableCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		h, raw := encode(t, base, sampleEntries(3))
		h.Entries = 4
		_, err := DecodeTable(h, raw)
		require.ErrorIs(t, err, ErrTableCorrupt)
	})

	t.Run("size mismatch", func(t *testing.T) {
		t.Parallel()
		h, raw := encode(t, base, sampleEntries(3))
		h.TableSize++
		_, err := DecodeTable(h, raw)
		require.ErrorIs(t, err, ErrTableCorrupt)
	})
}

func TestEncodeTableAppendsCRC(t *testing.T) {
	t.Parallel()

	h := sampleHeader(20, false)
	h.CompressedTable = false
	raw, _, err := EncodeTable(h, sampleEntries(1))
	require.NoError(t, err)

	body := raw[:len(raw)-4]
	assert.Equal(t, crc32.ChecksumIEEE(body), h.ByteOrder().Uint32(raw[len(raw)-4:]))
}
