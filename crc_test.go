package sar

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manyFiles returns files of mixed sizes so that CRC checks span several
// grouped reads.
func manyFiles() []BuildFile {
	var files []BuildFile
	for i := range 40 {
		var data []byte
		switch i % 4 {
		case 0:
			data = noise(uint64(i), 100+i*37)
		case 1:
			data = bytes.Repeat(fmt.Appendf(nil, "line %d\n", i), 20+i)
		case 2:
			data = noise(uint64(i), 5000)
		default:
			data = []byte{byte(i)}
		}
		files = append(files, BuildFile{Name: fmt.Sprintf("dir%d/file%02d.bin", i%3, i), Data: data})
	}
	return files
}

// corrupt returns a copy of data with one stored byte of name flipped.
func corrupt(t *testing.T, a *Archive, data []byte, name string) []byte {
	t.Helper()
	e, ok := a.Lookup(name)
	require.True(t, ok)
	require.NotZero(t, e.CompressedSize)
	out := bytes.Clone(data)
	out[e.Offset+e.CompressedSize/2] ^= 0x01
	return out
}

func TestCheckCRC32DetectsSingleCorruption(t *testing.T) {
	t.Parallel()

	files := manyFiles()
	for _, tc := range []struct {
		name string
		opts []CreateOption
	}{
		{name: "post", opts: []CreateOption{CreateWithCompression(), CreateWithObfuscation()}},
		{name: "pre", opts: []CreateOption{CreateWithVersion(18), CreateWithCompression(), CreateWithObfuscation()}},
		{name: "pre-lz4", opts: []CreateOption{CreateWithVersion(16), CreateWithCompression()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			a, data := buildArchive(t, files, tc.opts...)
			assert.Equal(t, tc.name == "post", a.HasPostCRC32())

			results, ok, err := a.CheckCRC32(context.Background(), nil)
			require.NoError(t, err)
			require.True(t, ok)
			require.Len(t, results, len(files))

			for _, victim := range []int{0, 1, 2, 3, 17, 39} {
				name := files[victim].Name
				bad, err := OpenBytes(corrupt(t, a, data, name))
				require.NoError(t, err)

				results, ok, err := bad.CheckCRC32(context.Background(), nil)
				require.NoError(t, err)
				assert.False(t, ok)
				for _, r := range results {
					assert.Equal(t, r.Name != name, r.OK, r.Name)
				}

				err = bad.Verify(context.Background())
				require.ErrorIs(t, err, ErrCRC32Mismatch)
				assert.Contains(t, err.Error(), name)

				fileOK, err := bad.CheckFileCRC32(name)
				require.NoError(t, err)
				assert.False(t, fileOK)
			}
		})
	}
}

func TestCheckCRC32Subset(t *testing.T) {
	t.Parallel()

	files := manyFiles()
	a, _ := buildArchive(t, files)

	results, ok, err := a.CheckCRC32(context.Background(), []CRCResult{
		{Name: files[9].Name},
		{Name: "unknown/file"},
		{Name: files[2].Name},
		{Name: files[30].Name},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, results, 3)
	assert.Equal(t, files[2].Name, results[0].Name)
	assert.Equal(t, files[9].Name, results[1].Name)
	assert.Equal(t, files[30].Name, results[2].Name)
	for _, r := range results {
		assert.True(t, r.OK)
		assert.Equal(t, r.Name, r.Entry.Name)
	}
}

func TestCheckCRC32EmptyEntries(t *testing.T) {
	t.Parallel()

	a, _ := buildArchive(t, []BuildFile{{Name: "a"}, {Name: "b", Data: []byte("x")}, {Name: "c"}})
	results, ok, err := a.CheckCRC32(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, results, 3)

	ok, err = a.CheckFileCRC32("a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = a.CheckFileCRC32("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckCRC32Canceled(t *testing.T) {
	t.Parallel()

	a, _ := buildArchive(t, manyFiles())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := a.CheckCRC32(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGroupForCheck(t *testing.T) {
	t.Parallel()

	result := func(off, size uint64) CRCResult {
		var r CRCResult
		r.Entry.Offset = off
		r.Entry.CompressedSize = size
		return r
	}

	tests := []struct {
		name    string
		results []CRCResult
		want    []checkGroup
	}{
		{
			name:    "adjacent",
			results: []CRCResult{result(48, 100), result(148, 100), result(248, 100)},
			want:    []checkGroup{{start: 48, end: 348, first: 0, last: 3}},
		},
		{
			name:    "small gap bridged",
			results: []CRCResult{result(0, 10), result(10+checkMaxGap, 10)},
			want:    []checkGroup{{start: 0, end: 20 + checkMaxGap, first: 0, last: 2}},
		},
		{
			name:    "large gap splits",
			results: []CRCResult{result(0, 10), result(11+checkMaxGap, 10)},
			want: []checkGroup{
				{start: 0, end: 10, first: 0, last: 1},
				{start: 11 + checkMaxGap, end: 21 + checkMaxGap, first: 1, last: 2},
			},
		},
		{
			name:    "target read splits",
			results: []CRCResult{result(0, 3000), result(3000, 3000), result(6000, 10)},
			want: []checkGroup{
				{start: 0, end: 3000, first: 0, last: 1},
				{start: 3000, end: 6010, first: 1, last: 3},
			},
		},
		{
			name:    "oversized entry alone",
			results: []CRCResult{result(0, 10000)},
			want:    []checkGroup{{start: 0, end: 10000, first: 0, last: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, groupForCheck(tt.results))
		})
	}
}
