package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sar"
	"github.com/meigma/sar/internal/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func sampleFiles() []sar.BuildFile {
	mtime := time.Unix(1_700_000_000, 0)
	return []sar.BuildFile{
		{Name: "config/game.json", Data: []byte(`{"speed": 3, "names": ["a", "b"]}`), ModTime: mtime},
		{Name: "scripts/main.lua", Data: []byte("print('hi')\n"), ModTime: mtime},
		{Name: "textures/hero.png", Data: testutil.Noise(1, 3000), ModTime: mtime},
		{Name: "textures/villain.png", Data: testutil.Noise(2, 1500), ModTime: mtime},
		{Name: "README", Data: []byte("readme"), ModTime: mtime},
	}
}

func writePackage(t *testing.T, opts ...sar.CreateOption) string {
	t.Helper()
	opts = append([]sar.CreateOption{sar.CreateWithCompression(), sar.CreateWithBuild(42, 98765)}, opts...)
	data := testutil.Build(t, sampleFiles(), opts...)
	return testutil.WriteFile(t, t.TempDir(), "content.sar", data)
}

func TestList(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t)
	out, err := run(t, "list", pkg)
	require.NoError(t, err)

	a, err := sar.Open(pkg)
	require.NoError(t, err)
	defer a.Close()
	var want []string
	for _, e := range a.Entries() {
		want = append(want, e.Name)
	}
	assert.Equal(t, strings.Join(want, "\n")+"\n", out)
}

func TestPrintVersionAndChangelist(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t)
	out, err := run(t, "print_version", pkg)
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	out, err = run(t, "print_changelist", pkg)
	require.NoError(t, err)
	assert.Equal(t, "98765", out)

	_, err = run(t, "print_version", filepath.Join(t.TempDir(), "missing.sar"))
	require.Error(t, err)
}

func TestStats(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t)
	out, err := run(t, "stats", pkg)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Total files: 5", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], ".png: "), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], " (2)"), lines[1])
	assert.Contains(t, out, ".lua: ")
	assert.Contains(t, out, "(none): ")
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    uint64
		want string
	}{
		{0, "0 Bs"},
		{1024, "1024 Bs"},
		{1025, "1 KBs"},
		{5 << 20, "5120 KBs"},
		{5<<20 + 1, "5 MBs"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.n), tt.n)
	}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t, sar.CreateWithObfuscation())
	dir := t.TempDir()
	_, err := run(t, "extract", pkg, dir)
	require.NoError(t, err)
	for _, f := range sampleFiles() {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Name)))
		require.NoError(t, err)
		assert.Equal(t, f.Data, got, f.Name)
	}

	only := t.TempDir()
	_, err = run(t, "extract", "-j", "1", pkg, only, "scripts/main.lua")
	require.NoError(t, err)
	entries, err := os.ReadDir(only)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "scripts", entries[0].Name())

	_, err = run(t, "extract", pkg, only, "nope.txt")
	require.ErrorIs(t, err, sar.ErrNotFound)
}

func decodeDump(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var d map[string]any
	require.NoError(t, json.Unmarshal(data, &d))
	return d
}

func filesByPath(t *testing.T, d map[string]any) map[string]map[string]any {
	t.Helper()
	files, ok := d["Files"].([]any)
	require.True(t, ok)
	out := make(map[string]map[string]any, len(files))
	for _, f := range files {
		m, ok := f.(map[string]any)
		require.True(t, ok)
		out[m["FilePath"].(string)] = m
	}
	return out
}

func TestDumpJSON(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t)
	out, err := run(t, "dump_json", pkg, "-")
	require.NoError(t, err)
	assert.Contains(t, out, "\n\t\"Header\"", "diff friendly output is indented")

	d := decodeDump(t, []byte(out))
	raw, err := os.ReadFile(pkg)
	require.NoError(t, err)
	identity := d["ArchiveIdentity"].(map[string]any)
	assert.Equal(t, digest.FromBytes(raw).String(), identity["Digest"])
	assert.InDelta(t, float64(len(raw)), identity["SizeInBytes"], 0)

	header := d["Header"].(map[string]any)
	assert.InDelta(t, 42, header["BuildMajor"], 0)
	assert.Equal(t, "Content", header["GameDirectory"])

	files := filesByPath(t, d)
	require.Len(t, files, 5)
	assert.Equal(t, map[string]any{"speed": float64(3), "names": []any{"a", "b"}}, files["config/game.json"]["Contents"])
	assert.Equal(t, "print('hi')\n", files["scripts/main.lua"]["Contents"])
	assert.Equal(t, "<binary>", files["textures/hero.png"]["Contents"])
	for name, f := range files {
		assert.InDelta(t, 0, f["Offset"], 0, name)
	}
}

func TestDumpJSONVerbose(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t)
	out := filepath.Join(t.TempDir(), "dump.json")
	_, err := run(t, "dump_json", "--diff-friendly=false", pkg, out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\n")

	files := filesByPath(t, decodeDump(t, data))
	assert.Equal(t, "cmVhZG1l", files["README"]["Contents"], "binary contents are base64")
	assert.Equal(t, "print('hi')\n", files["scripts/main.lua"]["Contents"])
	assert.NotZero(t, files["scripts/main.lua"]["Offset"])
}

func TestDumpJSONGz(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t)
	_, err := run(t, "dump_json_gz", pkg)
	require.NoError(t, err)

	f, err := os.Open(pkg + ".json.gz")
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	files := filesByPath(t, decodeDump(t, data))
	assert.Len(t, files, 5)
}

func TestDumpJSONRejectsCorruptPackage(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t)
	a, err := sar.Open(pkg)
	require.NoError(t, err)
	e, ok := a.Lookup("textures/hero.png")
	require.True(t, ok)
	require.NoError(t, a.Close())

	data, err := os.ReadFile(pkg)
	require.NoError(t, err)
	data[e.Offset+1] ^= 0x01
	require.NoError(t, os.WriteFile(pkg, data, 0o644))

	_, err = run(t, "dump_json", pkg, "-")
	require.ErrorIs(t, err, sar.ErrCRC32Mismatch)
}

func TestInspect(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t)
	out, err := run(t, "inspect", "-n", "2", pkg)
	require.NoError(t, err)
	assert.Contains(t, out, "Version: (uint32) 21")
	assert.Contains(t, out, "Entries (2 of 5):")
}

func TestDownload(t *testing.T) {
	t.Parallel()

	files := sampleFiles()
	data := testutil.Build(t, files, sar.CreateWithCompression())
	server := testutil.NewServer(t, data)
	dst := filepath.Join(t.TempDir(), "dl", "content.sar")

	out, err := run(t, "download", "--priority", "high", server.URL(), dst)
	require.NoError(t, err)
	assert.Contains(t, out, "Downloaded ")

	a, err := sar.Open(dst)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Verify(t.Context()))
	for _, f := range files {
		got, err := a.ReadFile(f.Name)
		require.NoError(t, err)
		assert.Equal(t, f.Data, got)
	}

	_, err = run(t, "download", "--priority", "urgent", server.URL(), dst)
	require.Error(t, err)
}
