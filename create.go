package sar

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meigma/sar/internal/compress"
	"github.com/meigma/sar/internal/format"
)

// BuildFile is one file to store in a new package.
type BuildFile struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// Build returns a complete package holding files, stored in the given
// order after the header, followed by the file table.
func Build(files []BuildFile, opts ...CreateOption) ([]byte, error) {
	cfg := createConfig{
		version:       format.MaxVersion,
		gameDirectory: GameDirectoryContent,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	if !format.IsSupportedVersion(cfg.version) {
		return nil, fmt.Errorf("%w: %d", ErrVersionUnsupported, cfg.version)
	}
	h := Header{
		Version:       cfg.version,
		GameDirectory: cfg.gameDirectory,
		BuildMajor:    cfg.buildMajor,
		Changelist:    cfg.changelist,
		Variation:     cfg.variation,
		DirQueries:    cfg.dirQueries,
		Obfuscated:    cfg.obfuscate,
		Platform:      cfg.platform,
		BigEndian:     cfg.bigEndian,
	}
	if cfg.version < 18 {
		h.Platform = PlatformPC
	}
	if cfg.version != 13 && cfg.version != 21 {
		h.Variation = 0
	}
	if cfg.version == 21 {
		h.BuildMajor &= 0xFFFF
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	if len(cfg.dict) > 0 {
		dictFile := BuildFile{Name: "pkgcdict_" + h.Platform.String() + ".dat", Data: cfg.dict}
		files = append([]BuildFile{dictFile}, files...)
	}
	if err := validateBuildFiles(files); err != nil {
		return nil, err
	}

	kind := compress.KindZstd
	if h.IsOldLZ4Compression() {
		kind = compress.KindLZ4
	}
	plain, dicted, err := newBuildEncoders(cfg, kind)
	if err != nil {
		return nil, err
	}
	if plain != nil {
		defer plain.Close()
	}
	if dicted != plain {
		defer dicted.Close()
	}

	out := make([]byte, format.HeaderSize)
	entries := make([]format.TableEntry, len(files))
	for i, f := range files {
		enc := dicted
		if i == 0 && len(cfg.dict) > 0 {
			enc = plain
		}
		stored, err := storedBytes(cfg, enc, f)
		if err != nil {
			return nil, err
		}
		if cfg.obfuscate {
			format.Obfuscate(format.ObfuscationKey(strings.ReplaceAll(f.Name, "/", `\`)), stored, 0)
		}

		var mtime uint64
		if !f.ModTime.IsZero() && f.ModTime.Unix() > 0 {
			mtime = uint64(f.ModTime.Unix())
		}
		entries[i] = format.TableEntry{
			Name: f.Name,
			Entry: format.Entry{
				Offset:           uint64(len(out)),
				CompressedSize:   uint64(len(stored)),
				UncompressedSize: uint64(len(f.Data)),
				ModTime:          mtime,
				CRC32Pre:         crc32.ChecksumIEEE(f.Data),
				CRC32Post:        crc32.ChecksumIEEE(stored),
			},
			Order: i,
		}
		out = append(out, stored...)
	}

	h.Entries = uint32(len(entries)) //nolint:gosec // bounded by memory
	h.TableOffset = uint64(len(out))
	h.CompressedTable = cfg.compressTable
	table, compressed, err := format.EncodeTable(h, entries)
	if err != nil {
		return nil, err
	}
	out = append(out, table...)

	h.CompressedTable = compressed
	h.TableSize = uint32(len(table)) //nolint:gosec // tables are far below 4 GiB
	h.TotalSize = uint64(len(out))
	raw, err := h.Encode()
	if err != nil {
		return nil, err
	}
	copy(out, raw)

	log.Debug("built package",
		"version", h.Version,
		"entries", h.Entries,
		"size", h.TotalSize,
		"compressed_table", compressed)
	return out, nil
}

// Create builds a package and writes it to path, replacing any existing file.
func Create(path string, files []BuildFile, opts ...CreateOption) error {
	data, err := Build(files, opts...)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func validateBuildFiles(files []BuildFile) error {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if !fs.ValidPath(f.Name) || f.Name == "." || strings.Contains(f.Name, `\`) {
			return &fs.PathError{Op: "create", Path: f.Name, Err: fs.ErrInvalid}
		}
		key := format.FoldName(f.Name)
		if seen[key] {
			return &fs.PathError{Op: "create", Path: f.Name, Err: fs.ErrExist}
		}
		seen[key] = true
	}
	return nil
}

// newBuildEncoders returns the encoder for the dictionary entry and the one
// for every other file. They are the same encoder without a dictionary.
func newBuildEncoders(cfg createConfig, kind compress.Kind) (plain, dicted *compress.Encoder, err error) {
	if !cfg.compress {
		return nil, nil, nil
	}
	plain, err = compress.NewEncoder(kind, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.dict) == 0 || kind != compress.KindZstd {
		return plain, plain, nil
	}
	dicted, err = compress.NewEncoder(kind, cfg.dict)
	if err != nil {
		plain.Close()
		return nil, nil, err
	}
	return plain, dicted, nil
}

// storedBytes returns a private copy of the bytes to store for f.
func storedBytes(cfg createConfig, enc *compress.Encoder, f BuildFile) ([]byte, error) {
	if enc == nil || len(f.Data) == 0 {
		return append([]byte(nil), f.Data...), nil
	}
	for _, skip := range cfg.skipCompression {
		if skip(f.Name, f.Data) {
			return append([]byte(nil), f.Data...), nil
		}
	}
	framed, err := enc.Encode(f.Data)
	if errors.Is(err, compress.ErrIncompressible) {
		return append([]byte(nil), f.Data...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", f.Name, err)
	}
	return framed, nil
}
