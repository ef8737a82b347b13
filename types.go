package sar

import (
	"context"
	"io/fs"

	"github.com/meigma/sar/internal/format"
)

// Re-export format types for the public API.
type (
	// Header is the version-independent view of a package header.
	Header = format.Header

	// Entry describes one stored file: its name, record and obfuscation key.
	Entry = format.TableEntry

	// Platform is the platform a package targets.
	Platform = format.Platform

	// GameDirectory is the root a package's paths are relative to.
	GameDirectory = format.GameDirectory
)

// Re-export enum constants.
const (
	PlatformPC      = format.PlatformPC
	PlatformIOS     = format.PlatformIOS
	PlatformAndroid = format.PlatformAndroid
	PlatformLinux   = format.PlatformLinux

	GameDirectoryConfig  = format.GameDirectoryConfig
	GameDirectoryContent = format.GameDirectoryContent
)

// HeaderSize is the size of every package header.
const HeaderSize = format.HeaderSize

// Versions lists the supported format versions.
var Versions = format.Versions

// CRCResult is the CRC32 state of one entry, as reported by CheckCRC32.
type CRCResult struct {
	Name  string
	Entry Entry
	OK    bool
}

// FileSystem is the capability set shared by every archive variant:
// a plain [Archive], a network-backed download.Archive and a patch.Archive
// that switches between the two.
type FileSystem interface {
	fs.StatFS
	fs.ReadFileFS
	fs.ReadDirFS

	// Exists reports whether name is stored, without reading it.
	Exists(name string) bool

	// CheckCRC32 verifies stored bytes. See [Archive.CheckCRC32].
	CheckCRC32(ctx context.Context, results []CRCResult) ([]CRCResult, bool, error)
}

// Interface compliance.
var (
	_ FileSystem    = (*Archive)(nil)
	_ fs.FS         = (*Archive)(nil)
	_ fs.StatFS     = (*Archive)(nil)
	_ fs.ReadFileFS = (*Archive)(nil)
	_ fs.ReadDirFS  = (*Archive)(nil)
)
