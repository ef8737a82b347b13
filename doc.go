// Package sar reads and patches SAR packages: versioned archives that store
// many named files contiguously behind a fixed 48-byte header and an
// obfuscated, optionally compressed file table.
//
// An [Archive] implements [fs.FS], [fs.StatFS], [fs.ReadFileFS] and
// [fs.ReadDirFS]. Paths are case-insensitive and use '/' separators.
// File bodies may be zstd or LZ4 compressed, optionally against a shared
// dictionary stored in the same package, and may be XOR-obfuscated with a
// key derived from their path.
//
// Integrity is checked with CRC32 via [Archive.CheckCRC32] and
// [Archive.CheckFileCRC32]. [Archive.WriteRaw] patches stored bytes in place
// and is used by the download package to fill in files fetched over HTTP.
//
// [Build] and [Create] produce packages of any supported version.
package sar
