package sar

import "log/slog"

// SkipCompressionFunc returns true when a file should be stored uncompressed.
type SkipCompressionFunc func(name string, data []byte) bool

// createConfig holds configuration for package creation.
type createConfig struct {
	version         uint32
	bigEndian       bool
	obfuscate       bool
	compress        bool
	compressTable   bool
	dirQueries      bool
	buildMajor      uint32
	changelist      uint32
	variation       uint16
	platform        Platform
	gameDirectory   GameDirectory
	dict            []byte
	skipCompression []SkipCompressionFunc
	logger          *slog.Logger
}

// CreateOption configures package creation.
type CreateOption func(*createConfig)

// CreateWithVersion selects the format version (default: 21).
func CreateWithVersion(v uint32) CreateOption {
	return func(cfg *createConfig) {
		cfg.version = v
	}
}

// CreateWithBigEndian writes the header, table and records big-endian.
func CreateWithBigEndian() CreateOption {
	return func(cfg *createConfig) {
		cfg.bigEndian = true
	}
}

// CreateWithObfuscation XOR-obfuscates every stored body with a key derived
// from its path.
func CreateWithObfuscation() CreateOption {
	return func(cfg *createConfig) {
		cfg.obfuscate = true
	}
}

// CreateWithCompression compresses file bodies (zstd, or LZ4 for version 16).
// Files that do not shrink are stored as-is.
func CreateWithCompression() CreateOption {
	return func(cfg *createConfig) {
		cfg.compress = true
	}
}

// CreateWithCompressedTable compresses the file table when it shrinks.
func CreateWithCompressedTable() CreateOption {
	return func(cfg *createConfig) {
		cfg.compressTable = true
	}
}

// CreateWithDirQueries marks the package as supporting directory listings.
func CreateWithDirQueries() CreateOption {
	return func(cfg *createConfig) {
		cfg.dirQueries = true
	}
}

// CreateWithBuild records the build version and changelist.
func CreateWithBuild(major, changelist uint32) CreateOption {
	return func(cfg *createConfig) {
		cfg.buildMajor = major
		cfg.changelist = changelist
	}
}

// CreateWithVariation records the package variation (stored by v13 and v21).
func CreateWithVariation(v uint16) CreateOption {
	return func(cfg *createConfig) {
		cfg.variation = v
	}
}

// CreateWithPlatform sets the target platform (default: PC). Versions
// before 18 always record PC.
func CreateWithPlatform(p Platform) CreateOption {
	return func(cfg *createConfig) {
		cfg.platform = p
	}
}

// CreateWithGameDirectory sets the root of the package's paths (default: Content).
func CreateWithGameDirectory(g GameDirectory) CreateOption {
	return func(cfg *createConfig) {
		cfg.gameDirectory = g
	}
}

// CreateWithDict stores dict as the package's compression dictionary and
// compresses other bodies against it. It implies CreateWithCompression.
func CreateWithDict(dict []byte) CreateOption {
	return func(cfg *createConfig) {
		cfg.dict = dict
		cfg.compress = true
	}
}

// CreateWithSkipCompression adds predicates that keep a file uncompressed.
func CreateWithSkipCompression(fns ...SkipCompressionFunc) CreateOption {
	return func(cfg *createConfig) {
		cfg.skipCompression = append(cfg.skipCompression, fns...)
	}
}

// CreateWithLogger sets the logger for creation progress.
func CreateWithLogger(logger *slog.Logger) CreateOption {
	return func(cfg *createConfig) {
		cfg.logger = logger
	}
}
