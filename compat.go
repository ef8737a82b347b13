package sar

// Compatible reports whether stored bytes can be copied between a and b:
// both must agree on obfuscation and codec generation, and carry the same
// compression dictionary (or none).
func Compatible(a, b *Archive) bool {
	if a.header.Obfuscated != b.header.Obfuscated {
		return false
	}
	if a.header.IsOldLZ4Compression() != b.header.IsOldLZ4Compression() {
		return false
	}
	if (a.dictName == "") != (b.dictName == "") {
		return false
	}
	if a.dictName == "" {
		return true
	}

	da, _ := a.table.Lookup(a.dictName)
	db, _ := b.table.Lookup(b.dictName)
	return da.CompressedSize == db.CompressedSize &&
		da.UncompressedSize == db.UncompressedSize &&
		da.CRC32Pre == db.CRC32Pre
}
