package format

import "strconv"

// obfuscationSeed is the initial value of every obfuscation key.
const obfuscationSeed uint32 = 0x54007b47

// ObfuscationKey derives the XOR key for name. Keys are case-insensitive
// and are derived from the name as stored, before separator normalization.
func ObfuscationKey(name string) uint32 {
	k := obfuscationSeed
	for i := range len(name) {
		k = k*33 + uint32(toLower(name[i]))
	}
	return k
}

// TableKey returns the key used to obfuscate the file table itself.
func TableKey(buildMajor, changelist uint32) uint32 {
	return ObfuscationKey(strconv.FormatUint(uint64(buildMajor), 10) + strconv.FormatUint(uint64(changelist), 10))
}

// Obfuscate applies the XOR transform in place. off is the position of
// p[0] relative to the start of the transformed region (the entry's
// first byte, or 0 for the file table). The transform is its own inverse.
func Obfuscate(key uint32, p []byte, off int64) {
	i := uint32(off) //nolint:gosec // positions wrap at 32 bits
	for n := range p {
		p[n] ^= byte((key >> ((i % 4) * 8)) + (i/4)*101)
		i++
	}
}

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
