package sar

import (
	"fmt"

	"github.com/meigma/sar/internal/compress"
)

// DictName returns the name of the compression dictionary entry, or "" if
// the package has none.
func (a *Archive) DictName() string {
	return a.dictName
}

// DictProcessed reports whether the compression dictionary is loaded.
// Packages without a dictionary always report true.
func (a *Archive) DictProcessed() bool {
	return a.dictName == "" || a.dictReady.Load()
}

// ProcessDict loads the compression dictionary. It is a no-op when the
// package has no dictionary or it is already loaded, and concurrent callers
// share a single load. When stored CRC32s are available the dictionary
// bytes are verified first, so a dictionary that has not been written yet
// is reported as unavailable rather than loaded.
func (a *Archive) ProcessDict() error {
	if a.DictProcessed() {
		return nil
	}
	_, err, _ := a.dictGroup.Do("dict", func() (any, error) {
		if a.dictReady.Load() {
			return nil, nil
		}
		e, _ := a.table.Lookup(a.dictName)
		if e.UncompressedSize == 0 || e.UncompressedSize > compress.MaxSize {
			return nil, fmt.Errorf("%w: %s has invalid size %d", ErrDictUnavailable, a.dictName, e.UncompressedSize)
		}
		if a.table.HasPostCRC32 {
			ok, err := a.CheckFileCRC32(a.dictName)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrDictUnavailable, err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s fails crc32", ErrDictUnavailable, a.dictName)
			}
		}
		data, err := a.readContent(e)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDictUnavailable, err)
		}
		if err := a.dec.SetDict(data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDictUnavailable, err)
		}
		a.dictReady.Store(true)
		a.log().Debug("loaded compression dictionary", "name", a.dictName, "size", len(data))
		return nil, nil
	})
	return err
}
