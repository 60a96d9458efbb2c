// Package selfexe inspects the on-disk image of the running executable.
//
// The embedded filesystem is a plain ELF section appended at build time, so
// locating it is a matter of walking our own section table. The section's
// file offset is the interesting field: the loop device is attached against
// the on-disk byte layout, where the mapped virtual address means nothing.
package selfexe

import (
	"debug/elf"
	"errors"
	"fmt"
)

// ErrSectionNotFound is returned when the binary carries no embedded image.
var ErrSectionNotFound = errors.New("embedded image section not found")

// SectionOffset returns the file offset at which the named section's payload
// starts inside the executable at path.
func SectionOffset(path, section string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer f.Close()

	s := f.Section(section)
	if s == nil {
		return 0, fmt.Errorf("%w: %s in %s", ErrSectionNotFound, section, path)
	}

	return s.Offset, nil
}
