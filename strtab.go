package patchelf

import "bytes"

// addDynString returns the table offset for s, reusing an existing
// NUL-terminated occurrence when one exists and appending otherwise. The
// table is append only so that offsets referenced by untouched dynamic
// entries remain valid; orphaned strings are left in place rather than
// repacking the table.
func (i *Image) addDynString(s string) uint64 {
	if off, ok := findDynString(i.dynstr, s); ok {
		return off
	}
	off := uint64(len(i.dynstr))
	i.dynstr = append(i.dynstr, s...)
	i.dynstr = append(i.dynstr, 0)
	i.dirtyStr = true
	return off
}

// findDynString locates an existing NUL-terminated occurrence of s. A
// suffix of a longer string counts: "so.6" can point into the tail of
// "libc.so.6", which is a valid string-table reference.
func findDynString(tab []byte, s string) (uint64, bool) {
	needle := append([]byte(s), 0)
	idx := bytes.Index(tab, needle)
	if idx < 0 {
		return 0, false
	}
	return uint64(idx), true
}
