package patchelf

import (
	"bytes"
	"debug/elf"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// validateLayout is the final consistency pass before serialization. All
// findings are collected rather than stopping at the first, and any
// finding is fatal to the invocation: no partial output is ever written.
func (i *Image) validateLayout(l *layout) error {
	var result *multierror.Error

	if l.header.Phnum > 0 {
		end := l.header.Phoff + uint64(l.header.Phnum*i.phentSize())
		if end > l.fileSize {
			result = multierror.Append(result, fmt.Errorf(
				"program header table ends at %#x past file size %#x", end, l.fileSize))
		}
	}
	if l.header.Shnum > 0 {
		end := l.header.Shoff + uint64(l.header.Shnum*i.shentSize())
		if end > l.fileSize {
			result = multierror.Append(result, fmt.Errorf(
				"section header table ends at %#x past file size %#x", end, l.fileSize))
		}
	}

	for n, p := range l.segments {
		if p.Type == elf.PT_NULL {
			continue
		}
		if p.Off+p.Filesz > l.fileSize {
			result = multierror.Append(result, fmt.Errorf(
				"segment %d [%#x, %#x) exceeds file size %#x", n, p.Off, p.Off+p.Filesz, l.fileSize))
		}
		// The loader maps by page, so file offset and virtual address
		// must agree modulo the segment's alignment.
		if p.Align > 1 && p.Off%p.Align != p.Vaddr%p.Align {
			result = multierror.Append(result, fmt.Errorf(
				"segment %d offset %#x and vaddr %#x disagree modulo alignment %#x",
				n, p.Off, p.Vaddr, p.Align))
		}
	}

	result = multierror.Append(result, i.validateSections(l)...)
	result = multierror.Append(result, i.validateDynamic(l)...)
	return result.ErrorOrNil()
}

// validateSections checks every section's bounds and that no two occupy
// intersecting byte ranges. Segments legitimately contain sections, so
// only section pairs are compared.
func (i *Image) validateSections(l *layout) []error {
	var errs []error
	type span struct {
		n      int
		lo, hi uint64
	}
	var spans []span
	for n, s := range l.sections {
		if s.Type == elf.SHT_NULL || s.Type == elf.SHT_NOBITS || s.Size == 0 {
			continue
		}
		if s.Off+s.Size > l.fileSize {
			errs = append(errs, fmt.Errorf(
				"section %d (%s) [%#x, %#x) exceeds file size %#x",
				n, s.Name, s.Off, s.Off+s.Size, l.fileSize))
			continue
		}
		spans = append(spans, span{n: n, lo: s.Off, hi: s.Off + s.Size})
	}
	sort.Slice(spans, func(a, b int) bool { return spans[a].lo < spans[b].lo })
	for n := 1; n < len(spans); n++ {
		prev, cur := spans[n-1], spans[n]
		if cur.lo < prev.hi {
			errs = append(errs, fmt.Errorf(
				"sections %d (%s) and %d (%s) overlap at %#x",
				prev.n, l.sections[prev.n].Name, cur.n, l.sections[cur.n].Name, cur.lo))
		}
	}
	return errs
}

// validateDynamic checks the terminator position and that every string
// reference resolves to a NUL-terminated string inside the table.
func (i *Image) validateDynamic(l *layout) []error {
	if l.dyn == nil {
		return nil
	}
	var errs []error
	if l.dynUsed == 0 || l.dyn[l.dynUsed-1].Tag != elf.DT_NULL {
		errs = append(errs, fmt.Errorf("dynamic array is not DT_NULL terminated"))
	}
	if l.dynUsed == 0 {
		return errs
	}
	for n, d := range l.dyn[:l.dynUsed-1] {
		if d.Tag == elf.DT_NULL {
			errs = append(errs, fmt.Errorf("dynamic entry %d: DT_NULL before the terminator", n))
		}
		switch d.Tag {
		case elf.DT_NEEDED, elf.DT_SONAME, elf.DT_RPATH, elf.DT_RUNPATH:
			if d.Val >= uint64(len(l.dynstr)) {
				errs = append(errs, fmt.Errorf(
					"dynamic entry %d (%v): string offset %#x outside table of %d bytes",
					n, d.Tag, d.Val, len(l.dynstr)))
			} else if bytes.IndexByte(l.dynstr[d.Val:], 0) < 0 {
				errs = append(errs, fmt.Errorf(
					"dynamic entry %d (%v): string at %#x is not NUL terminated",
					n, d.Tag, d.Val))
			}
		}
	}
	return errs
}
