package patchelf

import (
	"debug/elf"
	"fmt"
)

// A layout is the fully resolved placement of every region of the output
// file. It is computed from the image without mutating it, so Bytes and
// Validate stay repeatable.
type layout struct {
	header   FileHeader
	segments []*Segment
	sections []*Section
	dyn      []Dyn
	dynUsed  int
	dynstr   []byte
	interp   []byte

	// place of each regenerated region: off is where content goes, size
	// the live content length, alloc the zero-padded span to emit.
	interpPlace place
	strPlace    place
	dynPlace    place

	fileSize uint64
}

type place struct {
	off   uint64
	size  uint64
	alloc uint64
	valid bool
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// computeLayout resizes and relocates regions whose content no longer
// fits its allocation. Relocation is two-phase: the program-header table
// gains capacity first (it must describe the appended region before
// anything can live there), then grown payload regions are placed. The
// always-correct placement is a fresh PT_LOAD appended at end of file;
// extending into trailing slack is an optimization applied when the grown
// region still ends inside its containing load segment.
func (i *Image) computeLayout() (*layout, error) {
	l := &layout{
		header:  i.Header,
		dynUsed: i.dynUsed,
		dynstr:  i.dynstr,
		interp:  i.interp,
	}
	l.segments = make([]*Segment, len(i.Segments))
	for n, p := range i.Segments {
		cp := *p
		l.segments[n] = &cp
	}
	l.sections = make([]*Section, len(i.Sections))
	for n, s := range i.Sections {
		cp := *s
		l.sections[n] = &cp
	}
	l.dyn = append([]Dyn(nil), i.dyn...)
	l.fileSize = uint64(len(i.raw))

	interpSec := l.lookupSection(i, i.interpSec)
	strSec := l.lookupSection(i, i.strSec)
	dynSec := l.lookupSection(i, i.dynSec)
	interpSeg := l.lookupSegment(i, i.interpSeg)
	dynSeg := l.lookupSegment(i, i.dynSeg)

	var moved []*regionPlan
	plans := []*regionPlan{}

	if i.interp != nil && i.dirtyInterp {
		plans = append(plans, &regionPlan{
			kind:  regionInterp,
			place: &l.interpPlace,
			off:   i.interpOff(),
			need:  uint64(len(i.interp)),
			alloc: i.interpAlloc,
			align: 1,
			sec:   interpSec,
			seg:   interpSeg,
		})
	}
	if i.dynstr != nil && i.dirtyStr {
		plans = append(plans, &regionPlan{
			kind:  regionDynstr,
			place: &l.strPlace,
			off:   i.strOff,
			need:  uint64(len(i.dynstr)),
			alloc: i.strAlloc,
			align: 1,
			sec:   strSec,
		})
	}
	// A dynstr move rewrites DT_STRTAB, so the dynamic array is
	// regenerated whenever either is dirty.
	if i.dyn != nil && (i.dirtyDyn || i.dirtyStr) {
		align := uint64(i.dynEntSize() / 2)
		if dynSec != nil && dynSec.Addralign > align {
			align = dynSec.Addralign
		}
		plans = append(plans, &regionPlan{
			kind:  regionDynamic,
			place: &l.dynPlace,
			off:   i.dynOff(),
			need:  uint64(len(i.dyn) * i.dynEntSize()),
			alloc: uint64(i.dynAlloc * i.dynEntSize()),
			align: align,
			sec:   dynSec,
			seg:   dynSeg,
		})
	}

	for _, p := range plans {
		switch {
		case p.need <= p.alloc:
			// Content fits the current allocation: rewrite in place and
			// zero-fill the rest.
			p.place.set(p.off, p.need, p.alloc)
		case !i.opt.noInPlace && i.fitsInPlace(p):
			p.place.set(p.off, p.need, p.need)
		default:
			moved = append(moved, p)
		}
		if p.place.valid {
			l.applyRegion(i, p, p.off, p.vaddrAt(i, p.off))
		}
	}

	if len(moved) > 0 {
		if err := l.appendRegions(i, moved); err != nil {
			return nil, err
		}
	}

	// The section header table is regenerated at its current offset when
	// the file did not grow, and trails the file otherwise.
	if l.header.Shnum > 0 && l.fileSize > uint64(len(i.raw)) {
		l.header.Shoff = alignUp(l.fileSize, 8)
		l.fileSize = l.header.Shoff + uint64(l.header.Shnum*i.shentSize())
	}

	max := uint64(maxFileSize64)
	if !i.is64() {
		max = maxFileSize32
	}
	if l.fileSize > max {
		return nil, fmt.Errorf("file size %#x: %w", l.fileSize, ErrLayoutOverflow)
	}
	return l, nil
}

type regionKind int

const (
	regionInterp regionKind = iota
	regionDynstr
	regionDynamic
)

type regionPlan struct {
	kind  regionKind
	place *place
	off   uint64 // current file offset
	need  uint64 // required size
	alloc uint64 // currently allocated size
	align uint64
	sec   *Section
	seg   *Segment
}

func (p *place) set(off, size, alloc uint64) {
	p.off, p.size, p.alloc, p.valid = off, size, alloc, true
}

// vaddrAt keeps the region's (vaddr - offset) delta when it stays put.
func (p *regionPlan) vaddrAt(i *Image, off uint64) uint64 {
	var base uint64
	switch {
	case p.sec != nil:
		base = p.sec.Addr
	case p.seg != nil:
		base = p.seg.Vaddr
	case p.kind == regionDynstr:
		base = i.strVaddr
	}
	return base + (off - p.off)
}

// fitsInPlace reports whether the region can grow where it is: every
// other region must start at or after the grown end, and a loaded region
// must not outgrow the load segment mapping it.
func (i *Image) fitsInPlace(p *regionPlan) bool {
	end := p.off + p.alloc
	newEnd := p.off + p.need
	for _, s := range i.Sections {
		if s.Type == elf.SHT_NULL || s.Type == elf.SHT_NOBITS || s.Size == 0 {
			continue
		}
		if s.Off >= end && s.Off < newEnd {
			return false
		}
	}
	for _, seg := range i.Segments {
		if seg.Filesz == 0 {
			continue
		}
		if seg.Off >= end && seg.Off < newEnd {
			return false
		}
	}
	if i.Header.Phoff >= end && i.Header.Phoff < newEnd {
		return false
	}
	if i.Header.Shoff >= end && i.Header.Shoff < newEnd {
		return false
	}
	if newEnd > uint64(len(i.raw)) {
		return false
	}
	for _, seg := range i.Segments {
		if seg.Type == elf.PT_LOAD && seg.contains(p.off, p.alloc) {
			return seg.contains(p.off, p.need)
		}
	}
	return true
}

// appendRegions is the always-correct relocation path: one new PT_LOAD at
// end of file holds the relocated program-header table followed by every
// region that outgrew its allocation.
func (l *layout) appendRegions(i *Image, moved []*regionPlan) error {
	pageAlign := i.opt.pageSize
	var vaddrEnd uint64
	for _, seg := range l.segments {
		if seg.Type != elf.PT_LOAD {
			continue
		}
		if seg.Align > pageAlign {
			pageAlign = seg.Align
		}
		if end := seg.Vaddr + seg.Memsz; end > vaddrEnd {
			vaddrEnd = end
		}
	}

	base := alignUp(l.fileSize, pageAlign)
	vbase := alignUp(vaddrEnd, pageAlign)

	// Phase 1: the program-header table moves first and gains the slot
	// for the segment that will describe this region.
	newPhnum := len(l.segments) + 1
	phoff := base
	cursor := base + uint64(newPhnum*i.phentSize())

	flags := elf.PF_R
	for _, p := range moved {
		cursor = alignUp(cursor, p.align)
		off := cursor
		vaddr := vbase + (off - base)
		p.place.set(off, p.need, p.need)
		l.applyRegion(i, p, off, vaddr)
		cursor += p.need
		if p.kind == regionDynamic {
			flags |= elf.PF_W
		}
	}

	size := cursor - base
	l.segments = append(l.segments, &Segment{
		Type:   elf.PT_LOAD,
		Flags:  flags,
		Off:    base,
		Vaddr:  vbase,
		Paddr:  vbase,
		Filesz: size,
		Memsz:  size,
		Align:  pageAlign,
	})
	l.header.Phoff = phoff
	l.header.Phnum = newPhnum

	for _, seg := range l.segments {
		if seg.Type == elf.PT_PHDR {
			seg.Off = phoff
			seg.Vaddr = vbase + (phoff - base)
			seg.Paddr = seg.Vaddr
			seg.Filesz = uint64(newPhnum * i.phentSize())
			seg.Memsz = seg.Filesz
		}
	}

	if !i.is64() && vbase+size > maxFileSize32 {
		return fmt.Errorf("virtual address %#x: %w", vbase+size, ErrLayoutOverflow)
	}
	l.fileSize = cursor
	return nil
}

// applyRegion re-points every structural reference that names the region
// by offset or address: its section header, its describing segment, and
// for the string table the DT_STRTAB/DT_STRSZ pair.
func (l *layout) applyRegion(i *Image, p *regionPlan, off, vaddr uint64) {
	if p.sec != nil {
		p.sec.Off = off
		p.sec.Addr = vaddr
		p.sec.Size = p.place.size
	}
	if p.seg != nil {
		p.seg.Off = off
		p.seg.Vaddr = vaddr
		p.seg.Paddr = vaddr
		p.seg.Filesz = p.place.size
		p.seg.Memsz = p.place.size
	}
	if p.kind == regionDynstr {
		for n := range l.dyn[:l.dynUsed] {
			switch l.dyn[n].Tag {
			case elf.DT_STRTAB:
				l.dyn[n].Val = vaddr
			case elf.DT_STRSZ:
				l.dyn[n].Val = p.place.size
			}
		}
	}
}

func (l *layout) lookupSection(i *Image, target *Section) *Section {
	if target == nil {
		return nil
	}
	for n, s := range i.Sections {
		if s == target {
			return l.sections[n]
		}
	}
	return nil
}

func (l *layout) lookupSegment(i *Image, target *Segment) *Segment {
	if target == nil {
		return nil
	}
	for n, p := range i.Segments {
		if p == target {
			return l.segments[n]
		}
	}
	return nil
}

func (i *Image) interpOff() uint64 {
	if i.interpSec != nil {
		return i.interpSec.Off
	}
	if i.interpSeg != nil {
		return i.interpSeg.Off
	}
	return 0
}

func (i *Image) dynOff() uint64 {
	if i.dynSec != nil {
		return i.dynSec.Off
	}
	if i.dynSeg != nil {
		return i.dynSeg.Off
	}
	return 0
}
