package patchelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// FileHeader mirrors the ELF file header with width-independent fields,
// the way debug/elf models it. It is mutated only when a structural table
// moves or changes count.
type FileHeader struct {
	Class      elf.Class
	Data       elf.Data
	Version    elf.Version
	OSABI      elf.OSABI
	ABIVersion uint8
	Type       elf.Type
	Machine    elf.Machine
	Entry      uint64
	Phoff      uint64
	Shoff      uint64
	Flags      uint32
	Phnum      int
	Shnum      int
	Shstrndx   int
}

// Segment is one program header: a loader-level view of a file region.
type Segment struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// contains reports whether the byte range [off, off+size) lies inside the
// segment's file extent.
func (s *Segment) contains(off, size uint64) bool {
	return off >= s.Off && off+size <= s.Off+s.Filesz
}

// Section is one section header: a linker-level named view of a file
// region. Sections and segments describe overlapping views of the same
// bytes and edits must keep both consistent.
type Section struct {
	Name      string
	NameOff   uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Dyn is a single entry of the dynamic array.
type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

// Image is the mutable in-memory representation of one parsed binary. It
// is constructed once by Load, mutated in place by editor calls, and
// consumed by Bytes. There is no hidden process-wide state; many images
// can coexist in one process.
type Image struct {
	Header   FileHeader
	Segments []*Segment
	Sections []*Section

	raw   []byte
	ident [identSize]byte
	bo    binary.ByteOrder
	opt   options

	// Entry sizes as declared by the input, kept so that an image with an
	// empty table round-trips byte-identically even when the input left
	// the field zero.
	rawPhentsize uint16
	rawShentsize uint16

	// dyn holds every allocated slot of the dynamic array, including the
	// terminating DT_NULL and any padding slots after it. dynUsed counts
	// the entries up to and including the first DT_NULL; slots beyond it
	// are reusable slack. len(dyn) growing past dynAlloc forces the
	// relocator to move the whole array.
	dyn      []Dyn
	dynUsed  int
	dynAlloc int
	dynSec   *Section
	dynSeg   *Segment

	// dynstr is a working copy of the dynamic string table. It is append
	// only: offsets held by untouched entries stay valid. strAlloc is the
	// size the table occupies on disk right now.
	dynstr   []byte
	strAlloc uint64
	strSec   *Section
	strOff   uint64 // current file offset of the table
	strVaddr uint64 // DT_STRTAB value

	// interp is the working .interp payload including its terminator.
	interp      []byte
	interpAlloc uint64
	interpSec   *Section
	interpSeg   *Segment

	dirtyDyn    bool
	dirtyStr    bool
	dirtyInterp bool
}

// Section returns the section with the given name, or nil.
func (i *Image) Section(name string) *Section {
	for _, s := range i.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (i *Image) sectionByType(typ elf.SectionType) *Section {
	for _, s := range i.Sections {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

func (i *Image) segmentByType(typ elf.ProgType) *Segment {
	for _, p := range i.Segments {
		if p.Type == typ {
			return p
		}
	}
	return nil
}

// vaddrToOffset translates a virtual address to a file offset through the
// PT_LOAD segment that maps it. Dynamic pointers (DT_STRTAB and friends)
// are virtual addresses, not file offsets.
func (i *Image) vaddrToOffset(vaddr uint64) (uint64, bool) {
	for _, p := range i.Segments {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return vaddr - p.Vaddr + p.Off, true
		}
	}
	return 0, false
}

// Interpreter returns the dynamic loader path recorded in the image.
func (i *Image) Interpreter() (string, bool) {
	if i.interp == nil {
		return "", false
	}
	return cString(i.interp), true
}

// Needed returns the declared library dependencies in file order.
func (i *Image) Needed() []string {
	var out []string
	for _, d := range i.usedDyn() {
		if d.Tag == elf.DT_NEEDED {
			out = append(out, i.dynString(d.Val))
		}
	}
	return out
}

// Soname returns the image's advertised shared-object name.
func (i *Image) Soname() (string, bool) {
	return i.dynTagString(elf.DT_SONAME)
}

// RPath returns the DT_RPATH search path.
func (i *Image) RPath() (string, bool) {
	return i.dynTagString(elf.DT_RPATH)
}

// RunPath returns the DT_RUNPATH search path.
func (i *Image) RunPath() (string, bool) {
	return i.dynTagString(elf.DT_RUNPATH)
}

// usedDyn returns the live dynamic entries excluding the terminator.
func (i *Image) usedDyn() []Dyn {
	if i.dynUsed == 0 {
		return nil
	}
	return i.dyn[:i.dynUsed-1]
}

func (i *Image) dynTagString(tag elf.DynTag) (string, bool) {
	for _, d := range i.usedDyn() {
		if d.Tag == tag {
			return i.dynString(d.Val), true
		}
	}
	return "", false
}

// dynString resolves a dynamic string table offset. Out-of-bounds offsets
// resolve to the empty string; the validator reports them as errors.
func (i *Image) dynString(off uint64) string {
	if off >= uint64(len(i.dynstr)) {
		return ""
	}
	return cString(i.dynstr[off:])
}

func cString(bs []byte) string {
	if idx := bytes.IndexByte(bs, 0); idx >= 0 {
		return string(bs[:idx])
	}
	return string(bs)
}
