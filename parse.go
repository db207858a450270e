package patchelf

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Load parses raw bytes into an Image. It fails with ErrMalformedHeader,
// ErrTruncated or ErrUnsupportedFormat and never returns a partial image.
// Relocatable objects and core dumps are rejected outright: they carry no
// dynamic-linking metadata worth editing.
func Load(data []byte, opts ...Option) (*Image, error) {
	res := &Image{}
	for _, o := range opts {
		o(&res.opt)
	}
	if res.opt.pageSize == 0 {
		res.opt.pageSize = defaultPageSize
	}

	if len(data) < identSize {
		return nil, fmt.Errorf("%d bytes is too short for an ELF ident: %w", len(data), ErrTruncated)
	}
	if data[0] != elfMagic[0] || data[1] != elfMagic[1] || data[2] != elfMagic[2] || data[3] != elfMagic[3] {
		return nil, fmt.Errorf("bad magic %x: %w", data[0:4], ErrMalformedHeader)
	}

	res.raw = make([]byte, len(data))
	copy(res.raw, data)
	copy(res.ident[:], data[:identSize])

	hdr := &res.Header
	hdr.Class = elf.Class(data[elf.EI_CLASS])
	switch hdr.Class {
	case elf.ELFCLASS32, elf.ELFCLASS64:
	default:
		return nil, fmt.Errorf("unknown class %d: %w", data[elf.EI_CLASS], ErrMalformedHeader)
	}

	hdr.Data = elf.Data(data[elf.EI_DATA])
	switch hdr.Data {
	case elf.ELFDATA2LSB:
		res.bo = binary.LittleEndian
	case elf.ELFDATA2MSB:
		res.bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("unknown data encoding %d: %w", data[elf.EI_DATA], ErrMalformedHeader)
	}

	hdr.Version = elf.Version(data[elf.EI_VERSION])
	if hdr.Version != elf.EV_CURRENT {
		return nil, fmt.Errorf("unknown version %d: %w", data[elf.EI_VERSION], ErrMalformedHeader)
	}
	hdr.OSABI = elf.OSABI(data[elf.EI_OSABI])
	hdr.ABIVersion = data[elf.EI_ABIVERSION]

	if err := res.parseFileHeader(); err != nil {
		return nil, err
	}
	switch hdr.Type {
	case elf.ET_EXEC, elf.ET_DYN:
	default:
		return nil, fmt.Errorf("object kind %v: %w", hdr.Type, ErrUnsupportedFormat)
	}

	if err := res.parseSegments(); err != nil {
		return nil, err
	}
	if err := res.parseSections(); err != nil {
		return nil, err
	}
	if err := res.parseDynamic(); err != nil {
		return nil, err
	}
	if err := res.parseInterp(); err != nil {
		return nil, err
	}
	return res, nil
}

func (i *Image) is64() bool { return i.Header.Class == elf.ELFCLASS64 }

func (i *Image) ehdrSize() int {
	if i.is64() {
		return ehdrSize64
	}
	return ehdrSize32
}

func (i *Image) phentSize() int {
	if i.is64() {
		return phentSize64
	}
	return phentSize32
}

func (i *Image) shentSize() int {
	if i.is64() {
		return shentSize64
	}
	return shentSize32
}

func (i *Image) dynEntSize() int {
	if i.is64() {
		return dynEntSize64
	}
	return dynEntSize32
}

// region returns the file bytes [off, off+size) with bounds checking.
func (i *Image) region(off, size uint64, what string) ([]byte, error) {
	end := off + size
	if end < off || end > uint64(len(i.raw)) {
		return nil, fmt.Errorf("%s [%#x, %#x) exceeds file length %#x: %w",
			what, off, end, len(i.raw), ErrTruncated)
	}
	return i.raw[off:end], nil
}

func (i *Image) parseFileHeader() error {
	hdr := &i.Header
	b, err := i.region(0, uint64(i.ehdrSize()), "file header")
	if err != nil {
		return err
	}
	bo := i.bo

	var phentsize, shentsize int
	hdr.Type = elf.Type(bo.Uint16(b[16:]))
	hdr.Machine = elf.Machine(bo.Uint16(b[18:]))
	if got := bo.Uint32(b[20:]); got != uint32(elf.EV_CURRENT) {
		return fmt.Errorf("header version %d: %w", got, ErrMalformedHeader)
	}
	if i.is64() {
		hdr.Entry = bo.Uint64(b[24:])
		hdr.Phoff = bo.Uint64(b[32:])
		hdr.Shoff = bo.Uint64(b[40:])
		hdr.Flags = bo.Uint32(b[48:])
		phentsize = int(bo.Uint16(b[54:]))
		hdr.Phnum = int(bo.Uint16(b[56:]))
		shentsize = int(bo.Uint16(b[58:]))
		hdr.Shnum = int(bo.Uint16(b[60:]))
		hdr.Shstrndx = int(bo.Uint16(b[62:]))
	} else {
		hdr.Entry = uint64(bo.Uint32(b[24:]))
		hdr.Phoff = uint64(bo.Uint32(b[28:]))
		hdr.Shoff = uint64(bo.Uint32(b[32:]))
		hdr.Flags = bo.Uint32(b[36:])
		phentsize = int(bo.Uint16(b[42:]))
		hdr.Phnum = int(bo.Uint16(b[44:]))
		shentsize = int(bo.Uint16(b[46:]))
		hdr.Shnum = int(bo.Uint16(b[48:]))
		hdr.Shstrndx = int(bo.Uint16(b[50:]))
	}
	i.rawPhentsize = uint16(phentsize)
	i.rawShentsize = uint16(shentsize)
	if hdr.Phnum > 0 && phentsize != i.phentSize() {
		return fmt.Errorf("program header entry size %d, want %d: %w", phentsize, i.phentSize(), ErrMalformedHeader)
	}
	if hdr.Shnum > 0 && shentsize != i.shentSize() {
		return fmt.Errorf("section header entry size %d, want %d: %w", shentsize, i.shentSize(), ErrMalformedHeader)
	}
	if hdr.Shnum > 0 && hdr.Shstrndx >= hdr.Shnum {
		return fmt.Errorf("shstrndx %d out of range: %w", hdr.Shstrndx, ErrMalformedHeader)
	}
	return nil
}

func (i *Image) parseSegments() error {
	hdr := &i.Header
	if hdr.Phnum == 0 {
		return nil
	}
	b, err := i.region(hdr.Phoff, uint64(hdr.Phnum*i.phentSize()), "program header table")
	if err != nil {
		return err
	}
	bo := i.bo
	i.Segments = make([]*Segment, hdr.Phnum)
	for n := 0; n < hdr.Phnum; n++ {
		e := b[n*i.phentSize():]
		p := new(Segment)
		if i.is64() {
			p.Type = elf.ProgType(bo.Uint32(e[0:]))
			p.Flags = elf.ProgFlag(bo.Uint32(e[4:]))
			p.Off = bo.Uint64(e[8:])
			p.Vaddr = bo.Uint64(e[16:])
			p.Paddr = bo.Uint64(e[24:])
			p.Filesz = bo.Uint64(e[32:])
			p.Memsz = bo.Uint64(e[40:])
			p.Align = bo.Uint64(e[48:])
		} else {
			p.Type = elf.ProgType(bo.Uint32(e[0:]))
			p.Off = uint64(bo.Uint32(e[4:]))
			p.Vaddr = uint64(bo.Uint32(e[8:]))
			p.Paddr = uint64(bo.Uint32(e[12:]))
			p.Filesz = uint64(bo.Uint32(e[16:]))
			p.Memsz = uint64(bo.Uint32(e[20:]))
			p.Flags = elf.ProgFlag(bo.Uint32(e[24:]))
			p.Align = uint64(bo.Uint32(e[28:]))
		}
		if p.Type != elf.PT_NULL {
			if _, err := i.region(p.Off, p.Filesz, fmt.Sprintf("segment %d", n)); err != nil {
				return err
			}
		}
		i.Segments[n] = p
	}
	return nil
}

func (i *Image) parseSections() error {
	hdr := &i.Header
	if hdr.Shnum == 0 {
		return nil
	}
	b, err := i.region(hdr.Shoff, uint64(hdr.Shnum*i.shentSize()), "section header table")
	if err != nil {
		return err
	}
	bo := i.bo
	i.Sections = make([]*Section, hdr.Shnum)
	for n := 0; n < hdr.Shnum; n++ {
		e := b[n*i.shentSize():]
		s := new(Section)
		s.NameOff = bo.Uint32(e[0:])
		s.Type = elf.SectionType(bo.Uint32(e[4:]))
		if i.is64() {
			s.Flags = elf.SectionFlag(bo.Uint64(e[8:]))
			s.Addr = bo.Uint64(e[16:])
			s.Off = bo.Uint64(e[24:])
			s.Size = bo.Uint64(e[32:])
			s.Link = bo.Uint32(e[40:])
			s.Info = bo.Uint32(e[44:])
			s.Addralign = bo.Uint64(e[48:])
			s.Entsize = bo.Uint64(e[56:])
		} else {
			s.Flags = elf.SectionFlag(bo.Uint32(e[8:]))
			s.Addr = uint64(bo.Uint32(e[12:]))
			s.Off = uint64(bo.Uint32(e[16:]))
			s.Size = uint64(bo.Uint32(e[20:]))
			s.Link = bo.Uint32(e[24:])
			s.Info = bo.Uint32(e[28:])
			s.Addralign = uint64(bo.Uint32(e[32:]))
			s.Entsize = uint64(bo.Uint32(e[36:]))
		}
		if s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL {
			if _, err := i.region(s.Off, s.Size, fmt.Sprintf("section %d", n)); err != nil {
				return err
			}
		}
		i.Sections[n] = s
	}

	// Resolve section names through the section-name string table.
	names := i.Sections[hdr.Shstrndx]
	if names.Type == elf.SHT_STRTAB {
		tab, err := i.region(names.Off, names.Size, "section name table")
		if err != nil {
			return err
		}
		for _, s := range i.Sections {
			if uint64(s.NameOff) < uint64(len(tab)) {
				s.Name = cString(tab[s.NameOff:])
			}
		}
	}
	return nil
}

func (i *Image) parseDynamic() error {
	i.dynSec = i.sectionByType(elf.SHT_DYNAMIC)
	i.dynSeg = i.segmentByType(elf.PT_DYNAMIC)
	var off, size uint64
	switch {
	case i.dynSec != nil:
		off, size = i.dynSec.Off, i.dynSec.Size
	case i.dynSeg != nil:
		off, size = i.dynSeg.Off, i.dynSeg.Filesz
	default:
		// Statically linked: nothing to edit, but the image is valid.
		return nil
	}

	b, err := i.region(off, size, "dynamic section")
	if err != nil {
		return err
	}
	entSize := i.dynEntSize()
	count := int(size) / entSize
	i.dyn = make([]Dyn, count)
	i.dynUsed = 0
	for n := 0; n < count; n++ {
		e := b[n*entSize:]
		var d Dyn
		if i.is64() {
			d.Tag = elf.DynTag(i.bo.Uint64(e[0:]))
			d.Val = i.bo.Uint64(e[8:])
		} else {
			d.Tag = elf.DynTag(i.bo.Uint32(e[0:]))
			d.Val = uint64(i.bo.Uint32(e[4:]))
		}
		i.dyn[n] = d
		if d.Tag == elf.DT_NULL && i.dynUsed == 0 {
			i.dynUsed = n + 1
		}
	}
	if i.dynUsed == 0 {
		return fmt.Errorf("dynamic array has no terminating DT_NULL: %w", ErrMalformedHeader)
	}
	i.dynAlloc = count

	return i.parseDynstr()
}

func (i *Image) parseDynstr() error {
	var strtab, strsz uint64
	var haveTab, haveSz bool
	for _, d := range i.usedDyn() {
		switch d.Tag {
		case elf.DT_STRTAB:
			strtab, haveTab = d.Val, true
		case elf.DT_STRSZ:
			strsz, haveSz = d.Val, true
		}
	}

	if haveTab {
		off, ok := i.vaddrToOffset(strtab)
		if !ok {
			// Some objects store a file offset in DT_STRTAB before the
			// loader rebases it; fall back to reading it as one.
			off = strtab
		}
		if !haveSz {
			return fmt.Errorf("DT_STRTAB without DT_STRSZ: %w", ErrMalformedHeader)
		}
		b, err := i.region(off, strsz, "dynamic string table")
		if err != nil {
			return err
		}
		i.dynstr = append([]byte(nil), b...)
		i.strAlloc = strsz
		i.strOff = off
		i.strVaddr = strtab
		for _, s := range i.Sections {
			if s.Type == elf.SHT_STRTAB && s.Off == off {
				i.strSec = s
				break
			}
		}
		return nil
	}

	if s := i.Section(".dynstr"); s != nil {
		b, err := i.region(s.Off, s.Size, "dynamic string table")
		if err != nil {
			return err
		}
		i.dynstr = append([]byte(nil), b...)
		i.strAlloc = s.Size
		i.strOff = s.Off
		i.strVaddr = s.Addr
		i.strSec = s
	}
	return nil
}

func (i *Image) parseInterp() error {
	i.interpSec = i.Section(".interp")
	i.interpSeg = i.segmentByType(elf.PT_INTERP)
	var off, size uint64
	switch {
	case i.interpSec != nil:
		off, size = i.interpSec.Off, i.interpSec.Size
	case i.interpSeg != nil:
		off, size = i.interpSeg.Off, i.interpSeg.Filesz
	default:
		return nil
	}
	b, err := i.region(off, size, "interpreter")
	if err != nil {
		return err
	}
	i.interp = append([]byte(nil), b...)
	i.interpAlloc = size
	return nil
}
