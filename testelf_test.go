package patchelf

import (
	"encoding/binary"
)

// testSO describes a synthetic 64-bit little-endian shared object built
// entirely in memory: ehdr, program headers, .interp, .dynstr, .dynamic,
// .shstrtab and the section header table, laid out back to back with
// vaddr == offset so every alignment congruence holds trivially.
type testSO struct {
	interp   string
	needed   []string
	soname   string
	rpath    string
	runpath  string
	dynSlack int // spare DT_NULL slots after the terminator
	strPad   int // slack bytes between .dynstr and .dynamic
	exec     bool
}

func buildTestSO(cfg testSO) []byte {
	const (
		ehdr   = ehdrSize64
		phent  = phentSize64
		shent  = shentSize64
		dynEnt = dynEntSize64
	)
	le := binary.LittleEndian
	hasInterp := cfg.interp != ""

	phnum := 3 // PT_PHDR, PT_LOAD, PT_DYNAMIC
	if hasInterp {
		phnum++
	}

	strtab := []byte{0}
	addStr := func(s string) uint64 {
		off := uint64(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
		return off
	}
	var neededOffs []uint64
	for _, n := range cfg.needed {
		neededOffs = append(neededOffs, addStr(n))
	}
	var sonameOff, rpathOff, runpathOff uint64
	if cfg.soname != "" {
		sonameOff = addStr(cfg.soname)
	}
	if cfg.rpath != "" {
		rpathOff = addStr(cfg.rpath)
	}
	if cfg.runpath != "" {
		runpathOff = addStr(cfg.runpath)
	}

	phOff := uint64(ehdr)
	cur := phOff + uint64(phnum*phent)
	var interp []byte
	var interpOff uint64
	if hasInterp {
		interp = append([]byte(cfg.interp), 0)
		interpOff = cur
		cur += uint64(len(interp))
	}
	strOff := cur
	cur += uint64(len(strtab)) + uint64(cfg.strPad)
	dynOff := alignUp(cur, 8)

	type dynPair struct{ tag, val uint64 }
	var dyns []dynPair
	for _, o := range neededOffs {
		dyns = append(dyns, dynPair{1, o}) // DT_NEEDED
	}
	if cfg.soname != "" {
		dyns = append(dyns, dynPair{14, sonameOff}) // DT_SONAME
	}
	if cfg.rpath != "" {
		dyns = append(dyns, dynPair{15, rpathOff}) // DT_RPATH
	}
	if cfg.runpath != "" {
		dyns = append(dyns, dynPair{29, runpathOff}) // DT_RUNPATH
	}
	dyns = append(dyns, dynPair{5, strOff})               // DT_STRTAB
	dyns = append(dyns, dynPair{10, uint64(len(strtab))}) // DT_STRSZ
	for j := 0; j <= cfg.dynSlack; j++ {
		dyns = append(dyns, dynPair{0, 0}) // DT_NULL
	}
	dynSize := uint64(len(dyns) * dynEnt)
	loadEnd := dynOff + dynSize

	// Section headers and their name table.
	type sh struct {
		name               string
		typ, link          uint32
		flags              uint64
		addr, off, size    uint64
		addralign, entsize uint64
	}
	secs := []sh{{typ: 0, addralign: 0}} // SHT_NULL
	if hasInterp {
		secs = append(secs, sh{
			name: ".interp", typ: 1, flags: 0x2,
			addr: interpOff, off: interpOff, size: uint64(len(interp)), addralign: 1,
		})
	}
	dynstrIdx := uint32(len(secs))
	secs = append(secs, sh{
		name: ".dynstr", typ: 3, flags: 0x2,
		addr: strOff, off: strOff, size: uint64(len(strtab)), addralign: 1,
	})
	secs = append(secs, sh{
		name: ".dynamic", typ: 6, flags: 0x3, link: dynstrIdx,
		addr: dynOff, off: dynOff, size: dynSize, addralign: 8, entsize: dynEnt,
	})
	shstrndx := len(secs)
	secs = append(secs, sh{name: ".shstrtab", typ: 3, addralign: 1})

	shstr := []byte{0}
	nameOffs := make([]uint32, len(secs))
	for n, s := range secs {
		if s.name == "" {
			continue
		}
		nameOffs[n] = uint32(len(shstr))
		shstr = append(shstr, s.name...)
		shstr = append(shstr, 0)
	}
	shstrOff := loadEnd
	secs[shstrndx].off = shstrOff
	secs[shstrndx].size = uint64(len(shstr))
	shOff := alignUp(shstrOff+uint64(len(shstr)), 8)
	total := shOff + uint64(len(secs)*shent)

	buf := make([]byte, total)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	etype := uint16(3) // ET_DYN
	if cfg.exec {
		etype = 2 // ET_EXEC
	}
	le.PutUint16(buf[16:], etype)
	le.PutUint16(buf[18:], 62) // EM_X86_64
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[32:], phOff)
	le.PutUint64(buf[40:], shOff)
	le.PutUint16(buf[52:], ehdr)
	le.PutUint16(buf[54:], phent)
	le.PutUint16(buf[56:], uint16(phnum))
	le.PutUint16(buf[58:], shent)
	le.PutUint16(buf[60:], uint16(len(secs)))
	le.PutUint16(buf[62:], uint16(shstrndx))

	writePhdr := func(n int, typ, flags uint32, off, size, align uint64) {
		e := buf[phOff+uint64(n*phent):]
		le.PutUint32(e[0:], typ)
		le.PutUint32(e[4:], flags)
		le.PutUint64(e[8:], off)
		le.PutUint64(e[16:], off) // vaddr == offset
		le.PutUint64(e[24:], off)
		le.PutUint64(e[32:], size)
		le.PutUint64(e[40:], size)
		le.PutUint64(e[48:], align)
	}
	n := 0
	writePhdr(n, 6, 4, phOff, uint64(phnum*phent), 8) // PT_PHDR
	n++
	writePhdr(n, 1, 4, 0, loadEnd, 0x1000) // PT_LOAD
	n++
	if hasInterp {
		writePhdr(n, 3, 4, interpOff, uint64(len(interp)), 1) // PT_INTERP
		n++
	}
	writePhdr(n, 2, 6, dynOff, dynSize, 8) // PT_DYNAMIC

	copy(buf[interpOff:], interp)
	copy(buf[strOff:], strtab)
	for j, d := range dyns {
		e := buf[dynOff+uint64(j*dynEnt):]
		le.PutUint64(e[0:], d.tag)
		le.PutUint64(e[8:], d.val)
	}
	copy(buf[shstrOff:], shstr)
	for j, s := range secs {
		e := buf[shOff+uint64(j*shent):]
		le.PutUint32(e[0:], nameOffs[j])
		le.PutUint32(e[4:], s.typ)
		le.PutUint64(e[8:], s.flags)
		le.PutUint64(e[16:], s.addr)
		le.PutUint64(e[24:], s.off)
		le.PutUint64(e[32:], s.size)
		le.PutUint32(e[40:], s.link)
		le.PutUint32(e[44:], 0)
		le.PutUint64(e[48:], s.addralign)
		le.PutUint64(e[56:], s.entsize)
	}
	return buf
}

// buildTestSO32BE builds a minimal 32-bit big-endian shared object with
// no section header table at all: the dynamic metadata is reachable only
// through PT_DYNAMIC and DT_STRTAB, which exercises the segment-only
// fallback paths.
func buildTestSO32BE(needed []string) []byte {
	const (
		ehdr   = ehdrSize32
		phent  = phentSize32
		dynEnt = dynEntSize32
	)
	be := binary.BigEndian

	strtab := []byte{0}
	var neededOffs []uint64
	for _, n := range needed {
		neededOffs = append(neededOffs, uint64(len(strtab)))
		strtab = append(strtab, n...)
		strtab = append(strtab, 0)
	}

	phOff := uint64(ehdr)
	phnum := 2 // PT_LOAD, PT_DYNAMIC
	strOff := phOff + uint64(phnum*phent)
	dynOff := alignUp(strOff+uint64(len(strtab)), 4)
	dynCount := len(needed) + 3 // STRTAB, STRSZ, NULL
	dynSize := uint64(dynCount * dynEnt)
	total := dynOff + dynSize

	buf := make([]byte, total)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 1, 2, 1, 0})
	be.PutUint16(buf[16:], 3)  // ET_DYN
	be.PutUint16(buf[18:], 20) // EM_PPC
	be.PutUint32(buf[20:], 1)
	be.PutUint32(buf[28:], uint32(phOff))
	be.PutUint16(buf[40:], ehdr)
	be.PutUint16(buf[42:], phent)
	be.PutUint16(buf[44:], uint16(phnum))

	writePhdr := func(n int, typ, flags, off, size, align uint32) {
		e := buf[phOff+uint64(n*phent):]
		be.PutUint32(e[0:], typ)
		be.PutUint32(e[4:], off)
		be.PutUint32(e[8:], off)
		be.PutUint32(e[12:], off)
		be.PutUint32(e[16:], size)
		be.PutUint32(e[20:], size)
		be.PutUint32(e[24:], flags)
		be.PutUint32(e[28:], align)
	}
	writePhdr(0, 1, 4, 0, uint32(total), 0x1000)
	writePhdr(1, 2, 6, uint32(dynOff), uint32(dynSize), 4)

	copy(buf[strOff:], strtab)
	j := 0
	writeDyn := func(tag, val uint32) {
		e := buf[dynOff+uint64(j*dynEnt):]
		be.PutUint32(e[0:], tag)
		be.PutUint32(e[4:], val)
		j++
	}
	for _, o := range neededOffs {
		writeDyn(1, uint32(o)) // DT_NEEDED
	}
	writeDyn(5, uint32(strOff))       // DT_STRTAB
	writeDyn(10, uint32(len(strtab))) // DT_STRSZ
	writeDyn(0, 0)                    // DT_NULL
	return buf
}
