package patchelf

import (
	"fmt"
)

// Bytes serializes the image. The output is deterministic, validated
// before a single byte is produced, and byte-identical to the input when
// no edit touched the image. A validation failure yields no output.
func (i *Image) Bytes() ([]byte, error) {
	l, err := i.computeLayout()
	if err != nil {
		return nil, err
	}
	if err := i.validateLayout(l); err != nil {
		return nil, err
	}
	return i.emit(l), nil
}

// Validate runs the final consistency pass without serializing.
func (i *Image) Validate() error {
	l, err := i.computeLayout()
	if err != nil {
		return err
	}
	return i.validateLayout(l)
}

// emit walks the layout and writes the output buffer: unmodified payloads
// are copied verbatim from the input, regenerated regions are encoded
// from the model, and all padding is zero-filled.
func (i *Image) emit(l *layout) []byte {
	out := make([]byte, l.fileSize)
	copy(out, i.raw)

	writeRegion(out, &l.interpPlace, l.interp)
	writeRegion(out, &l.strPlace, l.dynstr)
	if l.dynPlace.valid {
		i.encodeDyn(out[l.dynPlace.off:], l.dyn)
		zero(out, l.dynPlace.off+l.dynPlace.size, l.dynPlace.alloc-l.dynPlace.size)
	}

	if l.header.Phnum > 0 {
		i.encodePhdrs(out[l.header.Phoff:], l.segments)
	}
	if l.header.Shnum > 0 {
		i.encodeShdrs(out[l.header.Shoff:], l.sections)
	}
	i.encodeFileHeader(out, &l.header)
	return out
}

func writeRegion(out []byte, p *place, content []byte) {
	if !p.valid {
		return
	}
	copy(out[p.off:], content)
	zero(out, p.off+uint64(len(content)), p.alloc-uint64(len(content)))
}

func zero(out []byte, off, n uint64) {
	for j := uint64(0); j < n; j++ {
		out[off+j] = 0
	}
}

func (i *Image) encodeFileHeader(out []byte, hdr *FileHeader) {
	bo := i.bo
	copy(out, i.ident[:])
	bo.PutUint16(out[16:], uint16(hdr.Type))
	bo.PutUint16(out[18:], uint16(hdr.Machine))
	bo.PutUint32(out[20:], uint32(hdr.Version))
	if i.is64() {
		bo.PutUint64(out[24:], hdr.Entry)
		bo.PutUint64(out[32:], hdr.Phoff)
		bo.PutUint64(out[40:], hdr.Shoff)
		bo.PutUint32(out[48:], hdr.Flags)
		bo.PutUint16(out[52:], ehdrSize64)
		bo.PutUint16(out[54:], i.emitPhentsize(hdr))
		bo.PutUint16(out[56:], uint16(hdr.Phnum))
		bo.PutUint16(out[58:], i.emitShentsize(hdr))
		bo.PutUint16(out[60:], uint16(hdr.Shnum))
		bo.PutUint16(out[62:], uint16(hdr.Shstrndx))
	} else {
		bo.PutUint32(out[24:], uint32(hdr.Entry))
		bo.PutUint32(out[28:], uint32(hdr.Phoff))
		bo.PutUint32(out[32:], uint32(hdr.Shoff))
		bo.PutUint32(out[36:], hdr.Flags)
		bo.PutUint16(out[40:], ehdrSize32)
		bo.PutUint16(out[42:], i.emitPhentsize(hdr))
		bo.PutUint16(out[44:], uint16(hdr.Phnum))
		bo.PutUint16(out[46:], i.emitShentsize(hdr))
		bo.PutUint16(out[48:], uint16(hdr.Shnum))
		bo.PutUint16(out[50:], uint16(hdr.Shstrndx))
	}
}

// emitPhentsize and emitShentsize preserve whatever the input declared
// for an empty table, so that byte-identity holds for inputs that left
// the field zero.
func (i *Image) emitPhentsize(hdr *FileHeader) uint16 {
	if hdr.Phnum == 0 {
		return i.rawPhentsize
	}
	return uint16(i.phentSize())
}

func (i *Image) emitShentsize(hdr *FileHeader) uint16 {
	if hdr.Shnum == 0 {
		return i.rawShentsize
	}
	return uint16(i.shentSize())
}

func (i *Image) encodePhdrs(out []byte, segs []*Segment) {
	bo := i.bo
	for n, p := range segs {
		e := out[n*i.phentSize():]
		if i.is64() {
			bo.PutUint32(e[0:], uint32(p.Type))
			bo.PutUint32(e[4:], uint32(p.Flags))
			bo.PutUint64(e[8:], p.Off)
			bo.PutUint64(e[16:], p.Vaddr)
			bo.PutUint64(e[24:], p.Paddr)
			bo.PutUint64(e[32:], p.Filesz)
			bo.PutUint64(e[40:], p.Memsz)
			bo.PutUint64(e[48:], p.Align)
		} else {
			bo.PutUint32(e[0:], uint32(p.Type))
			bo.PutUint32(e[4:], uint32(p.Off))
			bo.PutUint32(e[8:], uint32(p.Vaddr))
			bo.PutUint32(e[12:], uint32(p.Paddr))
			bo.PutUint32(e[16:], uint32(p.Filesz))
			bo.PutUint32(e[20:], uint32(p.Memsz))
			bo.PutUint32(e[24:], uint32(p.Flags))
			bo.PutUint32(e[28:], uint32(p.Align))
		}
	}
}

func (i *Image) encodeShdrs(out []byte, secs []*Section) {
	bo := i.bo
	for n, s := range secs {
		e := out[n*i.shentSize():]
		bo.PutUint32(e[0:], s.NameOff)
		bo.PutUint32(e[4:], uint32(s.Type))
		if i.is64() {
			bo.PutUint64(e[8:], uint64(s.Flags))
			bo.PutUint64(e[16:], s.Addr)
			bo.PutUint64(e[24:], s.Off)
			bo.PutUint64(e[32:], s.Size)
			bo.PutUint32(e[40:], s.Link)
			bo.PutUint32(e[44:], s.Info)
			bo.PutUint64(e[48:], s.Addralign)
			bo.PutUint64(e[56:], s.Entsize)
		} else {
			bo.PutUint32(e[8:], uint32(s.Flags))
			bo.PutUint32(e[12:], uint32(s.Addr))
			bo.PutUint32(e[16:], uint32(s.Off))
			bo.PutUint32(e[20:], uint32(s.Size))
			bo.PutUint32(e[24:], s.Link)
			bo.PutUint32(e[28:], s.Info)
			bo.PutUint32(e[32:], uint32(s.Addralign))
			bo.PutUint32(e[36:], uint32(s.Entsize))
		}
	}
}

func (i *Image) encodeDyn(out []byte, dyn []Dyn) {
	bo := i.bo
	for n, d := range dyn {
		e := out[n*i.dynEntSize():]
		if i.is64() {
			bo.PutUint64(e[0:], uint64(d.Tag))
			bo.PutUint64(e[8:], d.Val)
		} else {
			bo.PutUint32(e[0:], uint32(d.Tag))
			bo.PutUint32(e[4:], uint32(d.Val))
		}
	}
}

// String renders a short structural summary, mostly for debugging.
func (i *Image) String() string {
	return fmt.Sprintf("%v %v %v, %d segments, %d sections, %d dynamic entries",
		i.Header.Class, i.Header.Data, i.Header.Type,
		len(i.Segments), len(i.Sections), i.dynUsed)
}
