package patchelf

// Structure sizes per ELF class. The serializer emits exactly these; the
// parser rejects headers that declare anything else, since a divergent
// entry size would make write-back ambiguous.
const (
	ehdrSize32 = 52
	ehdrSize64 = 64

	phentSize32 = 32
	phentSize64 = 56

	shentSize32 = 40
	shentSize64 = 64

	dynEntSize32 = 8
	dynEntSize64 = 16

	identSize = 16
)

// defaultPageSize is the load-segment alignment assumed when no PT_LOAD
// declares one. Appended regions are placed on this boundary so the
// offset/vaddr congruence holds for any alignment up to it.
const defaultPageSize = 0x1000

// maxFileSize32 and maxFileSize64 bound the serialized file. A 32-bit
// image cannot address offsets past 4 GiB at all; for 64-bit images the
// limit matches the user address space of current loaders.
const (
	maxFileSize32 = 0xffffffff
	maxFileSize64 = 1 << 47
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}
