package patchelf

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterpreterGrowthRelocates(t *testing.T) {
	in := buildTestSO(testSO{interp: "/lib/ld.so.1", needed: []string{"libc.so"}})
	img, err := Load(in)
	require.NoError(t, err)

	const path = "/nix/store/abcdef1234567890-glibc-2.38/lib/ld-linux-x86-64.so.2"
	require.NoError(t, img.SetInterpreter(path))

	out, err := img.Bytes()
	require.NoError(t, err)
	require.Greater(t, len(out), len(in), "a grown interpreter must grow the file")

	res, err := Load(out)
	require.NoError(t, err)
	got, ok := res.Interpreter()
	require.True(t, ok)
	require.Equal(t, path, got)

	// Relocation appends exactly one PT_LOAD to hold the moved table and
	// the grown region.
	require.Equal(t, img.Header.Phnum+1, res.Header.Phnum)
	last := res.Segments[len(res.Segments)-1]
	require.Equal(t, elf.PT_LOAD, last.Type)
	require.Equal(t, last.Off%last.Align, last.Vaddr%last.Align,
		"appended segment must keep the offset/vaddr congruence")

	sec := res.Section(".interp")
	require.NotNil(t, sec)
	require.Equal(t, uint64(len(path)+1), sec.Size)

	seg := res.segmentByType(elf.PT_INTERP)
	require.NotNil(t, seg)
	require.Equal(t, sec.Off, seg.Off)
	require.Equal(t, uint64(len(path)+1), seg.Filesz)
}

func TestStringTableGrowthKeepsOldEntries(t *testing.T) {
	img, err := Load(buildTestSO(testSO{
		needed: []string{"liba.so", "libb.so"},
		soname: "libold.so.1",
	}))
	require.NoError(t, err)

	require.NoError(t, img.SetSoname("libmuchlongername-and-then-some.so.999"))
	out := reload(t, img)

	// Untouched entries still resolve through their original offsets.
	require.Equal(t, []string{"liba.so", "libb.so"}, out.Needed())
	soname, ok := out.Soname()
	require.True(t, ok)
	require.Equal(t, "libmuchlongername-and-then-some.so.999", soname)
}

func TestInPlaceGrowthWithinSlack(t *testing.T) {
	in := buildTestSO(testSO{needed: []string{"libc.so"}, dynSlack: 2, strPad: 64})
	img, err := Load(in)
	require.NoError(t, err)

	require.NoError(t, img.AddNeeded("libnew.so", false))
	out, err := img.Bytes()
	require.NoError(t, err)

	// The string grows into trailing slack and the new dynamic entry
	// consumes a spare slot, so nothing moves and the file keeps its size.
	require.Equal(t, len(in), len(out))
	res, err := Load(out)
	require.NoError(t, err)
	require.Equal(t, img.Header.Phnum, res.Header.Phnum)
	require.Equal(t, []string{"libc.so", "libnew.so"}, res.Needed())
}

func TestWithoutInPlaceGrowthOption(t *testing.T) {
	in := buildTestSO(testSO{needed: []string{"libc.so"}, dynSlack: 2, strPad: 64})
	img, err := Load(in, WithoutInPlaceGrowth())
	require.NoError(t, err)

	require.NoError(t, img.AddNeeded("libnew.so", false))
	out, err := img.Bytes()
	require.NoError(t, err)

	// The same edit now takes the relocation path.
	require.Greater(t, len(out), len(in))
	res, err := Load(out)
	require.NoError(t, err)
	require.Equal(t, img.Header.Phnum+1, res.Header.Phnum)
	require.Equal(t, []string{"libc.so", "libnew.so"}, res.Needed())
}

func TestRemovalKeepsLayout(t *testing.T) {
	in := buildTestSO(testSO{needed: []string{"liba.so", "libb.so"}, rpath: "/old"})
	img, err := Load(in)
	require.NoError(t, err)

	require.NoError(t, img.RemoveNeeded("liba.so"))
	require.NoError(t, img.RemoveRPath())
	out, err := img.Bytes()
	require.NoError(t, err)

	// Removal compacts within the existing allocation and never relocates.
	require.Equal(t, len(in), len(out))
	res, err := Load(out)
	require.NoError(t, err)
	require.Equal(t, img.Header.Phnum, res.Header.Phnum)
	require.Equal(t, []string{"libb.so"}, res.Needed())
	sec := res.Section(".dynamic")
	require.NotNil(t, sec)
	require.Equal(t, img.Section(".dynamic").Size, sec.Size,
		"the dynamic allocation must keep its on-disk size")
}

func TestGrowthRelocatesDynamicWritable(t *testing.T) {
	// No slack at all: any added entry forces the dynamic array to move,
	// and the segment holding it must be writable for the loader.
	in := buildTestSO(testSO{needed: []string{"libc.so"}})
	img, err := Load(in)
	require.NoError(t, err)

	require.NoError(t, img.AddNeeded("libnew.so", false))
	res := reload(t, img)
	require.Equal(t, []string{"libc.so", "libnew.so"}, res.Needed())

	last := res.Segments[len(res.Segments)-1]
	require.Equal(t, elf.PT_LOAD, last.Type)
	require.Equal(t, elf.PF_R|elf.PF_W, last.Flags)
}

func TestLayoutOverflow32(t *testing.T) {
	in := buildTestSO32BE([]string{"libm.so"})
	// Push the single load segment near the top of the 32-bit address
	// space so any appended segment lands past 4 GiB.
	be := binary.BigEndian
	be.PutUint32(in[ehdrSize32+8:], 0xfffff000) // p_vaddr of PT_LOAD

	img, err := Load(in)
	require.NoError(t, err)
	require.NoError(t, img.AddNeeded("libnew.so", false))

	_, err = img.Bytes()
	require.ErrorIs(t, err, ErrLayoutOverflow)
}
