// Package patchelf rewrites the dynamic-linking metadata of already
// linked ELF executables and shared objects: the interpreter path, the
// RPATH/RUNPATH search paths, the NEEDED dependency list, and the soname.
//
// A binary is loaded fully into memory, edited through an Image, and
// serialized back to a byte-exact, loader-valid file. When an edit no
// longer fits its original space the layout relocator moves the grown
// region into a fresh load segment appended at end of file, re-pointing
// every structural reference to it. The package performs no I/O and no
// logging; reading input and atomically writing output belong to the
// caller.
package patchelf
