package patchelf

import "fmt"

// Parse errors. Load never returns a partial image together with one of
// these.
var (
	ErrMalformedHeader   = fmt.Errorf("malformed ELF header")
	ErrTruncated         = fmt.Errorf("file truncated")
	ErrUnsupportedFormat = fmt.Errorf("unsupported object kind")
)

// Edit errors. A rejected edit leaves the image untouched and usable, so a
// caller issuing a batch of edits can decide whether to continue.
var (
	ErrNoSuchDependency    = fmt.Errorf("no such dependency")
	ErrDuplicateDependency = fmt.Errorf("duplicate dependency")
	ErrNotALibrary         = fmt.Errorf("not a shared library")
	ErrNotPresent          = fmt.Errorf("not present")
	ErrNoDynamicSection    = fmt.Errorf("no dynamic section")
)

// Layout errors are fatal to the invocation: no output is produced.
var (
	ErrLayoutOverflow = fmt.Errorf("resulting file exceeds address space limit")
)
