package patchelf

import (
	"debug/elf"
	"fmt"
	"strings"
)

// RPathMode selects how SetRPath and SetRunPath combine the new path with
// an existing one.
type RPathMode int

const (
	// RPathReplace discards any existing search path.
	RPathReplace RPathMode = iota
	// RPathAppend adds the new path as a trailing ':'-separated component.
	RPathAppend
)

// SetInterpreter rewrites the dynamic loader path. A longer path than the
// current allocation is absorbed by the relocator at serialization time.
func (i *Image) SetInterpreter(path string) error {
	if i.interp == nil {
		return fmt.Errorf("set interpreter: image has no PT_INTERP: %w", ErrNotPresent)
	}
	if path == "" {
		return fmt.Errorf("set interpreter: empty path: %w", ErrNotPresent)
	}
	if cString(i.interp) == path {
		return nil
	}
	i.interp = append([]byte(path), 0)
	i.dirtyInterp = true
	return nil
}

// SetRPath sets the DT_RPATH search path.
func (i *Image) SetRPath(path string, mode RPathMode) error {
	return i.setPathTag(elf.DT_RPATH, "rpath", path, mode)
}

// SetRunPath sets the DT_RUNPATH search path.
func (i *Image) SetRunPath(path string, mode RPathMode) error {
	return i.setPathTag(elf.DT_RUNPATH, "runpath", path, mode)
}

func (i *Image) setPathTag(tag elf.DynTag, op, path string, mode RPathMode) error {
	if err := i.needDynamic(op); err != nil {
		return err
	}
	idx := i.findDynIndex(tag)
	if idx < 0 {
		i.insertDyn(Dyn{Tag: tag, Val: i.addDynString(path)})
		return nil
	}
	cur := i.dynString(i.dyn[idx].Val)
	next := path
	if mode == RPathAppend && cur != "" {
		for _, part := range strings.Split(cur, ":") {
			if part == path {
				return nil
			}
		}
		next = cur + ":" + path
	}
	if cur == next {
		return nil
	}
	i.dyn[idx].Val = i.addDynString(next)
	i.dirtyDyn = true
	return nil
}

// RemoveRPath deletes DT_RPATH and DT_RUNPATH entries. The orphaned path
// strings stay in the table; the table is never repacked.
func (i *Image) RemoveRPath() error {
	if err := i.needDynamic("remove rpath"); err != nil {
		return err
	}
	removed := false
	for {
		idx := i.findDynIndex(elf.DT_RPATH)
		if idx < 0 {
			idx = i.findDynIndex(elf.DT_RUNPATH)
		}
		if idx < 0 {
			break
		}
		i.removeDyn(idx)
		removed = true
	}
	if !removed {
		return fmt.Errorf("remove rpath: %w", ErrNotPresent)
	}
	return nil
}

// AddNeeded declares a dependency on the named library, keeping existing
// declarations in order. With ifAbsentOnly the call is an add-if-absent
// no-op instead of failing on a duplicate.
func (i *Image) AddNeeded(name string, ifAbsentOnly bool) error {
	if err := i.needDynamic("add needed"); err != nil {
		return err
	}
	if i.findNeededIndex(name) >= 0 {
		if ifAbsentOnly {
			return nil
		}
		return fmt.Errorf("add needed %q: %w", name, ErrDuplicateDependency)
	}
	i.insertDyn(Dyn{Tag: elf.DT_NEEDED, Val: i.addDynString(name)})
	return nil
}

// RemoveNeeded deletes the dependency on the named library.
func (i *Image) RemoveNeeded(name string) error {
	if err := i.needDynamic("remove needed"); err != nil {
		return err
	}
	idx := i.findNeededIndex(name)
	if idx < 0 {
		return fmt.Errorf("remove needed %q: %w", name, ErrNoSuchDependency)
	}
	i.removeDyn(idx)
	return nil
}

// ReplaceNeeded renames a declared dependency in place, keeping its
// position in the dependency order.
func (i *Image) ReplaceNeeded(old, new string) error {
	if err := i.needDynamic("replace needed"); err != nil {
		return err
	}
	idx := i.findNeededIndex(old)
	if idx < 0 {
		return fmt.Errorf("replace needed %q: %w", old, ErrNoSuchDependency)
	}
	if old == new {
		return nil
	}
	i.dyn[idx].Val = i.addDynString(new)
	i.dirtyDyn = true
	return nil
}

// SetSoname sets the canonical name the library advertises. Only shared
// objects carry a soname.
func (i *Image) SetSoname(name string) error {
	if i.Header.Type != elf.ET_DYN {
		return fmt.Errorf("set soname on %v object: %w", i.Header.Type, ErrNotALibrary)
	}
	if err := i.needDynamic("set soname"); err != nil {
		return err
	}
	idx := i.findDynIndex(elf.DT_SONAME)
	if idx < 0 {
		i.insertDyn(Dyn{Tag: elf.DT_SONAME, Val: i.addDynString(name)})
		return nil
	}
	if i.dynString(i.dyn[idx].Val) == name {
		return nil
	}
	i.dyn[idx].Val = i.addDynString(name)
	i.dirtyDyn = true
	return nil
}

func (i *Image) needDynamic(op string) error {
	if i.dyn == nil || i.dynstr == nil {
		return fmt.Errorf("%s: %w", op, ErrNoDynamicSection)
	}
	return nil
}

func (i *Image) findDynIndex(tag elf.DynTag) int {
	for n, d := range i.usedDyn() {
		if d.Tag == tag {
			return n
		}
	}
	return -1
}

func (i *Image) findNeededIndex(name string) int {
	for n, d := range i.usedDyn() {
		if d.Tag == elf.DT_NEEDED && i.dynString(d.Val) == name {
			return n
		}
	}
	return -1
}

// insertDyn places d directly before the terminating DT_NULL, consuming a
// slack slot past the terminator when one exists and growing the array
// otherwise. Growth past the allocated on-disk size is resolved by the
// relocator.
func (i *Image) insertDyn(d Dyn) {
	if i.dynUsed == len(i.dyn) {
		i.dyn = append(i.dyn, Dyn{Tag: elf.DT_NULL})
	}
	i.dyn[i.dynUsed-1] = d
	i.dyn[i.dynUsed] = Dyn{Tag: elf.DT_NULL}
	i.dynUsed++
	i.dirtyDyn = true
}

// removeDyn compacts the array over the removed entry and refills the
// tail with a DT_NULL, so the allocated size and the position of every
// other table in the file are untouched.
func (i *Image) removeDyn(idx int) {
	copy(i.dyn[idx:], i.dyn[idx+1:i.dynUsed])
	i.dynUsed--
	i.dyn[i.dynUsed] = Dyn{Tag: elf.DT_NULL}
	i.dirtyDyn = true
}
