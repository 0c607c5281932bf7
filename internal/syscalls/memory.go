package syscalls

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	log "cagekernel/pkg/minilog"

	"cagekernel/internal/pathtrans"
	"cagekernel/internal/threei"
	"cagekernel/internal/vmmap"
)

// AllocateLinearMemory reserves pages worth of PROT_NONE host address
// space for a cage's guest linear memory, the same guard-region trick a
// WebAssembly runtime uses to host a sparse 32-bit address space inside one
// real process: no physical memory is committed until mmap/brk later
// mprotects a sub-range to the guest's requested permissions.
func AllocateLinearMemory(pages uint32) (uint64, error) {
	length := int(pages) * vmmap.PageSize
	b, err := unix.Mmap(-1, 0, length, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	return uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}

// FreeLinearMemory releases a reservation made by AllocateLinearMemory.
func FreeLinearMemory(base uint64, pages uint32) error {
	if base == 0 {
		return nil
	}
	length := int(pages) * vmmap.PageSize
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(base))), length)
	return unix.Munmap(b)
}

func hostProt(p vmmap.Prot) int {
	var f int
	if p&vmmap.ProtRead != 0 {
		f |= unix.PROT_READ
	}
	if p&vmmap.ProtWrite != 0 {
		f |= unix.PROT_WRITE
	}
	if p&vmmap.ProtExec != 0 {
		f |= unix.PROT_EXEC
	}
	return f
}

func mprotectRegion(base uint64, startPage, npages uint32, prot vmmap.Prot) error {
	if npages == 0 {
		return nil
	}
	addr := base + uint64(startPage)*vmmap.PageSize
	length := int(npages) * vmmap.PageSize
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
	return unix.Mprotect(b, hostProt(prot))
}

// sysMmap implements mmap per spec.md §4.3/§4.6: validate (step 2), then
// find_map_space (honoring a hint or MAP_FIXED), install the entry, then
// mprotect the backing host region to the requested permissions.
func (k *Kernel) sysMmap(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}

	if err := pathtrans.CheckArgOwner(k.Mode, pathtrans.ArgCageID(caller), pathtrans.ArgCageID(args[0].ArgCage)); err != nil {
		return EInval.Neg()
	}

	addr := args[0].Value
	length := args[1].Value
	prot := vmmap.Prot(args[2].Value)
	flags := vmmap.Flags(args[3].Value) & vmmap.AllowedMmapFlags
	vfd := args[4].Value
	offset := args[5].Value

	// spec.md §4.3 step 2: reject PROT_EXEC, an unaligned addr, a negative
	// or unaligned offset, and any flags value that doesn't carry exactly
	// one of SHARED/PRIVATE.
	if prot&vmmap.ProtExec != 0 {
		return EInval.Neg()
	}
	if addr%vmmap.PageSize != 0 {
		return EInval.Neg()
	}
	if int64(offset) < 0 || offset%vmmap.PageSize != 0 {
		return EInval.Neg()
	}
	sharedPrivate := flags & (vmmap.FlagShared | vmmap.FlagPrivate)
	if sharedPrivate != vmmap.FlagShared && sharedPrivate != vmmap.FlagPrivate {
		return EInval.Neg()
	}

	addrHint := uint32(addr / vmmap.PageSize)

	// spec.md §8: len == 0 returns the chosen address without modifying
	// the Vmmap at all -- no AddEntryWithOverwrite, no mprotect.
	if length == 0 {
		var start uint32
		var ok bool
		switch {
		case flags&vmmap.FlagFixed != 0:
			start, ok = addrHint, true
		case addrHint != 0:
			start, ok = c.Vmmap.FindMapSpaceWithHint(1, 1, addrHint)
		default:
			start, ok = c.Vmmap.FindMapSpace(1, 1)
		}
		if !ok {
			return ENoMem.Neg()
		}
		return int32(start * vmmap.PageSize)
	}

	pages := uint32((length + vmmap.PageSize - 1) / vmmap.PageSize)

	var start uint32
	var ok bool
	switch {
	case flags&vmmap.FlagFixed != 0:
		start, ok = addrHint, true
	case addrHint != 0:
		start, ok = c.Vmmap.FindMapSpaceWithHint(pages, 1, addrHint)
	default:
		start, ok = c.Vmmap.FindMapSpace(pages, 1)
	}
	if !ok {
		return ENoMem.Neg()
	}

	backing := vmmap.AnonymousBacking()
	// spec.md §4.3 step 6: anonymous mappings cap maxprot at read|write,
	// never execute; only a file-backed mapping's maxprot can include
	// execute, and only as far as fileMaxProt allows.
	maxProt := vmmap.ProtRead | vmmap.ProtWrite
	if vfd != NoFd {
		backing = vmmap.FileBacking(int32(vfd))
		maxProt = k.fileMaxProt(c, int32(vfd))
		if prot&^maxProt != 0 {
			return EPerm.Neg()
		}
	}

	c.Vmmap.AddEntryWithOverwrite(start, pages, prot, maxProt, flags, backing, offset, length)

	base := c.Vmmap.UserToSys(0)
	if err := mprotectRegion(base, start, pages, prot); err != nil {
		log.Error("mmap: mprotect cage %d pages [%d,%d) failed: %v", target, start, start+pages, err)
		return ENoMem.Neg()
	}

	return int32(start * vmmap.PageSize)
}

// sysMunmap implements munmap: mprotect the host region back to
// inaccessible, then remove the Vmmap entries so the range is reusable.
func (k *Kernel) sysMunmap(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}

	addr := uint32(args[0].Value)
	length := args[1].Value

	startPage := addr / vmmap.PageSize
	pages := uint32((length + vmmap.PageSize - 1) / vmmap.PageSize)
	if pages == 0 {
		pages = 1
	}

	base := c.Vmmap.UserToSys(0)
	if err := mprotectRegion(base, startPage, pages, vmmap.ProtNone); err != nil {
		return EInval.Neg()
	}

	c.Vmmap.Unmap(startPage, pages)
	return 0
}

// sysBrk implements brk(new_break): grow or shrink the heap entry at page
// 0 to end at the requested guest address, mprotecting any newly included
// pages to read|write. Growth fails with ENoMem, leaving the break where it
// was, if any page between the old and new break is already mapped.
func (k *Kernel) sysBrk(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}

	if err := pathtrans.CheckArgOwner(k.Mode, pathtrans.ArgCageID(caller), pathtrans.ArgCageID(args[0].ArgCage)); err != nil {
		return EInval.Neg()
	}

	newBreakAddr := uint32(args[0].Value)
	newBreakPage := (newBreakAddr + vmmap.PageSize - 1) / vmmap.PageSize

	old := c.Vmmap.ProgramBreak()
	for p := old; p < newBreakPage; p++ {
		if c.Vmmap.FindPage(p) != nil {
			return ENoMem.Neg()
		}
	}
	c.Vmmap.SetProgramBreak(newBreakPage)

	if newBreakPage > old {
		base := c.Vmmap.UserToSys(0)
		if err := mprotectRegion(base, old, newBreakPage-old, vmmap.ProtRead|vmmap.ProtWrite); err != nil {
			// spec.md §7: a host mmap/mprotect failure inside brk is fatal,
			// not a recoverable error to hand back to the guest.
			panic(fmt.Sprintf("brk: cage %d: host mprotect failed extending break to page %d: %v", target, newBreakPage, err))
		}
	}

	return int32(newBreakPage * vmmap.PageSize)
}

// sysSbrk implements sbrk(increment): relative form of brk, returning the
// previous break (the POSIX sbrk convention) rather than the new one.
func (k *Kernel) sysSbrk(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}

	increment := int64(args[0].Value)
	old := c.Vmmap.ProgramBreak()
	oldAddr := int64(old) * vmmap.PageSize

	newAddr := oldAddr + increment
	if newAddr < 0 {
		return EInval.Neg()
	}

	res := k.sysBrk(caller, target, [6]threei.Arg{{Value: uint64(newAddr), ArgCage: caller}})
	if res < 0 {
		return res
	}
	return int32(oldAddr)
}
