package syscalls

import (
	"unsafe"

	log "cagekernel/pkg/minilog"

	"cagekernel/internal/cage"
	"cagekernel/internal/pathtrans"
	"cagekernel/internal/threei"
	"cagekernel/internal/vmmap"
)

// LinearMemoryPages is the size, in pages, of the address space reserved
// for each cage's guest linear memory: enough to cover every 32-bit guest
// address. The reservation is PROT_NONE virtual address space only (no
// host memory is committed until mmap/brk actually maps pages into it),
// the same trick WebAssembly runtimes use to host a sparse guest address
// space inside one real process.
const LinearMemoryPages = 1 << 20 // 2^20 pages * 4KiB = 4GiB

// WaitAny is the waitpid target sentinel meaning "any child," matching
// spec.md §4.6's "target ≤ 0."
const WaitAny int64 = 0

// WNoHang is the waitpid options bit for non-blocking wait.
const WNoHang uint64 = 1

// sysFork implements fork(parent_cage_id, child_cage_id). The dispatcher's
// caller is the parent, and target is the already-allocated child cage id
// (the natural reading of fork's own two-argument shape against
// make_syscall's generic (caller, target) convention).
func (k *Kernel) sysFork(caller, target uint64, args [6]threei.Arg) int32 {
	for _, a := range args {
		if a.Value != 0 || a.ArgCage != 0 {
			return EInval.Neg()
		}
	}

	childBase, err := AllocateLinearMemory(LinearMemoryPages)
	if err != nil {
		log.Error("fork: failed to reserve linear memory for cage %d: %v", target, err)
		return ENoMem.Neg()
	}

	child, err := k.Registry.Fork(caller, target, childBase)
	if err != nil {
		FreeLinearMemory(childBase, LinearMemoryPages)
		return ESrch.Neg()
	}

	// The child's reservation starts PROT_NONE; open up every region its
	// copied Vmmap records, at that region's permissions.
	for _, e := range child.Vmmap.Snapshot() {
		if err := mprotectRegion(childBase, e.StartPage, e.NPages, e.Prot); err != nil {
			log.Error("fork: mprotect cage %d pages [%d,%d) failed: %v", target, e.StartPage, e.EndPage(), err)
		}
	}

	k.Dispatcher.CopyHandlerTable(caller, target)
	return 0
}

// sysExit implements exit(cage_id, status): target is the exiting cage,
// args[0].Value is the status. Returns status per spec.md §4.6.
func (k *Kernel) sysExit(caller, target uint64, args [6]threei.Arg) int32 {
	status := int32(args[0].Value)

	c := k.Registry.Get(target)

	k.Registry.Exit(target, status)

	if c != nil {
		FreeLinearMemory(c.Vmmap.UserToSys(0), LinearMemoryPages)
	}

	return status
}

// sysExec implements exec(cage_id): target is the execing cage.
func (k *Kernel) sysExec(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}
	c.Exec()
	return 0
}

// sysWaitpid implements waitpid(cage_id, target, status_out, options).
// args[0] carries the target pid (two's-complement encoded so <= 0 means
// "any child"); args[1] carries the options bitmask; args[2] carries the
// status_out guest pointer. On a successful reap, the exit code is
// translated and written through status_out the same way internal/entry's
// clone writes back a child tid and internal/syscalls/fs.go's read/write
// dereference guest buffers: via pathtrans.TranslateVmmapAddr into a real
// unsafe.Pointer, not a simulated byte store. A status_out of 0 is treated
// as "caller doesn't want the status," matching the POSIX convention of a
// NULL status pointer.
func (k *Kernel) sysWaitpid(caller, target uint64, args [6]threei.Arg) int32 {
	waiter := k.Registry.Get(caller)
	if waiter == nil {
		return ESrch.Neg()
	}

	waitTarget := int64(args[0].Value)
	opts := cage.WaitOptions{NoHang: args[1].Value&WNoHang != 0}

	id, exitCode, err := waiter.Wait(waitTarget, opts)
	if err == cage.ErrNoChild {
		return EChild.Neg()
	}

	if statusOut := args[2]; id != 0 && statusOut.Value != 0 {
		if err := pathtrans.CheckArgOwner(k.Mode, pathtrans.ArgCageID(caller), pathtrans.ArgCageID(statusOut.ArgCage)); err != nil {
			return EInval.Neg()
		}
		if hostAddr, err := pathtrans.TranslateVmmapAddr(waiter.Vmmap, uint32(statusOut.Value), vmmap.ProtWrite); err == nil {
			*(*int32)(unsafe.Pointer(uintptr(hostAddr))) = exitCode
		} else {
			log.Debug("waitpid: cage %d status_out %#x not mapped, skipping writeback", caller, statusOut.Value)
		}
	}

	return int32(id)
}

// sysWait implements wait(cage_id, status_out): waitpid for any child,
// blocking. args[0] carries the status_out guest pointer, forwarded into
// waitpid's args[2] slot.
func (k *Kernel) sysWait(caller, target uint64, args [6]threei.Arg) int32 {
	return k.sysWaitpid(caller, target, [6]threei.Arg{
		{Value: uint64(WaitAny)},
		{},
		args[0],
	})
}

// WaitResult re-runs sysWaitpid's logic but returns the exit code as well,
// for callers (currently the syscalls and entry tests) that need the full
// {reaped_id, exit_code} pair rather than just the packed i32.
func (k *Kernel) WaitResult(callerCage uint64, target int64, noHang bool) (id uint64, exitCode int32, err error) {
	waiter := k.Registry.Get(callerCage)
	if waiter == nil {
		return 0, 0, ESrch
	}
	return waiter.Wait(target, cage.WaitOptions{NoHang: noHang})
}

func (k *Kernel) sysGetPid(caller, target uint64, args [6]threei.Arg) int32 {
	return int32(target)
}

func (k *Kernel) sysGetPPid(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}
	return int32(c.Parent)
}

func (k *Kernel) sysGetUid(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}
	return c.Uid()
}

func (k *Kernel) sysGetEuid(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}
	return c.Euid()
}

func (k *Kernel) sysGetGid(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}
	return c.Gid()
}

func (k *Kernel) sysGetEgid(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}
	return c.Egid()
}
