// Package entry implements the single function guest code calls, described
// in spec.md §4.8 and §6: lind_syscall(call_number, call_name, arg1..arg6)
// -> i32. It demultiplexes clone/exec/exit/setjmp/longjmp from the generic
// path, which delegates to 3i.
//
// Grounded on the teacher's cmd/minimega/main.go, which checks a special
// os.Args[0] case (containerShim) before falling into the ordinary command
// path, and cmd/minimega/command_socket.go's single per-connection handler
// that demuxes request kinds before dispatching to the command runner.
package entry

import (
	"unsafe"

	log "cagekernel/pkg/minilog"

	"cagekernel/internal/pathtrans"
	"cagekernel/internal/syscalls"
	"cagekernel/internal/threei"
	"cagekernel/internal/vmmap"
)

// Call numbers the entry point demuxes itself, ahead of the generic 3i
// path, per spec.md §4.8. Clone happens to share its call number with the
// fork native handler's table entry (171, per spec.md §6); the entry point
// is what gives fork its distinct (caller, childID) target, the generic
// fallback path cannot (it always passes target = caller).
const (
	CallClone = 171
	CallExec  = 69
	CallExit  = 30

	// CallSetjmp and CallLongjmp are entry-only pseudo-calls: they never
	// reach the syscall table because they don't touch the host OS, only
	// the guest runtime's own control flow.
	CallSetjmp  = 900
	CallLongjmp = 901
)

// Entry is the single function guest code calls.
type Entry struct {
	Kernel *syscalls.Kernel
}

// New builds an Entry over an already-wired Kernel.
func New(k *syscalls.Kernel) *Entry {
	return &Entry{Kernel: k}
}

// guestCloneArgs mirrors the subset of the guest's clone_args structure the
// core needs: a flags word and a guest pointer to where the child's tid
// should be written. call_name (spec.md §6) is reserved and ignored
// entirely, so it is not part of this struct.
type guestCloneArgs struct {
	Flags       uint64
	ChildTidPtr uint32
}

// LindSyscall is the entry point. The entry point owns the caller CageId;
// it never trusts a cage id supplied by the guest.
func (e *Entry) LindSyscall(caller uint64, callNumber uint32, callName uint64, arg1, arg2, arg3, arg4, arg5, arg6 uint64) int32 {
	switch callNumber {
	case CallClone:
		return e.clone(caller, arg1)
	case CallExec:
		return e.exec(caller)
	case CallExit:
		return e.exit(caller, int32(arg1))
	case CallSetjmp, CallLongjmp:
		// Vmmap and fdtable are addressed by cage id, not by the guest's
		// call stack, so a longjmp back across a pending syscall cannot
		// leave either in an inconsistent state; there is nothing for the
		// core to do here.
		return 0
	default:
		return e.generic(caller, threei.CallNumber(callNumber), arg1, arg2, arg3, arg4, arg5, arg6)
	}
}

// generic implements spec.md §4.8's fallback: invoke make_syscall(caller =
// self, call_number, target = self, arg1, self, ..., arg6, self).
func (e *Entry) generic(caller uint64, call threei.CallNumber, a1, a2, a3, a4, a5, a6 uint64) int32 {
	args := [6]threei.Arg{
		{Value: a1, ArgCage: caller},
		{Value: a2, ArgCage: caller},
		{Value: a3, ArgCage: caller},
		{Value: a4, ArgCage: caller},
		{Value: a5, ArgCage: caller},
		{Value: a6, ArgCage: caller},
	}
	res, err := e.Kernel.Dispatcher.MakeSyscall(caller, call, caller, args)
	if err != nil {
		return errToNeg(err)
	}
	return res
}

// clone implements spec.md §4.8's clone demux: read the clone-args
// structure out of the caller's guest memory (translating the child_tid
// pointer), allocate the child cage id, and delegate to fork's native
// handler through make_syscall with target = the new child. On success the
// child's tid is written back through the translated child_tid pointer, if
// the caller supplied a non-null one; clone is often issued before the
// child's stack region is otherwise mapped, so a translation failure here
// does not fail the clone itself.
func (e *Entry) clone(caller uint64, guestCloneArgsAddr uint64) int32 {
	c := e.Kernel.Registry.Get(caller)
	if c == nil {
		return syscalls.ESrch.Neg()
	}

	childID := e.Kernel.NextCageID()
	args := readCloneArgs(c.Vmmap, uint32(guestCloneArgsAddr))

	res, err := e.Kernel.Dispatcher.MakeSyscall(caller, syscalls.Fork, childID, [6]threei.Arg{})
	if err != nil {
		return errToNeg(err)
	}
	if res < 0 {
		return res
	}

	if args != nil && args.ChildTidPtr != 0 {
		if child := e.Kernel.Registry.Get(childID); child != nil {
			if hostAddr, err := pathtrans.TranslateVmmapAddr(child.Vmmap, args.ChildTidPtr, vmmap.ProtWrite); err == nil {
				*(*uint32)(unsafe.Pointer(uintptr(hostAddr))) = uint32(childID)
			} else {
				log.Debug("clone: child %d tid pointer %#x not mapped yet, skipping writeback", childID, args.ChildTidPtr)
			}
		}
	}

	return int32(childID)
}

func readCloneArgs(vm *vmmap.Vmmap, guestAddr uint32) *guestCloneArgs {
	hostAddr, err := pathtrans.TranslateVmmapAddr(vm, guestAddr, vmmap.ProtRead)
	if err != nil {
		return nil
	}
	return (*guestCloneArgs)(unsafe.Pointer(uintptr(hostAddr)))
}

// exec implements spec.md §4.8's exec demux.
func (e *Entry) exec(caller uint64) int32 {
	res, err := e.Kernel.Dispatcher.MakeSyscall(caller, syscalls.Exec, caller, [6]threei.Arg{})
	if err != nil {
		return errToNeg(err)
	}
	return res
}

// exit implements spec.md §4.8's exit demux.
func (e *Entry) exit(caller uint64, status int32) int32 {
	res, err := e.Kernel.Dispatcher.MakeSyscall(caller, syscalls.Exit, caller, [6]threei.Arg{{Value: uint64(status)}})
	if err != nil {
		return errToNeg(err)
	}
	return res
}

func errToNeg(err error) int32 {
	switch err {
	case threei.ErrNoSuchProcess:
		return syscalls.ELindESrch.Neg()
	case threei.ErrAborted:
		return syscalls.ELindAPIAborted.Neg()
	default:
		return syscalls.EInval.Neg()
	}
}
