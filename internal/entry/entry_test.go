package entry

import (
	"testing"

	"cagekernel/internal/pathtrans"
	"cagekernel/internal/syscalls"
	"cagekernel/internal/threei"
)

func newTestEntry(t *testing.T) *Entry {
	t.Helper()
	k := syscalls.NewKernel(t.TempDir(), pathtrans.Fast)

	base, err := syscalls.AllocateLinearMemory(syscalls.LinearMemoryPages)
	if err != nil {
		t.Skipf("cannot reserve linear memory in this environment: %v", err)
	}
	k.BootstrapCage(syscalls.InitCageID, base, 4, 1000, 1000)

	return New(k)
}

func TestLindSyscallGenericGetpid(t *testing.T) {
	e := newTestEntry(t)

	rc := e.LindSyscall(syscalls.InitCageID, uint32(syscalls.GetPid), 0, 0, 0, 0, 0, 0, 0)
	if uint64(rc) != syscalls.InitCageID {
		t.Fatalf("getpid = %d, want %d", rc, syscalls.InitCageID)
	}
}

func TestLindSyscallCloneForksAndReturnsChildID(t *testing.T) {
	e := newTestEntry(t)

	rc := e.LindSyscall(syscalls.InitCageID, CallClone, 0, 0, 0, 0, 0, 0, 0)
	if rc < 0 {
		t.Fatalf("clone failed: %d", rc)
	}
	childID := uint64(rc)

	if e.Kernel.Registry.Get(childID) == nil {
		t.Fatalf("expected child cage %d registered", childID)
	}

	parent := e.Kernel.Registry.Get(syscalls.InitCageID)
	if parent.ChildNum() != 1 {
		t.Fatalf("parent child_num = %d, want 1", parent.ChildNum())
	}
}

func TestLindSyscallExitThenWaitpidReaps(t *testing.T) {
	e := newTestEntry(t)

	rc := e.LindSyscall(syscalls.InitCageID, CallClone, 0, 0, 0, 0, 0, 0, 0)
	if rc < 0 {
		t.Fatalf("clone failed: %d", rc)
	}
	childID := uint64(rc)

	exitRC := e.LindSyscall(childID, CallExit, 0, 42, 0, 0, 0, 0, 0)
	if exitRC != 42 {
		t.Fatalf("exit returned %d, want 42", exitRC)
	}

	id, code, err := e.Kernel.WaitResult(syscalls.InitCageID, int64(syscalls.WaitAny), true)
	if err != nil {
		t.Fatal(err)
	}
	if id != childID || code != 42 {
		t.Fatalf("reaped (%d,%d), want (%d,42)", id, code, childID)
	}
}

func TestLindSyscallSetjmpLongjmpNoop(t *testing.T) {
	e := newTestEntry(t)

	if rc := e.LindSyscall(syscalls.InitCageID, CallSetjmp, 0, 0, 0, 0, 0, 0, 0); rc != 0 {
		t.Fatalf("setjmp = %d, want 0", rc)
	}
	if rc := e.LindSyscall(syscalls.InitCageID, CallLongjmp, 0, 0, 0, 0, 0, 0, 0); rc != 0 {
		t.Fatalf("longjmp = %d, want 0", rc)
	}
}

func TestLindSyscallUnregisteredCallAborts(t *testing.T) {
	e := newTestEntry(t)

	rc := e.LindSyscall(syscalls.InitCageID, 9999, 0, 0, 0, 0, 0, 0, 0)
	if rc != syscalls.ELindAPIAborted.Neg() {
		t.Fatalf("got %d, want %d", rc, syscalls.ELindAPIAborted.Neg())
	}
}

func TestLindSyscallCloneChildInheritsHandlerTable(t *testing.T) {
	e := newTestEntry(t)

	if err := e.Kernel.Dispatcher.RegisterHandler(syscalls.InitCageID, syscalls.Write, 0, 7); err != nil {
		t.Fatal(err)
	}

	rc := e.LindSyscall(syscalls.InitCageID, CallClone, 0, 0, 0, 0, 0, 0, 0)
	if rc < 0 {
		t.Fatalf("clone failed: %d", rc)
	}
	childID := uint64(rc)

	var grateInvoked bool
	e.Kernel.Dispatcher.RegisterGrate(7, func(idx threei.HandlerIndex, caller uint64, args [6]threei.Arg) int32 {
		grateInvoked = true
		return 99
	})

	// Clone copies the handler table for the new cage; calling write
	// through it (via the generic entry path, not CallExec/CallExit/
	// CallClone) should redirect to the grate rather than touch the host.
	rc2 := e.LindSyscall(childID, uint32(syscalls.Write), 0, 0, 0, 0, 0, 0, 0)
	if !grateInvoked {
		t.Fatal("expected grate callback invoked for inherited redirection")
	}
	if rc2 != 99 {
		t.Fatalf("got %d, want 99", rc2)
	}
}
