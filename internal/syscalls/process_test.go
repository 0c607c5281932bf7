package syscalls

import (
	"testing"
	"unsafe"

	"cagekernel/internal/pathtrans"
	"cagekernel/internal/threei"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k := NewKernel(t.TempDir(), pathtrans.Fast)

	base, err := AllocateLinearMemory(LinearMemoryPages)
	if err != nil {
		t.Skipf("cannot reserve linear memory in this environment: %v", err)
	}
	k.BootstrapCage(InitCageID, base, 4, 1000, 1000)
	return k
}

func TestForkRegistersChildAndCopiesHandlers(t *testing.T) {
	k := newTestKernel(t)

	if err := k.Dispatcher.RegisterHandler(InitCageID, 10, 0, 5); err != nil {
		t.Fatal(err)
	}

	childID := k.NextCageID()

	rc, err := k.Dispatcher.MakeSyscall(InitCageID, Fork, childID, [6]threei.Arg{})
	if err != nil {
		t.Fatal(err)
	}
	if rc != 0 {
		t.Fatalf("fork returned %d, want 0", rc)
	}

	if k.Registry.Get(childID) == nil {
		t.Fatal("expected child cage registered")
	}
}

func TestGetPidFamilyReadsTargetCage(t *testing.T) {
	k := newTestKernel(t)

	rc, err := k.Dispatcher.MakeSyscall(InitCageID, GetPid, InitCageID, [6]threei.Arg{})
	if err != nil {
		t.Fatal(err)
	}
	if uint64(rc) != InitCageID {
		t.Fatalf("getpid = %d, want %d", rc, InitCageID)
	}

	rc, err = k.Dispatcher.MakeSyscall(InitCageID, GetUid, InitCageID, [6]threei.Arg{})
	if err != nil {
		t.Fatal(err)
	}
	if rc != 1000 {
		t.Fatalf("getuid = %d, want 1000 (default)", rc)
	}
}

func TestExitReapedByWaitpid(t *testing.T) {
	k := newTestKernel(t)
	childID := k.NextCageID()

	if _, err := k.Dispatcher.MakeSyscall(InitCageID, Fork, childID, [6]threei.Arg{}); err != nil {
		t.Fatal(err)
	}

	if _, err := k.Dispatcher.MakeSyscall(childID, Exit, childID, [6]threei.Arg{{Value: 7}}); err != nil {
		t.Fatal(err)
	}

	id, code, err := k.WaitResult(InitCageID, int64(WaitAny), true)
	if err != nil {
		t.Fatal(err)
	}
	if id != childID || code != 7 {
		t.Fatalf("reaped (%d,%d), want (%d,7)", id, code, childID)
	}
}

func TestWaitpidWritesExitCodeThroughStatusOut(t *testing.T) {
	k := newTestKernel(t)
	childID := k.NextCageID()

	if _, err := k.Dispatcher.MakeSyscall(InitCageID, Fork, childID, [6]threei.Arg{}); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Dispatcher.MakeSyscall(childID, Exit, childID, [6]threei.Arg{{Value: 42}}); err != nil {
		t.Fatal(err)
	}

	statusGuest, statusHost := mapScratch(t, k, InitCageID, 1)
	*(*int32)(unsafe.Pointer(uintptr(statusHost))) = -1 // sentinel, overwritten on success

	rc, err := k.Dispatcher.MakeSyscall(InitCageID, Waitpid, InitCageID, [6]threei.Arg{
		{Value: uint64(WaitAny)},
		{Value: WNoHang},
		{Value: uint64(statusGuest), ArgCage: InitCageID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if uint64(rc) != childID {
		t.Fatalf("waitpid returned %d, want reaped cage %d", rc, childID)
	}

	got := *(*int32)(unsafe.Pointer(uintptr(statusHost)))
	if got != 42 {
		t.Fatalf("status_out = %d, want 42", got)
	}
}

func TestMakeSyscallAbortsForUnregisteredCall(t *testing.T) {
	k := newTestKernel(t)
	if _, err := k.Dispatcher.MakeSyscall(InitCageID, 9999, InitCageID, [6]threei.Arg{}); err != threei.ErrAborted {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}
