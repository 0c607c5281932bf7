package cage

import (
	"testing"
	"time"

	"cagekernel/internal/fdtable"
)

func TestNewRootDefaults(t *testing.T) {
	c := New(1, 0x1000000000, 4, 1000, 1000)

	if c.Parent != c.CageID {
		t.Fatalf("root cage parent = %d, want %d", c.Parent, c.CageID)
	}
	if uid := c.Uid(); uid != 1000 {
		t.Fatalf("uid = %d, want default 1000", uid)
	}
	// an explicit set replaces the cached default
	c.SetUid(42)
	if uid := c.Uid(); uid != 42 {
		t.Fatalf("uid = %d, want 42 after explicit set", uid)
	}
}

func TestForkIncrementsChildNum(t *testing.T) {
	reg := NewRegistry()
	parent := New(1, 0, 4, 0, 0)
	reg.Add(1, parent)

	child, err := reg.Fork(1, 2, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if child.Parent != 1 {
		t.Fatalf("child.Parent = %d, want 1", child.Parent)
	}
	if parent.ChildNum() != 1 {
		t.Fatalf("parent.ChildNum() = %d, want 1", parent.ChildNum())
	}
	if reg.Get(2) != child {
		t.Fatal("child not installed in registry")
	}
}

func TestExitPushesZombieToParent(t *testing.T) {
	reg := NewRegistry()
	parent := New(1, 0, 4, 0, 0)
	reg.Add(1, parent)
	child, _ := reg.Fork(1, 2, 0x2000)
	_ = child

	reg.Exit(2, 7)

	if parent.ChildNum() != 0 {
		t.Fatalf("parent.ChildNum() = %d, want 0 after child exit", parent.ChildNum())
	}
	id, code, err := parent.Wait(-1, WaitOptions{NoHang: true})
	if err != nil {
		t.Fatal(err)
	}
	if id != 2 || code != 7 {
		t.Fatalf("reaped (%d,%d), want (2,7)", id, code)
	}
}

func TestWaitNoHangNoChildrenReturnsError(t *testing.T) {
	c := New(1, 0, 4, 0, 0)
	if _, _, err := c.Wait(-1, WaitOptions{NoHang: true}); err != ErrNoChild {
		t.Fatalf("expected ErrNoChild, got %v", err)
	}
}

func TestWaitNoHangWithLiveChildReturnsZero(t *testing.T) {
	reg := NewRegistry()
	parent := New(1, 0, 4, 0, 0)
	reg.Add(1, parent)
	reg.Fork(1, 2, 0x2000)

	id, code, err := parent.Wait(-1, WaitOptions{NoHang: true})
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 || code != 0 {
		t.Fatalf("expected (0,0) with no zombies yet, got (%d,%d)", id, code)
	}
}

func TestWaitBlocksUntilZombieArrives(t *testing.T) {
	reg := NewRegistry()
	parent := New(1, 0, 4, 0, 0)
	reg.Add(1, parent)
	reg.Fork(1, 2, 0x2000)

	done := make(chan struct{})
	var gotID uint64
	var gotCode int32
	go func() {
		gotID, gotCode, _ = parent.Wait(-1, WaitOptions{})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	reg.Exit(2, 3)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after zombie was pushed")
	}

	if gotID != 2 || gotCode != 3 {
		t.Fatalf("reaped (%d,%d), want (2,3)", gotID, gotCode)
	}
}

func TestWaitpidOrderingFIFO(t *testing.T) {
	reg := NewRegistry()
	parent := New(1, 0, 4, 0, 0)
	reg.Add(1, parent)
	reg.Fork(1, 2, 0x2000)
	reg.Fork(1, 3, 0x3000)

	reg.Exit(3, 5)
	reg.Exit(2, 7)

	id1, code1, _ := parent.Wait(-1, WaitOptions{NoHang: true})
	id2, code2, _ := parent.Wait(-1, WaitOptions{NoHang: true})

	if id1 != 3 || code1 != 5 {
		t.Fatalf("first reap = (%d,%d), want (3,5)", id1, code1)
	}
	if id2 != 2 || code2 != 7 {
		t.Fatalf("second reap = (%d,%d), want (2,7)", id2, code2)
	}
}

func TestWaitpidTargetSpecificChild(t *testing.T) {
	reg := NewRegistry()
	parent := New(1, 0, 4, 0, 0)
	reg.Add(1, parent)
	reg.Fork(1, 2, 0x2000)
	reg.Fork(1, 3, 0x3000)

	reg.Exit(2, 1)
	reg.Exit(3, 2)

	id, code, err := parent.Wait(3, WaitOptions{NoHang: true})
	if err != nil {
		t.Fatal(err)
	}
	if id != 3 || code != 2 {
		t.Fatalf("targeted reap = (%d,%d), want (3,2)", id, code)
	}
}

func TestExitDropsZombieIfParentGone(t *testing.T) {
	reg := NewRegistry()
	parent := New(1, 0, 4, 0, 0)
	reg.Add(1, parent)
	reg.Fork(1, 2, 0x2000)

	reg.Exit(1, 0) // parent exits first (root, so no grandparent notified)
	reg.Exit(2, 9) // child exits after; must not panic, zombie is dropped

	if reg.Get(1) != nil || reg.Get(2) != nil {
		t.Fatal("expected both cages removed from registry")
	}
}

func TestExecClearsFdtableAndVmmap(t *testing.T) {
	c := New(1, 0, 4, 0, 0)
	vfd, err := c.Fdtable.GetUnusedVirtualFd(fdtable.KindKernel, 9, true, nil)
	if err != nil {
		t.Fatal(err)
	}

	c.Exec()

	if _, err := c.Fdtable.TranslateVirtualFd(vfd); err != fdtable.ErrBadFd {
		t.Fatalf("cloexec vfd %d after exec: err = %v, want ErrBadFd", vfd, err)
	}
	if c.Vmmap.ProgramBreak() != 0 {
		t.Fatalf("program break after exec = %d, want 0", c.Vmmap.ProgramBreak())
	}
}

// TestWaitNeverObservesChildNumZeroWithoutZombie hammers concurrent exits
// against concurrent no-hang waits; a correct implementation never returns
// ErrNoChild while a decChildAndPushZombie is in flight, since Wait and
// the decrement/push pair share the same zombieMu critical section.
func TestWaitNeverObservesChildNumZeroWithoutZombie(t *testing.T) {
	const rounds = 200

	for i := 0; i < rounds; i++ {
		reg := NewRegistry()
		parent := New(1, 0, 4, 0, 0)
		reg.Add(1, parent)
		reg.Fork(1, 2, 0x2000)

		done := make(chan struct{})
		go func() {
			reg.Exit(2, 11)
			close(done)
		}()

		id, code, err := parent.Wait(-1, WaitOptions{})
		<-done

		if err != nil {
			t.Fatalf("round %d: Wait returned %v, want a reaped zombie", i, err)
		}
		if id != 2 || code != 11 {
			t.Fatalf("round %d: reaped (%d,%d), want (2,11)", i, id, code)
		}
	}
}

func TestRegistryAddPanicsPastCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for id >= MaxCageID")
		}
	}()
	reg := NewRegistry()
	reg.Add(MaxCageID, New(MaxCageID, 0, 4, 0, 0))
}
