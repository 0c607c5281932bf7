package threei

import "testing"

const exitCall CallNumber = 30

func TestRegisterHandlerIdempotentSameGrate(t *testing.T) {
	d := New(exitCall)

	if err := d.RegisterHandler(1, 5, 0, 2); err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterHandler(1, 5, 0, 2); err != nil {
		t.Fatalf("re-registration with same grate should succeed: %v", err)
	}
}

func TestRegisterHandlerConflict(t *testing.T) {
	d := New(exitCall)

	if err := d.RegisterHandler(1, 5, 0, 2); err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterHandler(1, 5, 0, 3); err != ErrPolicyConflict {
		t.Fatalf("expected ErrPolicyConflict, got %v", err)
	}
}

func TestRegisterHandlerSelfRedirectRejected(t *testing.T) {
	d := New(exitCall)
	if err := d.RegisterHandler(1, 5, 0, 1); err != ErrSelfRedirect {
		t.Fatalf("expected ErrSelfRedirect, got %v", err)
	}
}

func TestRegisterHandlerSelfRedirectRejectedForMatchAll(t *testing.T) {
	d := New(exitCall)
	if err := d.RegisterHandler(1, MatchAll, 0, 1); err != ErrSelfRedirect {
		t.Fatalf("expected ErrSelfRedirect for a MatchAll self-redirect, got %v", err)
	}
}

func TestRegisterHandlerDeregister(t *testing.T) {
	d := New(exitCall)
	if err := d.RegisterHandler(1, 5, 0, 2); err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterHandler(1, 5, 0, Deregister); err != nil {
		t.Fatal(err)
	}

	d.RegisterGrate(2, func(HandlerIndex, uint64, [6]Arg) int32 { return 99 })
	d.RegisterNative(5, func(uint64, uint64, [6]Arg) int32 { return 1 })

	result, err := d.MakeSyscall(1, 5, 1, [6]Arg{})
	if err != nil {
		t.Fatal(err)
	}
	if result != 1 {
		t.Fatalf("expected native handler to run after deregister, got %d", result)
	}
}

func TestMakeSyscallRedirectsToGrate(t *testing.T) {
	d := New(exitCall)
	d.RegisterGrate(2, func(idx HandlerIndex, caller uint64, args [6]Arg) int32 {
		return int32(idx) + int32(caller)
	})
	if err := d.RegisterHandler(1, 5, 7, 2); err != nil {
		t.Fatal(err)
	}

	result, err := d.MakeSyscall(1, 5, 1, [6]Arg{})
	if err != nil {
		t.Fatal(err)
	}
	if result != 8 { // handler_index 7 + caller 1
		t.Fatalf("got %d, want 8", result)
	}
}

func TestMakeSyscallFallsBackToNative(t *testing.T) {
	d := New(exitCall)
	d.RegisterNative(10, func(uint64, uint64, [6]Arg) int32 { return 42 })

	result, err := d.MakeSyscall(1, 10, 1, [6]Arg{})
	if err != nil {
		t.Fatal(err)
	}
	if result != 42 {
		t.Fatalf("got %d, want 42", result)
	}
}

func TestMakeSyscallAbortsWithNoHandler(t *testing.T) {
	d := New(exitCall)
	if _, err := d.MakeSyscall(1, 99, 1, [6]Arg{}); err != ErrAborted {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestMakeSyscallNoSuchProcessForExitingTarget(t *testing.T) {
	d := New(exitCall)
	d.RegisterNative(10, func(uint64, uint64, [6]Arg) int32 { return 1 })

	token := NewCapability()
	inExit := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	// The exit handler parks until the call below has been made, so cage 5
	// is still in the exiting set when it is checked.
	d.RegisterNative(exitCall, func(uint64, uint64, [6]Arg) int32 { close(inExit); <-release; return 0 })

	go func() {
		d.TriggerHarshExit(token, 5, func(cageID uint64) {
			d.MakeSyscall(cageID, exitCall, cageID, [6]Arg{})
		})
		close(finished)
	}()
	<-inExit

	_, err := d.MakeSyscall(1, 10, 5, [6]Arg{})
	close(release)
	<-finished

	if err != ErrNoSuchProcess {
		t.Fatalf("expected ErrNoSuchProcess, got %v", err)
	}
}

func TestExitScrubsHandlerTable(t *testing.T) {
	d := New(exitCall)
	d.RegisterGrate(2, func(HandlerIndex, uint64, [6]Arg) int32 { return 0 })
	d.RegisterNative(exitCall, func(uint64, uint64, [6]Arg) int32 { return 0 })
	if err := d.RegisterHandler(1, 10, 0, 2); err != nil {
		t.Fatal(err)
	}

	if _, err := d.MakeSyscall(1, exitCall, 1, [6]Arg{}); err != nil {
		t.Fatal(err)
	}

	// after exit, the caller's redirection is gone; a later identical call
	// number now falls through to native (if registered) or aborts.
	if _, _, ok := d.redirectionFor(1, 10); ok {
		t.Fatal("expected handler table entry to be scrubbed on exit")
	}
}

func TestCopyHandlerTable(t *testing.T) {
	d := New(exitCall)
	if err := d.RegisterHandler(1, 10, 0, 2); err != nil {
		t.Fatal(err)
	}

	d.CopyHandlerTable(1, 3)

	if _, grate, ok := d.redirectionFor(3, 10); !ok || grate != 2 {
		t.Fatalf("expected copied redirection to cage 2, got grate=%d ok=%v", grate, ok)
	}
}

func TestMatchAllFallback(t *testing.T) {
	d := New(exitCall)
	d.RegisterGrate(2, func(HandlerIndex, uint64, [6]Arg) int32 { return 5 })
	if err := d.RegisterHandler(1, MatchAll, 0, 2); err != nil {
		t.Fatal(err)
	}

	result, err := d.MakeSyscall(1, 999, 1, [6]Arg{})
	if err != nil {
		t.Fatal(err)
	}
	if result != 5 {
		t.Fatalf("got %d, want 5 via MatchAll redirection", result)
	}
}
