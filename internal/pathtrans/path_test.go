package pathtrans

import (
	"testing"

	"cagekernel/internal/fdtable"
	"cagekernel/internal/vmmap"
)

func TestConvPathRejectsEmbeddedNUL(t *testing.T) {
	if _, err := ConvPath("/foo/\x00bar"); err != ErrEmbeddedNUL {
		t.Fatalf("expected ErrEmbeddedNUL, got %v", err)
	}
}

func TestNormPathDotDotClampedAtRoot(t *testing.T) {
	comps, err := NormPath("../../../etc/passwd", true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := Stringify(comps); got != "/etc/passwd" {
		t.Fatalf("got %q, want /etc/passwd", got)
	}
}

func TestNormPathRelativeUsesCwd(t *testing.T) {
	cwd := []string{"home", "user"}
	comps, err := NormPath("docs/../file.txt", false, cwd)
	if err != nil {
		t.Fatal(err)
	}
	if got := Stringify(comps); got != "/home/user/file.txt" {
		t.Fatalf("got %q, want /home/user/file.txt", got)
	}
}

func TestAddLindRootIdempotentFromSecondApplication(t *testing.T) {
	ok, err := IsIdempotent("/var/lib/lind-root", "/a/b/../c")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected idempotent round trip")
	}
}

func TestAddLindRootTooLong(t *testing.T) {
	root := "/var/lib/lind-root"
	long := make([]byte, PathMax)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := AddLindRoot(root, "/"+string(long), true, nil); err != ErrPathTooLong {
		t.Fatalf("expected ErrPathTooLong, got %v", err)
	}
}

func TestTranslateVmmapAddrRespectsProt(t *testing.T) {
	vm := vmmap.New(1, 0x1000000000, 4)

	if _, err := TranslateVmmapAddr(vm, 0, vmmap.ProtRead); err != nil {
		t.Fatalf("expected heap page to be readable: %v", err)
	}

	unmapped := uint32(4 * vmmap.PageSize)
	if _, err := TranslateVmmapAddr(vm, unmapped, vmmap.ProtRead); err != ErrBadPointer {
		t.Fatalf("expected ErrBadPointer for unmapped page, got %v", err)
	}
}

func TestConvertFd(t *testing.T) {
	table := fdtable.InitEmpty(1)
	vfd, err := table.GetUnusedVirtualFd(fdtable.KindKernel, 7, false, nil)
	if err != nil {
		t.Fatal(err)
	}

	host, err := ConvertFd(table, int32(vfd))
	if err != nil {
		t.Fatal(err)
	}
	if host != 7 {
		t.Fatalf("host fd = %d, want 7", host)
	}

	if _, err := ConvertFd(table, 99); err != fdtable.ErrBadFd {
		t.Fatalf("expected ErrBadFd, got %v", err)
	}
}

func TestCheckArgOwner(t *testing.T) {
	if err := CheckArgOwner(Fast, 1, 2); err != nil {
		t.Fatalf("fast mode should ignore mismatch: %v", err)
	}
	if err := CheckArgOwner(Secure, 1, 1); err != nil {
		t.Fatalf("secure mode should accept matching owner: %v", err)
	}
	if err := CheckArgOwner(Secure, 1, 2); err == nil {
		t.Fatal("secure mode should reject mismatched owner")
	}
}
