package pathtrans

import (
	"errors"

	"cagekernel/internal/fdtable"
	"cagekernel/internal/vmmap"
)

// ErrBadPointer is returned by TranslateVmmapAddr when the guest address
// does not fall within a readable/writable mapping of the cage's address
// space, per spec.md §4.2's invariant that every dereferenced syscall
// argument pointer must be backed by a live Vmmap entry.
var ErrBadPointer = errors.New("pathtrans: argument pointer is not backed by a mapping")

// TranslateVmmapAddr converts a guest buffer pointer into a host address,
// requiring the page it falls on to be mapped with at least want permission.
// This is the "buffer" half of the argument translation layer described in
// spec.md §4.5: convpath handles paths, this handles raw pointers (e.g. the
// struct iovec / stat buffers passed to read/write/stat).
func TranslateVmmapAddr(vm *vmmap.Vmmap, addr uint32, want vmmap.Prot) (uint64, error) {
	page := addr / vmmap.PageSize
	e := vm.FindPage(page)
	if e == nil || e.Removed || e.Prot&want != want {
		return 0, ErrBadPointer
	}
	return vm.UserToSys(addr), nil
}

// ConvertFd translates a guest virtual fd into its underlying host fd via
// table, the per-cage fdtable. This is the fd half of argument translation:
// every syscall that takes a file descriptor argument runs it through here
// before reaching the host call in internal/syscalls.
func ConvertFd(table *fdtable.Table, vfd int32) (int32, error) {
	e, err := table.TranslateVirtualFd(vfd)
	if err != nil {
		return -1, err
	}
	return e.UnderFD, nil
}

// ArgCageID is the cross-check value a Secure-mode translator verifies
// against the cage id that minted a given argument pointer, per
// SPEC_FULL.md supplement #3. Fast mode ignores it.
type ArgCageID uint64

// CheckArgOwner enforces the Secure-mode arg_cage_id cross-check described
// in SPEC_FULL.md supplement #3: a Secure translator rejects an argument
// whose owner does not match expected, where Fast accepts any owner.
func CheckArgOwner(mode Mode, expected, got ArgCageID) error {
	if mode == Fast {
		return nil
	}
	if expected != got {
		return errors.New("pathtrans: argument cage id mismatch under secure translation")
	}
	return nil
}
