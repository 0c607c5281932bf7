// Package syscalls implements the native syscall table and wrappers
// described in spec.md §4.6: fork/exit/exec/wait/waitpid/mmap/brk/sbrk/
// munmap/open/read/write/close/mkdir/fcntl/getpid-family, wired onto the
// real host via golang.org/x/sys/unix.
//
// Grounded on the teacher's cmd/minimega/container.go (containerShim's
// fork/exec lifecycle, fixed fd numbering across the shim) and
// cmd/minimega/vm.go's Launch/Kill state machine for the process-lifecycle
// shape.
package syscalls

import "cagekernel/internal/threei"

// Call numbers, fixed per spec.md §6's reserved identifier list. This repo
// does not attempt to track any historical alternate numbering (see
// DESIGN.md's Open Question decisions).
const (
	Open    threei.CallNumber = 10
	Read    threei.CallNumber = 12
	Write   threei.CallNumber = 13
	Close   threei.CallNumber = 11
	Mkdir   threei.CallNumber = 83
	Fcntl   threei.CallNumber = 28
	Mmap    threei.CallNumber = 21
	Munmap  threei.CallNumber = 22
	Brk     threei.CallNumber = 175
	Sbrk    threei.CallNumber = 176
	GetPid  threei.CallNumber = 31
	GetPPid threei.CallNumber = 29
	GetUid  threei.CallNumber = 50
	GetEuid threei.CallNumber = 51
	GetGid  threei.CallNumber = 52
	GetEgid threei.CallNumber = 53
	Exit    threei.CallNumber = 30
	Fork    threei.CallNumber = 171
	Exec    threei.CallNumber = 69
	Wait    threei.CallNumber = 172
	Waitpid threei.CallNumber = 173
)

// NoFd marks an mmap argument slot that carries no file descriptor
// (anonymous mapping).
const NoFd = ^uint64(0)
