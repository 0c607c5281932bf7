package syscalls

import (
	"sync/atomic"

	log "cagekernel/pkg/minilog"

	"cagekernel/internal/cage"
	"cagekernel/internal/pathtrans"
	"cagekernel/internal/threei"
	"cagekernel/internal/vmmap"
)

// Kernel owns the registry and dispatcher singletons and wires the native
// syscall table onto them, grounded on cmd/minimega/main.go's single
// top-level state owner (vmID counter, VMs list, cc server) that every
// command handler closes over.
type Kernel struct {
	Registry   *cage.Registry
	Dispatcher *threei.Dispatcher

	SandboxRoot string
	Mode        pathtrans.Mode

	nextCageID uint64
}

// UtilityCageID and InitCageID are reserved per spec.md §3.
const (
	UtilityCageID uint64 = 0
	InitCageID    uint64 = 1
)

// NewKernel builds an empty kernel and registers every native handler
// against its dispatcher. sandboxRoot is the compile-time LIND_ROOT prefix
// (spec.md §6).
func NewKernel(sandboxRoot string, mode pathtrans.Mode) *Kernel {
	k := &Kernel{
		Registry:    cage.NewRegistry(),
		Dispatcher:  threei.New(Exit),
		SandboxRoot: sandboxRoot,
		Mode:        mode,
		nextCageID:  2, // 0 and 1 are reserved
	}

	k.Dispatcher.RegisterNative(Fork, k.sysFork)
	k.Dispatcher.RegisterNative(Exit, k.sysExit)
	k.Dispatcher.RegisterNative(Exec, k.sysExec)
	k.Dispatcher.RegisterNative(Wait, k.sysWait)
	k.Dispatcher.RegisterNative(Waitpid, k.sysWaitpid)
	k.Dispatcher.RegisterNative(GetPid, k.sysGetPid)
	k.Dispatcher.RegisterNative(GetPPid, k.sysGetPPid)
	k.Dispatcher.RegisterNative(GetUid, k.sysGetUid)
	k.Dispatcher.RegisterNative(GetEuid, k.sysGetEuid)
	k.Dispatcher.RegisterNative(GetGid, k.sysGetGid)
	k.Dispatcher.RegisterNative(GetEgid, k.sysGetEgid)
	k.Dispatcher.RegisterNative(Mmap, k.sysMmap)
	k.Dispatcher.RegisterNative(Munmap, k.sysMunmap)
	k.Dispatcher.RegisterNative(Brk, k.sysBrk)
	k.Dispatcher.RegisterNative(Sbrk, k.sysSbrk)
	k.Dispatcher.RegisterNative(Open, k.sysOpen)
	k.Dispatcher.RegisterNative(Read, k.sysRead)
	k.Dispatcher.RegisterNative(Write, k.sysWrite)
	k.Dispatcher.RegisterNative(Close, k.sysClose)
	k.Dispatcher.RegisterNative(Mkdir, k.sysMkdir)
	k.Dispatcher.RegisterNative(Fcntl, k.sysFcntl)

	return k
}

// NextCageID allocates the next monotonically increasing, non-reserved
// CageId, per spec.md §3.
func (k *Kernel) NextCageID() uint64 {
	return atomic.AddUint64(&k.nextCageID, 1) - 1
}

// BootstrapCage creates and registers a root cage (Parent == CageID), used
// for the utility and init cages at rt_init time. The initial heap pages are
// mprotected read|write on the host so they match the cage's Vmmap.
func (k *Kernel) BootstrapCage(id uint64, baseAddress uint64, heapPages uint32, defaultUID, defaultGID int32) *cage.Cage {
	c := cage.New(id, baseAddress, heapPages, defaultUID, defaultGID)
	if err := mprotectRegion(baseAddress, 0, heapPages, vmmap.ProtRead|vmmap.ProtWrite); err != nil {
		log.Error("kernel: cage %d: mprotect initial heap failed: %v", id, err)
	}
	k.Registry.Add(id, c)
	log.Debug("kernel: bootstrapped cage %d at base %#x", id, baseAddress)
	return c
}
