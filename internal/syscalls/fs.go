package syscalls

import (
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"cagekernel/internal/cage"
	"cagekernel/internal/fdtable"
	"cagekernel/internal/pathtrans"
	"cagekernel/internal/threei"
	"cagekernel/internal/vmmap"
)

func init() {
	fdtable.RegisterCloseHandler(fdtable.KindKernel, closeHostFd)
}

func closeHostFd(e *fdtable.Entry) error {
	return unix.Close(int(e.UnderFD))
}

// readCString reads a NUL-terminated string out of the cage's real backing
// host memory at hostAddr (AllocateLinearMemory reserves genuine host
// address space for each cage, so this is an ordinary pointer
// dereference, not a simulation).
func readCString(hostAddr uint64, max int) string {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hostAddr))), max)
	n := 0
	for n < max && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func hostErrno(err error) int32 {
	if errno, ok := err.(unix.Errno); ok {
		switch errno {
		case unix.ENOENT:
			return ENoEnt.Neg()
		case unix.EBADF:
			return EBadF.Neg()
		case unix.EACCES, unix.EPERM:
			return EPerm.Neg()
		case unix.EMFILE:
			return EMFile.Neg()
		case unix.ENOSPC:
			return ENoSpc.Neg()
		}
	}
	return EInval.Neg()
}

// resolvePath translates a guest NUL-terminated path pointer argument into
// a host-valid path, via translate_vmmap_addr + convpath/normpath/
// add_lind_root (spec.md §4.5). caller is checked against pathArg.ArgCage
// under Secure mode before the pointer is ever dereferenced.
func (k *Kernel) resolvePath(c *cage.Cage, caller uint64, pathArg threei.Arg) (string, error) {
	if err := pathtrans.CheckArgOwner(k.Mode, pathtrans.ArgCageID(caller), pathtrans.ArgCageID(pathArg.ArgCage)); err != nil {
		return "", err
	}
	hostAddr, err := pathtrans.TranslateVmmapAddr(c.Vmmap, uint32(pathArg.Value), vmmap.ProtRead)
	if err != nil {
		return "", err
	}
	raw := readCString(hostAddr, pathtrans.PathMax)
	return pathtrans.AddLindRoot(k.SandboxRoot, raw, strings.HasPrefix(raw, "/"), c.Cwd())
}

// sysOpen implements open(path, flags, mode).
func (k *Kernel) sysOpen(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}

	full, err := k.resolvePath(c, caller, args[0])
	if err != nil {
		return EInval.Neg()
	}

	flags := int(args[1].Value)
	mode := uint32(args[2].Value)

	hostFd, err := unix.Open(full, flags, mode)
	if err != nil {
		return hostErrno(err)
	}

	vfd, err := c.Fdtable.GetUnusedVirtualFd(fdtable.KindKernel, int32(hostFd), flags&unix.O_CLOEXEC != 0, nil)
	if err != nil {
		unix.Close(hostFd)
		return EMFile.Neg()
	}
	return int32(vfd)
}

// sysRead implements read(fd, buf, count).
func (k *Kernel) sysRead(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}

	hostFd, err := pathtrans.ConvertFd(c.Fdtable, int32(args[0].Value))
	if err != nil {
		return EBadF.Neg()
	}

	if err := pathtrans.CheckArgOwner(k.Mode, pathtrans.ArgCageID(caller), pathtrans.ArgCageID(args[1].ArgCage)); err != nil {
		return EInval.Neg()
	}
	hostAddr, err := pathtrans.TranslateVmmapAddr(c.Vmmap, uint32(args[1].Value), vmmap.ProtWrite)
	if err != nil {
		return EInval.Neg()
	}

	count := int(args[2].Value)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hostAddr))), count)

	n, err := unix.Read(int(hostFd), buf)
	if err != nil {
		return hostErrno(err)
	}
	return int32(n)
}

// sysWrite implements write(fd, buf, count).
func (k *Kernel) sysWrite(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}

	hostFd, err := pathtrans.ConvertFd(c.Fdtable, int32(args[0].Value))
	if err != nil {
		return EBadF.Neg()
	}

	if err := pathtrans.CheckArgOwner(k.Mode, pathtrans.ArgCageID(caller), pathtrans.ArgCageID(args[1].ArgCage)); err != nil {
		return EInval.Neg()
	}
	hostAddr, err := pathtrans.TranslateVmmapAddr(c.Vmmap, uint32(args[1].Value), vmmap.ProtRead)
	if err != nil {
		return EInval.Neg()
	}

	count := int(args[2].Value)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hostAddr))), count)

	n, err := unix.Write(int(hostFd), buf)
	if err != nil {
		return hostErrno(err)
	}
	return int32(n)
}

// sysClose implements close(fd).
func (k *Kernel) sysClose(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}
	if err := c.Fdtable.Close(int32(args[0].Value)); err != nil {
		return EBadF.Neg()
	}
	return 0
}

// sysMkdir implements mkdir(path, mode).
func (k *Kernel) sysMkdir(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}

	full, err := k.resolvePath(c, caller, args[0])
	if err != nil {
		return EInval.Neg()
	}

	if err := unix.Mkdir(full, uint32(args[1].Value)); err != nil {
		return hostErrno(err)
	}
	return 0
}

// fileMaxProt computes the maximum protection a file-backed mapping of vfd
// may request, by querying the underlying host fd's open mode via
// fcntl(F_GETFL) -- SPEC_FULL.md supplement #4, taken from
// syscall_conv.rs's mmap argument validation.
func (k *Kernel) fileMaxProt(c *cage.Cage, vfd int32) vmmap.Prot {
	hostFd, err := pathtrans.ConvertFd(c.Fdtable, vfd)
	if err != nil {
		return vmmap.ProtNone
	}

	flags, err := unix.FcntlInt(uintptr(hostFd), unix.F_GETFL, 0)
	if err != nil {
		return vmmap.ProtNone
	}

	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		return vmmap.ProtRead | vmmap.ProtExec
	case unix.O_WRONLY:
		return vmmap.ProtWrite
	case unix.O_RDWR:
		return vmmap.ProtRead | vmmap.ProtWrite | vmmap.ProtExec
	default:
		return vmmap.ProtNone
	}
}

// sysFcntl implements fcntl(fd, cmd, arg), including the F_GETFL/F_SETFL
// passthrough SPEC_FULL.md supplement #4 relies on for mmap's maxprot
// computation against a file-backed mapping's actual open mode.
func (k *Kernel) sysFcntl(caller, target uint64, args [6]threei.Arg) int32 {
	c := k.Registry.Get(target)
	if c == nil {
		return ESrch.Neg()
	}

	vfd := int32(args[0].Value)
	cmd := int(args[1].Value)
	arg := args[2].Value

	e, err := c.Fdtable.TranslateVirtualFd(vfd)
	if err != nil {
		return EBadF.Neg()
	}

	switch cmd {
	case unix.F_GETFD:
		if e.Cloexec {
			return 1
		}
		return 0
	case unix.F_SETFD:
		if err := c.Fdtable.SetCloexec(vfd, arg&unix.FD_CLOEXEC != 0); err != nil {
			return EBadF.Neg()
		}
		return 0
	case unix.F_GETFL:
		r, err := unix.FcntlInt(uintptr(e.UnderFD), unix.F_GETFL, 0)
		if err != nil {
			return hostErrno(err)
		}
		return int32(r)
	case unix.F_SETFL:
		r, err := unix.FcntlInt(uintptr(e.UnderFD), unix.F_SETFL, int(arg))
		if err != nil {
			return hostErrno(err)
		}
		return int32(r)
	default:
		return EInval.Neg()
	}
}
