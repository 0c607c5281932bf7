// Command cagekerneld is the host process: it runs rt_init, seeds cage 0
// (utility) and cage 1 (init), and serves the cage kernel's admin protocol
// over a unix control socket for cagectl to drive.
//
// Grounded on the teacher's cmd/minimega/main.go (flag-based configuration,
// pidfile under a base path, signal-driven teardown) and
// cmd/minimega/command_socket.go (accept loop handing each connection to a
// per-connection handler).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	log "cagekernel/pkg/minilog"

	"cagekernel/internal/console"
	"cagekernel/internal/entry"
	"cagekernel/internal/hostinfo"
	"cagekernel/internal/pathtrans"
	"cagekernel/internal/syscalls"
	"cagekernel/internal/threei"
)

var (
	fBase     = flag.String("base", "/tmp/cagekernel", "base path for cagekerneld's control socket and pidfile")
	fRoot     = flag.String("root", "/opt/sandbox", "sandbox root prefixed to every translated guest path (LIND_ROOT)")
	fSecure   = flag.Bool("secure", false, "run the path/arg translator in secure mode (cross-check arg_cage_id)")
	fForce    = flag.Bool("force", false, "run even if a cagekerneld pidfile already exists")
	fHeapPage = flag.Uint("heap-pages", 16, "initial heap size, in pages, for bootstrapped cages")
)

const banner = `cagekernel, a user-space POSIX-emulation microkernel`

func usage() {
	fmt.Println(banner)
	fmt.Println("usage: cagekerneld [option]...")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.Init()

	mode := pathtrans.Fast
	if *fSecure {
		mode = pathtrans.Secure
	}

	if err := os.MkdirAll(*fBase, 0770); err != nil {
		log.Fatal("mkdir base path: %v", err)
	}

	pidPath := filepath.Join(*fBase, "cagekerneld.pid")
	if _, err := os.Stat(pidPath); err == nil && !*fForce {
		log.Fatal("cagekerneld appears to already be running (found %s), override with -force", pidPath)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0664); err != nil {
		log.Errorln(err)
	}

	rt, err := rtInit(*fRoot, mode, uint32(*fHeapPage))
	if err != nil {
		log.Fatal("rt_init: %v", err)
	}

	sock := filepath.Join(*fBase, "cagekerneld")
	os.Remove(sock)
	if err := serveControlSocket(rt, sock); err != nil {
		log.Fatal("control socket: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("caught signal, tearing down")
	rtFinalize(rt)
	os.Remove(sock)
	os.Remove(pidPath)
}

// runtime bundles the process-lifetime singletons spec.md §9 calls out as
// unavoidable: the cage registry, the 3i handler table, and the exiting
// set, all of which live inside *syscalls.Kernel's Registry/Dispatcher.
type runtime struct {
	Kernel   *syscalls.Kernel
	Entry    *entry.Entry
	Cap      interface{} // threei capability token, see rtInit
	Console1 *console.Console
}

// rtInit is the rt_init(verbosity) pair spec.md §9 calls for: it builds the
// kernel, seeds cage 0 (utility, /dev/null stdio) and cage 1 (init, pty
// console), and mints the harsh-exit capability token only this function
// hands out.
func rtInit(root string, mode pathtrans.Mode, heapPages uint32) (*runtime, error) {
	k := syscalls.NewKernel(root, mode)
	e := entry.New(k)

	utilityBase, err := syscalls.AllocateLinearMemory(syscalls.LinearMemoryPages)
	if err != nil {
		return nil, fmt.Errorf("reserving linear memory for utility cage: %w", err)
	}
	utility := k.BootstrapCage(syscalls.UtilityCageID, utilityBase, heapPages, 0, 0)
	if err := console.SeedDevNull(utility.Fdtable); err != nil {
		return nil, fmt.Errorf("seeding utility cage stdio: %w", err)
	}

	initBase, err := syscalls.AllocateLinearMemory(syscalls.LinearMemoryPages)
	if err != nil {
		return nil, fmt.Errorf("reserving linear memory for init cage: %w", err)
	}
	initCage := k.BootstrapCage(syscalls.InitCageID, initBase, heapPages, 0, 0)

	con, err := console.Open()
	if err != nil {
		log.Warn("rt_init: no pty available (%v), falling back to /dev/null for init cage stdio", err)
		if err := console.SeedDevNull(initCage.Fdtable); err != nil {
			return nil, err
		}
	} else if err := con.SeedStdio(initCage.Fdtable); err != nil {
		return nil, fmt.Errorf("seeding init cage stdio: %w", err)
	}

	log.Info("rt_init: cages 0 (utility) and 1 (init) bootstrapped, sandbox root %s, mode=%v", root, mode)

	return &runtime{Kernel: k, Entry: e, Cap: threei.NewCapability(), Console1: con}, nil
}

// rtFinalize drains the registry, driving an exit for every remaining cage,
// per spec.md §9's "on finalize drives an exit for every remaining cage."
func rtFinalize(rt *runtime) {
	ids := rt.Kernel.Registry.List()
	for _, id := range ids {
		rt.Kernel.Registry.Exit(id, 0)
	}
	rt.Kernel.Registry.ClearAll()
	if rt.Console1 != nil {
		rt.Console1.Close()
	}
	log.Info("rt_finalize: torn down %d remaining cages", len(ids))
}

// readHostinfo backs the "hostinfo" admin command.
func readHostinfo() (string, error) {
	snap, err := hostinfo.Read("/proc")
	if err != nil {
		return "", err
	}
	return snap.String(), nil
}
