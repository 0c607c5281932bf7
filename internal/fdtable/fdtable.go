// Package fdtable implements the per-cage virtual file descriptor table
// described in spec.md §3/§4.4: indirection from a small virtual fd to an
// underlying host resource, with fork copy, exec-purge, and close-on-exec
// semantics.
//
// Grounded on the teacher's cmd/minimega/container.go, which threads a
// container's stdin/stdout/stderr and a logging fd across a fork+exec shim
// on fixed fd numbers and closes some of them before exec, and on
// internal/ron/ufs.go's per-client file handle bookkeeping.
package fdtable

import (
	"errors"
	"fmt"
	"sync"

	log "cagekernel/pkg/minilog"
)

// KindKernel marks an entry whose UnderFD is a literal host file
// descriptor, as opposed to a kind defined by a collaborator (e.g. a pipe
// endpoint, a socket abstraction layered over several host fds).
const KindKernel = "KERNEL"

// MaxFds bounds how many virtual fds a single cage may hold open at once.
const MaxFds = 1024

var (
	ErrTooManyOpen = errors.New("fdtable: too many open files")
	ErrBadFd       = errors.New("fdtable: bad file descriptor")
	ErrFdInUse     = errors.New("fdtable: virtual fd already in use")
)

// CloseHandler is invoked when the last reference to an entry of its kind
// is closed. EpochHandler is invoked once per remaining entry of its kind
// at process shutdown, regardless of reference count.
type CloseHandler func(e *Entry) error
type EpochHandler func(e *Entry)

var (
	hookMu        sync.Mutex
	closeHandlers = map[string]CloseHandler{}
	epochHandlers = map[string]EpochHandler{}
)

// RegisterCloseHandler installs the close hook for a kind. Intended to be
// called during rt_init, once per kind the runtime knows about.
func RegisterCloseHandler(kind string, fn CloseHandler) {
	hookMu.Lock()
	defer hookMu.Unlock()
	closeHandlers[kind] = fn
}

// RegisterEpochHandler installs the shutdown hook for a kind.
func RegisterEpochHandler(kind string, fn EpochHandler) {
	hookMu.Lock()
	defer hookMu.Unlock()
	epochHandlers[kind] = fn
}

func closeHandlerFor(kind string) CloseHandler {
	hookMu.Lock()
	defer hookMu.Unlock()
	return closeHandlers[kind]
}

func epochHandlerFor(kind string) EpochHandler {
	hookMu.Lock()
	defer hookMu.Unlock()
	return epochHandlers[kind]
}

// refcount is shared across every Entry copy descending from the same
// underlying host resource, so that CopyFdtableForCage followed by two
// independent closes only invokes the close handler once.
type refcount struct {
	mu sync.Mutex
	n  int
}

// Entry describes one virtual fd's binding.
type Entry struct {
	Kind     string
	UnderFD  int32
	Cloexec  bool
	Extra    interface{}
	refcount *refcount
}

// Table is the per-cage virtual fd -> Entry map.
type Table struct {
	mu      sync.Mutex
	cageID  uint64
	entries map[int32]*Entry
}

// InitEmpty creates an empty table for cageID. Standard fds are seeded by
// the caller via GetSpecificVirtualFd, matching spec.md §4.4's invariant
// that vfds 0/1/2 always exist once a cage is live.
func InitEmpty(cageID uint64) *Table {
	return &Table{
		cageID:  cageID,
		entries: make(map[int32]*Entry),
	}
}

// GetUnusedVirtualFd allocates the lowest unused vfd and binds it.
func (t *Table) GetUnusedVirtualFd(kind string, underFD int32, cloexec bool, extra interface{}) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var vfd int32 = -1
	for i := int32(0); i < MaxFds; i++ {
		if _, ok := t.entries[i]; !ok {
			vfd = i
			break
		}
	}
	if vfd == -1 {
		return -1, ErrTooManyOpen
	}

	t.entries[vfd] = &Entry{
		Kind:     kind,
		UnderFD:  underFD,
		Cloexec:  cloexec,
		Extra:    extra,
		refcount: &refcount{n: 1},
	}
	return vfd, nil
}

// GetSpecificVirtualFd installs an entry at an explicit vfd, used to seed
// stdin/stdout/stderr.
func (t *Table) GetSpecificVirtualFd(vfd int32, kind string, underFD int32, cloexec bool, extra interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[vfd]; ok {
		return ErrFdInUse
	}

	t.entries[vfd] = &Entry{
		Kind:     kind,
		UnderFD:  underFD,
		Cloexec:  cloexec,
		Extra:    extra,
		refcount: &refcount{n: 1},
	}
	return nil
}

// TranslateVirtualFd looks up vfd, returning a snapshot of its entry.
func (t *Table) TranslateVirtualFd(vfd int32) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[vfd]
	if !ok {
		return Entry{}, ErrBadFd
	}
	return *e, nil
}

// Snapshot returns the live vfd -> Entry bindings as a map keyed by vfd (so
// iteration order is unspecified). Used by
// the admin "fdtable dump" command; entries are copied out from under the
// lock, matching Vmmap.Snapshot's contract.
func (t *Table) Snapshot() map[int32]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[int32]Entry, len(t.entries))
	for vfd, e := range t.entries {
		out[vfd] = *e
	}
	return out
}

// SetCloexec updates the cloexec bit on an existing entry (used by fcntl
// F_SETFD).
func (t *Table) SetCloexec(vfd int32, cloexec bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[vfd]
	if !ok {
		return ErrBadFd
	}
	e.Cloexec = cloexec
	return nil
}

// Close removes vfd from the table, invoking the kind's close handler if
// this was the last reference to the underlying resource.
func (t *Table) Close(vfd int32) error {
	t.mu.Lock()
	e, ok := t.entries[vfd]
	if !ok {
		t.mu.Unlock()
		return ErrBadFd
	}
	delete(t.entries, vfd)
	t.mu.Unlock()

	return t.release(e)
}

func (t *Table) release(e *Entry) error {
	e.refcount.mu.Lock()
	e.refcount.n--
	last := e.refcount.n == 0
	e.refcount.mu.Unlock()

	if !last {
		return nil
	}

	if fn := closeHandlerFor(e.Kind); fn != nil {
		return fn(e)
	}
	return nil
}

// CopyFdtableForCage deep-copies t's entries into a freshly created table
// for childCageID. Every copied entry shares the original's refcount so the
// underlying host resource is only closed once both cages have closed
// their view of it, and cloexec entries are copied unchanged (they are
// purged later by the child's own EmptyFdsForExec on exec, not at fork).
func (t *Table) CopyFdtableForCage(childCageID uint64) *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	child := InitEmpty(childCageID)
	for vfd, e := range t.entries {
		e.refcount.mu.Lock()
		e.refcount.n++
		e.refcount.mu.Unlock()

		dup := *e
		child.entries[vfd] = &dup
	}

	log.Debug("fdtable: copied %d entries from cage %d to cage %d", len(t.entries), t.cageID, childCageID)
	return child
}

// EmptyFdsForExec removes every entry whose cloexec bit is set, invoking
// close handlers as needed.
func (t *Table) EmptyFdsForExec() {
	t.mu.Lock()
	var toRelease []*Entry
	for vfd, e := range t.entries {
		if e.Cloexec {
			toRelease = append(toRelease, e)
			delete(t.entries, vfd)
		}
	}
	t.mu.Unlock()

	for _, e := range toRelease {
		if err := t.release(e); err != nil {
			log.Error("fdtable: close handler for kind %s failed during exec purge: %v", e.Kind, err)
		}
	}
}

// RemoveCageFromFdtable invokes close handlers for every remaining entry
// (respecting refcounts) and drops the table. Called once, from Exit.
func (t *Table) RemoveCageFromFdtable() {
	t.mu.Lock()
	entries := t.entries
	t.entries = nil
	t.mu.Unlock()

	for _, e := range entries {
		if err := t.release(e); err != nil {
			log.Error("fdtable: close handler for kind %s failed during cage teardown: %v", e.Kind, err)
		}
	}
}

// RunEpochHandlers invokes the epoch handler for every live entry in this
// table only, regardless of per-cage refcounts. rtFinalize does not call it.
func (t *Table) RunEpochHandlers() {
	t.mu.Lock()
	entries := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	for _, e := range entries {
		if fn := epochHandlerFor(e.Kind); fn != nil {
			fn(e)
		}
	}
}

// String is a debugging aid for cagectl's fdtable dump.
func (e Entry) String() string {
	return fmt.Sprintf("{kind=%s under_fd=%d cloexec=%v}", e.Kind, e.UnderFD, e.Cloexec)
}
