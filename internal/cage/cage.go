// Package cage implements the per-process container and its registry
// described in spec.md §3/§4.1: birth via fork, cleanup via exit,
// parent/child zombie collection, and waitpid semantics.
//
// Grounded on the teacher's cmd/minimega/vm.go (BaseVM: per-VM mutex,
// atomically updated State, embedded lifecycle fields) and
// cmd/minimega/vmlist.go (VMs map[int]VM behind a single lock, Clone()
// snapshot-for-iteration pattern).
package cage

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	log "cagekernel/pkg/minilog"

	"cagekernel/internal/fdtable"
	"cagekernel/internal/vmmap"
)

// Unset is the sentinel spec.md §3 assigns to uid/gid/euid/egid before
// first read: "uninitialized; return default on first read and cache it."
const Unset int32 = -1

var (
	ErrNoChild  = errors.New("cage: no child")
	ErrNotChild = errors.New("cage: target is not a live child of caller")
)

// Zombie is a terminated child's record, awaiting collection by its
// parent's wait/waitpid.
type Zombie struct {
	CageID   uint64
	ExitCode int32
}

// Cage is the per-process container owned by the Registry. Fields exposed
// to collaborators (vmmap, fdtable) follow the teacher's BaseVM convention
// of a coarse mutex over the rarely-contended fields (cwd) plus lock-free
// atomics over the hot scalar fields (uid family, child_num,
// main_thread_id).
type Cage struct {
	CageID uint64
	Parent uint64

	mu  sync.RWMutex
	cwd []string

	uid  int32
	gid  int32
	euid int32
	egid int32

	mainThreadID int64
	childNum     int64

	zombieMu   sync.Mutex
	zombieCond *sync.Cond
	zombies    []Zombie

	Vmmap   *vmmap.Vmmap
	Fdtable *fdtable.Table

	defaultUID int32
	defaultGID int32
}

// New creates a root cage (Parent == CageID) with an empty fdtable and a
// fresh Vmmap. Non-root cages are created via Fork instead.
func New(cageID uint64, baseAddress uint64, heapPages uint32, defaultUID, defaultGID int32) *Cage {
	c := &Cage{
		CageID:     cageID,
		Parent:     cageID,
		cwd:        []string{},
		uid:        Unset,
		gid:        Unset,
		euid:       Unset,
		egid:       Unset,
		Vmmap:      vmmap.New(cageID, baseAddress, heapPages),
		Fdtable:    fdtable.InitEmpty(cageID),
		defaultUID: defaultUID,
		defaultGID: defaultGID,
	}
	c.zombieCond = sync.NewCond(&c.zombieMu)
	return c
}

// Cwd returns a copy of the current working directory components.
func (c *Cage) Cwd() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.cwd...)
}

// SetCwd atomically replaces the working directory.
func (c *Cage) SetCwd(comps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cwd = append([]string(nil), comps...)
}

// idField resolves one of the lazily-defaulted id fields: a stored Unset
// value is replaced by def and cached, matching spec.md §3's "uninitialized;
// return default on first read and cache it."
func idField(slot *int32, def int32) int32 {
	for {
		cur := atomic.LoadInt32(slot)
		if cur != Unset {
			return cur
		}
		if atomic.CompareAndSwapInt32(slot, Unset, def) {
			return def
		}
	}
}

func (c *Cage) Uid() int32  { return idField(&c.uid, c.defaultUID) }
func (c *Cage) Gid() int32  { return idField(&c.gid, c.defaultGID) }
func (c *Cage) Euid() int32 { return idField(&c.euid, c.defaultUID) }
func (c *Cage) Egid() int32 { return idField(&c.egid, c.defaultGID) }

func (c *Cage) SetUid(v int32)  { atomic.StoreInt32(&c.uid, v) }
func (c *Cage) SetGid(v int32)  { atomic.StoreInt32(&c.gid, v) }
func (c *Cage) SetEuid(v int32) { atomic.StoreInt32(&c.euid, v) }
func (c *Cage) SetEgid(v int32) { atomic.StoreInt32(&c.egid, v) }

// MainThreadID returns the cage's opaque main-thread handle.
func (c *Cage) MainThreadID() int64 { return atomic.LoadInt64(&c.mainThreadID) }

// SetMainThreadID installs the cage's main-thread handle.
func (c *Cage) SetMainThreadID(id int64) { atomic.StoreInt64(&c.mainThreadID, id) }

// ChildNum returns the number of live children this cage currently has.
func (c *Cage) ChildNum() int64 { return atomic.LoadInt64(&c.childNum) }

func (c *Cage) incChild() { atomic.AddInt64(&c.childNum, 1) }

// decChildAndPushZombie decrements childNum and appends z under the same
// zombieMu critical section Wait's "no more zombies will ever appear"
// check (childNum == 0 && zombies empty) reads under, so a concurrent
// Wait can never observe the decrement without the zombie push that must
// accompany it. A waiter that checked target is a live child of the caller
// before calling this and an exiting child calling it race on exactly this
// pair of updates, per spec.md §5's child_num/zombie invariant.
func (c *Cage) decChildAndPushZombie(z Zombie) {
	c.zombieMu.Lock()
	atomic.AddInt64(&c.childNum, -1)
	c.zombies = append(c.zombies, z)
	c.zombieCond.Broadcast()
	c.zombieMu.Unlock()
}

// popZombieAny pops the oldest zombie regardless of cage id.
func (c *Cage) popZombieAny() (Zombie, bool) {
	if len(c.zombies) == 0 {
		return Zombie{}, false
	}
	z := c.zombies[0]
	c.zombies = c.zombies[1:]
	return z, true
}

// popZombieFor pops the oldest zombie matching target, if any.
func (c *Cage) popZombieFor(target uint64) (Zombie, bool) {
	for i, z := range c.zombies {
		if z.CageID == target {
			c.zombies = append(c.zombies[:i], c.zombies[i+1:]...)
			return z, true
		}
	}
	return Zombie{}, false
}

// WaitOptions mirrors the POSIX waitpid options this core understands.
type WaitOptions struct {
	NoHang bool
}

// Wait implements waitpid(cage_id, target, options) per spec.md §4.3.
// target <= 0 waits for any child; target > 0 waits for that specific
// child. Blocking uses a sync.Cond rather than the original's yield-and-
// retry loop, an allowed improvement (spec.md §5) with identical
// observable semantics.
func (c *Cage) Wait(target int64, opts WaitOptions) (reapedID uint64, exitCode int32, err error) {
	c.zombieMu.Lock()
	defer c.zombieMu.Unlock()

	for {
		if target <= 0 {
			if z, ok := c.popZombieAny(); ok {
				return z.CageID, z.ExitCode, nil
			}
		} else {
			if z, ok := c.popZombieFor(uint64(target)); ok {
				return z.CageID, z.ExitCode, nil
			}
		}

		if c.ChildNum() == 0 && len(c.zombies) == 0 {
			return 0, 0, ErrNoChild
		}

		if opts.NoHang {
			return 0, 0, nil
		}

		c.zombieCond.Wait()
	}
}

// Registry is the fixed-capacity CageId -> Cage container from spec.md §4.1.
type Registry struct {
	mu    sync.RWMutex
	slots map[uint64]*Cage
}

// MaxCageID bounds the registry, per spec.md §3.
const MaxCageID = 1024

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[uint64]*Cage)}
}

// Add installs cage at id. It is a programmer error to call Add with an id
// past MaxCageID or a slot already occupied; per spec.md §4.1 this panics
// rather than returning an error, matching the source's "panics on
// capacity overflow" contract.
func (r *Registry) Add(id uint64, c *Cage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id >= MaxCageID {
		panic("cage: registry id exceeds MAX_CAGE_ID")
	}
	if _, exists := r.slots[id]; exists {
		panic("cage: registry slot already occupied")
	}
	r.slots[id] = c
	log.Debug("cage registry: added cage %d (parent=%d)", id, c.Parent)
}

// Get returns the live cage at id, or nil.
func (r *Registry) Get(id uint64) *Cage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[id]
}

// Remove clears id's slot. Outstanding handles obtained via Get remain
// valid; the registry only owns the slot, not the Cage's lifetime.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, id)
}

// List snapshots the currently live cage ids, sorted ascending. Used by the
// admin "cage list" command; unlike ClearAll it leaves the registry intact.
func (r *Registry) List() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ClearAll snapshots and clears every slot, returning the ids that were
// live. Used at process shutdown, after an Exit has been driven for each
// cage List reported, to drop any slot still left.
func (r *Registry) ClearAll() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint64, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	r.slots = make(map[uint64]*Cage)
	return ids
}

// Fork implements fork(parent_cage_id, child_cage_id) per spec.md §4.3:
// deep-copies the fdtable, clones the Vmmap, builds the child Cage with
// parent = caller, empty zombies, zero children, installs it in the
// registry, and increments the parent's child_num.
func (r *Registry) Fork(parentID, childID uint64, childBase uint64) (*Cage, error) {
	parent := r.Get(parentID)
	if parent == nil {
		return nil, errors.New("cage: fork: parent cage not found")
	}

	child := &Cage{
		CageID:     childID,
		Parent:     parentID,
		cwd:        parent.Cwd(),
		uid:        atomic.LoadInt32(&parent.uid),
		gid:        atomic.LoadInt32(&parent.gid),
		euid:       atomic.LoadInt32(&parent.euid),
		egid:       atomic.LoadInt32(&parent.egid),
		Vmmap:      parent.Vmmap.Copy(childID, childBase),
		Fdtable:    parent.Fdtable.CopyFdtableForCage(childID),
		defaultUID: parent.defaultUID,
		defaultGID: parent.defaultGID,
	}
	child.zombieCond = sync.NewCond(&child.zombieMu)

	r.Add(childID, child)
	parent.incChild()

	return child, nil
}

// Exit implements exit(cage_id, status) per spec.md §4.3: removes the
// fdtable (invoking close handlers), and if the cage is non-root, decrements
// the parent's child_num and pushes a Zombie onto the parent's queue. If the
// parent has already exited the zombie is silently dropped, a known gap
// preserved per spec.md §7/§9.
func (r *Registry) Exit(cageID uint64, status int32) {
	c := r.Get(cageID)
	if c == nil {
		return
	}

	c.Fdtable.RemoveCageFromFdtable()
	r.Remove(cageID)

	if c.Parent == cageID {
		return // root cage, nothing to notify
	}

	parent := r.Get(c.Parent)
	if parent == nil {
		log.Debug("cage %d: parent %d already exited, dropping zombie", cageID, c.Parent)
		return
	}

	parent.decChildAndPushZombie(Zombie{CageID: cageID, ExitCode: status})
}

// Exec implements exec(cage_id) per spec.md §4.3: purges cloexec fds,
// clears the Vmmap, and resets the main-thread id, preserving cageid, cwd,
// parent.
func (c *Cage) Exec() {
	c.Fdtable.EmptyFdsForExec()
	c.Vmmap.Clear()
	c.SetMainThreadID(0)
}
