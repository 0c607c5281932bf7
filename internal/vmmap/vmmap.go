// Package vmmap implements the per-cage page-indexed address space map
// described in spec.md §3/§4.2: it validates and translates guest pointers,
// backs mmap/munmap/brk, and supports the fork-style deep copy a new cage
// needs.
//
// The design has no direct teacher analogue -- minimega multiplexes whole
// VMs, not guest address spaces inside one process -- so this package is
// new logic, shaped after the general "search for free space, overwrite on
// install" vocabulary of an interval allocator (see DESIGN.md).
package vmmap

import (
	"errors"
	"sort"
	"sync"

	log "cagekernel/pkg/minilog"
)

var (
	// ErrNoSpace names the condition where no sufficiently large, aligned,
	// non-overlapping range exists. FindMapSpace/FindMapSpaceWithHint do not
	// return it; they report that case as ok == false.
	ErrNoSpace = errors.New("vmmap: no free address space")
	// ErrOutOfRange is returned by SysToUser when the host address falls
	// outside the cage's linear memory.
	ErrOutOfRange = errors.New("vmmap: address out of range")
)

// Vmmap is a page-granular interval map for one cage's 32-bit guest linear
// memory, offset from a 64-bit host base address.
type Vmmap struct {
	mu sync.RWMutex

	cageID      uint64
	baseAddress uint64

	// entries is kept sorted by StartPage with no overlaps.
	entries []*Entry

	// programBreak is the page index of the current end-of-heap; it always
	// equals entries[0].NPages (the heap entry installed at page 0).
	programBreak uint32
}

// New creates a Vmmap for cageID whose guest linear memory is hosted at
// baseAddress, with an initial heap entry of heapPages pages at page 0.
func New(cageID uint64, baseAddress uint64, heapPages uint32) *Vmmap {
	heap := &Entry{
		StartPage: 0,
		NPages:    heapPages,
		Prot:      ProtRead | ProtWrite,
		MaxProt:   ProtRead | ProtWrite,
		Flags:     FlagPrivate | FlagAnonymous,
		Backing:   AnonymousBacking(),
		CageID:    cageID,
	}

	return &Vmmap{
		cageID:       cageID,
		baseAddress:  baseAddress,
		entries:      []*Entry{heap},
		programBreak: heapPages,
	}
}

// ProgramBreak returns the current end-of-heap page index.
func (v *Vmmap) ProgramBreak() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.programBreak
}

// UserToSys translates a guest address to a host address.
func (v *Vmmap) UserToSys(addr uint32) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.baseAddress + uint64(addr)
}

// SysToUser translates a host address back to a guest address, or
// ErrOutOfRange if it does not fall within this cage's linear memory.
func (v *Vmmap) SysToUser(addr uint64) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if addr < v.baseAddress || addr-v.baseAddress > 0xFFFFFFFF {
		return -1, ErrOutOfRange
	}
	return int64(addr - v.baseAddress), nil
}

// FindPage returns a snapshot of the entry covering page, or nil if no
// entry covers it.
func (v *Vmmap) FindPage(page uint32) *Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if e := v.findLocked(page); e != nil {
		return e.Clone()
	}
	return nil
}

func (v *Vmmap) findLocked(page uint32) *Entry {
	i := sort.Search(len(v.entries), func(i int) bool {
		return v.entries[i].EndPage() > page
	})
	if i < len(v.entries) && v.entries[i].StartPage <= page {
		return v.entries[i]
	}
	return nil
}

// FindMapSpace returns the lowest page range of length pages whose start is
// a multiple of align and which overlaps no existing entry. ok is false if
// no such range exists below 2^32 pages.
func (v *Vmmap) FindMapSpace(pages, align uint32) (start uint32, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.findSpaceLocked(pages, align, 1) // page 0 is reserved for the heap
}

// FindMapSpaceWithHint is FindMapSpace but starts searching at or above
// hint, falling back to the full range (from page 1) if nothing fits above
// the hint.
func (v *Vmmap) FindMapSpaceWithHint(pages, align, hint uint32) (start uint32, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if start, ok := v.findSpaceLocked(pages, align, hint); ok {
		return start, true
	}
	return v.findSpaceLocked(pages, align, 1)
}

// findSpaceLocked scans entries (sorted by StartPage) for the first gap of
// at least pages pages, aligned to align, at or above from.
func (v *Vmmap) findSpaceLocked(pages, align, from uint32) (uint32, bool) {
	if align == 0 {
		align = 1
	}
	if pages == 0 {
		pages = 1
	}

	alignUp := func(p uint32) uint32 {
		rem := p % align
		if rem == 0 {
			return p
		}
		return p + (align - rem)
	}

	cursor := alignUp(from)

	for _, e := range v.entries {
		if e.Removed {
			continue
		}
		if cursor+pages <= e.StartPage {
			return cursor, true
		}
		if e.EndPage() > cursor {
			cursor = alignUp(e.EndPage())
		}
	}

	if uint64(cursor)+uint64(pages) > 1<<32 {
		return 0, false
	}

	return cursor, true
}

// CheckExistingMapping reports whether every page in [start, start+npages)
// is mapped with at least prot permissions. sysBrk does not use it: brk
// growth instead requires the pages it grows into to be unmapped.
func (v *Vmmap) CheckExistingMapping(start, npages uint32, prot Prot) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	page := start
	end := start + npages
	for page < end {
		e := v.findLocked(page)
		if e == nil || e.Removed || e.Prot&prot != prot {
			return false
		}
		page = e.EndPage()
	}
	return true
}

// AddEntryWithOverwrite atomically installs a new entry covering
// [start, start+npages), splitting or deleting any entry it overlaps.
// Adjacent entries with identical attributes are coalesced into the new
// entry, except the heap entry at page 0, which always stays separate.
func (v *Vmmap) AddEntryWithOverwrite(start, npages uint32, prot, maxProt Prot, flags Flags, backing Backing, fileOffset, fileSize uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	newEntry := &Entry{
		StartPage:  start,
		NPages:     npages,
		Prot:       prot,
		MaxProt:    maxProt,
		Flags:      flags,
		Backing:    backing,
		FileOffset: fileOffset,
		FileSize:   fileSize,
		CageID:     v.cageID,
	}

	kept := v.clipLocked(start, npages)
	kept = append(kept, newEntry)
	sort.Slice(kept, func(i, j int) bool { return kept[i].StartPage < kept[j].StartPage })

	v.entries = coalesce(kept)

	log.Debug("vmmap[%d]: add_entry_with_overwrite start=%d npages=%d", v.cageID, start, npages)
}

// clipLocked returns the entries that survive removing [start, start+npages)
// from the map: entries outside the range unchanged, entries straddling an
// edge split, entries fully inside the range dropped. Shared by
// AddEntryWithOverwrite (which re-adds a replacement entry over the
// cleared range) and Unmap (which does not).
func (v *Vmmap) clipLocked(start, npages uint32) []*Entry {
	var kept []*Entry
	end := start + npages

	for _, e := range v.entries {
		switch {
		case e.EndPage() <= start || e.StartPage >= end:
			kept = append(kept, e)
		case e.StartPage < start && e.EndPage() > end:
			left := e.Clone()
			left.NPages = start - e.StartPage
			right := e.Clone()
			right.StartPage = end
			right.NPages = e.EndPage() - end
			kept = append(kept, left, right)
		case e.StartPage < start:
			left := e.Clone()
			left.NPages = start - e.StartPage
			kept = append(kept, left)
		case e.EndPage() > end:
			right := e.Clone()
			right.StartPage = end
			right.NPages = e.EndPage() - end
			kept = append(kept, right)
		default:
			// e is fully covered by the range; drop it
		}
	}

	return kept
}

// Unmap removes [start, start+npages) from the map entirely (munmap),
// splitting any straddling entry. Unlike AddEntryWithOverwrite, no
// replacement entry is installed, so the range becomes free for a later
// FindMapSpace to reuse.
func (v *Vmmap) Unmap(start, npages uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	kept := v.clipLocked(start, npages)
	sort.Slice(kept, func(i, j int) bool { return kept[i].StartPage < kept[j].StartPage })
	v.entries = coalesce(kept)

	log.Debug("vmmap[%d]: unmap start=%d npages=%d", v.cageID, start, npages)
}

func coalesce(entries []*Entry) []*Entry {
	if len(entries) == 0 {
		return entries
	}

	out := entries[:1]
	for _, e := range entries[1:] {
		last := out[len(out)-1]
		// The heap entry at page 0 is never merged with a neighbour, so its
		// NPages keeps matching programBreak.
		if last.StartPage != 0 && last.EndPage() == e.StartPage && last.sameAttrs(e) {
			last.NPages += e.NPages
			continue
		}
		out = append(out, e)
	}
	return out
}

// SetProgramBreak installs or shrinks the heap entry at page 0 so that its
// NPages equals newBreak, and records newBreak as the program break. The
// caller is responsible for performing the corresponding host mmap call
// before/after this is invoked (see internal/syscalls/memory.go).
func (v *Vmmap) SetProgramBreak(newBreak uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	heap := v.entries[0]
	heap.NPages = newBreak
	v.programBreak = newBreak
}

// Clear removes every entry, leaving only an empty (zero-page) heap entry at
// page 0, and resets the program break to 0. Used when a cage execs.
func (v *Vmmap) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries = []*Entry{{
		StartPage: 0,
		NPages:    0,
		Prot:      ProtRead | ProtWrite,
		MaxProt:   ProtRead | ProtWrite,
		Flags:     FlagPrivate | FlagAnonymous,
		Backing:   AnonymousBacking(),
		CageID:    v.cageID,
	}}
	v.programBreak = 0
}

// Snapshot returns a deep copy of every live entry, sorted by StartPage.
// Used by Copy (fork) and by diagnostic dumps.
func (v *Vmmap) Snapshot() []*Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]*Entry, 0, len(v.entries))
	for _, e := range v.entries {
		if !e.Removed {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Copy builds a new Vmmap for childCageID and childBase that contains a
// deep copy of every entry in v, used when a cage forks.
func (v *Vmmap) Copy(childCageID uint64, childBase uint64) *Vmmap {
	snap := v.Snapshot()

	child := &Vmmap{
		cageID:      childCageID,
		baseAddress: childBase,
	}
	for _, e := range snap {
		c := e.Clone()
		c.CageID = childCageID
		child.entries = append(child.entries, c)
	}

	child.mu.Lock()
	child.programBreak = v.ProgramBreak()
	child.mu.Unlock()

	return child
}
