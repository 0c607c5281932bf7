package vmmap

// PageSize is the guest page size in bytes.
const PageSize = 4096

// Prot is a page protection bitmask (read/write/exec).
type Prot uint32

const ProtNone Prot = 0

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Flags controls mapping behavior (shared/private/fixed/anonymous).
type Flags uint32

const (
	FlagShared Flags = 1 << iota
	FlagPrivate
	FlagFixed
	FlagAnonymous
)

// AllowedMmapFlags is the subset of Flags mmap honors; every other bit is
// silently masked out per spec.md §4.3 step 1.
const AllowedMmapFlags = FlagShared | FlagPrivate | FlagFixed | FlagAnonymous

// Backing identifies what a VmmapEntry's pages are backed by: either an
// anonymous zero-fill region or a file reached through a cage's virtual fd.
// A small closed sum type suffices -- no virtual dispatch is needed.
type Backing struct {
	Anonymous bool
	VFD       int32 // valid iff !Anonymous
}

// AnonymousBacking returns a Backing for an anonymous mapping.
func AnonymousBacking() Backing { return Backing{Anonymous: true} }

// FileBacking returns a Backing for a file-descriptor-backed mapping.
func FileBacking(vfd int32) Backing { return Backing{Anonymous: false, VFD: vfd} }

// Entry is one contiguous region of guest pages sharing the same
// attributes. Entries never overlap within a Vmmap.
type Entry struct {
	StartPage uint32
	NPages    uint32

	Prot    Prot
	MaxProt Prot
	Flags   Flags

	Backing    Backing
	FileOffset uint64
	FileSize   uint64

	CageID  uint64
	Removed bool
}

// EndPage is the first page past the entry (exclusive).
func (e *Entry) EndPage() uint32 { return e.StartPage + e.NPages }

// Clone returns an independent copy of e, safe to hand to a caller that
// must not observe subsequent mutation of the original.
func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

// Overlaps reports whether e shares any page with [start, start+npages).
func (e *Entry) Overlaps(start, npages uint32) bool {
	if npages == 0 {
		return false
	}
	end := start + npages
	return e.StartPage < end && start < e.EndPage()
}

// sameAttrs reports whether e and o have equal attributes; coalesce checks
// adjacency separately.
func (e *Entry) sameAttrs(o *Entry) bool {
	return e.Prot == o.Prot && e.MaxProt == o.MaxProt && e.Flags == o.Flags &&
		e.Backing == o.Backing && e.CageID == o.CageID
}
