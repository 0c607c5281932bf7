// Package threei implements the 3i interposition dispatcher described in
// spec.md §3/§4.7: the handler table, grate callback registry, exiting set,
// and make_syscall/register_handler/trigger_harsh_exit entry points.
//
// Grounded on the teacher's internal/ron/server.go (a Server holds
// commands map[int]*Command behind commandLock, pushes a Command to a
// client, and collects its keyed Response) and cmd/minimega/cc.go's
// handler+filter table: register_handler's
// (caller_cage, call_number) -> (handler_index, grate_cage) map plays the
// same role as cc.go's filter table, and invoking a grate callback plays
// the role of ron.Server pushing a Command to a specific client.
package threei

import (
	"errors"
	"sort"
	"sync"

	log "cagekernel/pkg/minilog"
)

// CallNumber identifies a syscall in the native table; see
// internal/syscalls/table.go for the concrete assignment.
type CallNumber int32

// HandlerIndex identifies one grate-side callback slot for a given
// redirection.
type HandlerIndex int32

// MatchAll is the target_call_num sentinel meaning "apply to every call
// number in the syscall table."
const MatchAll CallNumber = -1

// Deregister is the grate_cage sentinel meaning "remove entries matching
// these keys" when passed to RegisterHandler.
const Deregister uint64 = ^uint64(0)

// Arg pairs a raw argument value with the CageId that owns the storage it
// refers to, per spec.md §4.6's 13-argument native call shape.
type Arg struct {
	Value   uint64
	ArgCage uint64
}

// Callback is a grate's handler for a redirected call: the grate's own
// handler_index, the original caller's cage id, and the six original
// arguments.
type Callback func(handlerIndex HandlerIndex, caller uint64, args [6]Arg) int32

// NativeHandler implements one call number against the real core.
type NativeHandler func(caller, target uint64, args [6]Arg) int32

// ErrPolicyConflict is returned by RegisterHandler when a different
// grate already owns the (target_cage, call_num, handler_index) key.
var ErrPolicyConflict = errors.New("threei: handler registration conflicts with an existing grate")

// ErrSelfRedirect is returned when a registration would trampoline a
// grate into itself for the same call number, which would recurse
// forever (SPEC_FULL.md supplement #1; not described by spec.md's core
// text but present in the original this was distilled from).
var ErrSelfRedirect = errors.New("threei: grate cannot register a redirection into itself")

// ErrExiting is returned when target_cage or grate_cage is mid-exit.
var ErrExiting = errors.New("threei: target is mid-exit")

// ErrNoSuchProcess models make_syscall decision 1: the target is in the
// exiting set and the call is not EXIT.
var ErrNoSuchProcess = errors.New("threei: no such process")

// ErrAborted models make_syscall decision 4: neither a redirection nor a
// native handler exists for the call number.
var ErrAborted = errors.New("threei: API aborted")

type handlerKey struct {
	callNum CallNumber
	index   HandlerIndex
}

// Dispatcher owns HANDLER_TABLE, GRATE_ENTRY and EXITING_SET.
type Dispatcher struct {
	mu sync.RWMutex

	// handlerTable[target_cage][handlerKey] = grate_cage
	handlerTable map[uint64]map[handlerKey]uint64

	// grateEntry[grate_cage] = callback
	grateEntry map[uint64]Callback

	exiting map[uint64]struct{}

	natives map[CallNumber]NativeHandler

	// ExitCallNumber is the call number make_syscall treats specially:
	// exempt from the exiting-set check, and triggers HANDLER_TABLE /
	// GRATE_ENTRY scrubbing for the caller before invocation.
	ExitCallNumber CallNumber
}

// New creates an empty dispatcher. exitCallNumber should be the native
// table's exit call number (see internal/syscalls.Exit).
func New(exitCallNumber CallNumber) *Dispatcher {
	return &Dispatcher{
		handlerTable:   make(map[uint64]map[handlerKey]uint64),
		grateEntry:     make(map[uint64]Callback),
		exiting:        make(map[uint64]struct{}),
		natives:        make(map[CallNumber]NativeHandler),
		ExitCallNumber: exitCallNumber,
	}
}

// RegisterNative installs the native handler for call.
func (d *Dispatcher) RegisterNative(call CallNumber, fn NativeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.natives[call] = fn
}

// RegisterGrate installs cageID's grate callback, making it eligible as a
// redirection target.
func (d *Dispatcher) RegisterGrate(cageID uint64, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grateEntry[cageID] = cb
}

func (d *Dispatcher) isExitingLocked(id uint64) bool {
	_, ok := d.exiting[id]
	return ok
}

// RegisterHandler implements register_handler per spec.md §4.7.
func (d *Dispatcher) RegisterHandler(targetCage uint64, targetCallNum CallNumber, index HandlerIndex, grateCage uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isExitingLocked(targetCage) || d.isExitingLocked(grateCage) {
		return ErrExiting
	}

	if grateCage != Deregister && targetCage == grateCage {
		return ErrSelfRedirect
	}

	if grateCage == Deregister {
		d.deregisterLocked(targetCage, targetCallNum, index)
		return nil
	}

	if targetCallNum == MatchAll {
		// Applies to every call number: conflict-check and install against
		// a dedicated MatchAll bucket that make_syscall consults as a
		// fallback when no call-number-specific entry exists.
		key := handlerKey{callNum: MatchAll, index: index}
		return d.installLocked(targetCage, key, grateCage)
	}

	key := handlerKey{callNum: targetCallNum, index: index}
	return d.installLocked(targetCage, key, grateCage)
}

func (d *Dispatcher) installLocked(targetCage uint64, key handlerKey, grateCage uint64) error {
	bucket, ok := d.handlerTable[targetCage]
	if !ok {
		bucket = make(map[handlerKey]uint64)
		d.handlerTable[targetCage] = bucket
	}

	if existing, ok := bucket[key]; ok {
		if existing == grateCage {
			return nil // idempotent re-registration
		}
		return ErrPolicyConflict
	}

	bucket[key] = grateCage
	return nil
}

// deregisterLocked removes entries matching targetCage/targetCallNum/index.
// When targetCallNum == MatchAll, every redirection involving targetCage is
// removed, per spec.md §4.7's "when both are combined" rule.
func (d *Dispatcher) deregisterLocked(targetCage uint64, targetCallNum CallNumber, index HandlerIndex) {
	bucket, ok := d.handlerTable[targetCage]
	if !ok {
		return
	}

	if targetCallNum == MatchAll {
		delete(d.handlerTable, targetCage)
		return
	}

	delete(bucket, handlerKey{callNum: targetCallNum, index: index})
	if len(bucket) == 0 {
		delete(d.handlerTable, targetCage)
	}
}

// redirectionFor picks the (handler_index, grate_cage) pair for caller's
// call_number, preferring a call-number-specific entry over a MatchAll
// entry, and the lowest handler_index when more than one entry exists at
// the chosen specificity (spec.md §4.7 decision 2 / §9).
func (d *Dispatcher) redirectionFor(caller uint64, call CallNumber) (HandlerIndex, uint64, bool) {
	bucket, ok := d.handlerTable[caller]
	if !ok {
		return 0, 0, false
	}

	if idx, grate, ok := lowestIndex(bucket, call); ok {
		return idx, grate, true
	}
	return lowestIndex(bucket, MatchAll)
}

func lowestIndex(bucket map[handlerKey]uint64, call CallNumber) (HandlerIndex, uint64, bool) {
	var keys []handlerKey
	for k := range bucket {
		if k.callNum == call {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, 0, false
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].index < keys[j].index })
	return keys[0].index, bucket[keys[0]], true
}

// scrubLocked removes cageID from HANDLER_TABLE (as a target) and from
// GRATE_ENTRY, used on exit and on trigger_harsh_exit.
func (d *Dispatcher) scrubLocked(cageID uint64) {
	delete(d.handlerTable, cageID)
	delete(d.grateEntry, cageID)

	for target, bucket := range d.handlerTable {
		for key, grate := range bucket {
			if grate == cageID {
				delete(bucket, key)
			}
		}
		if len(bucket) == 0 {
			delete(d.handlerTable, target)
		}
	}
}

// MakeSyscall implements make_syscall per spec.md §4.7's four ordered
// decisions.
func (d *Dispatcher) MakeSyscall(caller uint64, call CallNumber, target uint64, args [6]Arg) (int32, error) {
	d.mu.Lock()

	if d.isExitingLocked(target) && call != d.ExitCallNumber {
		d.mu.Unlock()
		return 0, ErrNoSuchProcess
	}

	if idx, grate, ok := d.redirectionFor(caller, call); ok {
		cb, ok := d.grateEntry[grate]
		d.mu.Unlock()
		if !ok {
			return 0, ErrAborted
		}
		return cb(idx, caller, args), nil
	}

	native, ok := d.natives[call]
	if !ok {
		d.mu.Unlock()
		return 0, ErrAborted
	}

	if call == d.ExitCallNumber {
		d.scrubLocked(caller)
	}
	d.mu.Unlock()

	return native(caller, target, args), nil
}

// capability gates TriggerHarshExit to callers that hold a token; spec.md §9
// leaves the trust mechanism unspecified, so this repo picks an unexported
// token type. Any package can obtain one through the exported NewCapability.
type capability struct{}

// NewCapability mints a capability token. Nothing restricts who calls it; in
// this repo cmd/cagekerneld's rt_init and the tests do.
func NewCapability() capability { return capability{} }

// TriggerHarshExit implements trigger_harsh_exit per spec.md §4.7: insert
// target into EXITING_SET, force exitFn(target), remove from EXITING_SET,
// then scrub every HANDLER_TABLE entry mentioning target.
func (d *Dispatcher) TriggerHarshExit(_ capability, target uint64, exitFn func(cageID uint64)) {
	d.mu.Lock()
	d.exiting[target] = struct{}{}
	d.mu.Unlock()

	exitFn(target)

	d.mu.Lock()
	delete(d.exiting, target)
	d.scrubLocked(target)
	d.mu.Unlock()

	log.Debug("threei: harsh exit completed for cage %d", target)
}

// CopyHandlerTable implements copy_handler_table per spec.md §4.7: deep
// copies every (call_number, handler_index, grate_cage) entry under src to
// dst, used to keep a child grate-accessible across fork.
func (d *Dispatcher) CopyHandlerTable(src, dst uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bucket, ok := d.handlerTable[src]
	if !ok {
		return
	}

	dstBucket := make(map[handlerKey]uint64, len(bucket))
	for k, v := range bucket {
		dstBucket[k] = v
	}
	d.handlerTable[dst] = dstBucket
}
