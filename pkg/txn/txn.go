// Package txn implements the crash-consistent transaction discipline
// shared by every engine: snapshot-before-modify, atomic allocation, and
// commit/abort. A transaction is scoped to the goroutine that opened
// it — Go has no native thread-local storage, so the active transaction
// is tracked in a map keyed by goroutine id (github.com/petermattis/goid),
// the same mechanism pkg/status uses for its diagnostic string.
package txn

import (
	"sync"

	"github.com/petermattis/goid"
	"github.com/pkg/errors"

	"github.com/go-kvengine/kvengine/pkg/status"
)

// State is a transaction's position in the None → Active → (Committed |
// Aborted) state machine.
type State int

const (
	None State = iota
	Active
	Committed
	Aborted
)

// Region is the minimal surface a Txn needs from the persistent memory
// region: raw byte access for snapshotting and a commit fence bump.
type Region interface {
	// Bytes returns a mutable view of the region's backing storage.
	Bytes() []byte
	// BumpSeq advances the region's commit-fence sequence counter.
	BumpSeq()
}

type undoRecord struct {
	offset int
	before []byte
}

// allocRecord links an allocation to the transaction that made it so an
// Abort can free everything allocated since Begin.
type allocRecord struct {
	free func()
}

// Txn is a single-goroutine, single-use transaction against a Region.
type Txn struct {
	mu      sync.Mutex
	region  Region
	state   State
	undo    []undoRecord
	allocs  []allocRecord
	goid    int64
}

var active sync.Map // map[int64]*Txn

// Active returns the transaction currently open on the calling goroutine,
// if any.
func Active() (*Txn, bool) {
	v, ok := active.Load(goid.Get())
	if !ok {
		return nil, false
	}
	return v.(*Txn), true
}

// Begin opens a new transaction against region for the calling goroutine.
// It fails with status.TransactionScopeError if a transaction is already
// open on this goroutine — mutating engine operations must never nest.
func Begin(region Region) (*Txn, error) {
	id := goid.Get()
	if _, exists := active.Load(id); exists {
		return nil, status.New("txn.Begin", status.TransactionScopeError,
			errors.New("a transaction is already active on this goroutine"))
	}
	t := &Txn{region: region, state: Active, goid: id}
	active.Store(id, t)
	return t, nil
}

// Snapshot records the current bytes of region[offset:offset+length]
// into the transaction's undo log before the caller overwrites them
// in-place. It must be called before every in-place mutation of
// persistent memory.
func (t *Txn) Snapshot(offset int, length int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return status.New("txn.Snapshot", status.TransactionScopeError,
			errors.Errorf("transaction is not active (state=%d)", t.state))
	}
	buf := t.region.Bytes()
	if offset < 0 || length < 0 || offset+length > len(buf) {
		return status.New("txn.Snapshot", status.InvalidArgument,
			errors.New("snapshot range out of bounds"))
	}
	before := make([]byte, length)
	copy(before, buf[offset:offset+length])
	t.undo = append(t.undo, undoRecord{offset: offset, before: before})
	return nil
}

// TrackAlloc links an allocation to the transaction: if the transaction
// aborts, free is invoked to release it.
func (t *Txn) TrackAlloc(free func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allocs = append(t.allocs, allocRecord{free: free})
}

// Commit flushes the transaction: the undo log is discarded (the
// in-place writes it guarded are now durable), the region's commit
// fence is bumped, and the transaction is removed from the active set.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return status.New("txn.Commit", status.TransactionScopeError,
			errors.Errorf("cannot commit transaction in state %d", t.state))
	}
	t.region.BumpSeq()
	t.state = Committed
	t.undo = nil
	t.allocs = nil
	active.Delete(t.goid)
	return nil
}

// Abort restores every snapshotted range to its pre-transaction contents
// (in reverse order, so nested snapshots of overlapping ranges unwind
// correctly) and frees everything allocated since Begin.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return status.New("txn.Abort", status.TransactionScopeError,
			errors.Errorf("cannot abort transaction in state %d", t.state))
	}
	buf := t.region.Bytes()
	for i := len(t.undo) - 1; i >= 0; i-- {
		r := t.undo[i]
		copy(buf[r.offset:r.offset+len(r.before)], r.before)
	}
	for i := len(t.allocs) - 1; i >= 0; i-- {
		if t.allocs[i].free != nil {
			t.allocs[i].free()
		}
	}
	t.state = Aborted
	t.undo = nil
	t.allocs = nil
	active.Delete(t.goid)
	return nil
}

// State returns the transaction's current state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AssertNone returns status.TransactionScopeError if a transaction is
// already active on the calling goroutine. Mutating engine entry points
// call this before opening their own transaction: nested transactions on
// one goroutine are a programmer error, not a retryable condition.
func AssertNone() error {
	if _, ok := Active(); ok {
		return status.New("txn.AssertNone", status.TransactionScopeError,
			errors.New("mutating operation invoked from inside an active transaction"))
	}
	return nil
}
