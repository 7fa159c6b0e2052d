// Package engine defines the uniform storage surface ("trait") every
// concrete engine satisfies, plus the name → constructor registry
// concrete engines register against. Concrete engines (pkg/engine/btree,
// pkg/engine/cmap) register themselves here via init(); callers that only
// import one concrete engine package still end up with a working
// registry.
package engine

import (
	"github.com/go-kvengine/kvengine/pkg/iterator"
	"github.com/go-kvengine/kvengine/pkg/status"
)

// GetCallback is invoked by Get with the value found for its key.
// GetAll and the range queries use VisitCallback instead.
type GetCallback func(value []byte) error

// VisitCallback is invoked once per (key, value) pair by GetAll and the
// range Get* family.
type VisitCallback func(key, value []byte) error

// Engine is the capability set every storage engine implements: point
// lookups, writes, removal, counting, full iteration, defragmentation,
// and cursor construction. It is declared as an interface with a Name
// tag rather than a class hierarchy, so capabilities compose by type
// assertion instead of deep inheritance.
type Engine interface {
	// Name returns the engine's registered name.
	Name() string

	// CountAll reports the number of distinct keys currently stored.
	CountAll() (uint64, status.Code)

	// GetAll visits every stored entry exactly once, in unspecified
	// order, until cb returns an error or every entry has been visited.
	GetAll(cb VisitCallback) status.Code

	// Exists reports status.OK if key is present, status.NotFound
	// otherwise.
	Exists(key []byte) status.Code

	// Get looks up key and invokes cb with its value if found.
	Get(key []byte, cb GetCallback) status.Code

	// Put stores (key, value), overwriting any existing value for key.
	Put(key, value []byte) status.Code

	// Remove deletes key. Returns status.NotFound if key was absent.
	Remove(key []byte) status.Code

	// Defrag validates the percentile window [startPercent,
	// startPercent+amountPercent) (0, 100 is the whole store). The btree
	// and cmap engines then scan that window and log its occupancy; they
	// do not move or rewrite any allocation.
	Defrag(startPercent, amountPercent uint64) status.Code

	// NewIterator returns a read-write cursor over the engine.
	NewIterator() (iterator.WriteIterator, status.Code)

	// NewConstIterator returns a read-only cursor over the engine.
	NewConstIterator() (iterator.ReadIterator, status.Code)

	// Close releases the engine's hold on its persistent memory region.
	// All iterators must be closed first.
	Close() error
}

// OrderedEngine is the capability set of engines with a well-defined key
// order, adding count/range operations over that order. An Engine that
// does not implement OrderedEngine is, by construction, unordered —
// callers type-assert rather than calling range operations that would
// otherwise have to return status.NotSupported uniformly.
type OrderedEngine interface {
	Engine

	CountAbove(key []byte) (uint64, status.Code)
	CountEqualAbove(key []byte) (uint64, status.Code)
	CountBelow(key []byte) (uint64, status.Code)
	CountEqualBelow(key []byte) (uint64, status.Code)
	CountBetween(a, b []byte) (uint64, status.Code)

	GetAbove(key []byte, cb VisitCallback) status.Code
	GetEqualAbove(key []byte, cb VisitCallback) status.Code
	GetBelow(key []byte, cb VisitCallback) status.Code
	GetEqualBelow(key []byte, cb VisitCallback) status.Code
	GetBetween(a, b []byte, cb VisitCallback) status.Code
}

// Comparator is a strict total order over key byte sequences. The zero
// value of an engine's configuration uses bytes.Compare (lexicographic
// order).
type Comparator func(a, b []byte) int

// GetCopy is a convenience copy variant of Get: it copies the value for
// key into buf, returning the number of bytes copied. If value is larger
// than len(buf), it returns status.OutOfMemory and the required size so
// the caller can retry with an adequately sized buffer.
func GetCopy(e Engine, key []byte, buf []byte) (copied int, required int, code status.Code) {
	code = e.Get(key, func(value []byte) error {
		required = len(value)
		if len(value) > len(buf) {
			return nil
		}
		copied = copy(buf, value)
		return nil
	})
	if code != status.OK {
		return 0, 0, code
	}
	if copied < required {
		return 0, required, status.OutOfMemory
	}
	return copied, required, status.OK
}
