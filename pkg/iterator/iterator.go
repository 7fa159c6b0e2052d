// Package iterator defines the read-only and read-write cursor protocol
// shared by every engine. Engine packages implement these interfaces
// against their own persistent state; this package only fixes the
// contract and the shared ErrStop sentinel used by the callback-based
// get_* family in pkg/engine.
package iterator

import "github.com/go-kvengine/kvengine/pkg/status"

// ErrStop is returned by a GetAll/GetBetween/... callback to request
// early termination. The engine translates it into status.StoppedByCb at
// the call boundary and does not propagate it further.
var ErrStop = &stopSentinel{}

type stopSentinel struct{}

func (*stopSentinel) Error() string { return "iteration stopped by callback" }

// ReadIterator is a read-only cursor over an engine's entries.
type ReadIterator interface {
	// Seek positions the cursor at the entry with key exactly k.
	Seek(k []byte) status.Code

	// SeekLower positions the cursor at the greatest key strictly less
	// than k. Ordered engines only.
	SeekLower(k []byte) status.Code
	// SeekLowerEq positions the cursor at the greatest key <= k.
	// Ordered engines only.
	SeekLowerEq(k []byte) status.Code
	// SeekHigher positions the cursor at the least key strictly greater
	// than k. Ordered engines only.
	SeekHigher(k []byte) status.Code
	// SeekHigherEq positions the cursor at the least key >= k. Ordered
	// engines only.
	SeekHigherEq(k []byte) status.Code

	// SeekToFirst positions the cursor at the first entry.
	SeekToFirst() status.Code
	// SeekToLast positions the cursor at the last entry. Ordered engines
	// only.
	SeekToLast() status.Code

	// Next advances the cursor; returns status.NotFound when it steps
	// off the end.
	Next() status.Code
	// Prev steps the cursor backward; returns status.NotFound when it
	// steps off the start. Ordered engines only.
	Prev() status.Code

	// Key returns the key at the cursor's current position.
	Key() ([]byte, status.Code)

	// ReadRange returns a read-only view into the value at the cursor's
	// current position, covering byte offsets [pos, pos+n).
	ReadRange(pos, n int) ([]byte, status.Code)

	// Close releases engine-held resources (locks, snapshots) pinned by
	// this iterator.
	Close() error
}

// WriteIterator extends ReadIterator with in-place, transactional value
// mutation.
type WriteIterator interface {
	ReadIterator

	// WriteRange returns a writable buffer covering [pos, pos+n) of the
	// current entry's value. The write is recorded in the iterator's
	// volatile change log and is not visible to other readers until
	// Commit.
	WriteRange(pos, n int) ([]byte, status.Code)

	// Commit applies the change log to the persistent entry inside one
	// transaction and clears the log.
	Commit() status.Code

	// Abort discards the change log without any persistent effect.
	Abort()
}
