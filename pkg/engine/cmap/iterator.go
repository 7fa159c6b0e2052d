package cmap

import (
	"bytes"

	"github.com/go-kvengine/kvengine/pkg/iterator"
	"github.com/go-kvengine/kvengine/pkg/pmr"
	"github.com/go-kvengine/kvengine/pkg/status"
	"github.com/go-kvengine/kvengine/pkg/txn"
)

// cursorEntry is one position in a map iterator's unordered snapshot.
type cursorEntry struct {
	key    []byte
	bucket uint64
	node   pmr.Pointer
}

// pendingWrite is one buffered WriteRange call, applied to the current
// entry's value at Commit.
type pendingWrite struct {
	pos  int
	data []byte
}

// mapIterator is a cursor over a point-in-time snapshot of the table's
// entries, taken in bucket/chain order — an arbitrary but stable order
// for the lifetime of the iterator, never a key order. Seek only
// supports exact match; the ordered-only cursor operations all return
// status.NotSupported.
type mapIterator struct {
	m        *Map
	writable bool
	entries  []cursorEntry
	pos      int
	pending  []pendingWrite

	// writeTarget is the entry WriteRange was first called against since
	// the last Commit/Abort. Commit always edits writeTarget, never
	// whatever the cursor happens to be pointing at — moving the cursor
	// between a WriteRange and the matching Commit must not silently
	// redirect the edit to a different entry.
	writeTarget *cursorEntry
}

func newMapIterator(m *Map, writable bool) *mapIterator {
	it := &mapIterator{m: m, writable: writable, pos: -1}
	it.snapshot()
	return it
}

func (it *mapIterator) snapshot() {
	tv, locks := it.m.snapshotTable()
	var entries []cursorEntry
	for i := uint64(0); i < tv.bucketCount; i++ {
		locks[i].RLock()
		for ptr := tv.bucketHead(i); !ptr.IsNull(); {
			n, _ := nodeAt(it.m.alloc, ptr)
			entries = append(entries, cursorEntry{key: n.key, bucket: i, node: ptr})
			ptr = n.next
		}
		locks[i].RUnlock()
	}
	it.entries = entries
}

func (it *mapIterator) current() (cursorEntry, bool) {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return cursorEntry{}, false
	}
	return it.entries[it.pos], true
}

func (it *mapIterator) Seek(k []byte) status.Code {
	for i, e := range it.entries {
		if bytes.Equal(e.key, k) {
			it.pos = i
			return status.OK
		}
	}
	it.pos = -1
	return status.NotFound
}

func (it *mapIterator) SeekLower(k []byte) status.Code    { return status.NotSupported }
func (it *mapIterator) SeekLowerEq(k []byte) status.Code  { return status.NotSupported }
func (it *mapIterator) SeekHigher(k []byte) status.Code   { return status.NotSupported }
func (it *mapIterator) SeekHigherEq(k []byte) status.Code { return status.NotSupported }
func (it *mapIterator) SeekToLast() status.Code           { return status.NotSupported }
func (it *mapIterator) Prev() status.Code                 { return status.NotSupported }

func (it *mapIterator) SeekToFirst() status.Code {
	if len(it.entries) == 0 {
		it.pos = -1
		return status.NotFound
	}
	it.pos = 0
	return status.OK
}

func (it *mapIterator) Next() status.Code {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return status.NotFound
	}
	it.pos++
	return status.OK
}

func (it *mapIterator) Key() ([]byte, status.Code) {
	e, ok := it.current()
	if !ok {
		return nil, status.NotFound
	}
	return e.key, status.OK
}

// rawValue decodes e's persisted value with no pending edits applied.
func (it *mapIterator) rawValue(e cursorEntry) []byte {
	n, _ := nodeAt(it.m.alloc, e.node)
	return append([]byte{}, n.value...)
}

func applyPending(value []byte, pending []pendingWrite) []byte {
	for _, w := range pending {
		if w.pos+len(w.data) > len(value) {
			grown := make([]byte, w.pos+len(w.data))
			copy(grown, value)
			value = grown
		}
		copy(value[w.pos:], w.data)
	}
	return value
}

func sameEntry(a, b cursorEntry) bool { return a.node == b.node }

// value decodes the current entry's persisted value, applying any
// buffered WriteRange edits only if the cursor still sits on writeTarget
// — the entry those edits were actually buffered against.
func (it *mapIterator) value() ([]byte, status.Code) {
	e, ok := it.current()
	if !ok {
		return nil, status.NotFound
	}
	value := it.rawValue(e)
	if it.writeTarget != nil && sameEntry(*it.writeTarget, e) {
		value = applyPending(value, it.pending)
	}
	return value, status.OK
}

func (it *mapIterator) ReadRange(pos, n int) ([]byte, status.Code) {
	v, code := it.value()
	if code != status.OK {
		return nil, code
	}
	if pos < 0 || n < 0 || pos+n > len(v) {
		return nil, status.InvalidArgument
	}
	return v[pos : pos+n], status.OK
}

func (it *mapIterator) WriteRange(pos, n int) ([]byte, status.Code) {
	if !it.writable {
		return nil, status.NotSupported
	}
	e, ok := it.current()
	if !ok {
		return nil, status.NotFound
	}
	if it.writeTarget == nil {
		target := e
		it.writeTarget = &target
	}
	buf := make([]byte, n)
	it.pending = append(it.pending, pendingWrite{pos: pos, data: buf})
	return buf, status.OK
}

// Commit rewrites writeTarget's node in place — same key, new value,
// same chain position — inside one transaction, mirroring the
// write-new/swap-pointer/free-old sequence Put uses for an overwrite.
// writeTarget is the entry the first WriteRange since the last
// Commit/Abort was called against, regardless of where the cursor has
// moved to since.
func (it *mapIterator) Commit() status.Code {
	if len(it.pending) == 0 {
		return status.OK
	}
	e := *it.writeTarget
	newValue := applyPending(it.rawValue(e), it.pending)
	if err := txn.AssertNone(); err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	it.m.mu.Lock()
	defer it.m.mu.Unlock()

	tx, err := txn.Begin(it.m.region)
	if err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}

	tv, locks := it.m.snapshotTable()
	locks[e.bucket].Lock()
	defer locks[e.bucket].Unlock()

	old, oldSize := nodeAt(it.m.alloc, e.node)
	newPtr, err := it.m.alloc.Alloc(tx, nodeSize(len(old.key), len(newValue)))
	if err != nil {
		_ = tx.Abort()
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	encodeNode(it.m.alloc.Bytes(newPtr, nodeSize(len(old.key), len(newValue))), old.next, old.key, newValue)

	var linkErr error
	if tv.bucketHead(e.bucket) == e.node {
		linkErr = tv.setBucketHeadTx(tx, e.bucket, newPtr)
	} else {
		prev := tv.bucketHead(e.bucket)
		for {
			n, _ := nodeAt(it.m.alloc, prev)
			if n.next == e.node {
				break
			}
			prev = n.next
		}
		linkErr = setNodeNextTx(tx, it.m.alloc, prev, newPtr)
	}
	if linkErr != nil {
		_ = tx.Abort()
		return status.CodeOf(linkErr)
	}
	if err := it.m.alloc.Free(tx, e.node, oldSize); err != nil {
		_ = tx.Abort()
		return status.CodeOf(err)
	}
	if err := tx.Commit(); err != nil {
		return status.CodeOf(err)
	}
	it.pending = nil
	it.writeTarget = nil
	return status.OK
}

func (it *mapIterator) Abort() {
	it.pending = nil
	it.writeTarget = nil
}

func (it *mapIterator) Close() error {
	it.pending = nil
	it.writeTarget = nil
	return nil
}

var (
	_ iterator.ReadIterator  = (*mapIterator)(nil)
	_ iterator.WriteIterator = (*mapIterator)(nil)
)
