package btree

import (
	"sort"

	"github.com/go-kvengine/kvengine/pkg/iterator"
	"github.com/go-kvengine/kvengine/pkg/pmr"
	"github.com/go-kvengine/kvengine/pkg/status"
	"github.com/go-kvengine/kvengine/pkg/txn"
)

// cursorEntry is one position in a tree iterator's sorted snapshot.
type cursorEntry struct {
	key  []byte
	leaf pmr.Pointer
	slot int
}

// pendingWrite is one buffered WriteRange call, applied to the current
// entry's value at Commit.
type pendingWrite struct {
	pos  int
	data []byte
}

// treeIterator is a cursor over a point-in-time sorted snapshot of the
// tree's keys. Snapshotting the order up front turns the engine's
// unsorted-slot leaves into an ordinary indexable sequence for Seek/Next/
// Prev, at the cost of not observing writes made through other handles
// after the iterator was opened — the same tradeoff a buffer-pool
// iterator makes by pinning pages for its lifetime.
type treeIterator struct {
	t        *Tree
	writable bool
	entries  []cursorEntry
	pos      int // -1 means unpositioned
	pending  []pendingWrite

	// writeTarget is the entry WriteRange was first called against since
	// the last Commit/Abort. Commit always edits writeTarget, never
	// whatever the cursor happens to be pointing at — moving the cursor
	// with Seek/Next/Prev between a WriteRange and the matching Commit
	// must not silently redirect the edit to a different entry.
	writeTarget *cursorEntry
}

func newTreeIterator(t *Tree, writable bool) *treeIterator {
	it := &treeIterator{t: t, writable: writable, pos: -1}
	it.snapshot()
	return it
}

func (it *treeIterator) snapshot() {
	var entries []cursorEntry
	head := it.t.region.RootSlot(headSlot)
	cur := head
	for !cur.IsNull() {
		lv := newLeafView(it.t.alloc, cur)
		for i := 0; i < LeafKeys; i++ {
			if lv.slotState(i) != slotOccupied {
				continue
			}
			entries = append(entries, cursorEntry{key: entryKeyAt(it.t.alloc, lv.slotEntry(i)), leaf: cur, slot: i})
		}
		cur = lv.next()
	}
	sort.Slice(entries, func(i, j int) bool { return it.t.cmp(entries[i].key, entries[j].key) < 0 })
	it.entries = entries
}

func (it *treeIterator) current() (cursorEntry, bool) {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return cursorEntry{}, false
	}
	return it.entries[it.pos], true
}

func (it *treeIterator) Seek(k []byte) status.Code {
	i := sort.Search(len(it.entries), func(i int) bool { return it.t.cmp(it.entries[i].key, k) >= 0 })
	if i >= len(it.entries) || it.t.cmp(it.entries[i].key, k) != 0 {
		it.pos = -1
		return status.NotFound
	}
	it.pos = i
	return status.OK
}

func (it *treeIterator) SeekLower(k []byte) status.Code {
	i := sort.Search(len(it.entries), func(i int) bool { return it.t.cmp(it.entries[i].key, k) >= 0 })
	if i == 0 {
		it.pos = -1
		return status.NotFound
	}
	it.pos = i - 1
	return status.OK
}

func (it *treeIterator) SeekLowerEq(k []byte) status.Code {
	i := sort.Search(len(it.entries), func(i int) bool { return it.t.cmp(it.entries[i].key, k) > 0 })
	if i == 0 {
		it.pos = -1
		return status.NotFound
	}
	it.pos = i - 1
	return status.OK
}

func (it *treeIterator) SeekHigher(k []byte) status.Code {
	i := sort.Search(len(it.entries), func(i int) bool { return it.t.cmp(it.entries[i].key, k) > 0 })
	if i >= len(it.entries) {
		it.pos = -1
		return status.NotFound
	}
	it.pos = i
	return status.OK
}

func (it *treeIterator) SeekHigherEq(k []byte) status.Code {
	i := sort.Search(len(it.entries), func(i int) bool { return it.t.cmp(it.entries[i].key, k) >= 0 })
	if i >= len(it.entries) {
		it.pos = -1
		return status.NotFound
	}
	it.pos = i
	return status.OK
}

func (it *treeIterator) SeekToFirst() status.Code {
	if len(it.entries) == 0 {
		it.pos = -1
		return status.NotFound
	}
	it.pos = 0
	return status.OK
}

func (it *treeIterator) SeekToLast() status.Code {
	if len(it.entries) == 0 {
		it.pos = -1
		return status.NotFound
	}
	it.pos = len(it.entries) - 1
	return status.OK
}

func (it *treeIterator) Next() status.Code {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return status.NotFound
	}
	it.pos++
	return status.OK
}

func (it *treeIterator) Prev() status.Code {
	if it.pos <= 0 {
		it.pos = -1
		return status.NotFound
	}
	it.pos--
	return status.OK
}

func (it *treeIterator) Key() ([]byte, status.Code) {
	e, ok := it.current()
	if !ok {
		return nil, status.NotFound
	}
	return e.key, status.OK
}

// rawValue decodes e's persisted value with no pending edits applied.
func (it *treeIterator) rawValue(e cursorEntry) []byte {
	lv := newLeafView(it.t.alloc, e.leaf)
	entryPtr := lv.slotEntry(e.slot)
	dec, _ := entryAt(it.t.alloc, entryPtr)
	return append([]byte{}, dec.value...)
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

func sameEntry(a, b cursorEntry) bool { return a.leaf == b.leaf && a.slot == b.slot }

// value decodes the current entry's persisted value, applying any
// buffered WriteRange edits only if the cursor still sits on writeTarget
// — the entry those edits were actually buffered against.
func (it *treeIterator) value() ([]byte, status.Code) {
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

func (it *treeIterator) ReadRange(pos, n int) ([]byte, status.Code) {
	v, code := it.value()
	if code != status.OK {
		return nil, code
	}
	if pos < 0 || n < 0 || pos+n > len(v) {
		return nil, status.InvalidArgument
	}
	return v[pos : pos+n], status.OK
}

func (it *treeIterator) WriteRange(pos, n int) ([]byte, status.Code) {
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

// Commit applies the buffered WriteRange edits to writeTarget — the
// entry the first WriteRange since the last Commit/Abort was called
// against, regardless of where the cursor has moved to since — in one
// transaction, using the same write-new/swap-pointer/free-old sequence
// as Put, then clears the change log.
func (it *treeIterator) Commit() status.Code {
	if len(it.pending) == 0 {
		return status.OK
	}
	e := *it.writeTarget
	newValue := applyPending(it.rawValue(e), it.pending)
	if err := txn.AssertNone(); err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	it.t.mu.Lock()
	defer it.t.mu.Unlock()

	tx, err := txn.Begin(it.t.region)
	if err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	lv := newLeafView(it.t.alloc, e.leaf)
	oldPtr := lv.slotEntry(e.slot)
	dec, oldSize := entryAt(it.t.alloc, oldPtr)

	newPtr, err := it.t.alloc.Alloc(tx, entrySize(dec.key, newValue))
	if err != nil {
		_ = tx.Abort()
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	encodeEntry(it.t.alloc.Bytes(newPtr, entrySize(dec.key, newValue)), dec.key, newValue)
	if err := lv.writeSlotTx(tx, e.slot, pearsonHash(dec.key), newPtr); err != nil {
		_ = tx.Abort()
		return status.CodeOf(err)
	}
	if err := it.t.alloc.Free(tx, oldPtr, oldSize); err != nil {
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

func (it *treeIterator) Abort() {
	it.pending = nil
	it.writeTarget = nil
}

func (it *treeIterator) Close() error {
	it.pending = nil
	it.writeTarget = nil
	return nil
}

var (
	_ iterator.ReadIterator  = (*treeIterator)(nil)
	_ iterator.WriteIterator = (*treeIterator)(nil)
)
