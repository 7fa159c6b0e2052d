package btree

import (
	"bytes"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-kvengine/kvengine/pkg/engine"
	"github.com/go-kvengine/kvengine/pkg/iterator"
	"github.com/go-kvengine/kvengine/pkg/pmr"
	"github.com/go-kvengine/kvengine/pkg/status"
	"github.com/go-kvengine/kvengine/pkg/txn"
)

// headSlot is the single root slot this engine persists: the pointer to
// the first leaf in the chain. Every other piece of index structure is
// volatile and rebuilt on Open by walking that chain.
const headSlot pmr.EngineSlot = 0

// Tree is the ordered, crash-consistent B+-tree engine. Persistent
// leaves hold LeafKeys unsorted, Pearson-hash-prefiltered slots; the
// inner levels above them are a volatile arena rebuilt from the leaf
// chain on every Open. Writes are single-writer (mu), reads are
// lock-free against the persistent leaves and read-locked only against
// the volatile index.
type Tree struct {
	mu     sync.Mutex
	region *pmr.Region
	alloc  *pmr.Allocator
	idx    *index
	cmp    func(a, b []byte) int
	name   string
	log    *zap.Logger
	closed bool

	// prealloc holds persistent leaves that currently sit in the chain
	// with zero occupied slots — found empty on recovery, or emptied by
	// Remove since. A split consumes from here before asking the
	// allocator for a fresh leaf block, splicing the reused leaf out of
	// its old chain position. Guarded by mu, the same lock every mutator
	// that can push or pop it already holds.
	prealloc []pmr.Pointer

	// ownsRegion is false when the tree was opened on a region handed in
	// through the "oid" config option rather than opened from "path" —
	// Close then leaves the region mapped for its other owner instead of
	// unmapping it out from under them.
	ownsRegion bool
}

func (t *Tree) Name() string { return t.name }

// create initializes a fresh pool: one empty leaf becomes both the head
// of the persistent chain and the volatile index's root.
func create(region *pmr.Region, alloc *pmr.Allocator, cmp func(a, b []byte) int, name string, log *zap.Logger) (*Tree, error) {
	tx, err := txn.Begin(region)
	if err != nil {
		return nil, err
	}
	leafPtr, err := alloc.Alloc(tx, LeafSize)
	if err != nil {
		_ = tx.Abort()
		return nil, err
	}
	if err := region.SetRootSlotTx(tx, headSlot, leafPtr); err != nil {
		_ = tx.Abort()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Tree{
		region: region,
		alloc:  alloc,
		idx:    newIndex(leafPtr, cmp),
		cmp:    cmp,
		name:   name,
		log:    log,
	}, nil
}

// recoverTree rebuilds the volatile index of an existing pool by walking
// the persistent leaf chain from its head, inserting a separator for
// every non-empty leaf after the first using the same primitive a live
// split uses to promote a newly created right sibling. Any leaf found
// with zero occupied slots is recorded in the volatile prealloc vector
// instead of being indexed, ready for a future split to reclaim.
func recoverTree(region *pmr.Region, alloc *pmr.Allocator, cmp func(a, b []byte) int, name string, log *zap.Logger) (*Tree, error) {
	head := region.RootSlot(headSlot)
	if head.IsNull() {
		return nil, status.New("btree.recoverTree", status.InvalidArgument,
			errors.New("pool has no btree root leaf"))
	}
	idx := newIndex(head, cmp)
	var prealloc []pmr.Pointer
	cur := newLeafView(alloc, head).next()
	for !cur.IsNull() {
		lv := newLeafView(alloc, cur)
		if min, ok := leafMinKey(alloc, lv, cmp); ok {
			idx.insertSeparator(min, cur)
		} else {
			prealloc = append(prealloc, cur)
		}
		cur = lv.next()
	}
	return &Tree{
		region:   region,
		alloc:    alloc,
		idx:      idx,
		cmp:      cmp,
		name:     name,
		log:      log,
		prealloc: prealloc,
	}, nil
}

func leafMinKey(alloc *pmr.Allocator, lv leafView, cmp func(a, b []byte) int) ([]byte, bool) {
	var min []byte
	found := false
	for i := 0; i < LeafKeys; i++ {
		if lv.slotState(i) != slotOccupied {
			continue
		}
		k := entryKeyAt(alloc, lv.slotEntry(i))
		if !found || cmp(k, min) < 0 {
			min = k
			found = true
		}
	}
	return min, found
}

// findSlot linear-scans lv for key, using the Pearson hash as an 8-bit
// prefilter before paying for a full key comparison.
func findSlot(alloc *pmr.Allocator, lv leafView, key []byte) (int, bool) {
	h := pearsonHash(key)
	for i := 0; i < LeafKeys; i++ {
		if lv.slotState(i) != slotOccupied || lv.slotHash(i) != h {
			continue
		}
		if bytes.Equal(entryKeyAt(alloc, lv.slotEntry(i)), key) {
			return i, true
		}
	}
	return 0, false
}

func (t *Tree) Exists(key []byte) status.Code {
	t.idx.mu.RLock()
	leafPtr := t.idx.findLeaf(key)
	t.idx.mu.RUnlock()
	lv := newLeafView(t.alloc, leafPtr)
	if _, ok := findSlot(t.alloc, lv, key); ok {
		return status.OK
	}
	return status.NotFound
}

func (t *Tree) Get(key []byte, cb engine.GetCallback) status.Code {
	t.idx.mu.RLock()
	leafPtr := t.idx.findLeaf(key)
	t.idx.mu.RUnlock()
	lv := newLeafView(t.alloc, leafPtr)
	i, ok := findSlot(t.alloc, lv, key)
	if !ok {
		return status.NotFound
	}
	e, _ := entryAt(t.alloc, lv.slotEntry(i))
	if err := cb(e.value); err != nil {
		if err == iterator.ErrStop {
			return status.StoppedByCb
		}
		return status.UnknownError
	}
	return status.OK
}

// Put stores (key, value). A pre-existing value is replaced via a
// write-new/swap-pointer/free-old sequence: the new entry blob is
// populated before it becomes reachable, so a crash between the two
// allocations never exposes a half-written value.
func (t *Tree) Put(key, value []byte) status.Code {
	if err := txn.AssertNone(); err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := txn.Begin(t.region)
	if err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}

	t.idx.mu.RLock()
	leafPtr := t.idx.findLeaf(key)
	t.idx.mu.RUnlock()
	lv := newLeafView(t.alloc, leafPtr)

	if i, ok := findSlot(t.alloc, lv, key); ok {
		oldPtr := lv.slotEntry(i)
		_, oldSize := entryAt(t.alloc, oldPtr)
		newPtr, err := t.alloc.Alloc(tx, entrySize(key, value))
		if err != nil {
			_ = tx.Abort()
			status.SetLast(err.Error())
			return status.CodeOf(err)
		}
		encodeEntry(t.alloc.Bytes(newPtr, entrySize(key, value)), key, value)
		if err := lv.writeSlotTx(tx, i, pearsonHash(key), newPtr); err != nil {
			_ = tx.Abort()
			return status.CodeOf(err)
		}
		if err := t.alloc.Free(tx, oldPtr, oldSize); err != nil {
			_ = tx.Abort()
			return status.CodeOf(err)
		}
		if err := tx.Commit(); err != nil {
			return status.CodeOf(err)
		}
		return status.OK
	}

	if i, ok := lv.firstEmptySlot(); ok {
		entryPtr, err := t.alloc.Alloc(tx, entrySize(key, value))
		if err != nil {
			_ = tx.Abort()
			status.SetLast(err.Error())
			return status.CodeOf(err)
		}
		encodeEntry(t.alloc.Bytes(entryPtr, entrySize(key, value)), key, value)
		if err := lv.writeSlotTx(tx, i, pearsonHash(key), entryPtr); err != nil {
			_ = tx.Abort()
			return status.CodeOf(err)
		}
		if err := tx.Commit(); err != nil {
			return status.CodeOf(err)
		}
		return status.OK
	}

	if err := t.splitAndInsert(tx, leafPtr, lv, key, value); err != nil {
		_ = tx.Abort()
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	if err := tx.Commit(); err != nil {
		return status.CodeOf(err)
	}
	return status.OK
}

type sortedEntry struct {
	key   []byte
	hash  byte
	ptr   pmr.Pointer // Null for the not-yet-allocated new entry
	value []byte      // set only for the Null-ptr entry
}

// splitAndInsert is reached when lv has no free slot for key. It
// gathers every existing slot plus the pending insert, splits them at
// the midpoint by key order, relocates the upper half into a brand new
// right leaf, and promotes that leaf's minimum key into the volatile
// index via the same primitive recovery uses.
func (t *Tree) splitAndInsert(tx *txn.Txn, leftPtr pmr.Pointer, left leafView, key, value []byte) error {
	entries := make([]sortedEntry, 0, LeafKeys+1)
	for i := 0; i < LeafKeys; i++ {
		if left.slotState(i) != slotOccupied {
			continue
		}
		ptr := left.slotEntry(i)
		entries = append(entries, sortedEntry{key: entryKeyAt(t.alloc, ptr), hash: left.slotHash(i), ptr: ptr})
	}
	entries = append(entries, sortedEntry{key: key, hash: pearsonHash(key), value: value})
	sort.Slice(entries, func(i, j int) bool { return t.cmp(entries[i].key, entries[j].key) < 0 })

	mid := len(entries) / 2
	leftSet, rightSet := entries[:mid], entries[mid:]

	rightPtr, err := t.leafForSplit(tx)
	if err != nil {
		return err
	}
	right := newLeafView(t.alloc, rightPtr)
	if err := right.setNextTx(tx)(left.next()); err != nil {
		return err
	}
	if err := left.setNextTx(tx)(rightPtr); err != nil {
		return err
	}

	for i := 0; i < LeafKeys; i++ {
		if left.slotState(i) == slotOccupied {
			if err := left.clearSlotTx(tx, i); err != nil {
				return err
			}
		}
	}
	if err := t.placeEntries(tx, left, leftSet); err != nil {
		return err
	}
	if err := t.placeEntries(tx, right, rightSet); err != nil {
		return err
	}

	t.idx.mu.Lock()
	t.idx.insertSeparator(rightSet[0].key, rightPtr)
	t.idx.mu.Unlock()
	return nil
}

// leafForSplit returns a leaf block for a split's new right sibling,
// preferring a reclaimed leaf from the prealloc vector over a fresh
// allocation. A reused leaf is spliced out of its current chain
// position first so the split's own relinking doesn't create a second
// path into it.
func (t *Tree) leafForSplit(tx *txn.Txn) (pmr.Pointer, error) {
	if n := len(t.prealloc); n > 0 {
		ptr := t.prealloc[n-1]
		t.prealloc = t.prealloc[:n-1]
		if err := t.unlinkLeaf(tx, ptr); err != nil {
			return pmr.Null, err
		}
		return ptr, nil
	}
	return t.alloc.Alloc(tx, LeafSize)
}

// unlinkLeaf splices ptr out of the persistent leaf chain by finding its
// predecessor (walking from head) and pointing that predecessor directly
// at ptr's successor. The head leaf itself is never put in the prealloc
// vector, so it is never passed here.
func (t *Tree) unlinkLeaf(tx *txn.Txn, ptr pmr.Pointer) error {
	prev := newLeafView(t.alloc, t.region.RootSlot(headSlot))
	cur := prev.next()
	for !cur.IsNull() {
		if cur == ptr {
			return prev.setNextTx(tx)(newLeafView(t.alloc, cur).next())
		}
		prev = newLeafView(t.alloc, cur)
		cur = prev.next()
	}
	return nil
}

// placeEntries writes set into consecutive slots of lv starting at 0,
// allocating a fresh entry blob for the one pending (ptr == Null) entry.
func (t *Tree) placeEntries(tx *txn.Txn, lv leafView, set []sortedEntry) error {
	for i, e := range set {
		ptr := e.ptr
		if ptr.IsNull() {
			var err error
			ptr, err = t.alloc.Alloc(tx, entrySize(e.key, e.value))
			if err != nil {
				return err
			}
			encodeEntry(t.alloc.Bytes(ptr, entrySize(e.key, e.value)), e.key, e.value)
		}
		if err := lv.writeSlotTx(tx, i, e.hash, ptr); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) Remove(key []byte) status.Code {
	if err := txn.AssertNone(); err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.idx.mu.RLock()
	leafPtr := t.idx.findLeaf(key)
	t.idx.mu.RUnlock()
	lv := newLeafView(t.alloc, leafPtr)

	i, ok := findSlot(t.alloc, lv, key)
	if !ok {
		return status.NotFound
	}
	tx, err := txn.Begin(t.region)
	if err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	ptr := lv.slotEntry(i)
	_, size := entryAt(t.alloc, ptr)
	if err := lv.clearSlotTx(tx, i); err != nil {
		_ = tx.Abort()
		return status.CodeOf(err)
	}
	if err := t.alloc.Free(tx, ptr, size); err != nil {
		_ = tx.Abort()
		return status.CodeOf(err)
	}
	if err := tx.Commit(); err != nil {
		return status.CodeOf(err)
	}
	if leafPtr != t.region.RootSlot(headSlot) && lv.occupiedCount() == 0 {
		t.prealloc = append(t.prealloc, leafPtr)
	}
	return status.OK
}

func (t *Tree) CountAll() (uint64, status.Code) {
	var n uint64
	code := t.GetAll(func(_, _ []byte) error {
		n++
		return nil
	})
	if code != status.OK {
		return 0, code
	}
	return n, status.OK
}

func (t *Tree) GetAll(cb engine.VisitCallback) status.Code {
	head := t.region.RootSlot(headSlot)
	cur := head
	for !cur.IsNull() {
		lv := newLeafView(t.alloc, cur)
		for i := 0; i < LeafKeys; i++ {
			if lv.slotState(i) != slotOccupied {
				continue
			}
			e, _ := entryAt(t.alloc, lv.slotEntry(i))
			if err := cb(e.key, e.value); err != nil {
				if err == iterator.ErrStop {
					return status.StoppedByCb
				}
				return status.UnknownError
			}
		}
		cur = lv.next()
	}
	return status.OK
}

func (t *Tree) visitRange(cb engine.VisitCallback, include func(key []byte) bool) status.Code {
	head := t.region.RootSlot(headSlot)
	cur := head
	for !cur.IsNull() {
		lv := newLeafView(t.alloc, cur)
		for i := 0; i < LeafKeys; i++ {
			if lv.slotState(i) != slotOccupied {
				continue
			}
			e, _ := entryAt(t.alloc, lv.slotEntry(i))
			if !include(e.key) {
				continue
			}
			if err := cb(e.key, e.value); err != nil {
				if err == iterator.ErrStop {
					return status.StoppedByCb
				}
				return status.UnknownError
			}
		}
		cur = lv.next()
	}
	return status.OK
}

func (t *Tree) countRange(include func(key []byte) bool) (uint64, status.Code) {
	var n uint64
	code := t.visitRange(func(_, _ []byte) error { n++; return nil }, include)
	return n, code
}

func (t *Tree) CountAbove(key []byte) (uint64, status.Code) {
	return t.countRange(func(k []byte) bool { return t.cmp(k, key) > 0 })
}
func (t *Tree) CountEqualAbove(key []byte) (uint64, status.Code) {
	return t.countRange(func(k []byte) bool { return t.cmp(k, key) >= 0 })
}
func (t *Tree) CountBelow(key []byte) (uint64, status.Code) {
	return t.countRange(func(k []byte) bool { return t.cmp(k, key) < 0 })
}
func (t *Tree) CountEqualBelow(key []byte) (uint64, status.Code) {
	return t.countRange(func(k []byte) bool { return t.cmp(k, key) <= 0 })
}
func (t *Tree) CountBetween(a, b []byte) (uint64, status.Code) {
	return t.countRange(func(k []byte) bool { return t.cmp(k, a) > 0 && t.cmp(k, b) < 0 })
}

func (t *Tree) GetAbove(key []byte, cb engine.VisitCallback) status.Code {
	return t.visitRange(cb, func(k []byte) bool { return t.cmp(k, key) > 0 })
}
func (t *Tree) GetEqualAbove(key []byte, cb engine.VisitCallback) status.Code {
	return t.visitRange(cb, func(k []byte) bool { return t.cmp(k, key) >= 0 })
}
func (t *Tree) GetBelow(key []byte, cb engine.VisitCallback) status.Code {
	return t.visitRange(cb, func(k []byte) bool { return t.cmp(k, key) < 0 })
}
func (t *Tree) GetEqualBelow(key []byte, cb engine.VisitCallback) status.Code {
	return t.visitRange(cb, func(k []byte) bool { return t.cmp(k, key) <= 0 })
}
func (t *Tree) GetBetween(a, b []byte, cb engine.VisitCallback) status.Code {
	return t.visitRange(cb, func(k []byte) bool { return t.cmp(k, a) > 0 && t.cmp(k, b) < 0 })
}

// Defrag scans the percentile window [startPercent, startPercent+amountPercent)
// of the leaf chain for reclaimable occupancy and logs what it finds. The
// unsorted-slot leaf layout never fragments internal free space the way a
// sorted dense array would after deletes — occupied-but-sparse leaves
// still serve lookups at full speed — so there is no structural
// compaction to perform; this pass is diagnostic, not corrective. Leaves
// in the window are scanned concurrently through a worker pool bounded
// to GOMAXPROCS, since occupancy counting per leaf is independent work.
func (t *Tree) Defrag(startPercent, amountPercent uint64) status.Code {
	if startPercent > 100 || amountPercent > 100 || startPercent+amountPercent > 100 {
		return status.InvalidArgument
	}

	var chain []pmr.Pointer
	for cur := t.region.RootSlot(headSlot); !cur.IsNull(); cur = newLeafView(t.alloc, cur).next() {
		chain = append(chain, cur)
	}
	lo := int(uint64(len(chain)) * startPercent / 100)
	hi := int(uint64(len(chain)) * (startPercent + amountPercent) / 100)
	if hi > len(chain) {
		hi = len(chain)
	}
	window := chain[lo:hi]

	var occupied, capacity int64
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, leafPtr := range window {
		leafPtr := leafPtr
		g.Go(func() error {
			lv := newLeafView(t.alloc, leafPtr)
			atomic.AddInt64(&capacity, LeafKeys)
			atomic.AddInt64(&occupied, int64(lv.occupiedCount()))
			return nil
		})
	}
	_ = g.Wait()

	t.log.Debug("btree defrag scan complete",
		zap.Uint64("start_percent", startPercent),
		zap.Uint64("amount_percent", amountPercent),
		zap.Int("leaves_scanned", len(window)),
		zap.Int64("slots_occupied", occupied),
		zap.Int64("slots_capacity", capacity))
	return status.OK
}

func (t *Tree) NewIterator() (iterator.WriteIterator, status.Code) {
	return newTreeIterator(t, true), status.OK
}

func (t *Tree) NewConstIterator() (iterator.ReadIterator, status.Code) {
	return newTreeIterator(t, false), status.OK
}

func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if !t.ownsRegion {
		return nil
	}
	return t.region.Close()
}
