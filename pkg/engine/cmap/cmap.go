package cmap

import (
	"bytes"
	"runtime"
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
// the current bucket-directory table. A resize swaps this pointer to a
// freshly allocated, larger table and frees the old one. Slot 0 belongs
// to the btree engine, so a pool can hold both engines at once.
const headSlot pmr.EngineSlot = 1

// Map is the resizable, persistent, hash-chained concurrent map engine.
// Each bucket is an independent singly linked chain of entry nodes
// guarded by its own volatile sync.RWMutex, so operations on different
// buckets never contend; mu serializes writers against each other and
// against a resize, which briefly takes every bucket's lock at once.
type Map struct {
	mu     sync.Mutex
	region *pmr.Region
	alloc  *pmr.Allocator
	name   string
	log    *zap.Logger
	closed bool
	count  int64 // atomic; approximate entry count used to trigger resize

	tableMu sync.RWMutex
	table   pmr.Pointer
	locks   []sync.RWMutex

	// ownsRegion is false when the map was opened on a region handed in
	// through the "oid" config option rather than opened from "path" —
	// Close then leaves the region mapped for its other owner instead of
	// unmapping it out from under them.
	ownsRegion bool
}

func (m *Map) Name() string { return m.name }

func create(region *pmr.Region, alloc *pmr.Allocator, name string, log *zap.Logger) (*Map, error) {
	tx, err := txn.Begin(region)
	if err != nil {
		return nil, err
	}
	tablePtr, err := alloc.Alloc(tx, tableSize(initialBuckets))
	if err != nil {
		_ = tx.Abort()
		return nil, err
	}
	initTable(alloc.Bytes(tablePtr, tableSize(initialBuckets)), initialBuckets)
	if err := region.SetRootSlotTx(tx, headSlot, tablePtr); err != nil {
		_ = tx.Abort()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Map{
		region: region,
		alloc:  alloc,
		name:   name,
		log:    log,
		table:  tablePtr,
		locks:  make([]sync.RWMutex, initialBuckets),
	}, nil
}

func recoverMap(region *pmr.Region, alloc *pmr.Allocator, name string, log *zap.Logger) (*Map, error) {
	tablePtr := region.RootSlot(headSlot)
	if tablePtr.IsNull() {
		return nil, status.New("cmap.recoverMap", status.InvalidArgument,
			errors.New("pool has no cmap root table"))
	}
	tv := newTableView(alloc, tablePtr)
	m := &Map{
		region: region,
		alloc:  alloc,
		name:   name,
		log:    log,
		table:  tablePtr,
		locks:  make([]sync.RWMutex, tv.bucketCount),
	}
	var n int64
	for i := uint64(0); i < tv.bucketCount; i++ {
		for ptr := tv.bucketHead(i); !ptr.IsNull(); {
			nd, _ := nodeAt(alloc, ptr)
			n++
			ptr = nd.next
		}
	}
	atomic.StoreInt64(&m.count, n)
	return m, nil
}

func (m *Map) snapshotTable() (tableView, []sync.RWMutex) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	return newTableView(m.alloc, m.table), m.locks
}

func (m *Map) Exists(key []byte) status.Code {
	tv, locks := m.snapshotTable()
	idx := bucketIndex(key, tv.bucketCount)
	locks[idx].RLock()
	defer locks[idx].RUnlock()
	for ptr := tv.bucketHead(idx); !ptr.IsNull(); {
		n, _ := nodeAt(m.alloc, ptr)
		if bytes.Equal(n.key, key) {
			return status.OK
		}
		ptr = n.next
	}
	return status.NotFound
}

func (m *Map) Get(key []byte, cb engine.GetCallback) status.Code {
	tv, locks := m.snapshotTable()
	idx := bucketIndex(key, tv.bucketCount)
	locks[idx].RLock()
	defer locks[idx].RUnlock()
	for ptr := tv.bucketHead(idx); !ptr.IsNull(); {
		n, _ := nodeAt(m.alloc, ptr)
		if bytes.Equal(n.key, key) {
			if err := cb(n.value); err != nil {
				if err == iterator.ErrStop {
					return status.StoppedByCb
				}
				return status.UnknownError
			}
			return status.OK
		}
		ptr = n.next
	}
	return status.NotFound
}

// Put stores (key, value). An existing entry is replaced by allocating
// a new node carrying the old node's link, splicing it into the same
// position, and freeing the old node — never exposing a half-written
// value to a concurrent reader of the same bucket.
func (m *Map) Put(key, value []byte) status.Code {
	if err := txn.AssertNone(); err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldGrow() {
		if err := m.grow(); err != nil {
			status.SetLast(err.Error())
			return status.CodeOf(err)
		}
	}

	tx, err := txn.Begin(m.region)
	if err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}

	tv, locks := m.snapshotTable()
	idx := bucketIndex(key, tv.bucketCount)
	locks[idx].Lock()
	defer locks[idx].Unlock()

	head := tv.bucketHead(idx)
	var prev pmr.Pointer
	for ptr := head; !ptr.IsNull(); {
		n, size := nodeAt(m.alloc, ptr)
		if bytes.Equal(n.key, key) {
			newPtr, err := m.alloc.Alloc(tx, nodeSize(len(key), len(value)))
			if err != nil {
				_ = tx.Abort()
				status.SetLast(err.Error())
				return status.CodeOf(err)
			}
			encodeNode(m.alloc.Bytes(newPtr, nodeSize(len(key), len(value))), n.next, key, value)
			if prev.IsNull() {
				err = tv.setBucketHeadTx(tx, idx, newPtr)
			} else {
				err = setNodeNextTx(tx, m.alloc, prev, newPtr)
			}
			if err != nil {
				_ = tx.Abort()
				return status.CodeOf(err)
			}
			if err := m.alloc.Free(tx, ptr, size); err != nil {
				_ = tx.Abort()
				return status.CodeOf(err)
			}
			if err := tx.Commit(); err != nil {
				return status.CodeOf(err)
			}
			return status.OK
		}
		prev = ptr
		ptr = n.next
	}

	newPtr, err := m.alloc.Alloc(tx, nodeSize(len(key), len(value)))
	if err != nil {
		_ = tx.Abort()
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	encodeNode(m.alloc.Bytes(newPtr, nodeSize(len(key), len(value))), head, key, value)
	if err := tv.setBucketHeadTx(tx, idx, newPtr); err != nil {
		_ = tx.Abort()
		return status.CodeOf(err)
	}
	if err := tx.Commit(); err != nil {
		return status.CodeOf(err)
	}
	atomic.AddInt64(&m.count, 1)
	return status.OK
}

func (m *Map) Remove(key []byte) status.Code {
	if err := txn.AssertNone(); err != nil {
		status.SetLast(err.Error())
		return status.CodeOf(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tv, locks := m.snapshotTable()
	idx := bucketIndex(key, tv.bucketCount)
	locks[idx].Lock()
	defer locks[idx].Unlock()

	var prev pmr.Pointer
	for ptr := tv.bucketHead(idx); !ptr.IsNull(); {
		n, size := nodeAt(m.alloc, ptr)
		if !bytes.Equal(n.key, key) {
			prev = ptr
			ptr = n.next
			continue
		}
		tx, err := txn.Begin(m.region)
		if err != nil {
			status.SetLast(err.Error())
			return status.CodeOf(err)
		}
		if prev.IsNull() {
			err = tv.setBucketHeadTx(tx, idx, n.next)
		} else {
			err = setNodeNextTx(tx, m.alloc, prev, n.next)
		}
		if err != nil {
			_ = tx.Abort()
			return status.CodeOf(err)
		}
		if err := m.alloc.Free(tx, ptr, size); err != nil {
			_ = tx.Abort()
			return status.CodeOf(err)
		}
		if err := tx.Commit(); err != nil {
			return status.CodeOf(err)
		}
		atomic.AddInt64(&m.count, -1)
		return status.OK
	}
	return status.NotFound
}

func (m *Map) CountAll() (uint64, status.Code) {
	n := atomic.LoadInt64(&m.count)
	if n < 0 {
		n = 0
	}
	return uint64(n), status.OK
}

func (m *Map) GetAll(cb engine.VisitCallback) status.Code {
	tv, locks := m.snapshotTable()
	for i := uint64(0); i < tv.bucketCount; i++ {
		locks[i].RLock()
		for ptr := tv.bucketHead(i); !ptr.IsNull(); {
			n, _ := nodeAt(m.alloc, ptr)
			if err := cb(n.key, n.value); err != nil {
				locks[i].RUnlock()
				if err == iterator.ErrStop {
					return status.StoppedByCb
				}
				return status.UnknownError
			}
			ptr = n.next
		}
		locks[i].RUnlock()
	}
	return status.OK
}

// shouldGrow reports whether the average chain length would exceed
// maxLoadFactor after one more insert. Called with mu held.
func (m *Map) shouldGrow() bool {
	tv, _ := m.snapshotTable()
	return (atomic.LoadInt64(&m.count)+1) > int64(tv.bucketCount)*maxLoadFactor
}

// grow doubles the bucket count, relinking every existing node into its
// new bucket's chain in place (no key/value copy) inside one
// transaction, then swaps the table pointer and frees the old table
// block. It takes every bucket's lock for the duration so no concurrent
// Get observes a node's next pointer mid-rewrite.
func (m *Map) grow() error {
	oldLocks := m.locks
	for i := range oldLocks {
		oldLocks[i].Lock()
	}
	defer func() {
		for i := range oldLocks {
			oldLocks[i].Unlock()
		}
	}()

	tx, err := txn.Begin(m.region)
	if err != nil {
		return err
	}
	oldTv := newTableView(m.alloc, m.table)
	newCount := oldTv.bucketCount * 2
	newTablePtr, err := m.alloc.Alloc(tx, tableSize(newCount))
	if err != nil {
		_ = tx.Abort()
		return err
	}
	initTable(m.alloc.Bytes(newTablePtr, tableSize(newCount)), newCount)
	newTv := newTableView(m.alloc, newTablePtr)

	for i := uint64(0); i < oldTv.bucketCount; i++ {
		ptr := oldTv.bucketHead(i)
		for !ptr.IsNull() {
			n, _ := nodeAt(m.alloc, ptr)
			oldNext := n.next
			newIdx := bucketIndex(n.key, newCount)
			newHead := newTv.bucketHead(newIdx)
			if err := setNodeNextTx(tx, m.alloc, ptr, newHead); err != nil {
				_ = tx.Abort()
				return err
			}
			if err := newTv.setBucketHeadTx(tx, newIdx, ptr); err != nil {
				_ = tx.Abort()
				return err
			}
			ptr = oldNext
		}
	}

	oldTablePtr := m.table
	oldTableSize := tableSize(oldTv.bucketCount)
	if err := m.region.SetRootSlotTx(tx, headSlot, newTablePtr); err != nil {
		_ = tx.Abort()
		return err
	}
	if err := m.alloc.Free(tx, oldTablePtr, oldTableSize); err != nil {
		_ = tx.Abort()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.tableMu.Lock()
	m.table = newTablePtr
	m.locks = make([]sync.RWMutex, newCount)
	m.tableMu.Unlock()
	m.log.Info("cmap resized", zap.Uint64("old_buckets", oldTv.bucketCount), zap.Uint64("new_buckets", newCount))
	return nil
}

// Defrag scans a percentile window of the bucket directory concurrently
// and logs the resulting chain-length distribution. A chained hash
// table has no page-level fragmentation to compact, so this is a
// diagnostic pass — it surfaces whether a resize is overdue rather than
// moving anything.
func (m *Map) Defrag(startPercent, amountPercent uint64) status.Code {
	if startPercent > 100 || amountPercent > 100 || startPercent+amountPercent > 100 {
		return status.InvalidArgument
	}
	tv, locks := m.snapshotTable()
	lo := tv.bucketCount * startPercent / 100
	hi := tv.bucketCount * (startPercent + amountPercent) / 100
	if hi > tv.bucketCount {
		hi = tv.bucketCount
	}

	var longest int64
	var totalChain int64
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := lo; i < hi; i++ {
		i := i
		g.Go(func() error {
			locks[i].RLock()
			defer locks[i].RUnlock()
			var n int64
			for ptr := tv.bucketHead(i); !ptr.IsNull(); {
				nd, _ := nodeAt(m.alloc, ptr)
				n++
				ptr = nd.next
			}
			atomic.AddInt64(&totalChain, n)
			for {
				cur := atomic.LoadInt64(&longest)
				if n <= cur || atomic.CompareAndSwapInt64(&longest, cur, n) {
					break
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	m.log.Debug("cmap defrag scan complete",
		zap.Uint64("start_percent", startPercent),
		zap.Uint64("amount_percent", amountPercent),
		zap.Uint64("buckets_scanned", hi-lo),
		zap.Int64("total_chain_length", totalChain),
		zap.Int64("longest_chain", longest))
	return status.OK
}

func (t *Map) NewIterator() (iterator.WriteIterator, status.Code) {
	return newMapIterator(t, true), status.OK
}

func (t *Map) NewConstIterator() (iterator.ReadIterator, status.Code) {
	return newMapIterator(t, false), status.OK
}

func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if !m.ownsRegion {
		return nil
	}
	return m.region.Close()
}
