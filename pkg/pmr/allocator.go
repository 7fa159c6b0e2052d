package pmr

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/go-kvengine/kvengine/pkg/status"
)

// freeBlockHeader is the layout of a block sitting on the allocator's
// free list: {next Pointer(8), size uint64(8)}. minBlockSize is the
// smallest span the allocator will ever hand out or free, so every freed
// block is large enough to host this header.
const (
	freeBlockHeaderSize = 16
	minBlockSize        = freeBlockHeaderSize
)

// Allocator is the region's transactional allocator: reserve/commit-alloc
// is collapsed here into a single Alloc that is tracked against the
// caller's transaction, so an abort frees it automatically.
type Allocator struct {
	r *Region
}

// NewAllocator returns the allocator for region r.
func NewAllocator(r *Region) *Allocator { return &Allocator{r: r} }

// Alloc reserves size bytes inside tx, preferring a first-fit block from
// the free list before falling back to the bump pointer. Rollback on
// abort is handled entirely by tx's undo log: takeFromFreeList snapshots
// both the predecessor pointer it rewrites (the free-list head, or a
// prior node's next field) and the taken block's own header before
// zeroing it, and bumpAlloc snapshots the bump offset — so an Abort's
// undo replay alone puts the arena back exactly as it was, free-list
// node included. There is no separate TrackAlloc-driven Free to run
// afterward, which would otherwise race the undo replay and corrupt the
// free list or double-hand-out the range.
func (a *Allocator) Alloc(tx txnSnapshotter, size int) (Pointer, error) {
	if size <= 0 {
		return Null, status.New("pmr.Allocator.Alloc", status.InvalidArgument,
			errors.New("alloc size must be positive"))
	}
	need := size
	if need < minBlockSize {
		need = minBlockSize
	}

	if ptr, ok, err := a.takeFromFreeList(tx, need); err != nil {
		return Null, err
	} else if ok {
		return ptr, nil
	}

	return a.bumpAlloc(tx, need)
}

func (a *Allocator) takeFromFreeList(tx txnSnapshotter, need int) (Pointer, bool, error) {
	data := a.r.data
	prevOff := allocMetaOff // the free-list head lives here
	cur := Pointer(binary.LittleEndian.Uint64(data[prevOff : prevOff+8]))

	for !cur.IsNull() {
		block := int(cur)
		size := int(binary.LittleEndian.Uint64(data[block+8 : block+16]))
		next := binary.LittleEndian.Uint64(data[block : block+8])

		if size >= need {
			if err := tx.Snapshot(prevOff, 8); err != nil {
				return Null, false, err
			}
			// The block's own free-list header (next+size, at its own
			// offset) is about to be zeroed along with the rest of the
			// block; snapshot it too so an abort restores this node to the
			// free list exactly as it was, not with a wiped header.
			if err := tx.Snapshot(block, freeBlockHeaderSize); err != nil {
				return Null, false, err
			}
			binary.LittleEndian.PutUint64(data[prevOff:prevOff+8], next)
			zero(data[block : block+size])
			return cur, true, nil
		}
		prevOff = block
		cur = Pointer(next)
	}
	return Null, false, nil
}

func (a *Allocator) bumpAlloc(tx txnSnapshotter, need int) (Pointer, error) {
	data := a.r.data
	bumpOff := allocMetaOff + 8
	cursor := int(binary.LittleEndian.Uint64(data[bumpOff : bumpOff+8]))

	if cursor+need > len(data) {
		return Null, status.New("pmr.Allocator.bumpAlloc", status.OutOfMemory,
			errors.New("pool exhausted"))
	}
	if err := tx.Snapshot(bumpOff, 8); err != nil {
		return Null, err
	}
	binary.LittleEndian.PutUint64(data[bumpOff:bumpOff+8], uint64(cursor+need))
	zero(data[cursor : cursor+need])
	return Pointer(cursor), nil
}

// Free returns the size-byte block at ptr to the free list, pushing it
// onto the head. The caller must pass the same size used to Alloc it.
func (a *Allocator) Free(tx txnSnapshotter, ptr Pointer, size int) error {
	if ptr.IsNull() {
		return status.New("pmr.Allocator.Free", status.InvalidArgument,
			errors.New("cannot free the null pointer"))
	}
	if size < minBlockSize {
		size = minBlockSize
	}
	data := a.r.data
	block := int(ptr)

	if err := tx.Snapshot(block, freeBlockHeaderSize); err != nil {
		return err
	}
	headOff := allocMetaOff
	head := binary.LittleEndian.Uint64(data[headOff : headOff+8])
	binary.LittleEndian.PutUint64(data[block:block+8], head)
	binary.LittleEndian.PutUint64(data[block+8:block+16], uint64(size))

	if err := tx.Snapshot(headOff, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[headOff:headOff+8], uint64(ptr))
	return nil
}

// Bytes returns a mutable view into the size bytes at ptr.
func (a *Allocator) Bytes(ptr Pointer, size int) []byte {
	off := int(ptr)
	return a.r.data[off : off+size]
}

func zero(b []byte) { clear(b) }
