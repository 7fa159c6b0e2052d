package btree

import (
	"encoding/binary"

	"github.com/go-kvengine/kvengine/pkg/pmr"
	"github.com/go-kvengine/kvengine/pkg/txn"
)

// LeafKeys is the fixed slot capacity of a persistent leaf.
const LeafKeys = 48

const (
	slotSize       = 16 // state(1) + hash(1) + pad(6) + entryPtr(8)
	leafHeaderSize = 8  // next pmr.Pointer
	// LeafSize is the fixed allocation size of one persistent leaf block.
	LeafSize = leafHeaderSize + LeafKeys*slotSize

	slotEmpty    = 0
	slotOccupied = 1
)

// leafView is a thin decoder/encoder over the LeafSize bytes of a
// persistent leaf block. It holds no copy of the data — every accessor
// reads or writes straight through to the mapped region via the
// allocator, so leaf state is always exactly what's on the page. ptr is
// kept alongside buf solely so the Tx variants can pass tx.Snapshot the
// block's absolute region offset rather than an offset relative to buf.
type leafView struct {
	buf []byte // LeafSize bytes, from alloc.Bytes(ptr, LeafSize)
	ptr pmr.Pointer
}

func newLeafView(alloc *pmr.Allocator, ptr pmr.Pointer) leafView {
	return leafView{buf: alloc.Bytes(ptr, LeafSize), ptr: ptr}
}

func (l leafView) next() pmr.Pointer {
	return pmr.Pointer(binary.LittleEndian.Uint64(l.buf[0:8]))
}

func (l leafView) setNextTx(tx *txn.Txn) func(pmr.Pointer) error {
	return func(v pmr.Pointer) error {
		if err := tx.Snapshot(int(l.ptr), 8); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(l.buf[0:8], uint64(v))
		return nil
	}
}

func (l leafView) slotOffset(i int) int { return leafHeaderSize + i*slotSize }

func (l leafView) slotState(i int) byte  { return l.buf[l.slotOffset(i)] }
func (l leafView) slotHash(i int) byte   { return l.buf[l.slotOffset(i)+1] }
func (l leafView) slotEntry(i int) pmr.Pointer {
	off := l.slotOffset(i) + 8
	return pmr.Pointer(binary.LittleEndian.Uint64(l.buf[off : off+8]))
}

// writeSlotTx occupies (or overwrites) slot i with hash and entryPtr,
// snapshotting the whole slot first so an abort restores it verbatim.
func (l leafView) writeSlotTx(tx *txn.Txn, i int, hash byte, entryPtr pmr.Pointer) error {
	off := l.slotOffset(i)
	if err := tx.Snapshot(int(l.ptr)+off, slotSize); err != nil {
		return err
	}
	l.buf[off] = slotOccupied
	l.buf[off+1] = hash
	binary.LittleEndian.PutUint64(l.buf[off+8:off+16], uint64(entryPtr))
	return nil
}

// clearSlotTx empties slot i, snapshotting it first.
func (l leafView) clearSlotTx(tx *txn.Txn, i int) error {
	off := l.slotOffset(i)
	if err := tx.Snapshot(int(l.ptr)+off, slotSize); err != nil {
		return err
	}
	for j := 0; j < slotSize; j++ {
		l.buf[off+j] = 0
	}
	return nil
}

func (l leafView) occupiedCount() int {
	n := 0
	for i := 0; i < LeafKeys; i++ {
		if l.slotState(i) == slotOccupied {
			n++
		}
	}
	return n
}

func (l leafView) firstEmptySlot() (int, bool) {
	for i := 0; i < LeafKeys; i++ {
		if l.slotState(i) == slotEmpty {
			return i, true
		}
	}
	return 0, false
}

// entry is the decoded (key, value) content of one allocated entry blob:
// keyLen(4) + key + valLen(4) + value.
type entry struct {
	key   []byte
	value []byte
}

func entrySize(key, value []byte) int {
	return 4 + len(key) + 4 + len(value)
}

func encodeEntry(buf []byte, key, value []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:4+len(key)], key)
	off := 4 + len(key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(value)))
	copy(buf[off+4:off+4+len(value)], value)
}

func decodeEntry(buf []byte) entry {
	keyLen := binary.LittleEndian.Uint32(buf[0:4])
	key := make([]byte, keyLen)
	copy(key, buf[4:4+keyLen])
	off := 4 + int(keyLen)
	valLen := binary.LittleEndian.Uint32(buf[off : off+4])
	value := make([]byte, valLen)
	copy(value, buf[off+4:off+4+int(valLen)])
	return entry{key: key, value: value}
}

// entryAt reads the header-then-body of the entry blob at ptr and
// returns its fully decoded content along with its total allocated
// size (needed to Free it symmetrically with how it was Alloc'd).
func entryAt(alloc *pmr.Allocator, ptr pmr.Pointer) (entry, int) {
	hdr := alloc.Bytes(ptr, 4)
	keyLen := int(binary.LittleEndian.Uint32(hdr))
	withKey := alloc.Bytes(ptr, 4+keyLen+4)
	valLen := int(binary.LittleEndian.Uint32(withKey[4+keyLen:]))
	size := 4 + keyLen + 4 + valLen
	return decodeEntry(alloc.Bytes(ptr, size)), size
}

// entryKeyAt reads just the key portion of the entry blob at ptr,
// avoiding a value copy when only ordering information is needed.
func entryKeyAt(alloc *pmr.Allocator, ptr pmr.Pointer) []byte {
	hdr := alloc.Bytes(ptr, 4)
	keyLen := int(binary.LittleEndian.Uint32(hdr))
	buf := alloc.Bytes(ptr, 4+keyLen)
	key := make([]byte, keyLen)
	copy(key, buf[4:])
	return key
}
