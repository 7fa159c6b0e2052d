package pmr

import "encoding/binary"

// Pointer is a byte offset into a Region's mapped arena. Zero is the null
// pointer: offset 0 always falls inside the layout header, so it can
// never be a valid allocation.
type Pointer uint64

// Null is the zero-value pointer, never returned by the allocator.
const Null Pointer = 0

// IsNull reports whether p is the null pointer.
func (p Pointer) IsNull() bool { return p == Null }

// Load reads a Pointer stored at offset off within region's bytes.
func Load(r *Region, off int) Pointer {
	return Pointer(binary.LittleEndian.Uint64(r.data[off : off+8]))
}

// StoreTx transactionally overwrites the Pointer stored at offset off,
// snapshotting the previous 8 bytes first so an abort restores them.
func StoreTx(tx txnSnapshotter, r *Region, off int, v Pointer) error {
	if err := tx.Snapshot(off, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.data[off:off+8], uint64(v))
	return nil
}
