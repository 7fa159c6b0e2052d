// Package pmr implements the Persistent Memory Region: a file-backed,
// byte-addressable arena with a transactional allocator and a small fixed
// root object. The region is mapped with github.com/edsrzf/mmap-go and
// guarded against concurrent mapping in this process tree with an
// advisory github.com/gofrs/flock lock.
package pmr

import (
	"encoding/binary"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/go-kvengine/kvengine/pkg/status"
)

// LayoutTag identifies the on-disk layout of a pool.
const LayoutTag = "pmemkv\x00\x00"

const (
	layoutVersion = uint32(1)

	headerSize   = 16 // tag(8) + version(4) + reserved(4)
	numRootSlots = 8
	rootSize     = numRootSlots * 8
	allocMetaOff = headerSize + rootSize
	allocMetaLen = 16 // freeListHead(8) + bumpOffset(8)
	arenaStart   = allocMetaOff + allocMetaLen

	// MinPoolSize is the smallest pool a Region will create.
	MinPoolSize = arenaStart + 4096
)

// EngineSlot indexes one of the fixed root-object pointer slots. Each
// engine package uses its own fixed slot constant (btree 0, cmap 1).
type EngineSlot int

// Region is a file-backed, byte-addressable arena mapped into this
// process's address space.
type Region struct {
	file *os.File
	lock *flock.Flock
	data mmap.MMap
	seq  uint64 // commit fence, bumped by txn.Commit
}

// Create creates a fresh pool file at path with the given size and maps
// it. size must be at least MinPoolSize.
func Create(path string, size uint64) (*Region, error) {
	if size < MinPoolSize {
		return nil, status.New("pmr.Create", status.InvalidArgument,
			errors.Errorf("pool size %d below minimum %d", size, MinPoolSize))
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return nil, status.New("pmr.Create", status.InvalidArgument,
			errors.Wrap(err, "could not acquire pool lock"))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, status.New("pmr.Create", status.InvalidArgument, errors.WithStack(err))
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		lock.Unlock()
		return nil, status.New("pmr.Create", status.InvalidArgument, errors.WithStack(err))
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, status.New("pmr.Create", status.OutOfMemory, errors.WithStack(err))
	}

	r := &Region{file: f, lock: lock, data: m}
	r.initLayout()
	return r, nil
}

// Open maps an existing pool file at path, validating its layout tag.
func Open(path string) (*Region, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return nil, status.New("pmr.Open", status.InvalidArgument,
			errors.Wrap(err, "could not acquire pool lock"))
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, status.New("pmr.Open", status.WrongEngine, errors.WithStack(err))
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, status.New("pmr.Open", status.OutOfMemory, errors.WithStack(err))
	}

	r := &Region{file: f, lock: lock, data: m}
	if err := r.validateLayout(); err != nil {
		m.Unmap()
		f.Close()
		lock.Unlock()
		return nil, err
	}
	return r, nil
}

func (r *Region) initLayout() {
	copy(r.data[0:8], []byte(LayoutTag))
	binary.LittleEndian.PutUint32(r.data[8:12], layoutVersion)
	binary.LittleEndian.PutUint64(r.data[allocMetaOff:allocMetaOff+8], 0) // free list head = null
	binary.LittleEndian.PutUint64(r.data[allocMetaOff+8:allocMetaOff+16], uint64(arenaStart))
}

func (r *Region) validateLayout() error {
	if len(r.data) < arenaStart {
		return status.New("pmr.validateLayout", status.WrongEngine,
			errors.New("pool file too small to contain a valid layout"))
	}
	if string(r.data[0:8]) != LayoutTag {
		return status.New("pmr.validateLayout", status.WrongEngine,
			errors.New("pool layout tag mismatch"))
	}
	return nil
}

// Bytes returns the raw, mutable backing storage of the region. It
// satisfies txn.Region.
func (r *Region) Bytes() []byte { return r.data }

// BumpSeq advances the region's commit-fence sequence counter. It
// satisfies txn.Region.
func (r *Region) BumpSeq() { atomic.AddUint64(&r.seq, 1) }

// Seq returns the current commit-fence value: the number of commits made
// through this Region since it was mapped. The counter lives in memory
// only and is not persisted in the pool.
func (r *Region) Seq() uint64 { return atomic.LoadUint64(&r.seq) }

// RootSlot returns the root object's pointer for the given engine slot.
func (r *Region) RootSlot(slot EngineSlot) Pointer {
	off := headerSize + int(slot)*8
	return Pointer(binary.LittleEndian.Uint64(r.data[off : off+8]))
}

// SetRootSlotTx transactionally installs ptr into the root object's slot
// for the given engine, snapshotting the previous value first.
func (r *Region) SetRootSlotTx(tx txnSnapshotter, slot EngineSlot, ptr Pointer) error {
	off := headerSize + int(slot)*8
	if err := tx.Snapshot(off, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.data[off:off+8], uint64(ptr))
	return nil
}

// txnSnapshotter is the subset of *txn.Txn the region's root-slot and
// allocator mutators need; declared locally to avoid an import cycle
// between pkg/pmr and pkg/txn (txn.Region is implemented by *Region, and
// pmr in turn only needs Snapshot from txn.Txn). The allocator's undo
// trail runs entirely through Snapshot of its own cursor/free-list
// fields, so TrackAlloc plays no part in rolling back an allocation.
type txnSnapshotter interface {
	Snapshot(offset, length int) error
}

// Close unmaps the region, closes the backing file, and releases the
// advisory lock.
func (r *Region) Close() error {
	if err := r.data.Unmap(); err != nil {
		return status.New("pmr.Close", status.UnknownError, errors.WithStack(err))
	}
	if err := r.file.Close(); err != nil {
		return status.New("pmr.Close", status.UnknownError, errors.WithStack(err))
	}
	if r.lock != nil {
		r.lock.Unlock()
	}
	return nil
}
