// Package cmap implements a resizable, persistent, hash-chained
// concurrent map engine: a directory of bucket head pointers backed by
// github.com/cespare/xxhash/v2 hashing, with one volatile sync.RWMutex
// per bucket standing in for a per-bucket accessor lock so readers of
// different buckets never contend and a writer only blocks readers of
// its own bucket.
package cmap

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/go-kvengine/kvengine/pkg/pmr"
	"github.com/go-kvengine/kvengine/pkg/txn"
)

// initialBuckets is the bucket count a freshly created map starts with.
const initialBuckets = 16

// maxLoadFactor is the average chain length that triggers a doubling
// resize on the next Put that would exceed it.
const maxLoadFactor = 4

// tableHeaderSize is the fixed portion of a table block: bucketCount(8).
// Bucket head pointers follow immediately, bucketCount*8 bytes of them.
const tableHeaderSize = 8

func tableSize(bucketCount uint64) int {
	return tableHeaderSize + int(bucketCount)*8
}

// bucketIndex maps key to a bucket slot in a table of bucketCount
// buckets via 64-bit xxHash, the same hash github.com/cespare/xxhash/v2
// exposes for exactly this kind of sharding.
func bucketIndex(key []byte, bucketCount uint64) uint64 {
	return xxhash.Sum64(key) % bucketCount
}

// tableView is a thin decoder/encoder over one table block. ptr is kept
// alongside buf solely so setBucketHeadTx can pass tx.Snapshot the
// table's absolute region offset rather than an offset relative to buf.
type tableView struct {
	buf         []byte
	bucketCount uint64
	ptr         pmr.Pointer
}

func newTableView(alloc *pmr.Allocator, ptr pmr.Pointer) tableView {
	hdr := alloc.Bytes(ptr, tableHeaderSize)
	count := binary.LittleEndian.Uint64(hdr)
	return tableView{buf: alloc.Bytes(ptr, tableSize(count)), bucketCount: count, ptr: ptr}
}

func (tv tableView) bucketHead(i uint64) pmr.Pointer {
	off := tableHeaderSize + int(i)*8
	return pmr.Pointer(binary.LittleEndian.Uint64(tv.buf[off : off+8]))
}

func (tv tableView) setBucketHeadTx(tx *txn.Txn, i uint64, p pmr.Pointer) error {
	off := tableHeaderSize + int(i)*8
	if err := tx.Snapshot(int(tv.ptr)+off, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(tv.buf[off:off+8], uint64(p))
	return nil
}

func initTable(buf []byte, bucketCount uint64) {
	binary.LittleEndian.PutUint64(buf[0:8], bucketCount)
}

// nodeHeaderSize is the fixed portion of a chained entry node:
// next(8) + keyLen(4) + valLen(4). Key and value bytes follow.
const nodeHeaderSize = 16

func nodeSize(keyLen, valLen int) int { return nodeHeaderSize + keyLen + valLen }

func encodeNode(buf []byte, next pmr.Pointer, key, value []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(next))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(value)))
	copy(buf[16:16+len(key)], key)
	copy(buf[16+len(key):], value)
}

type node struct {
	next  pmr.Pointer
	key   []byte
	value []byte
}

func decodeNode(buf []byte) node {
	next := pmr.Pointer(binary.LittleEndian.Uint64(buf[0:8]))
	keyLen := binary.LittleEndian.Uint32(buf[8:12])
	valLen := binary.LittleEndian.Uint32(buf[12:16])
	key := make([]byte, keyLen)
	copy(key, buf[16:16+keyLen])
	value := make([]byte, valLen)
	copy(value, buf[16+keyLen:16+keyLen+valLen])
	return node{next: next, key: key, value: value}
}

// nodeHeaderAt reads just next/keyLen/valLen without copying key/value.
func nodeHeaderAt(alloc *pmr.Allocator, ptr pmr.Pointer) (next pmr.Pointer, keyLen, valLen int) {
	hdr := alloc.Bytes(ptr, nodeHeaderSize)
	next = pmr.Pointer(binary.LittleEndian.Uint64(hdr[0:8]))
	keyLen = int(binary.LittleEndian.Uint32(hdr[8:12]))
	valLen = int(binary.LittleEndian.Uint32(hdr[12:16]))
	return
}

func nodeAt(alloc *pmr.Allocator, ptr pmr.Pointer) (node, int) {
	_, keyLen, valLen := nodeHeaderAt(alloc, ptr)
	size := nodeSize(keyLen, valLen)
	return decodeNode(alloc.Bytes(ptr, size)), size
}

// setNodeNextTx rewrites the leading next-pointer field of the node at
// ptr, used to relink chains during resize and removal without moving
// the node's key/value bytes.
func setNodeNextTx(tx *txn.Txn, alloc *pmr.Allocator, ptr pmr.Pointer, next pmr.Pointer) error {
	if err := tx.Snapshot(int(ptr), 8); err != nil {
		return err
	}
	buf := alloc.Bytes(ptr, 8)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(next))
	return nil
}
