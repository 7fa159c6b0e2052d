package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-kvengine/kvengine/pkg/status"
)

// TestPutAbortsCleanlyWhenSplitRunsOutOfMemory drives a split whose
// first allocation (the new right leaf) succeeds and whose second (the
// triggering entry itself, sized to overrun the pool exactly) fails,
// forcing Put to abort a transaction that already made one successful
// allocation. This is the scenario the allocator's undo/free-list fix
// guards: without it, the abort would double-roll-back that leaf
// allocation and either alias it or wedge the free list. The pool must
// come out of the failed Put fully usable.
func TestPutAbortsCleanlyWhenSplitRunsOutOfMemory(t *testing.T) {
	e := openTestTree(t)

	const n = LeafKeys // fill the head leaf exactly full, no split yet
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		require.Equal(t, status.OK, e.Put(k, []byte("v")))
	}

	// This key sorts after every "key-...." key, so it lands at the very
	// end of the split's right leaf — every other entry in that leaf is
	// placed (reusing its existing allocation, no Alloc call) before the
	// split reaches this one and its allocation fails.
	overflowKey := []byte("key-9999")
	overflowValue := bytes.Repeat([]byte{'x'}, 2000)

	code := e.Put(overflowKey, overflowValue)
	assert.Equal(t, status.OutOfMemory, code, "the oversized value should overrun the pool mid-split")

	// The failed, aborted split must not have corrupted anything: every
	// key inserted before it is still there...
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		assert.Equal(t, status.OK, e.Exists(k), "key %s should have survived the aborted split", k)
	}
	// ...the failed key was never committed...
	assert.Equal(t, status.NotFound, e.Exists(overflowKey))

	// ...and the tree still accepts new writes (no wedged free list, no
	// aliased leaf) on a value that actually fits.
	require.Equal(t, status.OK, e.Put([]byte("after"), []byte("ok")))
	var got []byte
	require.Equal(t, status.OK, e.Get([]byte("after"), func(v []byte) error { got = append([]byte{}, v...); return nil }))
	assert.Equal(t, []byte("ok"), got)
}
