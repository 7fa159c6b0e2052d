package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-kvengine/kvengine/pkg/config"
	"github.com/go-kvengine/kvengine/pkg/status"
)

func openTestTreeForIteration(t *testing.T) *Tree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iter.pool")
	e, err := Open(config.New().SetPath(path).SetForceCreate(true))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return (*Tree)(e.(*orderedTree))
}

func TestConstIteratorSeeksInKeyOrder(t *testing.T) {
	tr := openTestTreeForIteration(t)
	for _, k := range []string{"b", "d", "a", "c"} {
		require.Equal(t, status.OK, tr.Put([]byte(k), []byte(k)))
	}

	it, code := tr.NewConstIterator()
	require.Equal(t, status.OK, code)
	defer it.Close()

	require.Equal(t, status.OK, it.SeekToFirst())
	k, code := it.Key()
	require.Equal(t, status.OK, code)
	assert.Equal(t, "a", string(k))

	var order []string
	for {
		k, _ := it.Key()
		order = append(order, string(k))
		if it.Next() != status.OK {
			break
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestIteratorSeekLowerHigherVariants(t *testing.T) {
	tr := openTestTreeForIteration(t)
	for _, k := range []string{"a", "c", "e"} {
		require.Equal(t, status.OK, tr.Put([]byte(k), []byte(k)))
	}
	it, _ := tr.NewConstIterator()
	defer it.Close()

	require.Equal(t, status.OK, it.SeekLower([]byte("c")))
	k, _ := it.Key()
	assert.Equal(t, "a", string(k))

	require.Equal(t, status.OK, it.SeekLowerEq([]byte("c")))
	k, _ = it.Key()
	assert.Equal(t, "c", string(k))

	require.Equal(t, status.OK, it.SeekHigher([]byte("c")))
	k, _ = it.Key()
	assert.Equal(t, "e", string(k))

	require.Equal(t, status.OK, it.SeekHigherEq([]byte("c")))
	k, _ = it.Key()
	assert.Equal(t, "c", string(k))

	assert.Equal(t, status.NotFound, it.SeekLower([]byte("a")))
	assert.Equal(t, status.NotFound, it.SeekHigher([]byte("e")))
}

func TestWriteIteratorCommitsBufferedEdits(t *testing.T) {
	tr := openTestTreeForIteration(t)
	require.Equal(t, status.OK, tr.Put([]byte("k"), []byte("0123456789")))

	it, code := tr.NewIterator()
	require.Equal(t, status.OK, code)
	require.Equal(t, status.OK, it.Seek([]byte("k")))

	buf, code := it.WriteRange(2, 3)
	require.Equal(t, status.OK, code)
	copy(buf, []byte("XYZ"))
	require.Equal(t, status.OK, it.Commit())
	require.NoError(t, it.Close())

	var got []byte
	code = tr.Get([]byte("k"), func(v []byte) error { got = append([]byte{}, v...); return nil })
	require.Equal(t, status.OK, code)
	assert.Equal(t, "01XYZ56789", string(got))
}

func TestConstIteratorWriteRangeIsNotSupported(t *testing.T) {
	tr := openTestTreeForIteration(t)
	require.Equal(t, status.OK, tr.Put([]byte("k"), []byte("v")))

	it, _ := tr.NewConstIterator()
	defer it.Close()
	require.Equal(t, status.OK, it.Seek([]byte("k")))

	_, code := it.WriteRange(0, 1)
	assert.Equal(t, status.NotSupported, code)
}

func TestWriteIteratorAbortDiscardsBufferedEdits(t *testing.T) {
	tr := openTestTreeForIteration(t)
	require.Equal(t, status.OK, tr.Put([]byte("k"), []byte("original")))

	it, _ := tr.NewIterator()
	require.Equal(t, status.OK, it.Seek([]byte("k")))
	buf, _ := it.WriteRange(0, 8)
	copy(buf, []byte("mutated!"))
	it.Abort()
	require.NoError(t, it.Close())

	var got []byte
	tr.Get([]byte("k"), func(v []byte) error { got = append([]byte{}, v...); return nil })
	assert.Equal(t, "original", string(got))
}

// TestWriteIteratorCommitTargetsEntryFromWriteRangeNotCursor moves the
// cursor away from the entry a WriteRange was buffered against before
// calling Commit, and asserts the edit still lands on the original entry
// rather than wherever the cursor ended up.
func TestWriteIteratorCommitTargetsEntryFromWriteRangeNotCursor(t *testing.T) {
	tr := openTestTreeForIteration(t)
	require.Equal(t, status.OK, tr.Put([]byte("a"), []byte("aaaa")))
	require.Equal(t, status.OK, tr.Put([]byte("b"), []byte("bbbb")))

	it, code := tr.NewIterator()
	require.Equal(t, status.OK, code)
	require.Equal(t, status.OK, it.Seek([]byte("a")))

	buf, code := it.WriteRange(0, 4)
	require.Equal(t, status.OK, code)
	copy(buf, []byte("XXXX"))

	require.Equal(t, status.OK, it.Next())
	k, code := it.Key()
	require.Equal(t, status.OK, code)
	require.Equal(t, "b", string(k), "cursor should now sit on the second entry")

	require.Equal(t, status.OK, it.Commit())
	require.NoError(t, it.Close())

	var gotA, gotB []byte
	require.Equal(t, status.OK, tr.Get([]byte("a"), func(v []byte) error { gotA = append([]byte{}, v...); return nil }))
	require.Equal(t, status.OK, tr.Get([]byte("b"), func(v []byte) error { gotB = append([]byte{}, v...); return nil }))
	assert.Equal(t, "XXXX", string(gotA), "the edit must apply to the entry WriteRange targeted")
	assert.Equal(t, "bbbb", string(gotB), "the entry the cursor moved to afterward must be untouched")
}
