package cmap

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-kvengine/kvengine/pkg/config"
	"github.com/go-kvengine/kvengine/pkg/status"
)

func openTestCmap(t *testing.T) *Map {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iter.pool")
	e, err := Open(config.New().SetPath(path).SetForceCreate(true))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e.(*Map)
}

func TestConstIteratorSeekFindsExactMatchOnly(t *testing.T) {
	m := openTestCmap(t)
	for _, k := range []string{"a", "b", "c"} {
		require.Equal(t, status.OK, m.Put([]byte(k), []byte(k)))
	}

	it, code := m.NewConstIterator()
	require.Equal(t, status.OK, code)
	defer it.Close()

	require.Equal(t, status.OK, it.Seek([]byte("b")))
	k, code := it.Key()
	require.Equal(t, status.OK, code)
	assert.Equal(t, "b", string(k))

	assert.Equal(t, status.NotFound, it.Seek([]byte("missing")))
}

func TestOrderedOnlyCursorOperationsAreNotSupported(t *testing.T) {
	m := openTestCmap(t)
	require.Equal(t, status.OK, m.Put([]byte("k"), []byte("v")))

	it, _ := m.NewConstIterator()
	defer it.Close()

	assert.Equal(t, status.NotSupported, it.SeekLower([]byte("k")))
	assert.Equal(t, status.NotSupported, it.SeekLowerEq([]byte("k")))
	assert.Equal(t, status.NotSupported, it.SeekHigher([]byte("k")))
	assert.Equal(t, status.NotSupported, it.SeekHigherEq([]byte("k")))
	assert.Equal(t, status.NotSupported, it.SeekToLast())
	assert.Equal(t, status.NotSupported, it.Prev())
}

func TestSeekToFirstThenNextVisitsAllEntries(t *testing.T) {
	m := openTestCmap(t)
	want := map[string]bool{"a": true, "b": true, "c": true}
	for k := range want {
		require.Equal(t, status.OK, m.Put([]byte(k), []byte(k)))
	}

	it, _ := m.NewConstIterator()
	defer it.Close()

	seen := map[string]bool{}
	require.Equal(t, status.OK, it.SeekToFirst())
	for {
		k, code := it.Key()
		require.Equal(t, status.OK, code)
		seen[string(k)] = true
		if it.Next() != status.OK {
			break
		}
	}
	assert.Equal(t, want, seen)
}

func TestConstIteratorWriteRangeIsNotSupported(t *testing.T) {
	m := openTestCmap(t)
	require.Equal(t, status.OK, m.Put([]byte("k"), []byte("v")))

	it, _ := m.NewConstIterator()
	defer it.Close()
	require.Equal(t, status.OK, it.Seek([]byte("k")))

	_, code := it.WriteRange(0, 1)
	assert.Equal(t, status.NotSupported, code)
}

func TestWriteIteratorCommitsBufferedEdits(t *testing.T) {
	m := openTestCmap(t)
	require.Equal(t, status.OK, m.Put([]byte("k"), []byte("0123456789")))

	it, code := m.NewIterator()
	require.Equal(t, status.OK, code)
	require.Equal(t, status.OK, it.Seek([]byte("k")))

	buf, code := it.WriteRange(2, 3)
	require.Equal(t, status.OK, code)
	copy(buf, []byte("XYZ"))
	require.Equal(t, status.OK, it.Commit())
	require.NoError(t, it.Close())

	var got []byte
	code = m.Get([]byte("k"), func(v []byte) error { got = append([]byte{}, v...); return nil })
	require.Equal(t, status.OK, code)
	assert.Equal(t, "01XYZ56789", string(got))
}

func TestWriteIteratorAbortDiscardsBufferedEdits(t *testing.T) {
	m := openTestCmap(t)
	require.Equal(t, status.OK, m.Put([]byte("k"), []byte("original")))

	it, _ := m.NewIterator()
	require.Equal(t, status.OK, it.Seek([]byte("k")))
	buf, _ := it.WriteRange(0, 8)
	copy(buf, []byte("mutated!"))
	it.Abort()
	require.NoError(t, it.Close())

	var got []byte
	m.Get([]byte("k"), func(v []byte) error { got = append([]byte{}, v...); return nil })
	assert.Equal(t, "original", string(got))
}

func TestWriteIteratorCommitPreservesOtherEntries(t *testing.T) {
	m := openTestCmap(t)
	require.Equal(t, status.OK, m.Put([]byte("a"), []byte("aaa")))
	require.Equal(t, status.OK, m.Put([]byte("b"), []byte("bbb")))

	it, _ := m.NewIterator()
	require.Equal(t, status.OK, it.Seek([]byte("a")))
	buf, _ := it.WriteRange(0, 3)
	copy(buf, []byte("AAA"))
	require.Equal(t, status.OK, it.Commit())
	require.NoError(t, it.Close())

	var gotA, gotB []byte
	m.Get([]byte("a"), func(v []byte) error { gotA = append([]byte{}, v...); return nil })
	m.Get([]byte("b"), func(v []byte) error { gotB = append([]byte{}, v...); return nil })
	assert.Equal(t, "AAA", string(gotA))
	assert.Equal(t, "bbb", string(gotB))

	count, code := m.CountAll()
	require.Equal(t, status.OK, code)
	assert.Equal(t, uint64(2), count)
}

// TestWriteIteratorCommitTargetsEntryFromWriteRangeNotCursor moves the
// cursor away from the entry a WriteRange was buffered against before
// calling Commit, and asserts the edit still lands on the original entry
// rather than wherever the cursor ended up.
func TestWriteIteratorCommitTargetsEntryFromWriteRangeNotCursor(t *testing.T) {
	m := openTestCmap(t)
	require.Equal(t, status.OK, m.Put([]byte("a"), []byte("aaaa")))
	require.Equal(t, status.OK, m.Put([]byte("b"), []byte("bbbb")))

	it, code := m.NewIterator()
	require.Equal(t, status.OK, code)
	// Iteration order is unspecified, so start from whichever entry
	// SeekToFirst lands on rather than seeking a fixed key.
	require.Equal(t, status.OK, it.SeekToFirst())
	first, code := it.Key()
	require.Equal(t, status.OK, code)

	buf, code := it.WriteRange(0, 4)
	require.Equal(t, status.OK, code)
	copy(buf, []byte("XXXX"))

	require.Equal(t, status.OK, it.Next(), "there are two entries, so a Next after SeekToFirst must land on the other one")
	k, code := it.Key()
	require.Equal(t, status.OK, code)
	require.NotEqual(t, string(first), string(k), "cursor should now sit on the entry WriteRange was not called against")

	require.Equal(t, status.OK, it.Commit())
	require.NoError(t, it.Close())

	var gotFirst, gotOther []byte
	require.Equal(t, status.OK, m.Get(first, func(v []byte) error { gotFirst = append([]byte{}, v...); return nil }))
	require.Equal(t, status.OK, m.Get(k, func(v []byte) error { gotOther = append([]byte{}, v...); return nil }))
	assert.Equal(t, "XXXX", string(gotFirst), "the edit must apply to the entry WriteRange targeted")
	assert.Equal(t, string(bytes.Repeat(k, 4)), string(gotOther), "the entry the cursor moved to afterward must be untouched")
}
