package cmap

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/go-kvengine/kvengine/pkg/config"
	"github.com/go-kvengine/kvengine/pkg/engine"
	"github.com/go-kvengine/kvengine/pkg/iterator"
	"github.com/go-kvengine/kvengine/pkg/status"
)

func openTestMap(t *testing.T) engine.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmap.pool")
	cfg := config.New().SetPath(path).SetForceCreate(true)
	cfg.Set("logger", config.Object(zap.NewNop(), nil))

	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetExistsRoundTrip(t *testing.T) {
	e := openTestMap(t)
	assert.Equal(t, status.NotFound, e.Exists([]byte("k1")))
	require.Equal(t, status.OK, e.Put([]byte("k1"), []byte("v1")))
	assert.Equal(t, status.OK, e.Exists([]byte("k1")))

	var got []byte
	code := e.Get([]byte("k1"), func(v []byte) error { got = append([]byte{}, v...); return nil })
	require.Equal(t, status.OK, code)
	assert.Equal(t, "v1", string(got))
}

func TestPutOverwriteKeepsSingleEntry(t *testing.T) {
	e := openTestMap(t)
	require.Equal(t, status.OK, e.Put([]byte("k"), []byte("first")))
	require.Equal(t, status.OK, e.Put([]byte("k"), []byte("second and much longer")))

	var got []byte
	code := e.Get([]byte("k"), func(v []byte) error { got = append([]byte{}, v...); return nil })
	require.Equal(t, status.OK, code)
	assert.Equal(t, "second and much longer", string(got))

	count, code := e.CountAll()
	require.Equal(t, status.OK, code)
	assert.Equal(t, uint64(1), count)
}

func TestRemoveDeletesAndIsIdempotentlyNotFound(t *testing.T) {
	e := openTestMap(t)
	require.Equal(t, status.OK, e.Put([]byte("k"), []byte("v")))
	require.Equal(t, status.OK, e.Remove([]byte("k")))
	assert.Equal(t, status.NotFound, e.Exists([]byte("k")))
	assert.Equal(t, status.NotFound, e.Remove([]byte("k")))
}

func TestPutManyKeysForcesResize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "many.pool")
	e, err := Open(config.New().SetPath(path).SetForceCreate(true).SetSize(1 << 20))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	const n = 400 // well past initialBuckets*maxLoadFactor
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%05d", i))
		require.Equal(t, status.OK, e.Put(k, []byte(fmt.Sprintf("val-%d", i))))
	}

	count, code := e.CountAll()
	require.Equal(t, status.OK, code)
	assert.Equal(t, uint64(n), count)

	for i := 0; i < n; i += 17 {
		k := []byte(fmt.Sprintf("key-%05d", i))
		assert.Equal(t, status.OK, e.Exists(k), "key %s should survive a resize", k)
	}
}

func TestGetAllVisitsEveryEntryExactlyOnce(t *testing.T) {
	e := openTestMap(t)
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		require.Equal(t, status.OK, e.Put([]byte(k), []byte(v)))
	}

	got := map[string]string{}
	code := e.GetAll(func(k, v []byte) error {
		got[string(k)] = string(v)
		return nil
	})
	require.Equal(t, status.OK, code)
	assert.Equal(t, want, got)
}

func TestGetAllCanBeStoppedEarly(t *testing.T) {
	e := openTestMap(t)
	for _, k := range []string{"a", "b", "c"} {
		require.Equal(t, status.OK, e.Put([]byte(k), []byte(k)))
	}
	seen := 0
	code := e.GetAll(func(k, v []byte) error {
		seen++
		return iterator.ErrStop
	})
	assert.Equal(t, status.StoppedByCb, code)
	assert.Equal(t, 1, seen)
}

func TestDefragRejectsInvalidPercentagesAndSucceedsOtherwise(t *testing.T) {
	e := openTestMap(t)
	require.Equal(t, status.OK, e.Put([]byte("k"), []byte("v")))
	assert.Equal(t, status.InvalidArgument, e.Defrag(70, 40))
	assert.Equal(t, status.OK, e.Defrag(0, 100))
}

func TestRecoverRebuildsEntryCountFromPersistedTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.pool")
	e, err := Open(config.New().SetPath(path).SetForceCreate(true).SetSize(1 << 20))
	require.NoError(t, err)

	const n = 250
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("k-%04d", i))
		require.Equal(t, status.OK, e.Put(k, []byte("v")))
	}
	require.NoError(t, e.Close())

	reopened, err := Open(config.New().SetPath(path))
	require.NoError(t, err)
	defer reopened.Close()

	count, code := reopened.CountAll()
	require.Equal(t, status.OK, code)
	assert.Equal(t, uint64(n), count)

	for i := 0; i < n; i += 23 {
		k := []byte(fmt.Sprintf("k-%04d", i))
		assert.Equal(t, status.OK, reopened.Exists(k))
	}
}

func TestOpenWithoutPathFails(t *testing.T) {
	_, err := Open(config.New())
	require.Error(t, err)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}
