package cmap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-kvengine/kvengine/pkg/config"
	"github.com/go-kvengine/kvengine/pkg/pmr"
	"github.com/go-kvengine/kvengine/pkg/status"
)

// TestOpenOnExistingRegionViaOID drives the "oid" option: a region opened
// by the caller is handed to Open instead of a "path", and Close on the
// resulting engine must leave that region mapped rather than closing it.
func TestOpenOnExistingRegionViaOID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.pool")
	region, err := pmr.Create(path, pmr.MinPoolSize)
	require.NoError(t, err)
	defer region.Close()

	e, err := Open(config.New().SetOID(region))
	require.NoError(t, err)

	require.Equal(t, status.OK, e.Put([]byte("k"), []byte("v")))
	var got []byte
	require.Equal(t, status.OK, e.Get([]byte("k"), func(v []byte) error { got = append([]byte{}, v...); return nil }))
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, e.Close())
	assert.False(t, region.RootSlot(headSlot).IsNull())
}

func TestOpenOnExistingRegionViaOIDRecoversPriorMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared2.pool")
	region, err := pmr.Create(path, pmr.MinPoolSize)
	require.NoError(t, err)
	defer region.Close()

	first, err := Open(config.New().SetOID(region))
	require.NoError(t, err)
	require.Equal(t, status.OK, first.Put([]byte("k"), []byte("v1")))
	require.NoError(t, first.Close())

	second, err := Open(config.New().SetOID(region))
	require.NoError(t, err)
	defer second.Close()

	var got []byte
	require.Equal(t, status.OK, second.Get([]byte("k"), func(v []byte) error { got = append([]byte{}, v...); return nil }))
	assert.Equal(t, []byte("v1"), got)
}

func TestOpenRejectsNonRegionOID(t *testing.T) {
	_, err := Open(config.New().Set(config.KeyOID, config.Object("not-a-region", nil)))
	assert.Error(t, err)
}
