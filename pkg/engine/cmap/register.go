package cmap

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/go-kvengine/kvengine/pkg/config"
	"github.com/go-kvengine/kvengine/pkg/engine"
	"github.com/go-kvengine/kvengine/pkg/pmr"
	"github.com/go-kvengine/kvengine/pkg/status"
)

// EngineName is the registry name this package registers itself under.
const EngineName = "cmap"

func init() {
	engine.Register(EngineName, Open)
}

// Open builds a Map engine from cfg. If "oid" is set, it attaches to the
// *pmr.Region it carries instead of opening/creating one from "path" —
// the region is assumed already open (e.g. shared with another engine
// registered on a different root slot of the same pool) and is left open
// on Close rather than closed, since Open did not open it. Otherwise a
// fresh pool is created at "path" if force_create is set or none exists
// there, and an existing one is recovered otherwise. cfg has no
// comparator option: a hash map has no key order for one to govern. cfg
// is released before Open returns.
func Open(cfg *config.Bag) (engine.Engine, error) {
	defer cfg.Release()

	log := zap.NewNop()
	if obj, code := cfg.GetObject("logger"); code == status.OK {
		if l, ok := obj.(*zap.Logger); ok {
			log = l
		}
	}

	if obj, code := cfg.GetObject(config.KeyOID); code == status.OK {
		region, ok := obj.(*pmr.Region)
		if !ok {
			return nil, status.New("cmap.Open", status.InvalidArgument,
				errors.New("\"oid\" option must carry an already-open *pmr.Region"))
		}
		return openOnRegion(region, log, false)
	}

	path, code := cfg.GetString(config.KeyPath)
	if code != status.OK {
		return nil, status.New("cmap.Open", status.InvalidArgument,
			errors.New("missing required \"path\" or \"oid\" option"))
	}

	size := uint64(pmr.MinPoolSize)
	if v, code := cfg.GetUInt64(config.KeySize); code == status.OK {
		size = v
	}

	forceCreate := false
	if v, code := cfg.GetUInt64(config.KeyForceCreate); code == status.OK && v != 0 {
		forceCreate = true
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil
	create_ := forceCreate || !exists

	var region *pmr.Region
	var err error
	if create_ {
		region, err = pmr.Create(path, size)
	} else {
		region, err = pmr.Open(path)
	}
	if err != nil {
		return nil, err
	}

	eng, err := openOnRegion(region, log, true)
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	log.Info("cmap engine opened", zap.String("path", path), zap.Bool("created", create_))
	return eng, nil
}

// openOnRegion builds the map on top of region, which the caller has
// already created or opened. ownsRegion marks whether the returned
// engine's Close should close region too — false when the region was
// handed in through the "oid" option and outlives this engine.
func openOnRegion(region *pmr.Region, log *zap.Logger, ownsRegion bool) (engine.Engine, error) {
	alloc := pmr.NewAllocator(region)

	var m *Map
	var err error
	if region.RootSlot(headSlot).IsNull() {
		m, err = create(region, alloc, EngineName, log)
	} else {
		m, err = recoverMap(region, alloc, EngineName, log)
	}
	if err != nil {
		return nil, err
	}
	m.ownsRegion = ownsRegion
	return m, nil
}

var _ engine.Engine = (*Map)(nil)
