package btree

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/go-kvengine/kvengine/pkg/config"
	"github.com/go-kvengine/kvengine/pkg/engine"
	"github.com/go-kvengine/kvengine/pkg/iterator"
	"github.com/go-kvengine/kvengine/pkg/pmr"
	"github.com/go-kvengine/kvengine/pkg/status"
)

// EngineName is the registry name this package registers itself under.
const EngineName = "btree"

func init() {
	engine.Register(EngineName, Open)
}

// Open builds a Tree engine from cfg. If "oid" is set, it attaches to the
// *pmr.Region it carries instead of opening/creating one from "path" —
// the region is assumed already open (e.g. shared with another engine
// registered on a different root slot of the same pool) and is left open
// on Close rather than closed, since Open did not open it. Otherwise a
// fresh pool is created at "path" if force_create is set or none exists
// there, and an existing one is recovered (rebuilding the volatile index
// from the persistent leaf chain) otherwise. cfg is released before Open
// returns.
func Open(cfg *config.Bag) (engine.Engine, error) {
	defer cfg.Release()

	cmp := func(a, b []byte) int { return bytes.Compare(a, b) }
	if obj, code := cfg.GetObject(config.KeyComparator); code == status.OK {
		if c, ok := obj.(engine.Comparator); ok {
			cmp = c
		} else if c, ok := obj.(func([]byte, []byte) int); ok {
			cmp = c
		}
	}

	log := zap.NewNop()
	if obj, code := cfg.GetObject("logger"); code == status.OK {
		if l, ok := obj.(*zap.Logger); ok {
			log = l
		}
	}

	if obj, code := cfg.GetObject(config.KeyOID); code == status.OK {
		region, ok := obj.(*pmr.Region)
		if !ok {
			return nil, status.New("btree.Open", status.InvalidArgument,
				errors.New("\"oid\" option must carry an already-open *pmr.Region"))
		}
		return openOnRegion(region, cmp, log, false)
	}

	path, code := cfg.GetString(config.KeyPath)
	if code != status.OK {
		return nil, status.New("btree.Open", status.InvalidArgument,
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

	eng, err := openOnRegion(region, cmp, log, true)
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	log.Info("btree engine opened", zap.String("path", path), zap.Bool("created", create_))
	return eng, nil
}

// openOnRegion builds the tree on top of region, which the caller has
// already created or opened. ownsRegion marks whether the returned
// engine's Close should close region too — false when the region was
// handed in through the "oid" option and outlives this engine.
func openOnRegion(region *pmr.Region, cmp engine.Comparator, log *zap.Logger, ownsRegion bool) (engine.Engine, error) {
	alloc := pmr.NewAllocator(region)

	var tree *Tree
	var err error
	if region.RootSlot(headSlot).IsNull() {
		tree, err = create(region, alloc, cmp, EngineName, log)
	} else {
		tree, err = recoverTree(region, alloc, cmp, EngineName, log)
	}
	if err != nil {
		return nil, err
	}
	tree.ownsRegion = ownsRegion
	return (*orderedTree)(tree), nil
}

// orderedTree re-exposes *Tree as engine.OrderedEngine. Every method,
// the base Engine surface and the range operations alike, lives on
// *Tree itself (tree.go); this type forwards each of them to *Tree.
type orderedTree Tree

func (t *orderedTree) self() *Tree { return (*Tree)(t) }

func (t *orderedTree) Name() string                                      { return t.self().Name() }
func (t *orderedTree) CountAll() (uint64, status.Code)                   { return t.self().CountAll() }
func (t *orderedTree) GetAll(cb engine.VisitCallback) status.Code        { return t.self().GetAll(cb) }
func (t *orderedTree) Exists(key []byte) status.Code                     { return t.self().Exists(key) }
func (t *orderedTree) Get(key []byte, cb engine.GetCallback) status.Code { return t.self().Get(key, cb) }
func (t *orderedTree) Put(key, value []byte) status.Code                 { return t.self().Put(key, value) }
func (t *orderedTree) Remove(key []byte) status.Code                     { return t.self().Remove(key) }
func (t *orderedTree) Defrag(startPercent, amountPercent uint64) status.Code {
	return t.self().Defrag(startPercent, amountPercent)
}
func (t *orderedTree) NewIterator() (iterator.WriteIterator, status.Code) {
	return t.self().NewIterator()
}
func (t *orderedTree) NewConstIterator() (iterator.ReadIterator, status.Code) {
	return t.self().NewConstIterator()
}
func (t *orderedTree) Close() error { return t.self().Close() }

func (t *orderedTree) CountAbove(key []byte) (uint64, status.Code)      { return t.self().CountAbove(key) }
func (t *orderedTree) CountEqualAbove(key []byte) (uint64, status.Code) { return t.self().CountEqualAbove(key) }
func (t *orderedTree) CountBelow(key []byte) (uint64, status.Code)      { return t.self().CountBelow(key) }
func (t *orderedTree) CountEqualBelow(key []byte) (uint64, status.Code) { return t.self().CountEqualBelow(key) }
func (t *orderedTree) CountBetween(a, b []byte) (uint64, status.Code)   { return t.self().CountBetween(a, b) }

func (t *orderedTree) GetAbove(key []byte, cb engine.VisitCallback) status.Code {
	return t.self().GetAbove(key, cb)
}
func (t *orderedTree) GetEqualAbove(key []byte, cb engine.VisitCallback) status.Code {
	return t.self().GetEqualAbove(key, cb)
}
func (t *orderedTree) GetBelow(key []byte, cb engine.VisitCallback) status.Code {
	return t.self().GetBelow(key, cb)
}
func (t *orderedTree) GetEqualBelow(key []byte, cb engine.VisitCallback) status.Code {
	return t.self().GetEqualBelow(key, cb)
}
func (t *orderedTree) GetBetween(a, b []byte, cb engine.VisitCallback) status.Code {
	return t.self().GetBetween(a, b, cb)
}

var _ engine.OrderedEngine = (*orderedTree)(nil)
