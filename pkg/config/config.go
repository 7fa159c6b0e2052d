// Package config implements the typed, opaque option bag consumed once at
// engine construction. A Bag is a string-keyed map of typed Values — an
// insertion-order-irrelevant mapping from a recognized option name to a
// typed value, not a fixed struct — and unknown keys are retained rather
// than rejected, so forward-compatible callers can pass options a given
// engine build doesn't recognize yet.
package config

import (
	"math"

	"github.com/go-kvengine/kvengine/pkg/status"
)

// Recognized option keys.
const (
	KeyPath        = "path"
	KeySize        = "size"
	KeyForceCreate = "force_create"
	KeyComparator  = "comparator"
	KeyOID         = "oid"
)

// kind tags the dynamic type carried by a Value.
type kind int

const (
	kindInt64 kind = iota
	kindUInt64
	kindString
	kindData
	kindObject
)

// Value is one typed entry in a Bag.
type Value struct {
	kind     kind
	i64      int64
	u64      uint64
	str      string
	data     []byte
	obj      interface{}
	deleter  func(interface{})
	fromFunc func() interface{}
}

// Int64 wraps an int64 option value.
func Int64(v int64) Value { return Value{kind: kindInt64, i64: v} }

// UInt64 wraps a uint64 option value.
func UInt64(v uint64) Value { return Value{kind: kindUInt64, u64: v} }

// String wraps a string option value.
func String(v string) Value { return Value{kind: kindString, str: v} }

// Data wraps a raw byte-blob option value.
func Data(v []byte) Value { return Value{kind: kindData, data: v} }

// Object wraps an owned object value with an optional deleter invoked
// when the Bag is released.
func Object(v interface{}, deleter func(interface{})) Value {
	return Value{kind: kindObject, obj: v, deleter: deleter}
}

// ObjectFromGetter wraps an object resolved lazily through a getter
// function — used for comparator/oid references that are cheap to
// describe but expensive or stateful to resolve eagerly.
func ObjectFromGetter(get func() interface{}) Value {
	return Value{kind: kindObject, fromFunc: get}
}

func (v Value) resolveObject() interface{} {
	if v.fromFunc != nil {
		return v.fromFunc()
	}
	return v.obj
}

// Bag is a typed, string-keyed option map. A Bag is built up with Set and
// consumed exactly once by an engine constructor via the Get* accessors.
type Bag struct {
	entries map[string]Value
}

// New returns an empty Bag.
func New() *Bag {
	return &Bag{entries: make(map[string]Value)}
}

// Set stores v under key, overwriting any previous entry.
func (b *Bag) Set(key string, v Value) *Bag {
	b.entries[key] = v
	return b
}

// SetPath is a convenience for Set(KeyPath, String(path)).
func (b *Bag) SetPath(path string) *Bag { return b.Set(KeyPath, String(path)) }

// SetSize is a convenience for Set(KeySize, UInt64(size)).
func (b *Bag) SetSize(size uint64) *Bag { return b.Set(KeySize, UInt64(size)) }

// SetOID is a convenience for Set(KeyOID, Object(region, nil)) — region
// must be a *pmr.Region the caller already opened, which the attaching
// engine will leave open rather than close. Declared here rather than
// typed as *pmr.Region to avoid pkg/config importing pkg/pmr; callers
// pass the concrete region value, and engine Open implementations type-
// assert it back.
func (b *Bag) SetOID(region interface{}) *Bag { return b.Set(KeyOID, Object(region, nil)) }

// SetForceCreate is a convenience for Set(KeyForceCreate, UInt64(0|1)).
func (b *Bag) SetForceCreate(force bool) *Bag {
	v := uint64(0)
	if force {
		v = 1
	}
	return b.Set(KeyForceCreate, UInt64(v))
}

// Has reports whether key is present, regardless of type.
func (b *Bag) Has(key string) bool {
	_, ok := b.entries[key]
	return ok
}

// GetInt64 returns the int64 option named key, range-checking a stored
// uint64 if that's what was set.
func (b *Bag) GetInt64(key string) (int64, status.Code) {
	v, ok := b.entries[key]
	if !ok {
		return 0, status.NotFound
	}
	switch v.kind {
	case kindInt64:
		return v.i64, status.OK
	case kindUInt64:
		if v.u64 > math.MaxInt64 {
			return 0, status.ConfigTypeError
		}
		return int64(v.u64), status.OK
	default:
		return 0, status.ConfigTypeError
	}
}

// GetUInt64 returns the uint64 option named key, range-checking a stored
// int64 if that's what was set.
func (b *Bag) GetUInt64(key string) (uint64, status.Code) {
	v, ok := b.entries[key]
	if !ok {
		return 0, status.NotFound
	}
	switch v.kind {
	case kindUInt64:
		return v.u64, status.OK
	case kindInt64:
		if v.i64 < 0 {
			return 0, status.ConfigTypeError
		}
		return uint64(v.i64), status.OK
	default:
		return 0, status.ConfigTypeError
	}
}

// GetString returns the string option named key.
func (b *Bag) GetString(key string) (string, status.Code) {
	v, ok := b.entries[key]
	if !ok {
		return "", status.NotFound
	}
	if v.kind != kindString {
		return "", status.ConfigTypeError
	}
	return v.str, status.OK
}

// GetData returns the raw byte-blob option named key.
func (b *Bag) GetData(key string) ([]byte, status.Code) {
	v, ok := b.entries[key]
	if !ok {
		return nil, status.NotFound
	}
	if v.kind != kindData {
		return nil, status.ConfigTypeError
	}
	return v.data, status.OK
}

// GetObject returns the object option named key, resolving it through its
// getter if it was registered with ObjectFromGetter.
func (b *Bag) GetObject(key string) (interface{}, status.Code) {
	v, ok := b.entries[key]
	if !ok {
		return nil, status.NotFound
	}
	if v.kind != kindObject {
		return nil, status.ConfigTypeError
	}
	return v.resolveObject(), status.OK
}

// Release invokes the deleter of every owned object value, then discards
// the Bag's entries. Engines call Release once they have consumed the Bag
// at construction time.
func (b *Bag) Release() {
	for _, v := range b.entries {
		if v.kind == kindObject && v.deleter != nil {
			v.deleter(v.obj)
		}
	}
	b.entries = nil
}
