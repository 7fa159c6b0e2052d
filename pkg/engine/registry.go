package engine

import (
	"sync"

	"github.com/go-kvengine/kvengine/pkg/config"
	"github.com/go-kvengine/kvengine/pkg/status"
)

// Constructor builds an Engine from a fully-populated config.Bag. It
// takes ownership of cfg and is responsible for calling cfg.Release()
// once the options it needs have been consumed.
type Constructor func(cfg *config.Bag) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register associates name with ctor in the process-wide engine registry.
// Concrete engine packages call this from an init() function; calling it
// twice for the same name overwrites the previous constructor.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Open looks up name in the registry and invokes its constructor with
// cfg. Unknown names yield status.WrongEngine.
func Open(name string, cfg *config.Bag) (Engine, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, status.New("engine.Open", status.WrongEngine, nil)
	}
	e, err := ctor(cfg)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Registered reports whether name has a registered constructor.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}
