package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-kvengine/kvengine/pkg/config"
	"github.com/go-kvengine/kvengine/pkg/status"
)

func TestOpenUnknownNameReturnsWrongEngine(t *testing.T) {
	_, err := Open("no-such-engine-xyz", config.New())
	require.Error(t, err)
	assert.Equal(t, status.WrongEngine, status.CodeOf(err))
}

func TestRegisterThenOpenInvokesConstructorWithCfg(t *testing.T) {
	var received *config.Bag
	Register("stub-test-engine", func(cfg *config.Bag) (Engine, error) {
		received = cfg
		return nil, status.New("stub", status.UnknownError, nil)
	})
	assert.True(t, Registered("stub-test-engine"))

	cfg := config.New().SetPath("/tmp/x")
	_, err := Open("stub-test-engine", cfg)
	require.Error(t, err)
	assert.Same(t, cfg, received)
}

func TestRegisterTwiceOverwritesConstructor(t *testing.T) {
	calls := 0
	Register("stub-overwrite-test", func(cfg *config.Bag) (Engine, error) {
		calls = 1
		return nil, nil
	})
	Register("stub-overwrite-test", func(cfg *config.Bag) (Engine, error) {
		calls = 2
		return nil, nil
	})

	_, _ = Open("stub-overwrite-test", config.New())
	assert.Equal(t, 2, calls)
}
