package iterator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrStopMessage(t *testing.T) {
	assert.Equal(t, "iteration stopped by callback", ErrStop.Error())
}
