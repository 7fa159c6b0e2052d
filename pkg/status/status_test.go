package status

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeString(t *testing.T) {
	assert.Equal(t, "NotFound", NotFound.String())
	assert.Equal(t, "OK", OK.String())
	assert.Contains(t, Code(999).String(), "Code(999)")
}

func TestErrorWrapsCauseAndFormats(t *testing.T) {
	cause := errors.New("disk full")
	err := New("pmr.Create", OutOfMemory, cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "pmr.Create")
	assert.Contains(t, err.Error(), "OutOfMemory")
	assert.Contains(t, err.Error(), "disk full")
}

func TestErrorWithoutCauseOmitsColon(t *testing.T) {
	err := New("btree.Put", InvalidArgument, nil)
	assert.Equal(t, "btree.Put: InvalidArgument", err.Error())
}

func TestErrorIsComparesCodeOnly(t *testing.T) {
	a := New("op-a", NotFound, errors.New("x"))
	b := New("op-b", NotFound, errors.New("y"))
	c := New("op-c", WrongEngine, nil)

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
	assert.False(t, a.Is(errors.New("plain error")))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, NotFound, CodeOf(New("op", NotFound, nil)))
	assert.Equal(t, UnknownError, CodeOf(errors.New("not a status.Error")))
}

func TestLastErrorIsPerGoroutine(t *testing.T) {
	ClearLast()
	assert.Equal(t, "", LastError())

	SetLast("boom")
	assert.Equal(t, "boom", LastError())

	var wg sync.WaitGroup
	var otherGoroutineSaw string
	wg.Add(1)
	go func() {
		defer wg.Done()
		otherGoroutineSaw = LastError()
	}()
	wg.Wait()

	assert.Equal(t, "", otherGoroutineSaw, "diagnostic message must not leak across goroutines")
	assert.Equal(t, "boom", LastError(), "setting it on another goroutine must not clear this one")

	ClearLast()
	assert.Equal(t, "", LastError())
}
