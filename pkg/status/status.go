// Package status carries the result-code taxonomy shared by every engine,
// iterator, and config operation in kvengine. Operations return a Code
// instead of raising language-level exceptions so that allocator and
// transaction failures can be translated at a single boundary.
package status

import (
	"fmt"
	"sync"

	"github.com/petermattis/goid"
)

// Code is a result code returned by public operations.
type Code int

const (
	OK Code = iota
	UnknownError
	NotFound
	NotSupported
	InvalidArgument
	ConfigParsingError
	ConfigTypeError
	StoppedByCb
	OutOfMemory
	WrongEngine
	TransactionScopeError
)

var names = map[Code]string{
	OK:                     "OK",
	UnknownError:           "UnknownError",
	NotFound:               "NotFound",
	NotSupported:           "NotSupported",
	InvalidArgument:        "InvalidArgument",
	ConfigParsingError:     "ConfigParsingError",
	ConfigTypeError:        "ConfigTypeError",
	StoppedByCb:            "StoppedByCb",
	OutOfMemory:            "OutOfMemory",
	WrongEngine:            "WrongEngine",
	TransactionScopeError:  "TransactionScopeError",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error wraps a Code with the operation and underlying cause, in the style
// of a structured database error: Op identifies the failing call, Err is
// the (possibly nil) underlying cause.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error carrying the same Code, so callers
// can write errors.Is(err, status.New("", status.NotFound, nil)) or, more
// idiomatically, compare with errors.As and inspect Code directly.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

// New builds a status.Error for operation op carrying code, wrapping err.
func New(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// CodeOf extracts the Code carried by err, defaulting to UnknownError for
// any error that isn't a *Error (or OK for a nil error).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if se, ok := err.(*Error); ok {
		return se.Code
	}
	return UnknownError
}

// last is the thread-local (goroutine-local) diagnostic message, keyed by
// goroutine id the same way pkg/txn keys active transactions: Go has no
// native TLS, and the most-recent-error accessor is a per-thread concept
// by design, so goid.Get() stands in for the missing primitive.
var last sync.Map // map[int64]string

// SetLast records msg as the most recent diagnostic message for the
// calling goroutine. Engines call this at the point an internal failure
// is translated into a Code, so the message is available to the caller's
// logging without being threaded through every return value.
func SetLast(msg string) {
	last.Store(goid.Get(), msg)
}

// LastError returns the most recent diagnostic message recorded by the
// calling goroutine, or "" if none has been recorded.
func LastError() string {
	v, ok := last.Load(goid.Get())
	if !ok {
		return ""
	}
	return v.(string)
}

// ClearLast drops the calling goroutine's diagnostic message.
func ClearLast() {
	last.Delete(goid.Get())
}
