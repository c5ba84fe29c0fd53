package chain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by tree operations.
var (
	ErrKeyExists      = errors.New("live chain with the key already exists")
	ErrBlockTableFull = errors.New("block table is full")
	ErrNoBlockTable   = errors.New("chain has no block table")
	ErrDeleted        = errors.New("chain is deleted")
	ErrRoot           = errors.New("operation not allowed on root chain")
	ErrNotModified    = errors.New("chain is not modified")
	ErrInvalidType    = errors.New("invalid chain type")
	ErrNotFound       = errors.New("live chain not found")
)

// InvariantError is raised, as a panic, when tree state contradicts its structural rules.
type InvariantError struct {
	err error
}

// Error returns error message.
func (e *InvariantError) Error() string {
	return "invariant violation: " + e.err.Error()
}

// Unwrap returns underlying error.
func (e *InvariantError) Unwrap() error {
	return e.err
}

// Format formats error including stack trace when requested.
func (e *InvariantError) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok && verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprint(s, "invariant violation: ")
		f.Format(s, verb)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// Invariantf panics with invariant error.
func Invariantf(format string, args ...any) {
	panic(&InvariantError{err: errors.Errorf(format, args...)})
}

// Assert panics with invariant error if condition is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		Invariantf(format, args...)
	}
}
