// Package hyperdb is a typed, transactional object store. Classes
// define properties (strings, numbers, dates, passwords, links
// between items), every change is journalled, and auditors and
// reactors hook item lifecycle events.
package hyperdb

import (
	"errors"
	"fmt"
)

// ErrNoSuchItem reports an id that names no item in the class.
var ErrNoSuchItem = errors.New("no such item")

// ErrNoSuchProperty reports a property name the class does not have.
var ErrNoSuchProperty = errors.New("no such property")

// ValueError reports a value that fails a property's type or
// uniqueness rules.
type ValueError struct {
	Msg string
}

func (e *ValueError) Error() string { return e.Msg }

func valueErrorf(format string, args ...any) *ValueError {
	return &ValueError{Msg: fmt.Sprintf(format, args...)}
}

// Reject is raised by auditors to veto a change. The message is meant
// for the end user.
type Reject struct {
	Msg string
}

func (e *Reject) Error() string { return e.Msg }

// DatabaseError wraps a storage failure.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error in %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// DesignatorError reports a malformed item designator.
type DesignatorError struct {
	Designator string
}

func (e *DesignatorError) Error() string {
	return fmt.Sprintf("%q is not an item designator", e.Designator)
}
