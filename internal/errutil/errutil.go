// Package errutil contains the error helpers and the typed sentinel errors
// raised by the reconciler core.
package errutil

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Wrapf adds a new error onto an existing chain of errors. If the new error
// to be added is nil, then the old error is returned unchanged.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Append can be used to safely append an error onto an existing one. If you
// pass in a nil error to append, the existing error is returned unchanged. If
// the existing error is already nil, the new error is returned unchanged.
// This makes it easy to use Append as a safe `reterr = Append(reterr, err)`
// when you don't know if either is nil.
func Append(reterr, err error) error {
	if reterr == nil {
		return err
	}
	if err == nil {
		return reterr
	}
	return multierror.Append(reterr, err)
}

// String returns a string representation of the error. If the error is nil,
// it returns an empty string instead of panicking.
func String(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Kind identifies one of the typed error categories raised by the core, per
// the error handling design.
type Kind string

// The error kinds the core raises.
const (
	KindInvalidSpec          Kind = "InvalidSpec"
	KindInvalidProjectName   Kind = "InvalidProjectName"
	KindServiceNotFound      Kind = "ServiceNotFound"
	KindVolumeNotFound       Kind = "VolumeNotFound"
	KindInvalidCmdType       Kind = "InvalidCmdType"
	KindDirectorFileNotDefined Kind = "DirectorFileNotDefined"
	KindProjectLocked        Kind = "ProjectLocked"
	KindLocksNotFound        Kind = "LocksNotFound"
)

// TypedError is a sentinel error that carries a Kind so callers can
// distinguish categories of failure with errors.As, while still formatting
// like a normal error.
type TypedError struct {
	Kind   Kind
	Detail string
}

// Error satisfies the error interface.
func (e *TypedError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is lets errors.Is match against a bare Kind-only TypedError sentinel, so
// callers can write errors.Is(err, errutil.ErrProjectLocked) instead of
// having to type-assert.
func (e *TypedError) Is(target error) bool {
	t, ok := target.(*TypedError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a TypedError with a formatted detail string, in the style the
// core's §7 errors are documented with (a JSON-pointer-like location, a
// service name, a volume name, ...).
func New(kind Kind, format string, args ...interface{}) error {
	return &TypedError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Sentinels usable with errors.Is when no detail is needed.
var (
	ErrProjectLocked          = &TypedError{Kind: KindProjectLocked}
	ErrLocksNotFound          = &TypedError{Kind: KindLocksNotFound}
	ErrDirectorFileNotDefined = &TypedError{Kind: KindDirectorFileNotDefined}
)
