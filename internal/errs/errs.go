// Package errs defines the error kinds surfaced by nv-helper.
// Every failure is wrapped with the description of the step that failed so
// the final message names it; Kind lets callers branch without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindUsage
	KindPrivilege
	KindConfig
	KindLock
	KindIO
	KindSync
	KindExternalTool
	KindEmptyResult
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindPrivilege:
		return "privilege"
	case KindConfig:
		return "config"
	case KindLock:
		return "lock"
	case KindIO:
		return "io"
	case KindSync:
		return "sync"
	case KindExternalTool:
		return "external tool"
	case KindEmptyResult:
		return "empty result"
	default:
		return "unknown"
	}
}

// Error is a failure of one named operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindCarrier is implemented by errors that know their own kind without
// being an *Error (e.g. tool failures).
type KindCarrier interface {
	ErrKind() Kind
}

// New returns an *Error with a formatted cause and no wrapped error.
func New(kind Kind, op, format string, a ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, a...)}
}

// Wrap attaches kind and op to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Op describes err with op while keeping whatever kind the chain already has.
func Op(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf returns the first non-unknown kind in err's chain.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if errors.As(err, &e) {
			if e.Kind != KindUnknown {
				return e.Kind
			}
			err = e.Err
			continue
		}
		var kc KindCarrier
		if errors.As(err, &kc) {
			return kc.ErrKind()
		}
		return KindUnknown
	}
	return KindUnknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
