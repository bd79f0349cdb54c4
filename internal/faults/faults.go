// Package faults classifies pipeline failures into the categories the
// orchestrator and HTTP layer act on: validation errors reject a request
// before any run exists, infrastructure errors cover git and platform API
// failures, agent errors cover the external fix process, and internal
// errors cover everything unexpected.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the failure category of a Fault.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindInfrastructure Kind = "infrastructure"
	KindAgent          Kind = "agent"
	KindInternal       Kind = "internal"
)

// Fault is an error carrying a failure category. The wrapped error, when
// present, is reachable through errors.Is/errors.As.
type Fault struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	return f.Message
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Validation creates a fault describing a rejected input. No run exists yet
// when these occur, so they never carry a run identifier.
func Validation(format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Infrastructure wraps err as a git/platform infrastructure failure.
func Infrastructure(err error, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindInfrastructure, Message: fmt.Sprintf(format, args...), Err: err}
}

// Agent wraps err as an external agent failure (nonzero exit or a bad
// completion artifact).
func Agent(err error, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindAgent, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal wraps err as an unexpected failure.
func Internal(err error, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the category of err. Errors that are not Faults classify
// as internal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage returns the human-readable message for err: the outermost
// Fault message when present, the raw error text otherwise. Wrapped detail
// stays out of it; that belongs in logs, not client responses.
func UserMessage(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
