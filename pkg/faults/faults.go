// Package faults defines the error taxonomy shared by every engine component.
//
// Each failure carries a machine-readable Kind next to the wrapped cause, so
// the coordinator can attach a stable reason code to alerts and the CLI can
// decide exit behavior without string-matching error text.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The string value is the stable reason code used
// in alert payloads.
type Kind string

const (
	// Config marks configuration errors, fatal at startup.
	Config Kind = "config"
	// NotFound marks lookups that matched nothing.
	NotFound Kind = "not_found"
	// Conflict marks operations refused because the target is already occupied.
	Conflict Kind = "conflict"
	// Corrupted marks integrity-check failures.
	Corrupted Kind = "corrupted"
	// IO marks filesystem and archive I/O failures.
	IO Kind = "io"
	// Validation marks rejected caller input.
	Validation Kind = "validation"
	// Cancelled marks operations interrupted by the caller's context.
	Cancelled Kind = "cancelled"
	// Unknown is reported for errors that carry no Kind.
	Unknown Kind = "unknown"
)

var knownKinds = map[Kind]struct{}{
	Config:    {},
	NotFound:  {},
	Conflict:  {},
	Corrupted: {},
	IO:        {},
	Validation: {},
	Cancelled: {},
	Unknown:   {},
}

func (k Kind) String() string {
	if _, ok := knownKinds[k]; ok {
		return string(k)
	}
	return fmt.Sprintf("unknown_kind(%s)", string(k))
}

// Fault is the concrete error type produced by engine components.
type Fault struct {
	Kind   Kind
	Op     string // originating operation, e.g. "archive.create"
	Reason string // human-readable description
	Err    error  // wrapped cause, may be nil
}

func (f *Fault) Error() string {
	switch {
	case f.Reason != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Reason, f.Err)
	case f.Reason != "":
		return fmt.Sprintf("%s: %s", f.Op, f.Reason)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Op, f.Err)
	default:
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault with a fixed reason and no wrapped cause.
func New(kind Kind, op, reason string) error {
	return &Fault{Kind: kind, Op: op, Reason: reason}
}

// Errorf builds a Fault with a formatted reason and no wrapped cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Fault{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and operation to an underlying error.
// A nil err yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with an additional formatted reason.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the Kind of the outermost Fault in err's chain. Context
// cancellation is recognized even when no Fault wraps it.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Unknown
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
