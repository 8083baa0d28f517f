// Package errs defines the error kinds the platform distinguishes at its
// boundaries: admission validation, missing data, factor-code evaluation
// failures, store/transport failures, and broken internal invariants.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing and user-facing reporting.
type Kind int

const (
	// KindUnknown is the zero value; errors without a kind map here.
	KindUnknown Kind = iota
	// KindValidation rejects a request at admission. No task is created.
	KindValidation
	// KindConflict marks a uniqueness collision, e.g. a factor name the
	// user already owns.
	KindConflict
	// KindDataAvailability marks an empty series, window, or universe.
	KindDataAvailability
	// KindComputation marks a failure inside factor-code evaluation or
	// statistics. Carries a source position when one is known.
	KindComputation
	// KindTransport marks a transient store or vendor failure.
	KindTransport
	// KindInternal marks a broken invariant (duplicate bundle write,
	// impossible state transition).
	KindInternal
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindDataAvailability:
		return "data_availability"
	case KindComputation:
		return "computation"
	case KindTransport:
		return "transport"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Position locates a computation error inside user-supplied factor code.
type Position struct {
	Line    int
	Column  int
	Context string // offending token or statement, when known
}

func (p Position) String() string {
	if p.Context != "" {
		return fmt.Sprintf("line %d, column %d: %s", p.Line, p.Column, p.Context)
	}
	return fmt.Sprintf("line %d, column %d", p.Line, p.Column)
}

// Error is the platform error carrying a kind, an operator-facing message,
// an optional wrapped cause, and an optional source position.
type Error struct {
	Kind Kind
	Msg  string
	Pos  *Position
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Pos != nil && e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", e.Msg, e.Pos, e.Err)
	case e.Pos != nil:
		return fmt.Sprintf("%s (%s)", e.Msg, e.Pos)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	default:
		return e.Msg
	}
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind and message to an existing error. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validationf builds a KindValidation error.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a KindConflict error.
func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// NoDataf builds a KindDataAvailability error.
func NoDataf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindDataAvailability, Msg: fmt.Sprintf(format, args...)}
}

// Computationf builds a KindComputation error located at pos.
func Computationf(pos Position, format string, args ...interface{}) *Error {
	p := pos
	return &Error{Kind: KindComputation, Msg: fmt.Sprintf(format, args...), Pos: &p}
}

// Transportf builds a KindTransport error wrapping err.
func Transportf(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransport, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Internalf builds a KindInternal error.
func Internalf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from anywhere in err's chain. Errors outside
// the platform taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// PositionOf returns the source position attached to err, if any.
func PositionOf(err error) (Position, bool) {
	var e *Error
	if errors.As(err, &e) && e.Pos != nil {
		return *e.Pos, true
	}
	return Position{}, false
}
