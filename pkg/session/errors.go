package session

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration failure for callers. Every error
// surfaced by the session API carries exactly one of these.
type Kind int

const (
	// KindInternal covers container runtime failures and anything else
	// the caller cannot fix by changing the request.
	KindInternal Kind = iota
	// KindNotFound means the session id is unknown.
	KindNotFound
	// KindPreconditionFailed means the session is in the wrong state for
	// the requested operation.
	KindPreconditionFailed
	// KindConflict means another turn is already in flight.
	KindConflict
)

// String returns a stable identifier for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is the error type returned across the orchestration API boundary.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind wrapping err. Either err or
// the message may be empty, not both.
func NewError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFoundf returns a KindNotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// PreconditionFailedf returns a KindPreconditionFailed error.
func PreconditionFailedf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPreconditionFailed, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf returns a KindConflict error.
func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Internalf returns a KindInternal error wrapping err.
func Internalf(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, defaulting to KindInternal for
// errors that did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsPreconditionFailed reports whether err carries KindPreconditionFailed.
func IsPreconditionFailed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindPreconditionFailed
}

// IsConflict reports whether err carries KindConflict.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindConflict
}

// IsInternal reports whether err carries KindInternal (or is untyped).
func IsInternal(err error) bool {
	return err != nil && KindOf(err) == KindInternal
}
