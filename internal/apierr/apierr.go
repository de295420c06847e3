// Package apierr defines the error-kind taxonomy shared by the HTTP API,
// WebSocket gateway and mediator, and the status/close-code tables that map
// each kind to a caller-visible outcome.
package apierr

import "fmt"

// Kind is a machine-readable error category.
type Kind string

const (
	AuthInvalid          Kind = "AuthInvalid"
	PermissionDenied     Kind = "PermissionDenied"
	QuotaExceeded        Kind = "QuotaExceeded"
	NotFound             Kind = "NotFound"
	NotWaiting           Kind = "NotWaiting"
	InputMismatch        Kind = "InputMismatch"
	Conflict             Kind = "Conflict"
	ValidationFailed     Kind = "ValidationFailed"
	BusUnavailable       Kind = "BusUnavailable"
	StorageUnavailable   Kind = "StorageUnavailable"
	PersistenceUnavailable Kind = "PersistenceUnavailable"
	ProtocolViolation    Kind = "ProtocolViolation"
	InternalError        Kind = "InternalError"
)

// Error is a Kind-tagged error carrying a human-readable diagnostic.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an *Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// HTTPStatus returns the well-known HTTP status code for a Kind, per the
// error-handling design.
func HTTPStatus(k Kind) int {
	switch k {
	case AuthInvalid:
		return 401
	case PermissionDenied:
		return 403
	case QuotaExceeded:
		return 429
	case NotFound:
		return 404
	case Conflict, NotWaiting, InputMismatch:
		return 400
	case ValidationFailed:
		return 422
	case BusUnavailable, StorageUnavailable, PersistenceUnavailable:
		return 503
	default:
		return 500
	}
}

// WSCloseCode returns the WebSocket close code class for a Kind: policy
// violations (auth lost/revoked) close with 1008, everything else internal
// closes with 1011.
func WSCloseCode(k Kind) int {
	switch k {
	case AuthInvalid, PermissionDenied, NotFound, Conflict, ValidationFailed:
		return 1008
	default:
		return 1011
	}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, else
// InternalError.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return InternalError
	}
	return e.Kind
}
