package creditledger

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the ledger, the purchase creditor
// and the gateway matches exactly one of these via errors.Is.
var (
	ErrUnauthenticated    = errors.New("creditledger: unauthenticated")
	ErrInvalidArgument    = errors.New("creditledger: invalid argument")
	ErrPermissionDenied   = errors.New("creditledger: permission denied")
	ErrFailedPrecondition = errors.New("creditledger: failed precondition")
	ErrResourceExhausted  = errors.New("creditledger: resource exhausted")
	ErrAborted            = errors.New("creditledger: aborted")
	ErrInternal           = errors.New("creditledger: internal")
)

// Store-level sentinels returned by Store implementations.
var (
	ErrConflict      = errors.New("creditledger: transaction conflict")
	ErrAlreadyExists = errors.New("creditledger: already exists")
	ErrNotFound      = errors.New("creditledger: not found")
)

// Generator adapter errors. The gateway reports them as ErrInternal.
var (
	ErrGeneratorUnavailable = errors.New("creditledger: generator unavailable")
	ErrGeneratorRateLimited = errors.New("creditledger: generator rate limited")
	ErrGeneratorAuth        = errors.New("creditledger: generator authentication failed")
	ErrGeneratorRequest     = errors.New("creditledger: generator rejected request")
)

// Error carries a category, a caller-facing message and an optional cause.
type Error struct {
	Code    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Code, e.Err}
	}
	return []error{e.Code}
}

func newError(code error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code error, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

var codes = []error{
	ErrUnauthenticated,
	ErrInvalidArgument,
	ErrPermissionDenied,
	ErrFailedPrecondition,
	ErrResourceExhausted,
	ErrAborted,
	ErrInternal,
}

// CodeOf returns the error category of err. Errors that carry no category
// are reported as ErrInternal; nil yields nil.
func CodeOf(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range codes {
		if errors.Is(err, c) {
			return c
		}
	}
	return ErrInternal
}

// MessageOf returns the caller-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// categorize passes categorized errors through and wraps the rest as
// internal failures of op.
func categorize(err error, op string) error {
	if err == nil {
		return nil
	}
	for _, c := range codes {
		if errors.Is(err, c) {
			return err
		}
	}
	return wrapError(ErrInternal, err, "%s failed", op)
}

// IsRetryable returns true if the caller may retry the same request later
// without changing it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, ErrConflict)
}

// CodeName returns the wire name of the category of err, such as
// "resource_exhausted".
func CodeName(err error) string {
	switch CodeOf(err) {
	case nil:
		return ""
	case ErrUnauthenticated:
		return "unauthenticated"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrFailedPrecondition:
		return "failed_precondition"
	case ErrResourceExhausted:
		return "resource_exhausted"
	case ErrAborted:
		return "aborted"
	default:
		return "internal"
	}
}
