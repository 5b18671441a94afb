package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is a stable error classification. The string value is the `code`
// clients see in the response envelope.
type Kind string

const (
	KindInvalidRequest  Kind = "InvalidRequest"
	KindUnauthenticated Kind = "Unauthenticated"
	KindForbidden       Kind = "Forbidden"
	KindNotFound        Kind = "NotFound"
	KindConflict        Kind = "Conflict"
	KindPrecondition    Kind = "Precondition"
	KindThrottled       Kind = "Throttled"
	KindTimeout         Kind = "Timeout"
	KindUnavailable     Kind = "Unavailable"
	KindCircuitOpen     Kind = "CircuitOpen"
	KindOverloaded      Kind = "Overloaded"
	KindCanceled        Kind = "Canceled"
	KindInternal        Kind = "Internal"
)

// Error is the typed error carried across module boundaries
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter, when nonzero, is surfaced to clients as
	// details.retry_after_ms and the Retry-After header.
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithRetryAfter returns a copy carrying a retry hint
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	clone := *e
	clone.RetryAfter = d
	return &clone
}

// KindOf classifies any error. Unrecognized errors are Internal; context
// errors map to Timeout and Canceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if s, ok := status.FromError(err); ok {
		return fromCode(s.Code())
	}
	return KindInternal
}

// Is reports whether err has the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its northbound HTTP status code
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPrecondition:
		return http.StatusPreconditionFailed
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable, KindCircuitOpen, KindOverloaded:
		return http.StatusServiceUnavailable
	case KindCanceled:
		// Client went away; nginx convention for logging purposes.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a kind to its southbound gRPC status code
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindInvalidRequest:
		return codes.InvalidArgument
	case KindUnauthenticated:
		return codes.Unauthenticated
	case KindForbidden:
		return codes.PermissionDenied
	case KindNotFound:
		return codes.NotFound
	case KindConflict:
		return codes.AlreadyExists
	case KindPrecondition:
		return codes.FailedPrecondition
	case KindThrottled, KindOverloaded:
		return codes.ResourceExhausted
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindUnavailable, KindCircuitOpen:
		return codes.Unavailable
	case KindCanceled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func fromCode(c codes.Code) Kind {
	switch c {
	case codes.OK:
		return ""
	case codes.InvalidArgument, codes.OutOfRange:
		return KindInvalidRequest
	case codes.Unauthenticated:
		return KindUnauthenticated
	case codes.PermissionDenied:
		return KindForbidden
	case codes.NotFound, codes.Unimplemented:
		return KindNotFound
	case codes.AlreadyExists:
		return KindConflict
	case codes.FailedPrecondition:
		return KindPrecondition
	case codes.ResourceExhausted:
		return KindThrottled
	case codes.DeadlineExceeded:
		return KindTimeout
	case codes.Unavailable:
		return KindUnavailable
	case codes.Canceled:
		return KindCanceled
	default:
		return KindInternal
	}
}

// FromGRPC converts a backend gRPC or context error into a typed Error
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindCanceled, err, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "deadline exceeded")
	}
	s, ok := status.FromError(err)
	if !ok {
		return Wrap(KindInternal, err, "backend error")
	}
	kind := fromCode(s.Code())
	if kind == "" {
		return nil
	}
	return &Error{Kind: kind, Message: s.Message(), cause: err}
}

// ToGRPC renders a typed error as a gRPC status error
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	var e *Error
	msg := err.Error()
	if errors.As(err, &e) {
		msg = e.Message
	}
	return status.Error(kind.GRPCCode(), msg)
}

// retriable gRPC codes for idempotent calls. DeadlineExceeded is retried
// only when the caller still has budget, which the invoker checks.
var retriableCodes = map[codes.Code]bool{
	codes.Unavailable:      true,
	codes.Aborted:          true,
	codes.DeadlineExceeded: true,
}

// IsRetriableCode reports whether a gRPC status code is retry-eligible
func IsRetriableCode(c codes.Code) bool {
	return retriableCodes[c]
}

// IsRetriable reports whether an error is retry-eligible for idempotent
// methods
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTimeout:
		return true
	}
	if s, ok := status.FromError(err); ok {
		return IsRetriableCode(s.Code())
	}
	return false
}

// CountsAsBreakerFailure reports whether an error should feed the circuit
// breaker's failure rate. Caller cancellation never counts.
func CountsAsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindUnavailable, KindTimeout, KindInternal, KindThrottled:
		return true
	case KindCanceled:
		return false
	}
	return false
}
