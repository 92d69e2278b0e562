// Package verrors defines the error kinds surfaced by every Vantage
// component. Components return the narrowest kind they can justify and the
// edges (HTTP handlers, OTLP receivers) map kinds to protocol codes.
package verrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind classifies an error for callers that must decide between retrying,
// fixing their request, or giving up.
type Kind int

const (
	// KindUnknown is the zero value. Mapped like Fatal at the edges.
	KindUnknown Kind = iota
	// KindInvalid is a client-side mistake. Non-retryable.
	KindInvalid
	// KindNotFound means the addressed entity does not exist in scope.
	KindNotFound
	// KindCancelled means the deadline elapsed or the client went away.
	KindCancelled
	// KindUnavailable is transient: schema not ready, queue full, database
	// unreachable. Retryable.
	KindUnavailable
	// KindConflict means an idempotency fingerprint matched an existing row
	// with incompatible contents.
	KindConflict
	// KindFatal is a broken internal invariant. Logged by the owner and
	// surfaced to callers as Unavailable.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	case KindUnavailable:
		return "unavailable"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind plus a wrapped cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.msg != "" {
			return e.msg + ": " + e.err.Error()
		}
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind allows errors.Is(err, verrors.E(verrors.KindInvalid, ...)) style
// matching through KindOf instead; exported for introspection.
func (e *Error) Kind() Kind { return e.kind }

// E builds a kinded error. The final argument may be an error to wrap; all
// leading arguments are joined into the message.
func E(kind Kind, msg string, args ...any) error {
	var wrapped error
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			wrapped = err
			args = args[:len(args)-1]
		}
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &Error{kind: kind, msg: msg, err: wrapped}
}

// Wrap attaches a kind to err, keeping err's message.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// KindOf returns the kind of err, unwrapping as needed. Context
// cancellation and deadline errors classify as Cancelled even when they were
// never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// IsRetryable reports whether a caller should back off and retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// HTTPStatus maps a kind to the status the JSON API returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCancelled:
		// Client is typically gone; 499 matches common proxy behavior but is
		// non-standard, so the API uses 504 for deadline expiry.
		return http.StatusGatewayTimeout
	case KindUnavailable, KindFatal, KindUnknown:
		return http.StatusServiceUnavailable
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a kind to the code the OTLP gRPC surface returns.
func GRPCCode(err error) codes.Code {
	switch KindOf(err) {
	case KindInvalid:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindCancelled:
		return codes.DeadlineExceeded
	case KindConflict:
		return codes.AlreadyExists
	case KindUnavailable, KindFatal, KindUnknown:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
