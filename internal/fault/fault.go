package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every failure the pipeline can surface to a caller.
type Kind string

const (
	KindBusy                    Kind = "busy"
	KindTimeout                 Kind = "timeout"
	KindCancelled               Kind = "cancelled"
	KindModelUnknown            Kind = "model_unknown"
	KindInsufficientAccessLevel Kind = "insufficient_access_level"
	KindInsufficientCredit      Kind = "insufficient_credit"
	KindPayloadTooLarge         Kind = "payload_too_large"
	KindUnsupportedContent      Kind = "unsupported_content"
	KindAuthError               Kind = "auth_error"
	KindRateLimited             Kind = "rate_limited"
	KindUpstreamUnavailable     Kind = "upstream_unavailable"
	KindInvalidResponse         Kind = "invalid_response"
	KindInternal                Kind = "internal"
)

// Retryable reports whether a provider call failing with this kind may be
// attempted again. Fatal kinds (auth, malformed stream) never are.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindUpstreamUnavailable:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// Error carries a kind alongside an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from err, mapping context errors to their
// taxonomy equivalents. Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code the API layer responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBusy, KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request
	case KindModelUnknown:
		return http.StatusNotFound
	case KindInsufficientAccessLevel:
		return http.StatusForbidden
	case KindInsufficientCredit:
		return http.StatusPaymentRequired
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedContent:
		return http.StatusUnprocessableEntity
	case KindAuthError, KindUpstreamUnavailable, KindInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
