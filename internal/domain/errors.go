package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies gateway errors. Every kind maps to a fixed transport
// status code.
type Kind string

const (
	KindInvalidIdentifier       Kind = "invalid_identifier"
	KindNotFound                Kind = "not_found"
	KindUnauthorized            Kind = "unauthorized"
	KindSubscriptionInactive    Kind = "subscription_inactive"
	KindForbidden               Kind = "forbidden"
	KindValidation              Kind = "validation"
	KindMethodNotAllowed        Kind = "method_not_allowed"
	KindNotAcceptable           Kind = "not_acceptable"
	KindUnsupportedMedia        Kind = "unsupported_media_type"
	KindPayloadTooLarge         Kind = "payload_too_large"
	KindRateLimited             Kind = "rate_limited"
	KindOriginError             Kind = "origin_error"
	KindOriginTimeout           Kind = "origin_timeout"
	KindMisconfiguredDeployment Kind = "misconfigured_deployment"
	KindInternal                Kind = "internal"
)

var kindStatus = map[Kind]int{
	KindInvalidIdentifier:       http.StatusNotFound,
	KindNotFound:                http.StatusNotFound,
	KindUnauthorized:            http.StatusUnauthorized,
	KindSubscriptionInactive:    http.StatusPaymentRequired,
	KindForbidden:               http.StatusForbidden,
	KindValidation:              http.StatusBadRequest,
	KindMethodNotAllowed:        http.StatusMethodNotAllowed,
	KindNotAcceptable:           http.StatusNotAcceptable,
	KindUnsupportedMedia:        http.StatusUnsupportedMediaType,
	KindPayloadTooLarge:         http.StatusRequestEntityTooLarge,
	KindRateLimited:             http.StatusTooManyRequests,
	KindOriginError:             http.StatusBadGateway,
	KindOriginTimeout:           http.StatusGatewayTimeout,
	KindMisconfiguredDeployment: http.StatusInternalServerError,
	KindInternal:                http.StatusInternalServerError,
}

// Error is a gateway error with a caller-visible message and a transport
// status code. Rate-limited errors additionally carry rate-limit headers.
type Error struct {
	Kind    Kind
	Message string

	// Headers are set on the error response (rate-limit headers).
	Headers map[string]string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewError builds a gateway error with a formatted caller-visible message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause that is logged but never shown to the caller.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// AsError normalizes any error into a gateway *Error, wrapping unknown
// errors as internal so no raw failure detail leaks to callers.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindInternal, Message: "internal server error", cause: err}
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == kind
}

// StatusOf returns the HTTP status for any error.
func StatusOf(err error) int {
	return AsError(err).Status()
}
