package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindRateLimited  Kind = "rate_limited"
	KindBadRequest   Kind = "bad_request"
	KindServerError  Kind = "server_error"
	KindUnknown      Kind = "unknown"

	KindExpiredToken Kind = "expired_token"
	KindNotFound     Kind = "not_found"
	KindInactive     Kind = "inactive_connection"
	KindDiscovery    Kind = "discovery_failed"

	// CalDAV refinements.
	KindMethodNotSupported  Kind = "method_not_supported"
	KindPreconditionFailed  Kind = "precondition_failed"
	KindConflict            Kind = "conflict"
	KindAppPasswordRequired Kind = "app_password_required"
)

// Retryable reports whether the failure may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindServerError:
		return true
	}
	return false
}

// RequiresReconnect reports whether the connection must be re-authorized.
func (k Kind) RequiresReconnect() bool {
	switch k {
	case KindUnauthorized, KindExpiredToken, KindAppPasswordRequired:
		return true
	}
	return false
}

// Error is the only error type returned across the provider boundary.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// FromStatus maps an HTTP status code to an Error.
func FromStatus(op string, status int, message string) *Error {
	return &Error{Kind: kindForStatus(status), Op: op, Status: status, Message: message}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindBadRequest
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound, status == http.StatusGone:
		return KindNotFound
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	}
	return KindUnknown
}

// Classify converts a transport error into an Error. Errors that already are
// *Error pass through unchanged.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return &Error{Kind: KindUnauthorized, Op: op, Message: "refresh token rejected", Err: err}
		}
		if retrieveErr.Response != nil {
			return &Error{Kind: kindForStatus(retrieveErr.Response.StatusCode), Op: op, Status: retrieveErr.Response.StatusCode, Err: err}
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindServerError, Op: op, Message: "network error", Err: err}
	}

	return &Error{Kind: KindUnknown, Op: op, Err: err}
}
