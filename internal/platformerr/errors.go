// Package platformerr provides the single error taxonomy shared by every
// core component: Gateway, Registry, Action Gateway, Event Bus and the rest
// translate failures into one of these kinds at their boundary instead of
// leaking transport-specific error types.
package platformerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the taxonomy's error categories.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindBusy              Kind = "BUSY"
	KindTimeout           Kind = "TIMEOUT"
	KindUnavailable       Kind = "UNAVAILABLE"
	KindContractViolation Kind = "CONTRACT_VIOLATION"
	KindRollbackFailed    Kind = "ROLLBACK_FAILED"
	KindConfigError       Kind = "CONFIG_ERROR"
	KindDenied            Kind = "DENIED"
	KindInternal          Kind = "INTERNAL"
)

// Error is the structured error type returned by every core component.
type Error struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches a diagnostic key/value pair and returns the receiver
// for chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newErr(kind Kind, message string, status int) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: status}
}

func wrapErr(kind Kind, message string, status int, err error) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: status, Err: err}
}

// NotFound reports that no such service, capability, or trace id exists.
func NotFound(resource, id string) *Error {
	return newErr(KindNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

// Busy reports rate-limiting, an open circuit, or backpressure.
func Busy(reason string) *Error {
	return newErr(KindBusy, reason, http.StatusServiceUnavailable)
}

// BusyPendingApproval is the 409 variant of Busy used when the caller
// collides with an already-pending approval state.
func BusyPendingApproval(reason string) *Error {
	return newErr(KindBusy, reason, http.StatusConflict)
}

// RateLimited is the 429 variant of Busy for rate-limiter refusals.
func RateLimited(limit int, window string) *Error {
	return newErr(KindBusy, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).WithDetails("window", window)
}

// Timeout reports a deadline exceeded at any layer.
func Timeout(operation string) *Error {
	return newErr(KindTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Unavailable reports that the selected instance was unreachable after retries.
func Unavailable(target string, err error) *Error {
	return wrapErr(KindUnavailable, "target unavailable", http.StatusServiceUnavailable, err).
		WithDetails("target", target)
}

// CircuitOpen is the Unavailable variant raised when the breaker refuses to dispatch.
func CircuitOpen(target string) *Error {
	return newErr(KindUnavailable, "circuit open", http.StatusServiceUnavailable).
		WithDetails("target", target)
}

// ContractViolation reports a failed pre- or post-condition.
func ContractViolation(predicate string, err error) *Error {
	return wrapErr(KindContractViolation, "contract predicate failed", http.StatusBadRequest, err).
		WithDetails("predicate", predicate)
}

// RollbackFailed reports that an action failed and its rollback also failed;
// it always carries a distinct HTTP status code so operators can alert on it
// specifically rather than folding it into generic 500s.
func RollbackFailed(actionID string, err error) *Error {
	return wrapErr(KindRollbackFailed, "rollback failed, requires operator attention", 572, err).
		WithDetails("action_id", actionID)
}

// ConfigError reports invalid input, a bad capability name, or an unknown playbook.
func ConfigError(field, reason string) *Error {
	return newErr(KindConfigError, "invalid configuration", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

// Denied reports a policy rejection or an expired approval.
func Denied(reason string) *Error {
	return newErr(KindDenied, reason, http.StatusForbidden)
}

// Internal is the catchall, always paired by the caller with a diagnostic event.
func Internal(message string, err error) *Error {
	return wrapErr(KindInternal, message, http.StatusInternalServerError, err)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// As extracts the *Error from an error chain, if present.
func As(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// HTTPStatusOf returns the HTTP status code carried by err, or 500 if err is
// not a *Error.
func HTTPStatusOf(err error) int {
	if pe := As(err); pe != nil {
		return pe.HTTPStatus
	}
	return http.StatusInternalServerError
}
