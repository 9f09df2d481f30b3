// Package errdefs defines the error taxonomy shared across the gateway and
// its mapping onto HTTP status codes.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and retry decisions.
type Kind int

const (
	KindConfig Kind = iota
	KindStore
	KindCaptcha
	KindCircuitTracking
	KindAuth
	KindRateLimited
	KindBanned
	KindInvalidInput
	KindInternal
	KindCluster
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindStore:
		return "store"
	case KindCaptcha:
		return "captcha"
	case KindCircuitTracking:
		return "circuit_tracking"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindBanned:
		return "banned"
	case KindInvalidInput:
		return "invalid_input"
	case KindInternal:
		return "internal"
	case KindCluster:
		return "cluster"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// HTTPStatus returns the status code for an error. Unclassified errors map
// to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindStore, KindCluster:
		return http.StatusServiceUnavailable
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBanned:
		return http.StatusForbidden
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		// Config, Captcha, CircuitTracking, Internal
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry with backoff. Only store,
// cluster, and timeout failures are transient.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindStore, KindCluster, KindTimeout:
		return true
	default:
		return false
	}
}
