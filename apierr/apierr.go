// Package apierr defines the error taxonomy shared by the gateway's routing,
// discovery, and administrative layers, and maps each error to the HTTP
// status and machine-readable code returned to callers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", ErrX) to add context;
// Status and Code unwrap with errors.Is.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrNotFound            = errors.New("not found")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrDiscoveryFailed     = errors.New("discovery failed")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrRateLimited         = errors.New("rate limited")
	ErrTransactionFailure  = errors.New("transaction failure")
)

// UpstreamError carries the status and message returned by a provider for a
// forwarded call. StatusCode is zero when the call never produced a response
// (transport failure or timeout).
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream %s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("upstream %s returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// HTTPStatus is the status relayed to the caller: the upstream status, or 500
// if there was none.
func (e *UpstreamError) HTTPStatus() int {
	if e.StatusCode < 400 {
		return http.StatusInternalServerError
	}
	return e.StatusCode
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	var up *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrDiscoveryFailed):
		return http.StatusBadGateway
	case errors.As(err, &up):
		return up.HTTPStatus()
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrProviderNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoProviderAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Code maps err to the machine-readable code placed in the error envelope.
func Code(err error) string {
	var up *UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDiscoveryFailed):
		return "discovery_failed"
	case errors.As(err, &up):
		return "upstream_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoProviderAvailable):
		return "no_provider_available"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrTransactionFailure):
		return "transaction_failure"
	default:
		return "internal_error"
	}
}

// Message returns the caller-facing message for err. Upstream messages are
// relayed as-is; internal failures are reduced to a generic message so storage
// details never leak.
func Message(err error) string {
	var up *UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &up):
		return up.Message
	case Status(err) == http.StatusInternalServerError:
		if errors.Is(err, ErrTransactionFailure) {
			return "usage could not be recorded"
		}
		return "internal error"
	default:
		return err.Error()
	}
}
