package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusAndCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unauthorized", fmt.Errorf("lookup: %w", ErrUnauthorized), http.StatusUnauthorized, "unauthorized"},
		{"quota", ErrQuotaExceeded, http.StatusTooManyRequests, "quota_exceeded"},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"provider not found", ErrProviderNotFound, http.StatusNotFound, "provider_not_found"},
		{"no provider", ErrNoProviderAvailable, http.StatusServiceUnavailable, "no_provider_available"},
		{"discovery", fmt.Errorf("%w: openai: %w", ErrDiscoveryFailed, errors.New("dial tcp")), http.StatusBadGateway, "discovery_failed"},
		{"discovery upstream", fmt.Errorf("%w: openai: %w", ErrDiscoveryFailed, &UpstreamError{Provider: "openai", StatusCode: 401, Message: "model listing rejected"}), http.StatusBadGateway, "discovery_failed"},
		{"invalid", ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"tx", fmt.Errorf("%w: disk full", ErrTransactionFailure), http.StatusInternalServerError, "transaction_failure"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
		{"upstream", &UpstreamError{Provider: "p", StatusCode: 418, Message: "teapot"}, 418, "upstream_error"},
		{"upstream no status", &UpstreamError{Provider: "p", Message: "timeout"}, http.StatusInternalServerError, "upstream_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(tt.err); got != tt.status {
				t.Fatalf("Status = %d, want %d", got, tt.status)
			}
			if got := Code(tt.err); got != tt.code {
				t.Fatalf("Code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestMessageHidesInternalDetail(t *testing.T) {
	if got := Message(errors.New("pq: connection refused")); got != "internal error" {
		t.Fatalf("Message = %q", got)
	}
	if got := Message(fmt.Errorf("%w: locked", ErrTransactionFailure)); got != "usage could not be recorded" {
		t.Fatalf("Message = %q", got)
	}
	wrapped := fmt.Errorf("route: %w", &UpstreamError{StatusCode: 400, Message: "bad model"})
	if got := Message(wrapped); got != "bad model" {
		t.Fatalf("Message = %q, want upstream message", got)
	}
}
