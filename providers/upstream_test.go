package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ferro-labs/keygate/apierr"
)

func TestUpstreamClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %s, want /v1/models", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[
			{"id":"gpt-4o-mini","object":"model","created":1700000000,"owned_by":"openai"},
			{"id":"text-embedding-ada-002","object":"model","created":1,"owned_by":""}]}`)
	}))
	defer srv.Close()

	c := NewUpstreamClient(5 * time.Second)
	got, err := c.ListModels(context.Background(), Provider{Name: "acme", BaseEndpoint: srv.URL + "/v1", CredentialSecret: "secret"})
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d models, want 2", len(got))
	}
	if got[0].ID != "gpt-4o-mini" || got[0].OwnedBy != "openai" || got[0].Object != "model" {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].OwnedBy != "acme" {
		t.Fatalf("empty owner should default to provider name, got %q", got[1].OwnedBy)
	}
}

func TestUpstreamClient_ListModelsNon2xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"down"}}`)
	}))
	defer srv.Close()

	_, err := NewUpstreamClient(time.Second).ListModels(context.Background(), Provider{BaseEndpoint: srv.URL})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("upstream called %d times, want exactly 1 (no retries)", calls)
	}
}

func TestUpstreamClient_ListModelsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewUpstreamClient(5*time.Second, WithDiscoveryTimeout(50*time.Millisecond))
	start := time.Now()
	if _, err := c.ListModels(context.Background(), Provider{BaseEndpoint: srv.URL}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("discovery timeout was not applied")
	}
}

func TestUpstreamClient_ListModelsHidesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/tenant-secret-path"
	srv.Close()

	_, err := NewUpstreamClient(time.Second).ListModels(context.Background(),
		Provider{Name: "acme", BaseEndpoint: endpoint, CredentialSecret: "secret"})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if strings.Contains(err.Error(), "tenant-secret-path") || strings.Contains(err.Error(), srv.URL) {
		t.Fatalf("error leaks endpoint: %v", err)
	}
	var up *apierr.UpstreamError
	if !errors.As(err, &up) || up.Provider != "acme" || up.Err == nil {
		t.Fatalf("err = %#v, want *apierr.UpstreamError keeping the cause", err)
	}
}

func TestUpstreamClient_ListModelsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	_, err := NewUpstreamClient(time.Second).ListModels(context.Background(), Provider{Name: "acme", BaseEndpoint: srv.URL + "/v1"})
	var up *apierr.UpstreamError
	if !errors.As(err, &up) || up.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want upstream 401", err)
	}
	if strings.Contains(err.Error(), srv.URL) {
		t.Fatalf("error leaks endpoint: %v", err)
	}
}

func TestUpstreamClient_ForwardVerbatim(t *testing.T) {
	payload := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer up-secret" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != string(payload) {
			t.Errorf("body = %s, want verbatim payload", body)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, `{"id":"c1","usage":{"total_tokens":12}}`)
	}))
	defer srv.Close()

	c := NewUpstreamClient(5 * time.Second)
	p := Provider{Name: "acme", BaseEndpoint: srv.URL + "/v1/", CredentialSecret: "up-secret"}
	resp, err := c.Forward(context.Background(), p, CapabilityChat.UpstreamPath(), payload)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.ContentType != "application/json; charset=utf-8" {
		t.Fatalf("resp = %+v", resp)
	}
	if string(resp.Body) != `{"id":"c1","usage":{"total_tokens":12}}` {
		t.Fatalf("body = %s", resp.Body)
	}
}

func TestUpstreamClient_ForwardPropagatesUpstreamError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"openai envelope", http.StatusBadRequest, `{"error":{"message":"model not found","type":"invalid_request_error"}}`, "model not found"},
		{"flat message", http.StatusForbidden, `{"message":"forbidden region"}`, "forbidden region"},
		{"string error", http.StatusTooManyRequests, `{"error":"slow down"}`, "slow down"},
		{"no body", http.StatusBadGateway, ``, "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewUpstreamClient(time.Second).Forward(context.Background(), Provider{Name: "acme", BaseEndpoint: srv.URL}, "images/generations", []byte(`{}`))
			var up *apierr.UpstreamError
			if !errors.As(err, &up) {
				t.Fatalf("err = %v, want *apierr.UpstreamError", err)
			}
			if up.StatusCode != tt.status || up.Message != tt.message {
				t.Fatalf("got %d %q, want %d %q", up.StatusCode, up.Message, tt.status, tt.message)
			}
		})
	}
}

func TestUpstreamClient_ForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewUpstreamClient(50*time.Millisecond).Forward(context.Background(), Provider{Name: "slow", BaseEndpoint: srv.URL}, "chat/completions", []byte(`{}`))
	var up *apierr.UpstreamError
	if !errors.As(err, &up) {
		t.Fatalf("err = %v, want *apierr.UpstreamError", err)
	}
	if up.Message != "upstream request timed out" || apierr.Status(err) != http.StatusInternalServerError {
		t.Fatalf("got %q status %d", up.Message, apierr.Status(err))
	}
}
