package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/internal/store"
	"github.com/ferro-labs/keygate/ledger"
	"github.com/ferro-labs/keygate/models"
	"github.com/ferro-labs/keygate/providers"
)

const (
	testPassword = "correct horse"
	testSecret   = "0123456789abcdef0123456789abcdef"
)

type fakeDiscoverer struct {
	all      []models.Model
	provider map[string][]models.Model
	err      error
	calls    []string
}

func (f *fakeDiscoverer) DiscoverAll(context.Context) ([]models.Model, error) {
	f.calls = append(f.calls, "*")
	return f.all, f.err
}

func (f *fakeDiscoverer) DiscoverProvider(_ context.Context, id string) ([]models.Model, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	ms, ok := f.provider[id]
	if !ok {
		return nil, apierr.ErrProviderNotFound
	}
	return ms, nil
}

type testServer struct {
	*httptest.Server
	store *store.MemoryStore
	disc  *fakeDiscoverer
	auth  *Authenticator
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := store.NewMemoryStore()
	disc := &fakeDiscoverer{provider: map[string][]models.Model{}}
	auth := NewAuthenticator(testPassword, testSecret, time.Hour, 0)
	h := &Handlers{Store: s, Discovery: disc, Auth: auth}

	r := chi.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	token, _, err := auth.IssueToken(RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{Server: srv, store: s, disc: disc, auth: auth, token: token}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, authed bool) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		t.Fatalf("%s %s: status %d, want %d (%s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, buf.String())
	}
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/admin/providers", "/admin/credentials", "/admin/stats", "/admin/usage-logs", "/models/stats/summary"} {
		resp := ts.do(t, http.MethodGet, path, nil, false)
		expectStatus(t, resp, http.StatusUnauthorized)
		if env := decode[errorEnvelope](t, resp); env.Error.Type != "authentication_error" {
			t.Errorf("%s: envelope = %+v", path, env)
		}
	}
	// Public catalog reads need no token.
	expectStatus(t, ts.do(t, http.MethodGet, "/models", nil, false), http.StatusOK)
}

func TestProviderCRUDHidesSecret(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/admin/providers", map[string]interface{}{
		"name": "openai", "capability": "chat", "base_endpoint": "https://api.openai.com/v1/",
		"secret": "sk-live-abcdefghijkl",
	}, true)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[map[string]interface{}](t, resp)
	if _, leaked := created["credential_secret"]; leaked {
		t.Fatal("secret leaked in create response")
	}
	if created["secret_hint"] != "sk-l...ijkl" || created["priority"] != float64(0) || created["status"] != "active" {
		t.Fatalf("created = %v", created)
	}
	if created["base_endpoint"] != "https://api.openai.com/v1" {
		t.Fatalf("trailing slash kept: %v", created["base_endpoint"])
	}
	id := created["id"].(string)

	resp = ts.do(t, http.MethodPatch, "/admin/providers/"+id, map[string]interface{}{"priority": 7, "status": "inactive"}, true)
	expectStatus(t, resp, http.StatusOK)
	updated := decode[map[string]interface{}](t, resp)
	if updated["priority"] != float64(7) || updated["status"] != "inactive" {
		t.Fatalf("updated = %v", updated)
	}

	p, _ := ts.store.GetProvider(context.Background(), id)
	if p.CredentialSecret != "sk-live-abcdefghijkl" {
		t.Fatal("secret changed by unrelated patch")
	}

	expectStatus(t, ts.do(t, http.MethodDelete, "/admin/providers/"+id, nil, true), http.StatusNoContent)
	resp = ts.do(t, http.MethodGet, "/admin/providers/"+id, nil, true)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestProviderValidation(t *testing.T) {
	ts := newTestServer(t)
	cases := map[string]map[string]interface{}{
		"missing secret": {"name": "a", "capability": "chat", "base_endpoint": "https://x"},
		"bad capability": {"name": "a", "capability": "audio", "base_endpoint": "https://x", "secret": "s"},
		"relative url":   {"name": "a", "capability": "chat", "base_endpoint": "/v1", "secret": "s"},
		"bad status":     {"name": "a", "capability": "chat", "base_endpoint": "https://x", "secret": "s", "status": "on"},
		"unknown field":  {"name": "a", "capability": "chat", "base_endpoint": "https://x", "secret": "s", "weight": 1},
		"blank name":     {"name": " ", "capability": "chat", "base_endpoint": "https://x", "secret": "s"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/admin/providers", body, true)
			expectStatus(t, resp, http.StatusBadRequest)
		})
	}
}

func TestCredentialLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/admin/credentials", map[string]interface{}{"name": "team-a", "owner": "ops"}, true)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[ledger.Credential](t, resp)
	if !strings.HasPrefix(created.Key, ledger.KeyPrefix) || len(created.Key) != len(ledger.KeyPrefix)+48 {
		t.Fatalf("create must return the full key, got %q", created.Key)
	}
	if created.QuotaLimit != ledger.DefaultQuotaLimit {
		t.Fatalf("quota_limit = %d", created.QuotaLimit)
	}

	resp = ts.do(t, http.MethodGet, "/admin/credentials", nil, true)
	expectStatus(t, resp, http.StatusOK)
	list := decode[[]ledger.Credential](t, resp)
	if len(list) != 1 || list[0].Key != created.Key[:8]+"..." {
		t.Fatalf("listing must mask keys: %+v", list)
	}

	resp = ts.do(t, http.MethodPatch, "/admin/credentials/"+created.ID, map[string]interface{}{"quota_limit": 10, "status": "inactive"}, true)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[ledger.Credential](t, resp); got.QuotaLimit != 10 || got.Status != providers.StatusInactive {
		t.Fatalf("patched = %+v", got)
	}

	resp = ts.do(t, http.MethodPatch, "/admin/credentials/"+created.ID, map[string]interface{}{"quota_used": 0}, true)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = ts.do(t, http.MethodPost, "/admin/credentials/"+created.ID+"/rotate", nil, true)
	expectStatus(t, resp, http.StatusOK)
	rotated := decode[ledger.Credential](t, resp)
	if rotated.Key == created.Key || !strings.HasPrefix(rotated.Key, ledger.KeyPrefix) {
		t.Fatalf("rotate returned %q", rotated.Key)
	}
	if _, err := ts.store.CredentialByKey(context.Background(), created.Key); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatal("old key still resolves after rotation")
	}

	expectStatus(t, ts.do(t, http.MethodDelete, "/admin/credentials/"+created.ID, nil, true), http.StatusNoContent)
	expectStatus(t, ts.do(t, http.MethodGet, "/admin/credentials/"+created.ID, nil, true), http.StatusNotFound)
}

func seedUsage(t *testing.T, s *store.MemoryStore) (providers.Provider, ledger.Credential) {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProvider(ctx, providers.Provider{Name: "openai", Capability: providers.CapabilityChat, BaseEndpoint: "https://x", CredentialSecret: "s"})
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.CreateCredential(ctx, ledger.Credential{Name: "team"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		units, cost := ledger.ChatCharge(100)
		if _, err := s.CommitUsage(ctx, ledger.Entry{CredentialID: c.ID, ProviderID: p.ID, ServiceType: providers.CapabilityChat, Units: units, Cost: cost}); err != nil {
			t.Fatal(err)
		}
	}
	units, cost := ledger.ImageCharge(1)
	if _, err := s.CommitUsage(ctx, ledger.Entry{CredentialID: c.ID, ProviderID: p.ID, ServiceType: providers.CapabilityImage, Units: units, Cost: cost}); err != nil {
		t.Fatal(err)
	}
	return *p, *c
}

func TestUsageLogsAndStats(t *testing.T) {
	ts := newTestServer(t)
	_, c := seedUsage(t, ts.store)

	resp := ts.do(t, http.MethodGet, "/admin/usage-logs?limit=2&service_type=chat&credential_id="+c.ID, nil, true)
	expectStatus(t, resp, http.StatusOK)
	page := decode[struct {
		Data       []ledger.Entry `json:"data"`
		Pagination map[string]int `json:"pagination"`
	}](t, resp)
	if len(page.Data) != 2 || page.Pagination["limit"] != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Data[0].ProviderName != "openai" || page.Data[0].CredentialName != "team" {
		t.Fatalf("names not joined: %+v", page.Data[0])
	}

	resp = ts.do(t, http.MethodGet, "/admin/usage-logs?limit=100000", nil, true)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[struct {
		Pagination map[string]int `json:"pagination"`
	}](t, resp); got.Pagination["limit"] != store.MaxUsageLimit {
		t.Fatalf("limit not clamped: %v", got.Pagination)
	}

	for _, bad := range []string{"limit=0", "offset=-1", "since=yesterday", "service_type=audio"} {
		expectStatus(t, ts.do(t, http.MethodGet, "/admin/usage-logs?"+bad, nil, true), http.StatusBadRequest)
	}

	resp = ts.do(t, http.MethodGet, "/admin/stats", nil, true)
	expectStatus(t, resp, http.StatusOK)
	stats := decode[struct {
		Usage struct {
			Requests      int64           `json:"requests"`
			Units         int64           `json:"units"`
			Cost          decimal.Decimal `json:"cost"`
			ChatRequests  int64           `json:"chat_requests"`
			ImageRequests int64           `json:"image_requests"`
			AvgCost       decimal.Decimal `json:"avg_request_cost"`
		} `json:"usage"`
		Providers map[string]int `json:"providers"`
	}](t, resp)
	u := stats.Usage
	if u.Requests != 4 || u.Units != 1300 || u.ChatRequests != 3 || u.ImageRequests != 1 {
		t.Fatalf("usage = %+v", u)
	}
	// 3 * 0.0002 + 0.02
	if !u.Cost.Equal(decimal.RequireFromString("0.0206")) || !u.AvgCost.Equal(decimal.RequireFromString("0.00515")) {
		t.Fatalf("cost = %s avg = %s", u.Cost, u.AvgCost)
	}
	if stats.Providers["total"] != 1 || stats.Providers["active"] != 1 {
		t.Fatalf("providers = %v", stats.Providers)
	}
}

func TestModelEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	p, _ := ts.store.CreateProvider(ctx, providers.Provider{Name: "openai", Capability: providers.CapabilityChat, BaseEndpoint: "https://x", CredentialSecret: "s", Priority: 5})
	off, _ := ts.store.CreateProvider(ctx, providers.Provider{Name: "legacy", Capability: providers.CapabilityChat, BaseEndpoint: "https://y", CredentialSecret: "s", Status: providers.StatusInactive})

	now := time.Now().UTC()
	apply := func(pid string, ids ...string) []models.Model {
		var up []models.Model
		for _, id := range ids {
			up = append(up, models.Normalize(pid, providers.UpstreamModel{ID: id}))
		}
		out, err := ts.store.ApplyReconciliation(ctx, models.Reconcile(pid, up, nil, now))
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	stored := apply(p.ID, "gpt-4o", "text-embedding-3-small")
	apply(off.ID, "old-model")

	resp := ts.do(t, http.MethodGet, "/models", nil, false)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[[]models.Model](t, resp); len(got) != 2 {
		t.Fatalf("public listing = %d models, want 2 (inactive provider hidden)", len(got))
	}

	resp = ts.do(t, http.MethodGet, "/models?type=embedding", nil, false)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[[]models.Model](t, resp); len(got) != 1 || got[0].UpstreamModelID != "text-embedding-3-small" {
		t.Fatalf("type filter = %+v", got)
	}
	expectStatus(t, ts.do(t, http.MethodGet, "/models?type=video", nil, false), http.StatusBadRequest)

	expectStatus(t, ts.do(t, http.MethodGet, "/models/provider/"+p.ID, nil, false), http.StatusOK)
	resp = ts.do(t, http.MethodGet, "/models/provider/ghost", nil, false)
	expectStatus(t, resp, http.StatusNotFound)
	if env := decode[errorEnvelope](t, resp); env.Error.Code != "provider_not_found" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/models/"+stored[0].ID, nil, false), http.StatusOK)

	// Admin-only mutations.
	expectStatus(t, ts.do(t, http.MethodPatch, "/models/"+stored[0].ID, map[string]string{"status": "inactive"}, false), http.StatusUnauthorized)
	resp = ts.do(t, http.MethodPatch, "/models/"+stored[0].ID, map[string]string{"status": "inactive"}, true)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[models.Model](t, resp); got.Status != providers.StatusInactive {
		t.Fatalf("status = %s", got.Status)
	}

	resp = ts.do(t, http.MethodGet, "/models/stats/summary", nil, true)
	expectStatus(t, resp, http.StatusOK)
	sum := decode[models.Summary](t, resp)
	if sum.Total != 3 || sum.Active != 2 || sum.ByProvider["openai"] != 2 {
		t.Fatalf("summary = %+v", sum)
	}

	expectStatus(t, ts.do(t, http.MethodDelete, "/models/"+stored[1].ID, nil, true), http.StatusNoContent)
	expectStatus(t, ts.do(t, http.MethodGet, "/models/"+stored[1].ID, nil, false), http.StatusNotFound)
}

func TestRefreshEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.disc.all = []models.Model{{UpstreamModelID: "a"}, {UpstreamModelID: "b"}}
	ts.disc.provider["p1"] = []models.Model{{UpstreamModelID: "a"}}

	resp := ts.do(t, http.MethodPost, "/models/refresh", nil, true)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]interface{}](t, resp); got["count"] != float64(2) {
		t.Fatalf("refresh all = %v", got)
	}

	resp = ts.do(t, http.MethodPost, "/models/refresh/p1", nil, true)
	expectStatus(t, resp, http.StatusOK)

	expectStatus(t, ts.do(t, http.MethodPost, "/models/refresh/ghost", nil, true), http.StatusNotFound)

	ts.disc.err = errors.Join(apierr.ErrDiscoveryFailed, errors.New("connection refused"))
	resp = ts.do(t, http.MethodPost, "/models/refresh/p1", nil, true)
	expectStatus(t, resp, http.StatusBadGateway)
	if env := decode[errorEnvelope](t, resp); env.Error.Code != "discovery_failed" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	if len(ts.disc.calls) != 4 {
		t.Fatalf("discoverer calls = %v", ts.disc.calls)
	}
}
