// Package admin provides the HTTP handlers for administration: provider and
// credential management, usage reporting, and the model catalog endpoints.
// Everything except the public catalog reads and login is protected by an
// HS256 admin token checked by Authenticator.Middleware.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/internal/logging"
	"github.com/ferro-labs/keygate/internal/store"
	"github.com/ferro-labs/keygate/ledger"
	"github.com/ferro-labs/keygate/models"
	"github.com/ferro-labs/keygate/providers"
)

// Discoverer runs model discovery on demand.
type Discoverer interface {
	DiscoverAll(ctx context.Context) ([]models.Model, error)
	DiscoverProvider(ctx context.Context, providerID string) ([]models.Model, error)
}

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Store     store.Store
	Discovery Discoverer
	Auth      *Authenticator
}

// Register mounts login, the /admin API, and the /models catalog routes on r.
func (h *Handlers) Register(r chi.Router) {
	r.Post("/auth/login", h.Auth.Login)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.Auth.Middleware)

		r.Get("/providers", h.listProviders)
		r.Post("/providers", h.createProvider)
		r.Get("/providers/{id}", h.getProvider)
		r.Patch("/providers/{id}", h.updateProvider)
		r.Delete("/providers/{id}", h.deleteProvider)

		r.Get("/credentials", h.listCredentials)
		r.Post("/credentials", h.createCredential)
		r.Get("/credentials/{id}", h.getCredential)
		r.Patch("/credentials/{id}", h.updateCredential)
		r.Delete("/credentials/{id}", h.deleteCredential)
		r.Post("/credentials/{id}/rotate", h.rotateCredential)

		r.Get("/stats", h.stats)
		r.Get("/usage-logs", h.listUsage)
	})

	r.Route("/models", func(r chi.Router) {
		r.Get("/", h.listModels)
		r.Get("/provider/{providerID}", h.listProviderModels)

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.Middleware)
			r.Get("/stats/summary", h.modelSummary)
			r.Post("/refresh", h.refreshAll)
			r.Post("/refresh/{providerID}", h.refreshProvider)
			r.Patch("/{id}", h.updateModel)
			r.Delete("/{id}", h.deleteModel)
		})

		r.Get("/{id}", h.getModel)
	})
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

type providerView struct {
	providers.Provider
	SecretHint string `json:"secret_hint"`
}

func viewProvider(p providers.Provider) providerView {
	return providerView{Provider: p, SecretHint: p.SecretHint()}
}

type providerBody struct {
	Name         *string `json:"name"`
	Capability   *string `json:"capability"`
	BaseEndpoint *string `json:"base_endpoint"`
	Secret       *string `json:"secret"`
	Priority     *int    `json:"priority"`
	Status       *string `json:"status"`
}

func (b providerBody) validate() error {
	if b.Name != nil && strings.TrimSpace(*b.Name) == "" {
		return errors.New("name must not be empty")
	}
	if b.Capability != nil && !providers.Capability(*b.Capability).Valid() {
		return errors.New("capability must be chat or image")
	}
	if b.BaseEndpoint != nil {
		u, err := url.Parse(*b.BaseEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("base_endpoint must be an absolute http(s) URL")
		}
	}
	if b.Secret != nil && *b.Secret == "" {
		return errors.New("secret must not be empty")
	}
	if b.Status != nil && !providers.Status(*b.Status).Valid() {
		return errors.New("status must be active or inactive")
	}
	return nil
}

func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	f := providers.Filter{
		Capability: providers.Capability(r.URL.Query().Get("capability")),
		Status:     providers.Status(r.URL.Query().Get("status")),
	}
	ps, err := h.Store.ListProviders(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]providerView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewProvider(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == nil || body.Capability == nil || body.BaseEndpoint == nil || body.Secret == nil {
		writeError(w, http.StatusBadRequest, "name, capability, base_endpoint and secret are required", "", "invalid_request")
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", "invalid_request")
		return
	}
	p := providers.Provider{
		Name:             strings.TrimSpace(*body.Name),
		Capability:       providers.Capability(*body.Capability),
		BaseEndpoint:     strings.TrimRight(*body.BaseEndpoint, "/"),
		CredentialSecret: *body.Secret,
		Status:           providers.StatusActive,
	}
	if body.Priority != nil {
		p.Priority = *body.Priority
	}
	if body.Status != nil {
		p.Status = providers.Status(*body.Status)
	}
	created, err := h.Store.CreateProvider(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("provider created", "provider_id", created.ID, "provider", created.Name)
	writeJSON(w, http.StatusCreated, viewProvider(*created))
}

func (h *Handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewProvider(*p))
}

func (h *Handlers) updateProvider(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Capability != nil {
		writeError(w, http.StatusBadRequest, "capability cannot be changed", "", "invalid_request")
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", "invalid_request")
		return
	}
	patch := providers.Patch{Name: body.Name, CredentialSecret: body.Secret, Priority: body.Priority}
	if body.BaseEndpoint != nil {
		base := strings.TrimRight(*body.BaseEndpoint, "/")
		patch.BaseEndpoint = &base
	}
	if body.Status != nil {
		st := providers.Status(*body.Status)
		patch.Status = &st
	}
	p, err := h.Store.UpdateProvider(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewProvider(*p))
}

func (h *Handlers) deleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

type credentialBody struct {
	Name       *string `json:"name"`
	Owner      *string `json:"owner"`
	QuotaLimit *int64  `json:"quota_limit"`
	Status     *string `json:"status"`
}

func (b credentialBody) validate() error {
	if b.Name != nil && strings.TrimSpace(*b.Name) == "" {
		return errors.New("name must not be empty")
	}
	if b.QuotaLimit != nil && *b.QuotaLimit <= 0 {
		return errors.New("quota_limit must be positive")
	}
	if b.Status != nil && !providers.Status(*b.Status).Valid() {
		return errors.New("status must be active or inactive")
	}
	return nil
}

func (h *Handlers) listCredentials(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Store.ListCredentials(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ledger.Credential, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Masked())
	}
	writeJSON(w, http.StatusOK, out)
}

// createCredential returns the full key. It is the only time besides
// rotation that the key leaves the server.
func (h *Handlers) createCredential(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == nil {
		writeError(w, http.StatusBadRequest, "name is required", "", "invalid_request")
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", "invalid_request")
		return
	}
	c := ledger.Credential{Name: strings.TrimSpace(*body.Name)}
	if body.Owner != nil {
		c.Owner = *body.Owner
	}
	if body.QuotaLimit != nil {
		c.QuotaLimit = *body.QuotaLimit
	}
	if body.Status != nil {
		c.Status = providers.Status(*body.Status)
	}
	created, err := h.Store.CreateCredential(r.Context(), c)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("credential created", "credential_id", created.ID, "name", created.Name)
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) getCredential(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Masked())
}

func (h *Handlers) updateCredential(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", "invalid_request")
		return
	}
	patch := ledger.CredentialPatch{Name: body.Name, Owner: body.Owner, QuotaLimit: body.QuotaLimit}
	if body.Status != nil {
		st := providers.Status(*body.Status)
		patch.Status = &st
	}
	c, err := h.Store.UpdateCredential(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Masked())
}

func (h *Handlers) deleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteCredential(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) rotateCredential(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.RotateCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("credential rotated", "credential_id", c.ID)
	writeJSON(w, http.StatusOK, c)
}

// ---------------------------------------------------------------------------
// Stats and usage
// ---------------------------------------------------------------------------

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps, err := h.Store.ListProviders(ctx, providers.Filter{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cs, err := h.Store.ListCredentials(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ms, err := h.Store.ListModels(ctx, models.Filter{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	totals, err := h.Store.UsageTotals(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	activeProviders, activeCredentials := 0, 0
	for _, p := range ps {
		if p.Active() {
			activeProviders++
		}
	}
	for _, c := range cs {
		if c.Status == providers.StatusActive {
			activeCredentials++
		}
	}
	summary := models.Summarize(ms)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers":   map[string]int{"total": len(ps), "active": activeProviders},
		"credentials": map[string]int{"total": len(cs), "active": activeCredentials},
		"models":      map[string]int{"total": summary.Total, "active": summary.Active},
		"usage": map[string]interface{}{
			"requests":         totals.Requests,
			"units":            totals.Units,
			"cost":             totals.Cost.Round(4),
			"chat_requests":    totals.ChatRequests,
			"image_requests":   totals.ImageRequests,
			"avg_request_cost": totals.AverageCost(),
		},
	})
}

func (h *Handlers) listUsage(w http.ResponseWriter, r *http.Request) {
	q := store.UsageQuery{
		CredentialID: r.URL.Query().Get("credential_id"),
		ProviderID:   r.URL.Query().Get("provider_id"),
		ServiceType:  providers.Capability(r.URL.Query().Get("service_type")),
	}
	if q.ServiceType != "" && !q.ServiceType.Valid() {
		writeError(w, http.StatusBadRequest, "invalid service_type: must be chat or image", "", "invalid_request")
		return
	}

	var err error
	if q.Limit, err = intParam(r, "limit", store.DefaultUsageLimit, 1); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", "invalid_request")
		return
	}
	if q.Limit > store.MaxUsageLimit {
		q.Limit = store.MaxUsageLimit
	}
	if q.Offset, err = intParam(r, "offset", 0, 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", "invalid_request")
		return
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: must be RFC3339 format", "", "invalid_request")
			return
		}
		q.Since = &since
	}

	entries, err := h.Store.ListUsage(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": entries,
		"pagination": map[string]int{
			"limit":    q.Limit,
			"offset":   q.Offset,
			"returned": len(entries),
		},
	})
}

// ---------------------------------------------------------------------------
// Model catalog
// ---------------------------------------------------------------------------

// listModels is public: active models of active providers.
func (h *Handlers) listModels(w http.ResponseWriter, r *http.Request) {
	f := models.Filter{Status: providers.StatusActive, ProviderStatus: providers.StatusActive}
	if t := r.URL.Query().Get("type"); t != "" {
		if !models.Type(t).Valid() {
			writeError(w, http.StatusBadRequest, "invalid type: must be chat, image, embedding or audio", "", "invalid_request")
			return
		}
		f.Type = models.Type(t)
	}
	ms, err := h.Store.ListModels(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *Handlers) listProviderModels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "providerID")
	if _, err := h.Store.GetProvider(r.Context(), id); err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			err = fmt.Errorf("%w: %s", apierr.ErrProviderNotFound, id)
		}
		h.fail(w, r, err)
		return
	}
	ms, err := h.Store.ListModels(r.Context(), models.Filter{ProviderID: id, Status: providers.StatusActive})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *Handlers) getModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.Store.GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) modelSummary(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Store.ListModels(r.Context(), models.Filter{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Summarize(ms))
}

func (h *Handlers) refreshAll(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Discovery.DiscoverAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(ms), "models": ms})
}

func (h *Handlers) refreshProvider(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Discovery.DiscoverProvider(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(ms), "models": ms})
}

func (h *Handlers) updateModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !providers.Status(body.Status).Valid() {
		writeError(w, http.StatusBadRequest, "status must be active or inactive", "", "invalid_request")
		return
	}
	m, err := h.Store.SetModelStatus(r.Context(), chi.URLParam(r, "id"), providers.Status(body.Status))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) deleteModel(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteModel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// fail logs server-side failures and writes the mapped error envelope.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apierr.Status(err) >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("admin request failed",
			"method", r.Method, "path", r.URL.Path, "error", err.Error())
	}
	WriteAPIError(w, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "", "invalid_request")
		return false
	}
	return true
}

func intParam(r *http.Request, name string, def, min int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return 0, fmt.Errorf("invalid %s: must be an integer >= %d", name, min)
	}
	return v, nil
}
