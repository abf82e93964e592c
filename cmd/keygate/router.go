package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferro-labs/keygate"
	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/internal/admin"
	"github.com/ferro-labs/keygate/internal/logging"
	"github.com/ferro-labs/keygate/internal/metrics"
	"github.com/ferro-labs/keygate/internal/ratelimit"
	"github.com/ferro-labs/keygate/internal/store"
	"github.com/ferro-labs/keygate/internal/version"
	"github.com/ferro-labs/keygate/providers"
)

// maxRequestBody bounds inference request bodies.
const maxRequestBody = 10 << 20

type routerDeps struct {
	store       store.Store
	gateway     *keygate.Gateway
	discovery   admin.Discoverer
	auth        *admin.Authenticator
	limiter     *ratelimit.Store
	corsOrigins []string
}

// newRouter builds the HTTP router.
func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(d.corsOrigins...))

	r.Get("/health", healthHandler(d.store))
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/v1/models", modelsHandler(d.store))
	r.Post("/v1/chat/completions", inferenceHandler(d, providers.CapabilityChat))
	r.Post("/v1/images/generations", inferenceHandler(d, providers.CapabilityImage))

	(&admin.Handlers{Store: d.store, Discovery: d.discovery, Auth: d.auth}).Register(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, r, apierr.ErrNotFound)
	})
	return r
}

func healthHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps, err := st.ListProviders(r.Context(), providers.Filter{Status: providers.StatusActive})
		status, code := "ok", http.StatusOK
		if err != nil {
			logging.FromContext(r.Context()).Error("health check failed", "error", err.Error())
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status":    status,
			"version":   version.Short(),
			"providers": len(ps),
		})
	}
}

// inferenceHandler forwards one chat or image call for the caller's credential.
func inferenceHandler(d routerDeps, c providers.Capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := credentialKey(r)
		if key == "" {
			writeAPIError(w, r, fmt.Errorf("%w: missing API key", apierr.ErrUnauthorized))
			return
		}
		if d.limiter.Enabled() && !d.limiter.Allow(d.limitKey(r, key)) {
			metrics.RateLimitRejections.WithLabelValues("credential").Inc()
			writeAPIError(w, r, apierr.ErrRateLimited)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeAPIError(w, r, fmt.Errorf("%w: %v", apierr.ErrInvalidRequest, err))
			return
		}

		res, err := d.gateway.Handle(r.Context(), key, c, body)
		if err != nil {
			writeAPIError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", res.ContentType)
		w.Header().Set("X-Keygate-Provider", res.ProviderName)
		w.Header().Set("X-Keygate-Usage-Units", strconv.FormatInt(res.Units, 10))
		w.WriteHeader(res.StatusCode)
		_, _ = w.Write(res.Body)
	}
}

// limitKey buckets known credentials by id. Unknown keys share the client IP's
// bucket so made-up keys cannot mint new ones.
func (d routerDeps) limitKey(r *http.Request, key string) string {
	if c, err := d.store.CredentialByKey(r.Context(), key); err == nil {
		return "credential:" + c.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// credentialKey reads the caller's key from X-API-Key, then from a bearer
// Authorization header.
func credentialKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// writeAPIError logs server-side failures and writes err in the
// OpenAI-compatible envelope.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	if apierr.Status(err) >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "code", apierr.Code(err), "error", err.Error())
	}
	admin.WriteAPIError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
