// Package keygate is a multi-tenant, OpenAI-compatible gateway. Clients
// authenticate with gateway-issued credentials; each request is gated on the
// credential's quota, forwarded to the highest-priority active provider for
// the requested capability, metered, and recorded in the usage log in the
// same transaction that advances the credential's counters.
//
// The Gateway type is the request path. Configuration lives in [Config] and
// is loaded with [LoadConfig].
package keygate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/internal/logging"
	"github.com/ferro-labs/keygate/internal/metrics"
	"github.com/ferro-labs/keygate/internal/payload"
	"github.com/ferro-labs/keygate/ledger"
	"github.com/ferro-labs/keygate/providers"
)

// EventHookFunc is called asynchronously after a request completes or fails.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking gateway hooks.
const (
	SubjectRequestCompleted = "gateway.request.completed"
	SubjectRequestFailed    = "gateway.request.failed"
)

// Store is the storage the request path needs: provider lookup plus the
// credential ledger.
type Store interface {
	providers.Source
	ledger.Store
}

// Forwarder sends a prepared payload to a provider.
type Forwarder interface {
	Forward(ctx context.Context, p providers.Provider, path string, payload []byte) (*providers.UpstreamResponse, error)
}

// Result is a successfully forwarded and recorded request.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte

	ProviderID   string
	ProviderName string
	Units        int64
	Cost         decimal.Decimal
	UsageID      int64
}

// Gateway routes inference requests.
type Gateway struct {
	registry *providers.Registry
	ledger   *ledger.Ledger
	upstream Forwarder
	defaults payload.Defaults

	mu    sync.RWMutex
	hooks []EventHookFunc
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDefaults sets the models filled into requests that name none.
func WithDefaults(d DefaultsConfig) Option {
	return func(g *Gateway) {
		g.defaults = payload.Defaults{ChatModel: d.ChatModel, ImageModel: d.ImageModel}
	}
}

// New creates a Gateway.
func New(store Store, upstream Forwarder, opts ...Option) *Gateway {
	d := DefaultConfig().Defaults
	g := &Gateway{
		registry: providers.NewRegistry(store),
		ledger:   ledger.New(store),
		upstream: upstream,
		defaults: payload.Defaults{ChatModel: d.ChatModel, ImageModel: d.ImageModel},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// AddHook registers an EventHookFunc invoked on every completed or failed request.
func (g *Gateway) AddHook(fn EventHookFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, fn)
}

// Chat forwards a chat completion request.
func (g *Gateway) Chat(ctx context.Context, credentialKey string, body []byte) (*Result, error) {
	return g.Handle(ctx, credentialKey, providers.CapabilityChat, body)
}

// GenerateImage forwards an image generation request.
func (g *Gateway) GenerateImage(ctx context.Context, credentialKey string, body []byte) (*Result, error) {
	return g.Handle(ctx, credentialKey, providers.CapabilityImage, body)
}

// Handle runs one request through the quota gate, provider selection, the
// upstream call and usage recording. The upstream body is returned unchanged.
// No upstream call is made unless the credential is active and under quota.
func (g *Gateway) Handle(ctx context.Context, credentialKey string, c providers.Capability, body []byte) (*Result, error) {
	start := time.Now()
	log := logging.FromContext(ctx).With("service", string(c))

	cred, err := g.ledger.Authorize(ctx, credentialKey)
	if err != nil {
		if errors.Is(err, apierr.ErrQuotaExceeded) {
			metrics.QuotaRejections.Inc()
		}
		metrics.RequestsTotal.WithLabelValues("", string(c), "rejected").Inc()
		log.Info("request rejected", "reason", apierr.Code(err))
		return nil, err
	}
	log = log.With("credential_id", cred.ID)

	prepared, meta, err := payload.Prepare(c, body, g.defaults)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("", string(c), "rejected").Inc()
		return nil, err
	}
	if meta.Stream {
		log.Debug("streaming requested; forwarding as a buffered request")
	}

	candidates, err := g.registry.ListActive(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("select provider: %w", err)
	}
	if len(candidates) == 0 {
		metrics.RequestsTotal.WithLabelValues("", string(c), "unavailable").Inc()
		return nil, fmt.Errorf("%w: no active %s provider", apierr.ErrNoProviderAvailable, c)
	}
	p := candidates[0]
	log = log.With("provider", p.Name, "model", meta.Model)

	resp, err := g.upstream.Forward(ctx, p, c.UpstreamPath(), prepared)
	latency := time.Since(start)
	metrics.RequestDuration.WithLabelValues(p.Name, string(c)).Observe(latency.Seconds())
	if err != nil {
		errType := "upstream_error"
		var ue *apierr.UpstreamError
		if errors.As(err, &ue) && ue.StatusCode == 0 {
			errType = "transport"
		}
		metrics.RequestsTotal.WithLabelValues(p.Name, string(c), "error").Inc()
		metrics.ProviderErrors.WithLabelValues(p.Name, errType).Inc()
		log.Error("upstream request failed", "latency_ms", latency.Milliseconds(), "error", err.Error())
		g.publishEvent(ctx, SubjectRequestFailed, map[string]interface{}{
			"trace_id":      logging.TraceIDFromContext(ctx),
			"credential_id": cred.ID,
			"provider":      p.Name,
			"service":       string(c),
			"status":        apierr.Status(err),
			"error":         err.Error(),
			"latency_ms":    latency.Milliseconds(),
			"timestamp":     time.Now(),
		})
		return nil, err
	}

	var (
		units int64
		cost  decimal.Decimal
	)
	switch c {
	case providers.CapabilityImage:
		units, cost = ledger.ImageCharge(int64(meta.Count))
	default:
		units, cost = ledger.ChatCharge(payload.TotalTokens(resp.Body))
	}

	entry, err := g.ledger.Record(ctx, ledger.Charge{
		CredentialID: cred.ID,
		ProviderID:   p.ID,
		ServiceType:  c,
		Units:        units,
		Cost:         cost,
	})
	if err != nil {
		// The upstream call already happened; this charge is lost.
		metrics.UnbilledUnits.Add(float64(units))
		metrics.RequestsTotal.WithLabelValues(p.Name, string(c), "error").Inc()
		log.Error("usage not recorded",
			"units", units,
			"cost", cost.String(),
			"provider_id", p.ID,
			"error", err.Error(),
		)
		return nil, err
	}

	metrics.RequestsTotal.WithLabelValues(p.Name, string(c), "success").Inc()
	metrics.UsageUnits.WithLabelValues(string(c)).Add(float64(units))
	log.Info("request completed",
		"latency_ms", latency.Milliseconds(),
		"units", units,
		"cost", cost.String(),
		"usage_id", entry.ID,
	)
	g.publishEvent(ctx, SubjectRequestCompleted, map[string]interface{}{
		"trace_id":      logging.TraceIDFromContext(ctx),
		"credential_id": cred.ID,
		"provider":      p.Name,
		"service":       string(c),
		"model":         meta.Model,
		"status":        resp.StatusCode,
		"units":         units,
		"cost":          cost.String(),
		"latency_ms":    latency.Milliseconds(),
		"timestamp":     time.Now(),
	})

	return &Result{
		StatusCode:   resp.StatusCode,
		ContentType:  resp.ContentType,
		Body:         resp.Body,
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Units:        units,
		Cost:         cost,
		UsageID:      entry.ID,
	}, nil
}

// publishEvent calls all registered hooks asynchronously.
func (g *Gateway) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	g.mu.RLock()
	hooks := make([]EventHookFunc, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.RUnlock()

	for _, h := range hooks {
		go h(context.WithoutCancel(ctx), subject, data)
	}
}
