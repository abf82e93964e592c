// Package discovery keeps the model catalog in line with what each provider
// currently reports. Engine runs reconciliation passes; Scheduler triggers
// them at startup and on an interval.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/internal/logging"
	"github.com/ferro-labs/keygate/internal/metrics"
	"github.com/ferro-labs/keygate/models"
	"github.com/ferro-labs/keygate/providers"
)

// DefaultConcurrency bounds how many providers DiscoverAll probes at once.
const DefaultConcurrency = 4

// Catalog is the model storage a discovery pass reads and writes.
type Catalog interface {
	ListModels(ctx context.Context, f models.Filter) ([]models.Model, error)
	ApplyReconciliation(ctx context.Context, plan models.Plan) ([]models.Model, error)
}

// Lister fetches a provider's upstream model listing.
type Lister interface {
	ListModels(ctx context.Context, p providers.Provider) ([]providers.UpstreamModel, error)
}

// Engine runs discovery passes. Passes for one provider are serialized;
// different providers may run in parallel.
type Engine struct {
	providers   providers.Source
	catalog     Catalog
	upstream    Lister
	locks       keyedMutex
	concurrency int
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency sets how many providers DiscoverAll probes at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithClock overrides the time source used to stamp last_synced.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(src providers.Source, catalog Catalog, upstream Lister, opts ...Option) *Engine {
	e := &Engine{
		providers:   src,
		catalog:     catalog,
		upstream:    upstream,
		concurrency: DefaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DiscoverProvider reconciles one provider's catalog against its upstream
// listing and returns the upserted models. An inactive provider is skipped
// with an empty result. Upstream failures are returned wrapping
// apierr.ErrDiscoveryFailed and leave the stored catalog untouched.
func (e *Engine) DiscoverProvider(ctx context.Context, providerID string) ([]models.Model, error) {
	unlock := e.locks.Lock(providerID)
	defer unlock()

	log := logging.FromContext(ctx).With("provider_id", providerID)

	p, err := e.providers.GetProvider(ctx, providerID)
	if errors.Is(err, apierr.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apierr.ErrProviderNotFound, providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("load provider %s: %w", providerID, err)
	}
	if !p.Active() {
		log.Debug("skipping discovery for inactive provider", "provider", p.Name)
		metrics.DiscoveryRuns.WithLabelValues(p.Name, "skipped").Inc()
		return []models.Model{}, nil
	}

	listed, err := e.upstream.ListModels(ctx, *p)
	if err != nil {
		metrics.DiscoveryRuns.WithLabelValues(p.Name, "failed").Inc()
		return nil, fmt.Errorf("%w: provider %s: %w", apierr.ErrDiscoveryFailed, p.Name, err)
	}

	discovered := make([]models.Model, 0, len(listed))
	for _, um := range listed {
		discovered = append(discovered, models.Normalize(p.ID, um))
	}

	stored, err := e.catalog.ListModels(ctx, models.Filter{ProviderID: p.ID})
	if err != nil {
		return nil, fmt.Errorf("load catalog for %s: %w", p.Name, err)
	}

	plan := models.Reconcile(p.ID, discovered, stored, e.now())
	if len(plan.Upserts) == 0 && len(plan.Deactivate) > 0 {
		log.Warn("provider reported no models; deactivating its catalog",
			"provider", p.Name, "deactivating", len(plan.Deactivate))
	}

	upserted, err := e.catalog.ApplyReconciliation(ctx, plan)
	if err != nil {
		metrics.DiscoveryRuns.WithLabelValues(p.Name, "failed").Inc()
		return nil, fmt.Errorf("%w: reconcile %s: %w", apierr.ErrTransactionFailure, p.Name, err)
	}

	metrics.DiscoveryRuns.WithLabelValues(p.Name, "success").Inc()
	if n := len(plan.Deactivate); n > 0 {
		metrics.ModelsDeactivated.WithLabelValues(p.Name).Add(float64(n))
	}
	log.Info("model discovery completed",
		"provider", p.Name, "models", len(upserted), "deactivated", len(plan.Deactivate))
	return upserted, nil
}

// DiscoverAll runs DiscoverProvider for every active provider. A provider
// that fails is logged and skipped; the result concatenates the successful
// passes in provider priority order. The error is non-nil only when the
// provider list itself cannot be read.
func (e *Engine) DiscoverAll(ctx context.Context) ([]models.Model, error) {
	ps, err := e.providers.ListProviders(ctx, providers.Filter{Status: providers.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("list providers for discovery: %w", err)
	}

	log := logging.FromContext(ctx)
	results := make([][]models.Model, len(ps))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, p := range ps {
		g.Go(func() error {
			out, err := e.DiscoverProvider(ctx, p.ID)
			if err != nil {
				log.Error("model discovery failed", "provider", p.Name, "provider_id", p.ID, "error", err.Error())
				return nil
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	all := make([]models.Model, 0)
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}
