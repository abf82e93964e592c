package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/ledger"
	"github.com/ferro-labs/keygate/models"
	"github.com/ferro-labs/keygate/providers"
)

// MemoryStore is an in-memory Store. Every method holds a single lock, so
// multi-row operations are atomic. Returned values are copies.
type MemoryStore struct {
	mu          sync.RWMutex
	providers   map[string]providers.Provider
	models      map[string]models.Model // id -> model
	modelKeys   map[modelKey]string     // (provider, upstream id) -> id
	credentials map[string]ledger.Credential
	byKey       map[string]string // key -> credential id
	usage       []ledger.Entry
	nextUsageID int64

	// CommitHook, when set, runs before a usage commit is applied. A non-nil
	// error aborts the commit with nothing applied.
	CommitHook func(ledger.Entry) error
}

type modelKey struct {
	provider string
	upstream string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:   make(map[string]providers.Provider),
		models:      make(map[string]models.Model),
		modelKeys:   make(map[modelKey]string),
		credentials: make(map[string]ledger.Credential),
		byKey:       make(map[string]string),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// --- providers ---

// CreateProvider stores p, assigning an id and creation time when unset.
func (s *MemoryStore) CreateProvider(_ context.Context, p providers.Provider) (*providers.Provider, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = providers.StatusActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.providers[p.ID]; exists {
		return nil, fmt.Errorf("create provider: duplicate id %s", p.ID)
	}
	s.providers[p.ID] = p
	return &p, nil
}

// GetProvider returns the provider with the given id.
func (s *MemoryStore) GetProvider(_ context.Context, id string) (*providers.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", id, apierr.ErrNotFound)
	}
	return &p, nil
}

// ListProviders returns providers matching f, highest priority first.
func (s *MemoryStore) ListProviders(_ context.Context, f providers.Filter) ([]providers.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]providers.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if f.Capability != "" && p.Capability != f.Capability {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	providers.SortByPriority(out)
	return out, nil
}

// UpdateProvider applies the non-nil fields of patch.
func (s *MemoryStore) UpdateProvider(_ context.Context, id string, patch providers.Patch) (*providers.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", id, apierr.ErrNotFound)
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.BaseEndpoint != nil {
		p.BaseEndpoint = *patch.BaseEndpoint
	}
	if patch.CredentialSecret != nil {
		p.CredentialSecret = *patch.CredentialSecret
	}
	if patch.Priority != nil {
		p.Priority = *patch.Priority
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	s.providers[id] = p
	return &p, nil
}

// DeleteProvider removes a provider and its catalog rows.
func (s *MemoryStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return fmt.Errorf("provider %s: %w", id, apierr.ErrNotFound)
	}
	delete(s.providers, id)
	for mid, m := range s.models {
		if m.ProviderID == id {
			delete(s.models, mid)
			delete(s.modelKeys, modelKey{m.ProviderID, m.UpstreamModelID})
		}
	}
	return nil
}

// --- models ---

// ListModels returns catalog rows matching f, ordered by provider priority
// then display name.
func (s *MemoryStore) ListModels(_ context.Context, f models.Filter) ([]models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Model, 0)
	for _, m := range s.models {
		if f.ProviderID != "" && m.ProviderID != f.ProviderID {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		p, hasProvider := s.providers[m.ProviderID]
		if f.ProviderStatus != "" && (!hasProvider || p.Status != f.ProviderStatus) {
			continue
		}
		out = append(out, s.withProvider(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderPriority != out[j].ProviderPriority {
			return out[i].ProviderPriority > out[j].ProviderPriority
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out, nil
}

// GetModel returns one catalog row by id.
func (s *MemoryStore) GetModel(_ context.Context, id string) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", id, apierr.ErrNotFound)
	}
	m = s.withProvider(m)
	return &m, nil
}

// ApplyReconciliation upserts and deactivates under one lock.
func (s *MemoryStore) ApplyReconciliation(_ context.Context, plan models.Plan) ([]models.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Model, 0, len(plan.Upserts))
	for _, m := range plan.Upserts {
		k := modelKey{plan.ProviderID, m.UpstreamModelID}
		synced := plan.SyncedAt
		if m.LastSynced != nil {
			synced = *m.LastSynced
		}
		stored, exists := s.models[s.modelKeys[k]]
		if !exists {
			stored = models.Model{
				ID:              uuid.NewString(),
				ProviderID:      plan.ProviderID,
				UpstreamModelID: m.UpstreamModelID,
				CreatedAt:       plan.SyncedAt,
			}
		}
		stored.DisplayName = m.DisplayName
		stored.Type = m.Type
		stored.Description = m.Description
		stored.ContextSize = copyInt(m.ContextSize)
		stored.Status = providers.StatusActive
		stored.LastSynced = &synced
		s.models[stored.ID] = stored
		s.modelKeys[k] = stored.ID
		out = append(out, s.withProvider(stored))
	}

	for _, upstreamID := range plan.Deactivate {
		id, ok := s.modelKeys[modelKey{plan.ProviderID, upstreamID}]
		if !ok {
			continue
		}
		m := s.models[id]
		if m.Status == providers.StatusActive {
			m.Status = providers.StatusInactive
			s.models[id] = m
		}
	}
	return out, nil
}

// SetModelStatus changes one model's status.
func (s *MemoryStore) SetModelStatus(_ context.Context, id string, status providers.Status) (*models.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", id, apierr.ErrNotFound)
	}
	m.Status = status
	s.models[id] = m
	m = s.withProvider(m)
	return &m, nil
}

// DeleteModel removes one catalog row.
func (s *MemoryStore) DeleteModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return fmt.Errorf("model %s: %w", id, apierr.ErrNotFound)
	}
	delete(s.models, id)
	delete(s.modelKeys, modelKey{m.ProviderID, m.UpstreamModelID})
	return nil
}

func (s *MemoryStore) withProvider(m models.Model) models.Model {
	m.ContextSize = copyInt(m.ContextSize)
	if m.LastSynced != nil {
		t := *m.LastSynced
		m.LastSynced = &t
	}
	if p, ok := s.providers[m.ProviderID]; ok {
		m.ProviderName = p.Name
		m.ProviderPriority = p.Priority
	}
	return m
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// --- credentials ---

// CreateCredential stores c, generating its id and key when unset.
func (s *MemoryStore) CreateCredential(_ context.Context, c ledger.Credential) (*ledger.Credential, error) {
	if err := prepareCredential(&c); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byKey[c.Key]; dup {
		return nil, fmt.Errorf("create credential: duplicate key")
	}
	s.credentials[c.ID] = c
	s.byKey[c.Key] = c.ID
	return &c, nil
}

// GetCredential returns a credential by id.
func (s *MemoryStore) GetCredential(_ context.Context, id string) (*ledger.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential: %w", apierr.ErrNotFound)
	}
	return &c, nil
}

// CredentialByKey returns the credential holding the full key value.
func (s *MemoryStore) CredentialByKey(_ context.Context, key string) (*ledger.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("credential: %w", apierr.ErrNotFound)
	}
	c := s.credentials[id]
	return &c, nil
}

// ListCredentials returns every credential, oldest first.
func (s *MemoryStore) ListCredentials(_ context.Context) ([]ledger.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateCredential applies the non-nil fields of patch.
func (s *MemoryStore) UpdateCredential(_ context.Context, id string, patch ledger.CredentialPatch) (*ledger.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, apierr.ErrNotFound)
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Owner != nil {
		c.Owner = *patch.Owner
	}
	if patch.QuotaLimit != nil {
		c.QuotaLimit = *patch.QuotaLimit
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	s.credentials[id] = c
	return &c, nil
}

// RotateCredential replaces the key value, keeping counters.
func (s *MemoryStore) RotateCredential(_ context.Context, id string) (*ledger.Credential, error) {
	key, err := ledger.GenerateKey()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, apierr.ErrNotFound)
	}
	delete(s.byKey, c.Key)
	c.Key = key
	s.credentials[id] = c
	s.byKey[key] = id
	return &c, nil
}

// DeleteCredential removes a credential.
func (s *MemoryStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, apierr.ErrNotFound)
	}
	delete(s.credentials, id)
	delete(s.byKey, c.Key)
	return nil
}

// --- usage ---

// CommitUsage applies the counter increment and the log append together.
func (s *MemoryStore) CommitUsage(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[e.CredentialID]
	if !ok {
		return ledger.Entry{}, fmt.Errorf("credential %s: %w", e.CredentialID, apierr.ErrNotFound)
	}
	if s.CommitHook != nil {
		if err := s.CommitHook(e); err != nil {
			return ledger.Entry{}, err
		}
	}
	c.QuotaUsed += e.Units
	c.RequestCount++
	used := e.CreatedAt
	c.LastUsedAt = &used
	s.credentials[c.ID] = c

	s.nextUsageID++
	e.ID = s.nextUsageID
	s.usage = append(s.usage, e)
	return e, nil
}

// ListUsage returns usage log entries matching q, newest first.
func (s *MemoryStore) ListUsage(_ context.Context, q UsageQuery) ([]ledger.Entry, error) {
	q = q.normalized()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Entry, 0)
	skipped := 0
	for i := len(s.usage) - 1; i >= 0 && len(out) < q.Limit; i-- {
		e := s.usage[i]
		if q.CredentialID != "" && e.CredentialID != q.CredentialID {
			continue
		}
		if q.ProviderID != "" && e.ProviderID != q.ProviderID {
			continue
		}
		if q.ServiceType != "" && e.ServiceType != q.ServiceType {
			continue
		}
		if q.Since != nil && e.CreatedAt.Before(*q.Since) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		if c, ok := s.credentials[e.CredentialID]; ok {
			e.CredentialName = c.Name
		}
		if p, ok := s.providers[e.ProviderID]; ok {
			e.ProviderName = p.Name
		}
		out = append(out, e)
	}
	return out, nil
}

// UsageTotals aggregates the usage log.
func (s *MemoryStore) UsageTotals(_ context.Context) (UsageTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := UsageTotals{Cost: decimal.Zero}
	for _, e := range s.usage {
		t.Requests++
		t.Units += e.Units
		t.Cost = t.Cost.Add(e.Cost)
		switch e.ServiceType {
		case providers.CapabilityChat:
			t.ChatRequests++
		case providers.CapabilityImage:
			t.ImageRequests++
		}
	}
	t.Cost = t.Cost.Round(8)
	return t, nil
}
