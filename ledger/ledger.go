// Package ledger tracks issued access credentials and their quota counters,
// enforces the pre-call quota gate, and records billed calls in the usage
// log. A credential's quota_used only moves through Store.CommitUsage, which
// applies the increment and the log append as one transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/providers"
)

// DefaultQuotaLimit is assigned to credentials created without a limit.
const DefaultQuotaLimit int64 = 1_000_000

// Credential is an issued access key with its quota counters.
type Credential struct {
	ID           string           `json:"id"`
	Key          string           `json:"key"`
	Name         string           `json:"name"`
	Owner        string           `json:"owner,omitempty"`
	QuotaLimit   int64            `json:"quota_limit"`
	QuotaUsed    int64            `json:"quota_used"`
	RequestCount int64            `json:"request_count"`
	Status       providers.Status `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty"`
}

// Exhausted reports whether the credential has reached its limit.
func (c Credential) Exhausted() bool { return c.QuotaUsed >= c.QuotaLimit }

// Remaining returns the units left before the gate closes (never negative).
func (c Credential) Remaining() int64 {
	if c.Exhausted() {
		return 0
	}
	return c.QuotaLimit - c.QuotaUsed
}

// Masked returns a copy safe for listings.
func (c Credential) Masked() Credential {
	if len(c.Key) > 8 {
		c.Key = c.Key[:8] + "..."
	}
	return c
}

// Entry is one immutable usage log record.
type Entry struct {
	ID           int64                `json:"id"`
	CredentialID string               `json:"credential_id"`
	ProviderID   string               `json:"provider_id"`
	ServiceType  providers.Capability `json:"service_type"`
	Units        int64                `json:"units"`
	Cost         decimal.Decimal      `json:"cost"`
	CreatedAt    time.Time            `json:"created_at"`

	// Populated by listings that join credential and provider rows.
	CredentialName string `json:"credential_name,omitempty"`
	ProviderName   string `json:"provider_name,omitempty"`
}

// CredentialPatch holds the administratively mutable credential fields; nil
// fields are left unchanged. Counters are deliberately absent.
type CredentialPatch struct {
	Name       *string
	Owner      *string
	QuotaLimit *int64
	Status     *providers.Status
}

// Store is the storage the ledger needs.
type Store interface {
	CredentialByKey(ctx context.Context, key string) (*Credential, error)
	// CommitUsage atomically increments the credential's counters by
	// e.Units and appends e to the usage log, returning the stored entry.
	CommitUsage(ctx context.Context, e Entry) (Entry, error)
}

// Ledger gates and records credential usage.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a Ledger backed by store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Authorize resolves key and applies the quota gate. It reads the committed
// counters on every call.
func (l *Ledger) Authorize(ctx context.Context, key string) (*Credential, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: API key required", apierr.ErrUnauthorized)
	}
	c, err := l.store.CredentialByKey(ctx, key)
	if errors.Is(err, apierr.ErrNotFound) {
		return nil, fmt.Errorf("%w: invalid API key", apierr.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	if c.Status != providers.StatusActive {
		return nil, fmt.Errorf("%w: API key is inactive", apierr.ErrUnauthorized)
	}
	if c.Exhausted() {
		return nil, fmt.Errorf("%w: used %d of %d units", apierr.ErrQuotaExceeded, c.QuotaUsed, c.QuotaLimit)
	}
	return c, nil
}

// Charge is the metered outcome of one upstream call.
type Charge struct {
	CredentialID string
	ProviderID   string
	ServiceType  providers.Capability
	Units        int64
	Cost         decimal.Decimal
}

// Record commits c. Any storage failure is reported as
// apierr.ErrTransactionFailure; nothing is applied in that case.
func (l *Ledger) Record(ctx context.Context, c Charge) (Entry, error) {
	if c.Units < 0 {
		return Entry{}, fmt.Errorf("negative units %d", c.Units)
	}
	e, err := l.store.CommitUsage(ctx, Entry{
		CredentialID: c.CredentialID,
		ProviderID:   c.ProviderID,
		ServiceType:  c.ServiceType,
		Units:        c.Units,
		Cost:         c.Cost,
		CreatedAt:    l.now(),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", apierr.ErrTransactionFailure, err)
	}
	return e, nil
}
