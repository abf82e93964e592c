// Package store persists providers, the model catalog, credentials, and the
// usage log. SQLStore (SQLite or Postgres) is the production implementation;
// MemoryStore backs tests and the "memory" database driver.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ferro-labs/keygate/ledger"
	"github.com/ferro-labs/keygate/models"
	"github.com/ferro-labs/keygate/providers"
)

// Store is the full repository surface used by the server and admin API.
// Components that need less accept a narrower interface.
type Store interface {
	providers.Source
	CreateProvider(ctx context.Context, p providers.Provider) (*providers.Provider, error)
	UpdateProvider(ctx context.Context, id string, patch providers.Patch) (*providers.Provider, error)
	DeleteProvider(ctx context.Context, id string) error

	ListModels(ctx context.Context, f models.Filter) ([]models.Model, error)
	GetModel(ctx context.Context, id string) (*models.Model, error)
	ApplyReconciliation(ctx context.Context, plan models.Plan) ([]models.Model, error)
	SetModelStatus(ctx context.Context, id string, status providers.Status) (*models.Model, error)
	DeleteModel(ctx context.Context, id string) error

	CreateCredential(ctx context.Context, c ledger.Credential) (*ledger.Credential, error)
	GetCredential(ctx context.Context, id string) (*ledger.Credential, error)
	CredentialByKey(ctx context.Context, key string) (*ledger.Credential, error)
	ListCredentials(ctx context.Context) ([]ledger.Credential, error)
	UpdateCredential(ctx context.Context, id string, patch ledger.CredentialPatch) (*ledger.Credential, error)
	RotateCredential(ctx context.Context, id string) (*ledger.Credential, error)
	DeleteCredential(ctx context.Context, id string) error

	CommitUsage(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	ListUsage(ctx context.Context, q UsageQuery) ([]ledger.Entry, error)
	UsageTotals(ctx context.Context) (UsageTotals, error)

	Close() error
}

// Open opens the backend named by driver: "sqlite" (the default), "postgres"
// or "memory". For sqlite dsn is a file path; for postgres a connection URL.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Usage listing bounds.
const (
	DefaultUsageLimit = 50
	MaxUsageLimit     = 500
)

// UsageQuery filters a usage log listing. Results are newest first.
type UsageQuery struct {
	CredentialID string
	ProviderID   string
	ServiceType  providers.Capability
	Since        *time.Time
	Limit        int
	Offset       int
}

func (q UsageQuery) normalized() UsageQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultUsageLimit
	}
	if q.Limit > MaxUsageLimit {
		q.Limit = MaxUsageLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// UsageTotals aggregates the whole usage log.
type UsageTotals struct {
	Requests      int64           `json:"requests"`
	Units         int64           `json:"units"`
	Cost          decimal.Decimal `json:"cost"`
	ChatRequests  int64           `json:"chat_requests"`
	ImageRequests int64           `json:"image_requests"`
}

// AverageCost returns the mean cost per request, rounded to 6 places.
func (t UsageTotals) AverageCost() decimal.Decimal {
	if t.Requests == 0 {
		return decimal.Zero
	}
	return t.Cost.Div(decimal.NewFromInt(t.Requests)).Round(6)
}
