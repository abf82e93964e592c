package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/ledger"
	"github.com/ferro-labs/keygate/models"
	"github.com/ferro-labs/keygate/providers"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// deactivateChunk bounds the IN list of one deactivation statement.
const deactivateChunk = 500

// SQLStore persists gateway state in SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStore creates a SQLite-backed store.
// dsn can be a file path (e.g. /tmp/keygate.db) or SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "keygate.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	store := &SQLStore{db: db, dialect: dialectSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	capability TEXT NOT NULL,
	base_endpoint TEXT NOT NULL,
	credential_secret TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_providers_routing ON providers(capability, status, priority);
CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	upstream_model_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	context_size INTEGER NULL,
	status TEXT NOT NULL,
	last_synced TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE(provider_id, upstream_model_id)
);
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	key TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	quota_limit BIGINT NOT NULL,
	quota_used BIGINT NOT NULL DEFAULT 0,
	request_count BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ NULL
);
CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	credential_id TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	service_type TEXT NOT NULL,
	units BIGINT NOT NULL,
	cost NUMERIC(20, 8) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_credential ON usage_logs(credential_id);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	capability TEXT NOT NULL,
	base_endpoint TEXT NOT NULL,
	credential_secret TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_providers_routing ON providers(capability, status, priority);
CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	upstream_model_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	context_size INTEGER NULL,
	status TEXT NOT NULL,
	last_synced DATETIME NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(provider_id, upstream_model_id)
);
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	key TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	quota_limit INTEGER NOT NULL,
	quota_used INTEGER NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_used_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS usage_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	credential_id TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	service_type TEXT NOT NULL,
	units INTEGER NOT NULL,
	cost TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_credential ON usage_logs(credential_id);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

// --- providers ---

const providerColumns = `id, name, capability, base_endpoint, credential_secret, priority, status, created_at`

// CreateProvider inserts p, assigning an id and creation time when unset.
func (s *SQLStore) CreateProvider(ctx context.Context, p providers.Provider) (*providers.Provider, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = providers.StatusActive
	}
	q := s.bind(`INSERT INTO providers(` + providerColumns + `) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, p.ID, p.Name, string(p.Capability), p.BaseEndpoint, p.CredentialSecret, p.Priority, string(p.Status), p.CreatedAt); err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	return &p, nil
}

// GetProvider returns the provider with the given id.
func (s *SQLStore) GetProvider(ctx context.Context, id string) (*providers.Provider, error) {
	q := s.bind(`SELECT ` + providerColumns + ` FROM providers WHERE id = ?`)
	p, err := scanProvider(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", id, apierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

// ListProviders returns providers matching f, highest priority first.
func (s *SQLStore) ListProviders(ctx context.Context, f providers.Filter) ([]providers.Provider, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Capability != "" {
		where = append(where, "capability = ?")
		args = append(args, string(f.Capability))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + providerColumns + ` FROM providers` + whereClause(where) + ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, s.bind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]providers.Provider, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateProvider applies the non-nil fields of patch.
func (s *SQLStore) UpdateProvider(ctx context.Context, id string, patch providers.Patch) (*providers.Provider, error) {
	var (
		sets []string
		args []interface{}
	)
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.BaseEndpoint != nil {
		sets = append(sets, "base_endpoint = ?")
		args = append(args, *patch.BaseEndpoint)
	}
	if patch.CredentialSecret != nil {
		sets = append(sets, "credential_secret = ?")
		args = append(args, *patch.CredentialSecret)
	}
	if patch.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *patch.Priority)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if len(sets) > 0 {
		args = append(args, id)
		q := s.bind(`UPDATE providers SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("update provider: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil, fmt.Errorf("provider %s: %w", id, apierr.ErrNotFound)
		}
	}
	return s.GetProvider(ctx, id)
}

// DeleteProvider removes a provider and its catalog rows. Usage log entries
// referencing it are kept.
func (s *SQLStore) DeleteProvider(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.bind(`DELETE FROM providers WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete provider: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("provider %s: %w", id, apierr.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM models WHERE provider_id = ?`), id); err != nil {
			return fmt.Errorf("delete provider models: %w", err)
		}
		return nil
	})
}

func scanProvider(scanner interface {
	Scan(dest ...interface{}) error
}) (*providers.Provider, error) {
	var (
		p          providers.Provider
		capability string
		status     string
	)
	if err := scanner.Scan(&p.ID, &p.Name, &capability, &p.BaseEndpoint, &p.CredentialSecret, &p.Priority, &status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Capability = providers.Capability(capability)
	p.Status = providers.Status(status)
	return &p, nil
}

// --- models ---

const modelSelect = `
SELECT m.id, m.provider_id, m.upstream_model_id, m.display_name, m.type, m.description,
	m.context_size, m.status, m.last_synced, m.created_at, p.name, p.priority
FROM models m
LEFT JOIN providers p ON p.id = m.provider_id`

// ListModels returns catalog rows matching f, ordered by provider priority
// then display name.
func (s *SQLStore) ListModels(ctx context.Context, f models.Filter) ([]models.Model, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ProviderID != "" {
		where = append(where, "m.provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if f.Type != "" {
		where = append(where, "m.type = ?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		where = append(where, "m.status = ?")
		args = append(args, string(f.Status))
	}
	if f.ProviderStatus != "" {
		where = append(where, "p.status = ?")
		args = append(args, string(f.ProviderStatus))
	}
	q := modelSelect + whereClause(where) + ` ORDER BY p.priority DESC, m.display_name ASC`
	return s.queryModels(ctx, s.db, q, args...)
}

// GetModel returns one catalog row by id.
func (s *SQLStore) GetModel(ctx context.Context, id string) (*models.Model, error) {
	ms, err := s.queryModels(ctx, s.db, modelSelect+` WHERE m.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("model %s: %w", id, apierr.ErrNotFound)
	}
	return &ms[0], nil
}

// ApplyReconciliation upserts plan.Upserts and deactivates plan.Deactivate in
// one transaction, returning the upserted rows as stored.
func (s *SQLStore) ApplyReconciliation(ctx context.Context, plan models.Plan) ([]models.Model, error) {
	upsert := s.bind(`
INSERT INTO models(id, provider_id, upstream_model_id, display_name, type, description, context_size, status, last_synced, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider_id, upstream_model_id) DO UPDATE SET
	display_name = excluded.display_name,
	type = excluded.type,
	description = excluded.description,
	context_size = excluded.context_size,
	status = excluded.status,
	last_synced = excluded.last_synced`)

	out := make([]models.Model, 0)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range plan.Upserts {
			var ctxSize interface{}
			if m.ContextSize != nil {
				ctxSize = *m.ContextSize
			}
			synced := plan.SyncedAt
			if m.LastSynced != nil {
				synced = *m.LastSynced
			}
			if _, err := tx.ExecContext(ctx, upsert,
				uuid.NewString(), plan.ProviderID, m.UpstreamModelID, m.DisplayName, string(m.Type),
				m.Description, ctxSize, string(providers.StatusActive), synced, plan.SyncedAt,
			); err != nil {
				return fmt.Errorf("upsert model %s: %w", m.UpstreamModelID, err)
			}
		}

		for start := 0; start < len(plan.Deactivate); start += deactivateChunk {
			end := min(start+deactivateChunk, len(plan.Deactivate))
			ids := plan.Deactivate[start:end]
			args := make([]interface{}, 0, len(ids)+3)
			args = append(args, string(providers.StatusInactive), plan.ProviderID, string(providers.StatusActive))
			for _, id := range ids {
				args = append(args, id)
			}
			q := s.bind(`UPDATE models SET status = ? WHERE provider_id = ? AND status = ? AND upstream_model_id IN (` + placeholders(len(ids)) + `)`)
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("deactivate models: %w", err)
			}
		}

		if len(plan.Upserts) == 0 {
			return nil
		}
		stored, err := s.queryModels(ctx, tx, modelSelect+` WHERE m.provider_id = ?`, plan.ProviderID)
		if err != nil {
			return err
		}
		byUpstream := make(map[string]models.Model, len(stored))
		for _, m := range stored {
			byUpstream[m.UpstreamModelID] = m
		}
		out = make([]models.Model, 0, len(plan.Upserts))
		for _, m := range plan.Upserts {
			if row, ok := byUpstream[m.UpstreamModelID]; ok {
				out = append(out, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetModelStatus changes one model's status.
func (s *SQLStore) SetModelStatus(ctx context.Context, id string, status providers.Status) (*models.Model, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE models SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return nil, fmt.Errorf("set model status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("model %s: %w", id, apierr.ErrNotFound)
	}
	return s.GetModel(ctx, id)
}

// DeleteModel removes one catalog row.
func (s *SQLStore) DeleteModel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM models WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("model %s: %w", id, apierr.ErrNotFound)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLStore) queryModels(ctx context.Context, db queryer, query string, args ...interface{}) ([]models.Model, error) {
	rows, err := db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.Model, 0)
	for rows.Next() {
		var (
			m        models.Model
			typ      string
			status   string
			ctxSize  sql.NullInt64
			synced   sql.NullTime
			provName sql.NullString
			provPrio sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.UpstreamModelID, &m.DisplayName, &typ, &m.Description,
			&ctxSize, &status, &synced, &m.CreatedAt, &provName, &provPrio); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m.Type = models.Type(typ)
		m.Status = providers.Status(status)
		if ctxSize.Valid {
			n := int(ctxSize.Int64)
			m.ContextSize = &n
		}
		if synced.Valid {
			t := synced.Time
			m.LastSynced = &t
		}
		m.ProviderName = provName.String
		m.ProviderPriority = int(provPrio.Int64)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- credentials ---

const credentialColumns = `id, key, name, owner, quota_limit, quota_used, request_count, status, created_at, last_used_at`

// CreateCredential inserts c, generating its id and key when unset.
func (s *SQLStore) CreateCredential(ctx context.Context, c ledger.Credential) (*ledger.Credential, error) {
	if err := prepareCredential(&c); err != nil {
		return nil, err
	}
	q := s.bind(`INSERT INTO credentials(` + credentialColumns + `) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`)
	if _, err := s.db.ExecContext(ctx, q, c.ID, c.Key, c.Name, c.Owner, c.QuotaLimit, c.QuotaUsed, c.RequestCount, string(c.Status), c.CreatedAt); err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	return &c, nil
}

// GetCredential returns a credential by id.
func (s *SQLStore) GetCredential(ctx context.Context, id string) (*ledger.Credential, error) {
	return s.credentialWhere(ctx, "id", id)
}

// CredentialByKey returns the credential holding the full key value.
func (s *SQLStore) CredentialByKey(ctx context.Context, key string) (*ledger.Credential, error) {
	return s.credentialWhere(ctx, "key", key)
}

func (s *SQLStore) credentialWhere(ctx context.Context, column, value string) (*ledger.Credential, error) {
	q := s.bind(`SELECT ` + credentialColumns + ` FROM credentials WHERE ` + column + ` = ?`)
	c, err := scanCredential(s.db.QueryRowContext(ctx, q, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential: %w", apierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns every credential, oldest first. Keys are not masked
// here; callers mask for display.
func (s *SQLStore) ListCredentials(ctx context.Context) ([]ledger.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]ledger.Credential, 0)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCredential applies the non-nil fields of patch.
func (s *SQLStore) UpdateCredential(ctx context.Context, id string, patch ledger.CredentialPatch) (*ledger.Credential, error) {
	var (
		sets []string
		args []interface{}
	)
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Owner != nil {
		sets = append(sets, "owner = ?")
		args = append(args, *patch.Owner)
	}
	if patch.QuotaLimit != nil {
		sets = append(sets, "quota_limit = ?")
		args = append(args, *patch.QuotaLimit)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if len(sets) > 0 {
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, s.bind(`UPDATE credentials SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
		if err != nil {
			return nil, fmt.Errorf("update credential: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil, fmt.Errorf("credential %s: %w", id, apierr.ErrNotFound)
		}
	}
	return s.GetCredential(ctx, id)
}

// RotateCredential replaces the key value, keeping counters.
func (s *SQLStore) RotateCredential(ctx context.Context, id string) (*ledger.Credential, error) {
	key, err := ledger.GenerateKey()
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE credentials SET key = ? WHERE id = ?`), key, id)
	if err != nil {
		return nil, fmt.Errorf("rotate credential: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("credential %s: %w", id, apierr.ErrNotFound)
	}
	return s.GetCredential(ctx, id)
}

// DeleteCredential removes a credential. Its usage log entries are kept.
func (s *SQLStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM credentials WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("credential %s: %w", id, apierr.ErrNotFound)
	}
	return nil
}

func scanCredential(scanner interface {
	Scan(dest ...interface{}) error
}) (*ledger.Credential, error) {
	var (
		c        ledger.Credential
		status   string
		lastUsed sql.NullTime
	)
	if err := scanner.Scan(&c.ID, &c.Key, &c.Name, &c.Owner, &c.QuotaLimit, &c.QuotaUsed, &c.RequestCount, &status, &c.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	c.Status = providers.Status(status)
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	return &c, nil
}

// --- usage ---

// CommitUsage increments the credential counters and appends e in one
// transaction. The increment is done in SQL so concurrent commits on the same
// credential never lose updates.
func (s *SQLStore) CommitUsage(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.bind(`UPDATE credentials SET quota_used = quota_used + ?, request_count = request_count + 1, last_used_at = ? WHERE id = ?`),
			e.Units, e.CreatedAt, e.CredentialID)
		if err != nil {
			return fmt.Errorf("increment quota: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("credential %s: %w", e.CredentialID, apierr.ErrNotFound)
		}
		row := tx.QueryRowContext(ctx,
			s.bind(`INSERT INTO usage_logs(credential_id, provider_id, service_type, units, cost, created_at) VALUES(?, ?, ?, ?, ?, ?) RETURNING id`),
			e.CredentialID, e.ProviderID, string(e.ServiceType), e.Units, e.Cost.String(), e.CreatedAt)
		if err := row.Scan(&e.ID); err != nil {
			return fmt.Errorf("append usage log: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	return e, nil
}

// ListUsage returns usage log entries matching q, newest first.
func (s *SQLStore) ListUsage(ctx context.Context, q UsageQuery) ([]ledger.Entry, error) {
	q = q.normalized()
	var (
		where []string
		args  []interface{}
	)
	if q.CredentialID != "" {
		where = append(where, "u.credential_id = ?")
		args = append(args, q.CredentialID)
	}
	if q.ProviderID != "" {
		where = append(where, "u.provider_id = ?")
		args = append(args, q.ProviderID)
	}
	if q.ServiceType != "" {
		where = append(where, "u.service_type = ?")
		args = append(args, string(q.ServiceType))
	}
	if q.Since != nil {
		where = append(where, "u.created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	args = append(args, q.Limit, q.Offset)

	query := `
SELECT u.id, u.credential_id, u.provider_id, u.service_type, u.units, u.cost, u.created_at, c.name, p.name
FROM usage_logs u
LEFT JOIN credentials c ON c.id = u.credential_id
LEFT JOIN providers p ON p.id = u.provider_id` + whereClause(where) + `
ORDER BY u.id DESC
LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			e        ledger.Entry
			service  string
			credName sql.NullString
			provName sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.ProviderID, &service, &e.Units, &e.Cost, &e.CreatedAt, &credName, &provName); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		e.ServiceType = providers.Capability(service)
		e.CredentialName = credName.String
		e.ProviderName = provName.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// UsageTotals aggregates the usage log.
func (s *SQLStore) UsageTotals(ctx context.Context) (UsageTotals, error) {
	costSum := "COALESCE(SUM(cost), 0)"
	if s.dialect == dialectSQLite {
		costSum = "COALESCE(SUM(CAST(cost AS REAL)), 0)"
	}
	q := s.bind(`
SELECT COUNT(*),
	COALESCE(SUM(units), 0),
	` + costSum + `,
	COALESCE(SUM(CASE WHEN service_type = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN service_type = ? THEN 1 ELSE 0 END), 0)
FROM usage_logs`)

	var (
		t    UsageTotals
		cost decimal.Decimal
	)
	err := s.db.QueryRowContext(ctx, q, string(providers.CapabilityChat), string(providers.CapabilityImage)).
		Scan(&t.Requests, &t.Units, &cost, &t.ChatRequests, &t.ImageRequests)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("usage totals: %w", err)
	}
	t.Cost = cost.Round(8)
	return t, nil
}

// --- helpers ---

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func prepareCredential(c *ledger.Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Key == "" {
		key, err := ledger.GenerateKey()
		if err != nil {
			return err
		}
		c.Key = key
	}
	if c.QuotaLimit <= 0 {
		c.QuotaLimit = ledger.DefaultQuotaLimit
	}
	if c.Status == "" {
		c.Status = providers.StatusActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return nil
}
