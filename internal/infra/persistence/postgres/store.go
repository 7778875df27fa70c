// Package postgres implements the identity and effect stores on Postgres.
// Postgres is the only backend with row-level security, so the engine pairs
// this store with the SQL session-context applier.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"billingcore/pkg/domain"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/billingcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		external_auth_id TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL,
		focused BOOLEAN NOT NULL DEFAULT FALSE,
		deactivated_at TIMESTAMPTZ,
		livemode BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		organization_id TEXT NOT NULL,
		user_ref TEXT NOT NULL,
		environment TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		livemode BOOLEAN NOT NULL DEFAULT FALSE,
		archived BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS billing_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		livemode BOOLEAN NOT NULL DEFAULT FALSE,
		payload JSONB,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_commands (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		livemode BOOLEAN NOT NULL DEFAULT FALSE,
		amount_cents BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		payload JSONB
	)`,
}

// Store persists identity records and effects in Postgres.
type Store struct {
	db *sql.DB
}

var (
	_ domain.IdentityStore = (*Store)(nil)
	_ domain.EffectStore   = (*Store)(nil)
)

// NewStore opens a connection using the provided DSN (falling back to the
// default), verifies it with a ping, and applies the schema.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for integration hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// WithTransaction begins a transaction, commits when fn returns nil, and
// rolls back when fn errors or panics. The session-context applier issues
// SET LOCAL statements on the handle passed to fn, so role and claims expire
// with the transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(db domain.DBTX) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// InsertEvents appends events on the supplied transaction handle.
func (s *Store) InsertEvents(ctx context.Context, db domain.DBTX, events []domain.EventInsert) error {
	for _, ev := range events {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO billing_events (id, type, organization_id, livemode, payload, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, ev.Type, ev.OrganizationID, ev.Livemode, []byte(ev.Payload), ev.OccurredAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// InsertLedgerCommands appends ledger commands on the supplied transaction
// handle.
func (s *Store) InsertLedgerCommands(ctx context.Context, db domain.DBTX, commands []domain.LedgerCommand) error {
	for _, cmd := range commands {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO ledger_commands (id, type, organization_id, subject_id, livemode, amount_cents, currency, payload) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			cmd.ID, cmd.Type, cmd.OrganizationID, cmd.SubjectID, cmd.Livemode, cmd.AmountCents, cmd.Currency, []byte(cmd.Payload),
		); err != nil {
			return fmt.Errorf("insert ledger command %s: %w", cmd.ID, err)
		}
	}
	return nil
}

// MembershipsByUser returns the user's memberships ordered by id.
func (s *Store) MembershipsByUser(ctx context.Context, db domain.DBTX, userID string) ([]domain.Membership, error) {
	rows, err := s.querier(db).QueryContext(ctx,
		`SELECT id, user_id, external_auth_id, organization_id, focused, deactivated_at, livemode FROM memberships WHERE user_id = $1 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select memberships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return out, nil
}

// MembershipByOrganizationAndUserRef matches ref against the internal user id
// or external auth id within one organization.
func (s *Store) MembershipByOrganizationAndUserRef(ctx context.Context, db domain.DBTX, organizationID, ref string) (domain.Membership, error) {
	rows, err := s.querier(db).QueryContext(ctx,
		`SELECT id, user_id, external_auth_id, organization_id, focused, deactivated_at, livemode FROM memberships
		 WHERE organization_id = $1 AND (user_id = $2 OR (external_auth_id <> '' AND external_auth_id = $2)) ORDER BY id LIMIT 1`,
		organizationID, ref,
	)
	if err != nil {
		return domain.Membership{}, fmt.Errorf("select membership: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Membership{}, fmt.Errorf("iterate membership: %w", err)
		}
		return domain.Membership{}, domain.NotFoundError{Resource: "Membership"}
	}
	return scanMembership(rows)
}

// APIKeyByToken returns the key record for a secret token.
func (s *Store) APIKeyByToken(ctx context.Context, db domain.DBTX, token string) (domain.APIKey, error) {
	var key domain.APIKey
	err := s.querier(db).QueryRowContext(ctx,
		`SELECT id, token, organization_id, user_ref, environment FROM api_keys WHERE token = $1`,
		token,
	).Scan(&key.ID, &key.Token, &key.OrganizationID, &key.UserRef, &key.Environment)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, domain.NotFoundError{Resource: "APIKey"}
	}
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("select api key: %w", err)
	}
	return key, nil
}

// CustomerByUser returns the livemode-consistent customer record, if any.
func (s *Store) CustomerByUser(ctx context.Context, db domain.DBTX, organizationID, userID string, livemode bool) (domain.Customer, error) {
	var c domain.Customer
	err := s.querier(db).QueryRowContext(ctx,
		`SELECT id, user_id, organization_id, livemode, archived FROM customers WHERE organization_id = $1 AND user_id = $2 AND livemode = $3`,
		organizationID, userID, livemode,
	).Scan(&c.ID, &c.UserID, &c.OrganizationID, &c.Livemode, &c.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, domain.NotFoundError{Resource: "Customer"}
	}
	if err != nil {
		return domain.Customer{}, fmt.Errorf("select customer: %w", err)
	}
	return c, nil
}

// querier prefers the transaction handle and falls back to the pool for
// lookups outside a transaction.
func (s *Store) querier(db domain.DBTX) domain.DBTX {
	if db != nil {
		return db
	}
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (domain.Membership, error) {
	var m domain.Membership
	var deactivated sql.NullTime
	if err := row.Scan(&m.ID, &m.UserID, &m.ExternalAuthID, &m.OrganizationID, &m.Focused, &deactivated, &m.Livemode); err != nil {
		return domain.Membership{}, fmt.Errorf("scan membership: %w", err)
	}
	if deactivated.Valid {
		t := deactivated.Time
		m.DeactivatedAt = &t
	}
	return m, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
