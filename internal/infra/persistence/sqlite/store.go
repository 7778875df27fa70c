// Package sqlite implements the identity and effect stores on an embedded
// sqlite database. The backend has no row-level security; scoping is enforced
// by the resolution layer and the engine applies a no-op RLS channel.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

	"billingcore/pkg/domain"
)

const defaultPath = "./billingcore.db"

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		external_auth_id TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL,
		focused INTEGER NOT NULL DEFAULT 0,
		deactivated_at TEXT,
		livemode INTEGER NOT NULL DEFAULT 0
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
		livemode INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS billing_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		livemode INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		occurred_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_commands (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		livemode INTEGER NOT NULL DEFAULT 0,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		payload BLOB
	)`,
}

// Store persists identity records and effects in a sqlite file.
type Store struct {
	db *sql.DB
}

var (
	_ domain.IdentityStore = (*Store)(nil)
	_ domain.EffectStore   = (*Store)(nil)
)

// NewStore opens (creating if needed) the sqlite database at path and applies
// the schema. An empty path falls back to the default file.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The embedded driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)
	ctx := context.Background()
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

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// WithTransaction begins a transaction, commits when fn returns nil, and
// rolls back when fn errors or panics.
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
			`INSERT INTO billing_events (id, type, organization_id, livemode, payload, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.Type, ev.OrganizationID, boolInt(ev.Livemode), []byte(ev.Payload), ev.OccurredAt.UTC().Format(time.RFC3339Nano),
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
			`INSERT INTO ledger_commands (id, type, organization_id, subject_id, livemode, amount_cents, currency, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cmd.ID, cmd.Type, cmd.OrganizationID, cmd.SubjectID, boolInt(cmd.Livemode), cmd.AmountCents, cmd.Currency, []byte(cmd.Payload),
		); err != nil {
			return fmt.Errorf("insert ledger command %s: %w", cmd.ID, err)
		}
	}
	return nil
}

// MembershipsByUser returns the user's memberships ordered by id.
func (s *Store) MembershipsByUser(ctx context.Context, db domain.DBTX, userID string) ([]domain.Membership, error) {
	rows, err := s.querier(db).QueryContext(ctx,
		`SELECT id, user_id, external_auth_id, organization_id, focused, deactivated_at, livemode FROM memberships WHERE user_id = ? ORDER BY id`,
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
		 WHERE organization_id = ? AND (user_id = ? OR (external_auth_id <> '' AND external_auth_id = ?)) ORDER BY id LIMIT 1`,
		organizationID, ref, ref,
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
		`SELECT id, token, organization_id, user_ref, environment FROM api_keys WHERE token = ?`,
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
	var live, archived int
	err := s.querier(db).QueryRowContext(ctx,
		`SELECT id, user_id, organization_id, livemode, archived FROM customers WHERE organization_id = ? AND user_id = ? AND livemode = ?`,
		organizationID, userID, boolInt(livemode),
	).Scan(&c.ID, &c.UserID, &c.OrganizationID, &live, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, domain.NotFoundError{Resource: "Customer"}
	}
	if err != nil {
		return domain.Customer{}, fmt.Errorf("select customer: %w", err)
	}
	c.Livemode = live != 0
	c.Archived = archived != 0
	return c, nil
}

// SeedMembership inserts a membership record outside any engine transaction.
func (s *Store) SeedMembership(ctx context.Context, m domain.Membership) error {
	var deactivated any
	if m.DeactivatedAt != nil {
		deactivated = m.DeactivatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (id, user_id, external_auth_id, organization_id, focused, deactivated_at, livemode) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.ExternalAuthID, m.OrganizationID, boolInt(m.Focused), deactivated, boolInt(m.Livemode),
	)
	if err != nil {
		return fmt.Errorf("seed membership: %w", err)
	}
	return nil
}

// SeedAPIKey inserts an API key record.
func (s *Store) SeedAPIKey(ctx context.Context, k domain.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, token, organization_id, user_ref, environment) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.Token, k.OrganizationID, k.UserRef, k.Environment,
	)
	if err != nil {
		return fmt.Errorf("seed api key: %w", err)
	}
	return nil
}

// SeedCustomer inserts a customer record.
func (s *Store) SeedCustomer(ctx context.Context, c domain.Customer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, user_id, organization_id, livemode, archived) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.OrganizationID, boolInt(c.Livemode), boolInt(c.Archived),
	)
	if err != nil {
		return fmt.Errorf("seed customer: %w", err)
	}
	return nil
}

// CountEvents returns the number of persisted events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM billing_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CountLedgerCommands returns the number of persisted ledger commands.
func (s *Store) CountLedgerCommands(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_commands`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger commands: %w", err)
	}
	return n, nil
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
	var focused, live int
	var deactivated sql.NullString
	if err := row.Scan(&m.ID, &m.UserID, &m.ExternalAuthID, &m.OrganizationID, &focused, &deactivated, &live); err != nil {
		return domain.Membership{}, fmt.Errorf("scan membership: %w", err)
	}
	m.Focused = focused != 0
	m.Livemode = live != 0
	if deactivated.Valid {
		t, err := time.Parse(time.RFC3339Nano, deactivated.String)
		if err != nil {
			return domain.Membership{}, fmt.Errorf("parse deactivated_at: %w", err)
		}
		m.DeactivatedAt = &t
	}
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
