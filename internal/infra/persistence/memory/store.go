// Package memory implements the identity and effect stores in process
// memory. Effects staged during a transaction become visible only on commit,
// mirroring the durable backends' atomicity. Intended for tests and
// ephemeral deployments.
package memory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"

	"billingcore/pkg/domain"
)

// Store holds identity records and committed effects.
type Store struct {
	mu          sync.RWMutex
	memberships []domain.Membership
	apiKeys     map[string]domain.APIKey
	customers   []domain.Customer
	events      []domain.EventInsert
	ledger      []domain.LedgerCommand

	commitHook func()
}

var (
	_ domain.IdentityStore = (*Store)(nil)
	_ domain.EffectStore   = (*Store)(nil)
)

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{apiKeys: make(map[string]domain.APIKey)}
}

// memTx stages effect inserts for one transaction attempt. It satisfies
// domain.DBTX so the engine can thread it as the transaction handle; raw SQL
// is not supported on this backend.
type memTx struct {
	store  *Store
	events []domain.EventInsert
	ledger []domain.LedgerCommand
}

var errNoSQL = errors.New("memory store does not execute SQL")

func (t *memTx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return driver.RowsAffected(0), nil
}

func (t *memTx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errNoSQL
}

func (t *memTx) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

// WithTransaction runs fn against a staging handle and merges the staged
// effects on success. An error from fn, or a cancelled context, discards the
// staging entirely.
func (s *Store) WithTransaction(ctx context.Context, fn func(db domain.DBTX) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.commitHook != nil {
		s.commitHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, tx.events...)
	s.ledger = append(s.ledger, tx.ledger...)
	return nil
}

// SetCommitHook installs fn to run immediately before a commit merges staged
// effects. Test hook for observing commit ordering; returns a restore
// function.
func (s *Store) SetCommitHook(fn func()) func() {
	prev := s.commitHook
	s.commitHook = fn
	return func() { s.commitHook = prev }
}

// Close is a no-op on the memory backend.
func (s *Store) Close() error { return nil }

func (s *Store) ownTx(db domain.DBTX) (*memTx, error) {
	tx, ok := db.(*memTx)
	if !ok || tx.store != s {
		return nil, errors.New("memory store requires its own transaction handle")
	}
	return tx, nil
}

// InsertEvents stages events on the transaction.
func (s *Store) InsertEvents(_ context.Context, db domain.DBTX, events []domain.EventInsert) error {
	tx, err := s.ownTx(db)
	if err != nil {
		return err
	}
	tx.events = append(tx.events, events...)
	return nil
}

// InsertLedgerCommands stages ledger commands on the transaction.
func (s *Store) InsertLedgerCommands(_ context.Context, db domain.DBTX, commands []domain.LedgerCommand) error {
	tx, err := s.ownTx(db)
	if err != nil {
		return err
	}
	tx.ledger = append(tx.ledger, commands...)
	return nil
}

// AddMembership seeds a membership record.
func (s *Store) AddMembership(m domain.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships = append(s.memberships, m)
}

// AddAPIKey seeds an API key record.
func (s *Store) AddAPIKey(k domain.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[k.Token] = k
}

// AddCustomer seeds a customer record.
func (s *Store) AddCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers = append(s.customers, c)
}

// MembershipsByUser returns the user's memberships in insertion order.
func (s *Store) MembershipsByUser(_ context.Context, _ domain.DBTX, userID string) ([]domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

// MembershipByOrganizationAndUserRef matches ref against the internal user id
// or the external auth-provider id within one organization.
func (s *Store) MembershipByOrganizationAndUserRef(_ context.Context, _ domain.DBTX, organizationID, ref string) (domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.memberships {
		if m.OrganizationID == organizationID && (m.UserID == ref || (m.ExternalAuthID != "" && m.ExternalAuthID == ref)) {
			return m, nil
		}
	}
	return domain.Membership{}, domain.NotFoundError{Resource: "Membership"}
}

// APIKeyByToken returns the key record for a secret token.
func (s *Store) APIKeyByToken(_ context.Context, _ domain.DBTX, token string) (domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.apiKeys[token]; ok {
		return key, nil
	}
	return domain.APIKey{}, domain.NotFoundError{Resource: "APIKey"}
}

// CustomerByUser returns the livemode-consistent customer record, if any.
func (s *Store) CustomerByUser(_ context.Context, _ domain.DBTX, organizationID, userID string, livemode bool) (domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.customers {
		if c.OrganizationID == organizationID && c.UserID == userID && c.Livemode == livemode {
			return c, nil
		}
	}
	return domain.Customer{}, domain.NotFoundError{Resource: "Customer"}
}

// Events returns the committed events.
func (s *Store) Events() []domain.EventInsert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.EventInsert(nil), s.events...)
}

// LedgerCommands returns the committed ledger commands.
func (s *Store) LedgerCommands() []domain.LedgerCommand {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.LedgerCommand(nil), s.ledger...)
}
