package domain

import (
	"context"
	"database/sql"
)

// DBTX is the execution surface a transaction handle exposes to business
// logic and stores. *sql.Tx satisfies it; in-memory backends provide stubs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EffectStore persists accumulated effects on the transaction handle the
// business logic used, so effect persistence commits or rolls back with the
// business writes. Inserts are batch-capable and insert-only.
type EffectStore interface {
	InsertEvents(ctx context.Context, db DBTX, events []EventInsert) error
	InsertLedgerCommands(ctx context.Context, db DBTX, commands []LedgerCommand) error
}

// IdentityStore exposes the lookups credential resolution needs. All lookups
// run on the transaction handle of the call being resolved.
type IdentityStore interface {
	// MembershipsByUser returns every membership of the user, in stable order.
	MembershipsByUser(ctx context.Context, db DBTX, userID string) ([]Membership, error)
	// MembershipByOrganizationAndUserRef finds the membership of the given
	// organization whose user matches ref by internal id or external
	// auth-provider id. Returns NotFoundError when absent.
	MembershipByOrganizationAndUserRef(ctx context.Context, db DBTX, organizationID, ref string) (Membership, error)
	// APIKeyByToken returns the key record for a secret token, or
	// NotFoundError.
	APIKeyByToken(ctx context.Context, db DBTX, token string) (APIKey, error)
	// CustomerByUser returns the user's customer record in the organization
	// restricted to the requested livemode. A record in the other livemode is
	// NotFoundError, never coerced.
	CustomerByUser(ctx context.Context, db DBTX, organizationID, userID string, livemode bool) (Customer, error)
}
