// Package rls establishes row-level-security context on a database
// transaction. Claims, role, and livemode markers are set through
// transaction-local configuration so row policies on subsequent queries see
// the caller's identity, and are reset before the transaction ends.
package rls

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"billingcore/pkg/domain"
)

// Conn is the statement-execution surface the applier needs. *sql.Tx
// satisfies it.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Applier sets and clears security context on a transaction. Backends without
// row policies (sqlite, memory) use Nop.
type Applier interface {
	// Apply establishes the claim on the transaction. Must run before any
	// business query; a failure aborts the transaction.
	Apply(ctx context.Context, conn Conn, claim domain.JWTClaim) error
	// Reset returns the role marker to the session default. Required even
	// though commit/rollback discards transaction-local settings: pooled
	// connections and savepoint nesting must never observe a leftover role.
	Reset(ctx context.Context, conn Conn) error
}

// SQL role names per privilege tier. Fixed identifiers, never derived from
// input, so they are safe to interpolate into SET LOCAL ROLE.
const (
	sqlRoleAdmin         = "billing_admin"
	sqlRoleAuthenticated = "authenticated"
)

func sqlRoleFor(role string) (string, error) {
	switch domain.Role(role) {
	case domain.RoleAdmin:
		return sqlRoleAdmin, nil
	case domain.RoleMerchant, domain.RoleCustomer:
		return sqlRoleAuthenticated, nil
	}
	return "", fmt.Errorf("no database role for claim role %q", role)
}

// SQLApplier speaks the postgres configuration channel: claims under
// request.jwt.claims, livemode under app.livemode, role via SET LOCAL ROLE.
type SQLApplier struct{}

var _ Applier = SQLApplier{}

// Apply clears any stale claim left by a pooled connection, then installs the
// new claim, livemode marker, and role, in that order. Nothing may query the
// transaction between a failure here and rollback.
func (SQLApplier) Apply(ctx context.Context, conn Conn, claim domain.JWTClaim) error {
	roleName, err := sqlRoleFor(claim.Role)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT set_config('request.jwt.claims', '', true)`); err != nil {
		return fmt.Errorf("clear claims: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT set_config('request.jwt.claims', $1, true)`, string(payload)); err != nil {
		return fmt.Errorf("set claims: %w", err)
	}
	livemode := "off"
	if claim.Livemode {
		livemode = "on"
	}
	if _, err := conn.ExecContext(ctx, `SELECT set_config('app.livemode', $1, true)`, livemode); err != nil {
		return fmt.Errorf("set livemode: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SET LOCAL ROLE "+roleName); err != nil {
		return fmt.Errorf("set role %s: %w", roleName, err)
	}
	return nil
}

// Reset restores the session-default role.
func (SQLApplier) Reset(ctx context.Context, conn Conn) error {
	if _, err := conn.ExecContext(ctx, "RESET ROLE"); err != nil {
		return fmt.Errorf("reset role: %w", err)
	}
	return nil
}

// Nop applies no context. Used with backends that have no row policies, where
// scoping is the caller's responsibility.
type Nop struct{}

var _ Applier = Nop{}

// Apply validates the claim role and otherwise does nothing.
func (Nop) Apply(_ context.Context, _ Conn, claim domain.JWTClaim) error {
	_, err := sqlRoleFor(claim.Role)
	return err
}

// Reset does nothing.
func (Nop) Reset(context.Context, Conn) error { return nil }
