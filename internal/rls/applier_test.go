package rls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"billingcore/pkg/domain"
)

type recordingConn struct {
	statements []string
	args       [][]any
	failOn     string
}

func (c *recordingConn) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	if c.failOn != "" && strings.Contains(query, c.failOn) {
		return nil, errors.New("exec rejected")
	}
	c.statements = append(c.statements, query)
	c.args = append(c.args, args)
	return nil, nil
}

func merchantClaim(org string, livemode bool) domain.JWTClaim {
	return domain.JWTClaim{
		Sub:            "user_1",
		OrganizationID: org,
		Role:           string(domain.RoleMerchant),
		Livemode:       livemode,
		UserMetadata:   domain.UserMetadata{ID: "user_1"},
		AppMetadata:    domain.AppMetadata{Provider: domain.ProviderWebapp},
	}
}

func TestSQLApplierAppliesInOrder(t *testing.T) {
	conn := &recordingConn{}
	if err := (SQLApplier{}).Apply(context.Background(), conn, merchantClaim("org_1", true)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, want := len(conn.statements), 4; got != want {
		t.Fatalf("statement count = %d, want %d", got, want)
	}
	// Stale claims must be cleared before the new claim lands.
	if !strings.Contains(conn.statements[0], "set_config('request.jwt.claims', ''") {
		t.Fatalf("first statement should clear claims, got %q", conn.statements[0])
	}
	if !strings.Contains(conn.statements[1], "request.jwt.claims") {
		t.Fatalf("second statement should set claims, got %q", conn.statements[1])
	}
	var claim domain.JWTClaim
	if err := json.Unmarshal([]byte(conn.args[1][0].(string)), &claim); err != nil {
		t.Fatalf("claims payload not JSON: %v", err)
	}
	if claim.Sub != claim.UserMetadata.ID {
		t.Fatalf("sub %q diverges from user_metadata.id %q", claim.Sub, claim.UserMetadata.ID)
	}
	if !strings.Contains(conn.statements[2], "app.livemode") {
		t.Fatalf("third statement should set livemode, got %q", conn.statements[2])
	}
	if got := conn.args[2][0]; got != "on" {
		t.Fatalf("livemode marker = %v, want on", got)
	}
	if conn.statements[3] != "SET LOCAL ROLE authenticated" {
		t.Fatalf("role statement = %q", conn.statements[3])
	}
}

func TestSQLApplierAdminRole(t *testing.T) {
	conn := &recordingConn{}
	claim := domain.JWTClaim{Role: string(domain.RoleAdmin), Livemode: true}
	if err := (SQLApplier{}).Apply(context.Background(), conn, claim); err != nil {
		t.Fatalf("apply: %v", err)
	}
	last := conn.statements[len(conn.statements)-1]
	if last != "SET LOCAL ROLE billing_admin" {
		t.Fatalf("role statement = %q", last)
	}
}

func TestSQLApplierRejectsUnknownRole(t *testing.T) {
	conn := &recordingConn{}
	err := (SQLApplier{}).Apply(context.Background(), conn, domain.JWTClaim{Role: "superuser"})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
	if len(conn.statements) != 0 {
		t.Fatalf("no statement may execute with a partially-applied context, got %d", len(conn.statements))
	}
}

func TestSQLApplierPropagatesExecFailure(t *testing.T) {
	conn := &recordingConn{failOn: "app.livemode"}
	err := (SQLApplier{}).Apply(context.Background(), conn, merchantClaim("org_1", false))
	if err == nil {
		t.Fatal("expected livemode exec failure to propagate")
	}
}

func TestSQLApplierReset(t *testing.T) {
	conn := &recordingConn{}
	if err := (SQLApplier{}).Reset(context.Background(), conn); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got, want := conn.statements[0], "RESET ROLE"; got != want {
		t.Fatalf("reset statement = %q, want %q", got, want)
	}
}

func TestNopValidatesRole(t *testing.T) {
	if err := (Nop{}).Apply(context.Background(), nil, merchantClaim("org", true)); err != nil {
		t.Fatalf("nop apply: %v", err)
	}
	if err := (Nop{}).Apply(context.Background(), nil, domain.JWTClaim{Role: "nope"}); err == nil {
		t.Fatal("nop should still reject unknown roles")
	}
}
