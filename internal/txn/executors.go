package txn

import (
	"context"

	"github.com/google/uuid"

	"billingcore/internal/identity"
	"billingcore/pkg/domain"
)

// Span names recorded per executor.
const (
	spanAdmin    = "admin.transaction"
	spanMerchant = "merchant.transaction"
	spanCustomer = "customer.transaction"
)

// AdminOptions configures an administrative transaction.
type AdminOptions struct {
	// Livemode selects the mode partition; nil defaults to live. Admin
	// transactions carry full privilege and must only be reachable behind an
	// explicit admin-trust boundary.
	Livemode *bool
}

// MerchantCredential identifies a merchant caller by exactly one of a webapp
// session or a secret API key.
type MerchantCredential struct {
	SessionUserID string
	APIKeyToken   string
}

// CustomerCredential identifies a billing-portal caller: the user, the
// organization whose portal they entered, and the requested mode partition.
type CustomerCredential struct {
	UserID         string
	OrganizationID string
	Livemode       bool
}

// RunAdmin executes fn with administrative privilege and no identity lookup.
// Result-returning surface: callback failures land in the outcome; the error
// slot carries only infrastructure faults.
func RunAdmin[T any](ctx context.Context, e *Engine, opts AdminOptions, fn Callback[T]) (Outcome[T], error) {
	livemode := true
	if opts.Livemode != nil {
		livemode = *opts.Livemode
	}
	resolve := func(context.Context, domain.DBTX) (identity.Resolution, domain.Role, error) {
		return identity.Resolution{
			Livemode: livemode,
			Claim: domain.JWTClaim{
				Role:      string(domain.RoleAdmin),
				SessionID: uuid.NewString(),
				Issuer:    "billingcore",
				Livemode:  livemode,
			},
		}, domain.RoleAdmin, nil
	}
	return run(ctx, e, spanAdmin, resolve, fn)
}

// Admin is the unwrapping surface over RunAdmin: it returns the bare value on
// success and the original callback error on failure.
func Admin[T any](ctx context.Context, e *Engine, opts AdminOptions, fn Callback[T]) (T, error) {
	outcome, err := RunAdmin(ctx, e, opts, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return outcome.Unwrap()
}

// RunMerchant executes fn under a merchant identity resolved from the
// credential. Fails with an authentication error when no identity can be
// resolved.
func RunMerchant[T any](ctx context.Context, e *Engine, cred MerchantCredential, fn Callback[T]) (Outcome[T], error) {
	resolve := func(ctx context.Context, db domain.DBTX) (identity.Resolution, domain.Role, error) {
		switch {
		case e.resolver == nil:
			return identity.Resolution{}, domain.RoleMerchant, domain.AuthenticationError{Reason: "no identity resolver configured"}
		case cred.APIKeyToken != "":
			res, err := e.resolver.ResolveAPIKey(ctx, db, cred.APIKeyToken)
			return res, domain.RoleMerchant, err
		case cred.SessionUserID != "":
			res, err := e.resolver.ResolveWebappSession(ctx, db, cred.SessionUserID)
			return res, domain.RoleMerchant, err
		default:
			return identity.Resolution{}, domain.RoleMerchant, domain.AuthenticationError{Reason: "no credential supplied"}
		}
	}
	return run(ctx, e, spanMerchant, resolve, fn)
}

// Merchant is the unwrapping surface over RunMerchant.
func Merchant[T any](ctx context.Context, e *Engine, cred MerchantCredential, fn Callback[T]) (T, error) {
	outcome, err := RunMerchant(ctx, e, cred, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return outcome.Unwrap()
}

// RunCustomer executes fn under a customer identity scoped to one customer
// record, rejecting callers without an active, livemode-matching customer.
func RunCustomer[T any](ctx context.Context, e *Engine, cred CustomerCredential, fn Callback[T]) (Outcome[T], error) {
	resolve := func(ctx context.Context, db domain.DBTX) (identity.Resolution, domain.Role, error) {
		if e.resolver == nil {
			return identity.Resolution{}, domain.RoleCustomer, domain.AuthenticationError{Reason: "no identity resolver configured"}
		}
		if cred.UserID == "" || cred.OrganizationID == "" {
			return identity.Resolution{}, domain.RoleCustomer, domain.AuthenticationError{Reason: "no credential supplied"}
		}
		res, err := e.resolver.ResolveCustomerPortal(ctx, db, cred.OrganizationID, cred.UserID, cred.Livemode)
		return res, domain.RoleCustomer, err
	}
	return run(ctx, e, spanCustomer, resolve, fn)
}

// Customer is the unwrapping surface over RunCustomer.
func Customer[T any](ctx context.Context, e *Engine, cred CustomerCredential, fn Callback[T]) (T, error) {
	outcome, err := RunCustomer(ctx, e, cred, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return outcome.Unwrap()
}
