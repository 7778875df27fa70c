// Package identity maps inbound credentials to the security context a
// transaction runs under. Three independent resolution paths - webapp
// session, secret API key, and customer billing portal - feed the same
// row-level-security layer.
package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"billingcore/pkg/domain"
)

// Resolution is the output of one credential resolution: the internal user
// id, the organization scope, the livemode partition, and the claim handed to
// the RLS layer. An empty UserID with a nil error means the caller is
// authenticated but holds no active organization context.
type Resolution struct {
	UserID         string
	OrganizationID string
	CustomerID     string
	Livemode       bool
	Claim          domain.JWTClaim
}

// SecurityContext renders the resolution for the engine.
func (r Resolution) SecurityContext(role domain.Role) domain.SecurityContext {
	return domain.SecurityContext{
		SubjectID:      r.UserID,
		OrganizationID: r.OrganizationID,
		CustomerID:     r.CustomerID,
		Livemode:       r.Livemode,
		Role:           role,
	}
}

// Resolver performs credential resolution against the identity store. All
// lookups run on the transaction handle of the call being resolved.
type Resolver struct {
	store        domain.IdentityStore
	issuer       string
	newSessionID func() string
}

// NewResolver constructs a resolver over the given store.
func NewResolver(store domain.IdentityStore) *Resolver {
	return &Resolver{
		store:        store,
		issuer:       "billingcore",
		newSessionID: uuid.NewString,
	}
}

// claim builds the JWT claim for a resolution. The single constructor keeps
// Sub and UserMetadata.ID in lock-step on every path, and stamps the
// server-computed role and provider markers.
func (r *Resolver) claim(userID, organizationID, role, provider string, livemode bool) domain.JWTClaim {
	return domain.JWTClaim{
		Sub:            userID,
		OrganizationID: organizationID,
		Role:           role,
		SessionID:      r.newSessionID(),
		Issuer:         r.issuer,
		Livemode:       livemode,
		UserMetadata:   domain.UserMetadata{ID: userID},
		AppMetadata:    domain.AppMetadata{Provider: provider},
	}
}

// ResolveWebappSession resolves a merchant webapp session. The organization
// scope comes from the membership that is focused AND not deactivated,
// evaluated as one conjunction: a focused but deactivated membership grants
// nothing. When no membership qualifies the caller gets an empty scope, not
// an error.
func (r *Resolver) ResolveWebappSession(ctx context.Context, db domain.DBTX, userID string) (Resolution, error) {
	memberships, err := r.store.MembershipsByUser(ctx, db, userID)
	if err != nil {
		return Resolution{}, fmt.Errorf("list memberships: %w", err)
	}
	var focused *domain.Membership
	for i := range memberships {
		if memberships[i].Focused && memberships[i].Active() {
			focused = &memberships[i]
			break
		}
	}
	if focused == nil {
		return Resolution{
			Claim: r.claim("", "", string(domain.RoleMerchant), domain.ProviderWebapp, false),
		}, nil
	}
	return Resolution{
		UserID:         userID,
		OrganizationID: focused.OrganizationID,
		Livemode:       focused.Livemode,
		Claim:          r.claim(userID, focused.OrganizationID, string(domain.RoleMerchant), domain.ProviderWebapp, focused.Livemode),
	}, nil
}

// ResolveAPIKey resolves a secret API key to its owning organization and the
// internal user behind the key's user reference, which may be either the
// internal id or an external auth-provider id. Livemode follows the key's
// declared environment. A key with no membership in its organization is a
// NotFoundError, not a fault.
func (r *Resolver) ResolveAPIKey(ctx context.Context, db domain.DBTX, token string) (Resolution, error) {
	key, err := r.store.APIKeyByToken(ctx, db, token)
	if err != nil {
		return Resolution{}, domain.AuthenticationError{Reason: "unknown api key"}
	}
	membership, err := r.store.MembershipByOrganizationAndUserRef(ctx, db, key.OrganizationID, key.UserRef)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve api key membership: %w", err)
	}
	livemode := key.Livemode()
	return Resolution{
		UserID:         membership.UserID,
		OrganizationID: key.OrganizationID,
		Livemode:       livemode,
		Claim:          r.claim(membership.UserID, key.OrganizationID, string(domain.RoleMerchant), domain.ProviderAPIKey, livemode),
	}, nil
}

// ResolveCustomerPortal resolves a user's customer record within one
// organization, restricted to the requested livemode. A customer existing
// only in the other livemode, or an archived one, is not found - never
// silently coerced.
func (r *Resolver) ResolveCustomerPortal(ctx context.Context, db domain.DBTX, organizationID, userID string, livemode bool) (Resolution, error) {
	customer, err := r.store.CustomerByUser(ctx, db, organizationID, userID, livemode)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve customer: %w", err)
	}
	if customer.Archived {
		return Resolution{}, domain.NotFoundError{Resource: "Customer"}
	}
	return Resolution{
		UserID:         userID,
		OrganizationID: organizationID,
		CustomerID:     customer.ID,
		Livemode:       livemode,
		Claim:          r.claim(userID, organizationID, string(domain.RoleCustomer), domain.ProviderCustomerBillingPortal, livemode),
	}, nil
}
