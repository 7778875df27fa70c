// Package domain holds the shared types and store contracts of the billing
// core: security contexts and claims consumed by the row-level-security layer,
// the effect records accumulated during a transaction, and the identity records
// backing credential resolution.
package domain

import "time"

// Role names the privilege tier a transaction executes under.
type Role string

const (
	// RoleAdmin runs with elevated privilege and no organization scoping.
	// Reserved for system-internal code, migrations, and scheduled jobs.
	RoleAdmin Role = "admin"
	// RoleMerchant scopes row visibility to the resolved organization.
	RoleMerchant Role = "merchant"
	// RoleCustomer scopes row visibility to the resolved organization and
	// additionally to a single customer record.
	RoleCustomer Role = "customer"
)

// Valid reports whether the role is one of the three known tiers.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMerchant, RoleCustomer:
		return true
	}
	return false
}

// Resolution-path markers stamped into claims as app_metadata.provider. They
// are always computed server-side and never taken from client input.
const (
	ProviderWebapp                = "webapp"
	ProviderAPIKey                = "apiKey"
	ProviderCustomerBillingPortal = "customerBillingPortal"
)

// API-key environments; the key's declared environment drives livemode.
const (
	EnvironmentLive = "live"
	EnvironmentTest = "test"
)

// SecurityContext is the per-invocation identity a transaction runs under.
// Built fresh for every transactional call, immutable once constructed, and
// never persisted.
type SecurityContext struct {
	SubjectID      string
	OrganizationID string
	CustomerID     string
	Livemode       bool
	Role           Role
}

// UserMetadata mirrors the user_metadata claim object.
type UserMetadata struct {
	ID string `json:"id"`
}

// AppMetadata mirrors the app_metadata claim object.
type AppMetadata struct {
	Provider string `json:"provider"`
}

// JWTClaim is the serialized form of a SecurityContext consumed by row
// policies. It exists only for the lifetime of the transaction that uses it.
// Every constructor must keep Sub and UserMetadata.ID in lock-step so a policy
// checking either field sees the same subject.
type JWTClaim struct {
	Sub            string       `json:"sub"`
	OrganizationID string       `json:"organization_id"`
	Role           string       `json:"role"`
	SessionID      string       `json:"session_id"`
	Issuer         string       `json:"iss"`
	Livemode       bool         `json:"livemode"`
	UserMetadata   UserMetadata `json:"user_metadata"`
	AppMetadata    AppMetadata  `json:"app_metadata"`
}

// Membership links a user to an organization. At most one membership per user
// is focused, marking the organization currently selected as the user's active
// context. A deactivated membership grants no scope even while focused.
type Membership struct {
	ID             string
	UserID         string
	ExternalAuthID string
	OrganizationID string
	Focused        bool
	DeactivatedAt  *time.Time
	Livemode       bool
}

// Active reports whether the membership has not been deactivated.
func (m Membership) Active() bool { return m.DeactivatedAt == nil }

// APIKey is a secret key owned by one organization. UserRef may hold either
// the internal user id or an external auth-provider id; resolution maps it to
// the internal id via a membership lookup scoped to the owning organization.
type APIKey struct {
	ID             string
	Token          string
	OrganizationID string
	UserRef        string
	Environment    string
}

// Livemode derives the mode partition from the key's declared environment.
func (k APIKey) Livemode() bool { return k.Environment == EnvironmentLive }

// Customer is a billing customer record scoped to one organization and one
// livemode partition. A record existing only in the other livemode must be
// treated as absent by portal resolution.
type Customer struct {
	ID             string
	UserID         string
	OrganizationID string
	Livemode       bool
	Archived       bool
}
