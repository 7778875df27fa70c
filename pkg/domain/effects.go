package domain

import (
	"encoding/json"
	"time"
)

// EventInsert is a domain event queued for persistence in the same
// transaction that produced it.
type EventInsert struct {
	ID             string
	Type           string
	OrganizationID string
	Livemode       bool
	Payload        json.RawMessage
	OccurredAt     time.Time
}

// LedgerCommand instructs the ledger to append one entry to the append-only
// financial log, persisted atomically with the transaction that produced it.
type LedgerCommand struct {
	ID             string
	Type           string
	OrganizationID string
	SubjectID      string
	Livemode       bool
	AmountCents    int64
	Currency       string
	Payload        json.RawMessage
}

// CacheKey identifies a cache dependency invalidated after commit, e.g.
// "customer:<id>".
type CacheKey string

// CustomerCacheKey returns the dependency key for a customer record.
func CustomerCacheKey(id string) CacheKey { return CacheKey("customer:" + id) }

// SubscriptionCacheKey returns the dependency key for a subscription record.
func SubscriptionCacheKey(id string) CacheKey { return CacheKey("subscription:" + id) }

// OrganizationCacheKey returns the dependency key for an organization record.
func OrganizationCacheKey(id string) CacheKey { return CacheKey("organization:" + id) }

// TaskTrigger requests a named background task after the transaction commits.
type TaskTrigger struct {
	Name    string
	Payload json.RawMessage
}
