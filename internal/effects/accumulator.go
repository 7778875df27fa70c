// Package effects collects the side outputs of one transaction attempt and
// drains them into the same transaction before commit.
package effects

import "billingcore/pkg/domain"

// Accumulator holds the effects queued by business logic during a single
// transaction: events, ledger commands, cache-invalidation keys, and
// background-task triggers. It is owned by exactly one in-flight call and is
// discarded, never persisted, when the transaction aborts. Appends are plain
// slice operations; validation happens in the business logic before emitting.
type Accumulator struct {
	events        []domain.EventInsert
	ledger        []domain.LedgerCommand
	invalidations []domain.CacheKey
	triggers      []domain.TaskTrigger
}

// NewAccumulator returns an empty accumulator for one transaction attempt.
func NewAccumulator() *Accumulator { return &Accumulator{} }

// EmitEvent queues events in emission order. Duplicate logical events queue
// twice; de-duplication is the caller's concern.
func (a *Accumulator) EmitEvent(events ...domain.EventInsert) {
	a.events = append(a.events, events...)
}

// EnqueueLedgerCommand queues ledger commands in emission order.
func (a *Accumulator) EnqueueLedgerCommand(commands ...domain.LedgerCommand) {
	a.ledger = append(a.ledger, commands...)
}

// InvalidateCache queues dependency keys invalidated after commit.
func (a *Accumulator) InvalidateCache(keys ...domain.CacheKey) {
	a.invalidations = append(a.invalidations, keys...)
}

// TriggerTask queues background-task triggers dispatched after commit.
func (a *Accumulator) TriggerTask(triggers ...domain.TaskTrigger) {
	a.triggers = append(a.triggers, triggers...)
}

// Events returns the queued events in insertion order.
func (a *Accumulator) Events() []domain.EventInsert { return a.events }

// LedgerCommands returns the queued ledger commands in insertion order.
func (a *Accumulator) LedgerCommands() []domain.LedgerCommand { return a.ledger }

// CacheKeys returns the queued invalidation keys.
func (a *Accumulator) CacheKeys() []domain.CacheKey { return a.invalidations }

// Triggers returns the queued background-task triggers.
func (a *Accumulator) Triggers() []domain.TaskTrigger { return a.triggers }
