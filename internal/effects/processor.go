package effects

import (
	"context"
	"fmt"

	"billingcore/pkg/domain"
)

// Counts reports what the processor persisted, for observability.
type Counts struct {
	Events         int
	LedgerCommands int
}

// Process drains the accumulator's events and ledger commands through the
// store on the transaction handle the business logic used. Runs only after a
// success outcome; any persistence failure is returned so the whole
// transaction aborts rather than committing a partial batch.
func Process(ctx context.Context, store domain.EffectStore, db domain.DBTX, acc *Accumulator) (Counts, error) {
	if events := acc.Events(); len(events) > 0 {
		if err := store.InsertEvents(ctx, db, events); err != nil {
			return Counts{}, fmt.Errorf("persist events: %w", err)
		}
	}
	if commands := acc.LedgerCommands(); len(commands) > 0 {
		if err := store.InsertLedgerCommands(ctx, db, commands); err != nil {
			return Counts{}, fmt.Errorf("persist ledger commands: %w", err)
		}
	}
	return Counts{Events: len(acc.Events()), LedgerCommands: len(acc.LedgerCommands())}, nil
}
