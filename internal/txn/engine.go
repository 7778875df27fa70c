// Package txn is the transactional engine of the billing core. One internal
// engine runs every transaction: it applies row-level-security context,
// hands business logic an effects accumulator bound to the open transaction,
// persists accumulated effects inside that transaction on success, and fires
// cache invalidation and background tasks strictly after commit. Three
// executor surfaces (admin, merchant, customer) parameterize the engine with
// an identity-resolution strategy.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"billingcore/internal/cache"
	"billingcore/internal/effects"
	"billingcore/internal/identity"
	"billingcore/internal/observe"
	"billingcore/internal/rls"
	"billingcore/internal/tasks"
	"billingcore/pkg/domain"
)

// TxRunner is the transaction-opening primitive: it commits when fn returns
// nil and rolls back when fn returns an error or panics.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(db domain.DBTX) error) error
}

// Callback is the business logic run inside a transaction. It reports its
// result as a tagged outcome; returning a failure rolls the transaction back.
type Callback[T any] func(ctx context.Context, p *Params) Outcome[T]

// Params is the callback-facing parameter object: the transaction handle, the
// resolved context fields, and the effect-emitting functions. It is valid
// only for the duration of the callback.
type Params struct {
	DB             domain.DBTX
	UserID         string
	OrganizationID string
	CustomerID     string
	Livemode       bool

	acc *effects.Accumulator
}

// EmitEvent queues events for persistence in this transaction.
func (p *Params) EmitEvent(events ...domain.EventInsert) { p.acc.EmitEvent(events...) }

// EnqueueLedgerCommand queues ledger commands for persistence in this
// transaction.
func (p *Params) EnqueueLedgerCommand(commands ...domain.LedgerCommand) {
	p.acc.EnqueueLedgerCommand(commands...)
}

// InvalidateCache queues dependency keys invalidated after this transaction
// commits.
func (p *Params) InvalidateCache(keys ...domain.CacheKey) { p.acc.InvalidateCache(keys...) }

// TriggerTask queues background tasks dispatched after this transaction
// commits.
func (p *Params) TriggerTask(triggers ...domain.TaskTrigger) { p.acc.TriggerTask(triggers...) }

// Engine wires the collaborators every transaction needs. Construct once at
// startup and share across goroutines; per-invocation state lives in the
// accumulator and params.
type Engine struct {
	runner      TxRunner
	applier     rls.Applier
	effects     domain.EffectStore
	resolver    *identity.Resolver
	invalidator *cache.Invalidator
	dispatcher  *tasks.Dispatcher
	recorder    observe.Recorder
	logger      *slog.Logger
}

// Config assembles an Engine. Runner and Effects are required; Resolver is
// required for the merchant and customer executors. Nil optional fields
// disable the corresponding post-commit step or default to no-ops.
type Config struct {
	Runner      TxRunner
	Applier     rls.Applier
	Effects     domain.EffectStore
	Resolver    *identity.Resolver
	Invalidator *cache.Invalidator
	Dispatcher  *tasks.Dispatcher
	Recorder    observe.Recorder
	Logger      *slog.Logger
}

// NewEngine validates the config and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Runner == nil {
		return nil, errors.New("txn: runner required")
	}
	if cfg.Effects == nil {
		return nil, errors.New("txn: effect store required")
	}
	if cfg.Applier == nil {
		cfg.Applier = rls.SQLApplier{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = observe.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		runner:      cfg.Runner,
		applier:     cfg.Applier,
		effects:     cfg.Effects,
		resolver:    cfg.Resolver,
		invalidator: cfg.Invalidator,
		dispatcher:  cfg.Dispatcher,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
	}, nil
}

// callbackFailure marks errors that originated in business logic or
// credential resolution. It rides through the transaction primitive to force
// rollback and is unwrapped back into a failure outcome at the surface, so
// the caller sees the original error value.
type callbackFailure struct{ err error }

func (f *callbackFailure) Error() string { return f.err.Error() }
func (f *callbackFailure) Unwrap() error { return f.err }

// resolveFunc produces the security context a transaction runs under. It
// executes on the open transaction handle before context application.
type resolveFunc func(ctx context.Context, db domain.DBTX) (identity.Resolution, domain.Role, error)

// run executes one invocation of the engine's state machine: open
// transaction, resolve identity, apply context, run callback, process
// effects, commit, then invalidate and dispatch. The returned error carries
// only faults the engine cannot attribute to the callback or credential;
// everything classifiable lands in the outcome.
func run[T any](ctx context.Context, e *Engine, span string, resolve resolveFunc, fn Callback[T]) (Outcome[T], error) {
	start := time.Now()
	var (
		value    T
		counts   effects.Counts
		keys     []domain.CacheKey
		triggers []domain.TaskTrigger
	)
	err := e.runner.WithTransaction(ctx, func(db domain.DBTX) error {
		resolution, role, err := resolve(ctx, db)
		if err != nil {
			return &callbackFailure{err: err}
		}
		if err := e.applier.Apply(ctx, db, resolution.Claim); err != nil {
			return fmt.Errorf("apply security context: %w", err)
		}
		sc := resolution.SecurityContext(role)
		acc := effects.NewAccumulator()
		params := &Params{
			DB:             db,
			UserID:         sc.SubjectID,
			OrganizationID: sc.OrganizationID,
			CustomerID:     sc.CustomerID,
			Livemode:       sc.Livemode,
			acc:            acc,
		}
		outcome := fn(ctx, params)
		if !outcome.OK() {
			return &callbackFailure{err: outcome.Err()}
		}
		counts, err = effects.Process(ctx, e.effects, db, acc)
		if err != nil {
			return err
		}
		if err := e.applier.Reset(ctx, db); err != nil {
			return fmt.Errorf("reset security context: %w", err)
		}
		value = outcome.Value()
		keys = acc.CacheKeys()
		triggers = acc.Triggers()
		return nil
	})
	if err != nil {
		e.recorder.RecordTransaction(span, "error", 0, 0, time.Since(start))
		var failure *callbackFailure
		if errors.As(err, &failure) {
			return Failure[T](failure.err), nil
		}
		return Outcome[T]{}, err
	}
	// Post-commit only from here: the transaction is durable, so both steps
	// are best effort.
	if e.invalidator != nil {
		e.invalidator.InvalidateAfterCommit(ctx, keys)
	}
	if e.dispatcher != nil {
		e.dispatcher.DispatchAfterCommit(ctx, triggers)
	}
	e.recorder.RecordTransaction(span, "ok", counts.Events, counts.LedgerCommands, time.Since(start))
	return Success(value), nil
}
