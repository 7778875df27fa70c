package txn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"billingcore/internal/cache"
	"billingcore/internal/identity"
	"billingcore/internal/rls"
	"billingcore/internal/tasks"
	"billingcore/pkg/domain"

	"log/slog"

	"github.com/google/uuid"
)

// fakeDB satisfies the transaction-handle interface without a SQL backend.
type fakeDB struct{}

func (fakeDB) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return driver.RowsAffected(0), nil
}

func (fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("fake handle does not execute queries")
}

func (fakeDB) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }

// fakeStore is a transaction runner plus identity and effect store that
// stages writes per transaction and merges them only on commit.
type fakeStore struct {
	mu           sync.Mutex
	events       []domain.EventInsert
	ledger       []domain.LedgerCommand
	memberships  []domain.Membership
	apiKeys      map[string]domain.APIKey
	customers    []domain.Customer
	insertErr    error
	beforeCommit func()

	stagedEvents []domain.EventInsert
	stagedLedger []domain.LedgerCommand
	inTx         bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{apiKeys: make(map[string]domain.APIKey)}
}

func (s *fakeStore) WithTransaction(_ context.Context, fn func(db domain.DBTX) error) error {
	s.mu.Lock()
	s.inTx = true
	s.stagedEvents = nil
	s.stagedLedger = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inTx = false
		s.mu.Unlock()
	}()

	if err := fn(fakeDB{}); err != nil {
		return err
	}
	if s.beforeCommit != nil {
		s.beforeCommit()
	}
	s.mu.Lock()
	s.events = append(s.events, s.stagedEvents...)
	s.ledger = append(s.ledger, s.stagedLedger...)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) InsertEvents(_ context.Context, _ domain.DBTX, events []domain.EventInsert) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedEvents = append(s.stagedEvents, events...)
	return nil
}

func (s *fakeStore) InsertLedgerCommands(_ context.Context, _ domain.DBTX, commands []domain.LedgerCommand) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedLedger = append(s.stagedLedger, commands...)
	return nil
}

func (s *fakeStore) MembershipsByUser(_ context.Context, _ domain.DBTX, userID string) ([]domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) MembershipByOrganizationAndUserRef(_ context.Context, _ domain.DBTX, organizationID, ref string) (domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.OrganizationID != organizationID {
			continue
		}
		if m.UserID == ref || (m.ExternalAuthID != "" && m.ExternalAuthID == ref) {
			return m, nil
		}
	}
	return domain.Membership{}, domain.NotFoundError{Resource: "Membership"}
}

func (s *fakeStore) APIKeyByToken(_ context.Context, _ domain.DBTX, token string) (domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[token]
	if !ok {
		return domain.APIKey{}, domain.NotFoundError{Resource: "APIKey"}
	}
	return key, nil
}

func (s *fakeStore) CustomerByUser(_ context.Context, _ domain.DBTX, organizationID, userID string, livemode bool) (domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.OrganizationID == organizationID && c.UserID == userID && c.Livemode == livemode {
			return c, nil
		}
	}
	return domain.Customer{}, domain.NotFoundError{Resource: "Customer"}
}

// recordingApplier captures context application order and claims.
type recordingApplier struct {
	calls  []string
	claims []domain.JWTClaim
}

func (a *recordingApplier) Apply(_ context.Context, _ rls.Conn, claim domain.JWTClaim) error {
	a.calls = append(a.calls, "apply")
	a.claims = append(a.claims, claim)
	return nil
}

func (a *recordingApplier) Reset(context.Context, rls.Conn) error {
	a.calls = append(a.calls, "reset")
	return nil
}

// recordingRecorder captures transaction metrics.
type recordingRecorder struct {
	spans    []string
	statuses []string
	events   []int
	ledger   []int
}

func (r *recordingRecorder) RecordTransaction(span, status string, events, ledgerCommands int, _ time.Duration) {
	r.spans = append(r.spans, span)
	r.statuses = append(r.statuses, status)
	r.events = append(r.events, events)
	r.ledger = append(r.ledger, ledgerCommands)
}

type engineFixture struct {
	engine     *Engine
	store      *fakeStore
	applier    *recordingApplier
	recorder   *recordingRecorder
	lru        *cache.LRU
	dispatcher *tasks.Dispatcher
	dispatched []domain.TaskTrigger
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := newFakeStore()
	applier := &recordingApplier{}
	recorder := &recordingRecorder{}
	logger := slog.New(slog.DiscardHandler)
	lru, err := cache.NewLRU(32)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}
	fx := &engineFixture{store: store, applier: applier, recorder: recorder, lru: lru}
	fx.dispatcher = tasks.NewDispatcher(logger)
	fx.dispatcher.Register("test.task", func(_ context.Context, trigger domain.TaskTrigger) error {
		fx.dispatched = append(fx.dispatched, trigger)
		return nil
	})
	engine, err := NewEngine(Config{
		Runner:      store,
		Applier:     applier,
		Effects:     store,
		Resolver:    identity.NewResolver(store),
		Invalidator: cache.NewInvalidator(lru, logger),
		Dispatcher:  fx.dispatcher,
		Recorder:    recorder,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	fx.engine = engine
	return fx
}

func testEvent(id string) domain.EventInsert {
	return domain.EventInsert{
		ID:             id,
		Type:           "invoice.paid",
		OrganizationID: "org_1",
		Livemode:       true,
		OccurredAt:     time.Now(),
	}
}

func testLedgerCommand(id string) domain.LedgerCommand {
	return domain.LedgerCommand{
		ID:             id,
		Type:           "charge",
		OrganizationID: "org_1",
		Livemode:       true,
		AmountCents:    1000,
		Currency:       "usd",
	}
}

func TestNewEngineRequiresRunnerAndEffects(t *testing.T) {
	store := newFakeStore()
	if _, err := NewEngine(Config{Effects: store}); err == nil {
		t.Fatalf("expected error without runner")
	}
	if _, err := NewEngine(Config{Runner: store}); err == nil {
		t.Fatalf("expected error without effect store")
	}
	if _, err := NewEngine(Config{Runner: store, Effects: store}); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestAdminCommitPersistsEffectsAtomically(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	outcome, err := RunAdmin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, p *Params) Outcome[string] {
		p.EmitEvent(testEvent("evt_1"), testEvent("evt_2"))
		p.EnqueueLedgerCommand(testLedgerCommand("lc_1"))
		return Success("receipt")
	})
	if err != nil {
		t.Fatalf("RunAdmin: %v", err)
	}
	if !outcome.OK() || outcome.Value() != "receipt" {
		t.Fatalf("outcome = %+v, want success receipt", outcome)
	}
	if len(fx.store.events) != 2 {
		t.Fatalf("persisted events = %d, want 2", len(fx.store.events))
	}
	if fx.store.events[0].ID != "evt_1" || fx.store.events[1].ID != "evt_2" {
		t.Fatalf("event order not preserved: %v", fx.store.events)
	}
	if len(fx.store.ledger) != 1 {
		t.Fatalf("persisted ledger commands = %d, want 1", len(fx.store.ledger))
	}
}

func TestCallbackFailureRollsBackEverything(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.lru.Put(domain.CustomerCacheKey("cus_1"), []byte("cached"))
	boom := errors.New("insufficient funds")

	outcome, err := RunAdmin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, p *Params) Outcome[string] {
		p.EmitEvent(testEvent("evt_1"))
		p.EnqueueLedgerCommand(testLedgerCommand("lc_1"))
		p.InvalidateCache(domain.CustomerCacheKey("cus_1"))
		p.TriggerTask(domain.TaskTrigger{Name: "test.task"})
		return Failure[string](boom)
	})
	if err != nil {
		t.Fatalf("failure outcomes must not use the error slot, got %v", err)
	}
	if outcome.OK() {
		t.Fatalf("outcome should be a failure")
	}
	if !errors.Is(outcome.Err(), boom) {
		t.Fatalf("outcome error = %v, want original callback error", outcome.Err())
	}
	if len(fx.store.events) != 0 || len(fx.store.ledger) != 0 {
		t.Fatalf("rolled-back transaction persisted effects: %d events, %d commands",
			len(fx.store.events), len(fx.store.ledger))
	}
	if _, ok := fx.lru.Get(domain.CustomerCacheKey("cus_1")); !ok {
		t.Fatalf("cache invalidated despite rollback")
	}
	if len(fx.dispatched) != 0 {
		t.Fatalf("tasks dispatched despite rollback: %v", fx.dispatched)
	}
}

func TestCacheInvalidationAndDispatchHappenAfterCommit(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	key := domain.CustomerCacheKey("cus_1")
	fx.lru.Put(key, []byte("cached"))

	var cachedAtCommit bool
	var dispatchedAtCommit int
	fx.store.beforeCommit = func() {
		_, cachedAtCommit = fx.lru.Get(key)
		dispatchedAtCommit = len(fx.dispatched)
	}

	_, err := RunAdmin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, p *Params) Outcome[struct{}] {
		p.InvalidateCache(key)
		p.TriggerTask(domain.TaskTrigger{Name: "test.task"})
		return Success(struct{}{})
	})
	if err != nil {
		t.Fatalf("RunAdmin: %v", err)
	}
	if !cachedAtCommit {
		t.Fatalf("cache invalidated before commit")
	}
	if dispatchedAtCommit != 0 {
		t.Fatalf("task dispatched before commit")
	}
	if _, ok := fx.lru.Get(key); ok {
		t.Fatalf("cache not invalidated after commit")
	}
	if len(fx.dispatched) != 1 || fx.dispatched[0].Name != "test.task" {
		t.Fatalf("dispatched = %v, want one test.task trigger", fx.dispatched)
	}
}

func TestEffectPersistenceFailureAbortsTransaction(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.store.insertErr = errors.New("disk full")

	outcome, err := RunAdmin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, p *Params) Outcome[struct{}] {
		p.EmitEvent(testEvent("evt_1"))
		return Success(struct{}{})
	})
	if err == nil {
		t.Fatalf("expected infrastructure error")
	}
	if !errors.Is(err, fx.store.insertErr) {
		t.Fatalf("error = %v, want wrapped insert failure", err)
	}
	if outcome.OK() {
		t.Fatalf("outcome must not report success")
	}
	if len(fx.store.events) != 0 {
		t.Fatalf("transaction persisted events despite abort")
	}
}

func TestContextAppliedBeforeCallbackAndResetBeforeCommit(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	var appliesAtCallback int
	_, err := RunAdmin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, _ *Params) Outcome[struct{}] {
		appliesAtCallback = len(fx.applier.calls)
		return Success(struct{}{})
	})
	if err != nil {
		t.Fatalf("RunAdmin: %v", err)
	}
	if appliesAtCallback != 1 || fx.applier.calls[0] != "apply" {
		t.Fatalf("context not applied before callback: %v", fx.applier.calls)
	}
	if len(fx.applier.calls) != 2 || fx.applier.calls[1] != "reset" {
		t.Fatalf("context not reset after effects: %v", fx.applier.calls)
	}
	claim := fx.applier.claims[0]
	if claim.Role != string(domain.RoleAdmin) || claim.Issuer != "billingcore" {
		t.Fatalf("applied claim = %+v", claim)
	}
	if claim.SessionID == "" {
		t.Fatalf("admin claim missing session id")
	}
	if _, parseErr := uuid.Parse(claim.SessionID); parseErr != nil {
		t.Fatalf("session id %q is not a uuid: %v", claim.SessionID, parseErr)
	}
}

func TestAdminLivemodeDefaultsToLive(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	live, err := Admin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, p *Params) Outcome[bool] {
		return Success(p.Livemode)
	})
	if err != nil {
		t.Fatalf("Admin: %v", err)
	}
	if !live {
		t.Fatalf("admin transactions default to livemode")
	}

	testmode := false
	live, err = Admin(ctx, fx.engine, AdminOptions{Livemode: &testmode}, func(_ context.Context, p *Params) Outcome[bool] {
		return Success(p.Livemode)
	})
	if err != nil {
		t.Fatalf("Admin: %v", err)
	}
	if live {
		t.Fatalf("explicit test mode ignored")
	}
}

func TestUnwrapIsIdempotent(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	boom := errors.New("declined")

	outcome, err := RunAdmin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, _ *Params) Outcome[int] {
		return Failure[int](boom)
	})
	if err != nil {
		t.Fatalf("RunAdmin: %v", err)
	}
	for i := 0; i < 3; i++ {
		value, unwrapErr := outcome.Unwrap()
		if value != 0 || !errors.Is(unwrapErr, boom) {
			t.Fatalf("unwrap #%d = (%v, %v), want (0, declined)", i, value, unwrapErr)
		}
	}

	outcome, err = RunAdmin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, _ *Params) Outcome[int] {
		return Success(42)
	})
	if err != nil {
		t.Fatalf("RunAdmin: %v", err)
	}
	for i := 0; i < 3; i++ {
		value, unwrapErr := outcome.Unwrap()
		if value != 42 || unwrapErr != nil {
			t.Fatalf("unwrap #%d = (%v, %v), want (42, nil)", i, value, unwrapErr)
		}
	}
}

func TestAdminUnwrapSurfaceReturnsCallbackError(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	boom := errors.New("X")

	_, err := Admin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, _ *Params) Outcome[string] {
		return Failure[string](boom)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Admin error = %v, want original callback error", err)
	}
	if err.Error() != "X" {
		t.Fatalf("Admin error message = %q, want %q", err.Error(), "X")
	}
}

func TestRecorderObservesStatusAndCounts(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := RunAdmin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, p *Params) Outcome[struct{}] {
		p.EmitEvent(testEvent("evt_1"), testEvent("evt_2"))
		p.EnqueueLedgerCommand(testLedgerCommand("lc_1"))
		return Success(struct{}{})
	})
	if err != nil {
		t.Fatalf("RunAdmin: %v", err)
	}
	_, err = RunAdmin(ctx, fx.engine, AdminOptions{}, func(_ context.Context, _ *Params) Outcome[struct{}] {
		return Failure[struct{}](errors.New("boom"))
	})
	if err != nil {
		t.Fatalf("RunAdmin: %v", err)
	}

	want := []string{"ok", "error"}
	if fmt.Sprint(fx.recorder.statuses) != fmt.Sprint(want) {
		t.Fatalf("statuses = %v, want %v", fx.recorder.statuses, want)
	}
	if fx.recorder.spans[0] != "admin.transaction" {
		t.Fatalf("span = %q", fx.recorder.spans[0])
	}
	if fx.recorder.events[0] != 2 || fx.recorder.ledger[0] != 1 {
		t.Fatalf("counts = (%d, %d), want (2, 1)", fx.recorder.events[0], fx.recorder.ledger[0])
	}
}
