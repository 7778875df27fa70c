// Package observe records per-invocation transaction metrics: span name,
// outcome status, persisted effect counts, and duration. Purely advisory;
// recorders never affect control flow.
package observe

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder receives one record per transaction invocation.
type Recorder interface {
	RecordTransaction(span, status string, events, ledgerCommands int, d time.Duration)
}

// Nop discards all records.
type Nop struct{}

var _ Recorder = Nop{}

// RecordTransaction does nothing.
func (Nop) RecordTransaction(string, string, int, int, time.Duration) {}

var expvarSeq uint64

// ExpvarRecorder publishes aggregate counters via expvar for deployments that
// prefer process-local metrics without external dependencies.
type ExpvarRecorder struct {
	name        string
	mu          sync.Mutex
	durationsMS map[string]float64
	statuses    map[string]map[string]int64
	events      map[string]int64
	ledger      map[string]int64
}

var _ Recorder = (*ExpvarRecorder)(nil)

// ExpvarSnapshot is a read-only view of the aggregated metrics.
type ExpvarSnapshot struct {
	DurationsMS    map[string]float64          `json:"durations_ms_total"`
	Statuses       map[string]map[string]int64 `json:"results_total"`
	Events         map[string]int64            `json:"events_total"`
	LedgerCommands map[string]int64            `json:"ledger_commands_total"`
	RecordedAt     time.Time                   `json:"recorded_at"`
}

// NewExpvarRecorder constructs an expvar-backed recorder published under the
// supplied name. When name is empty a unique identifier is generated.
func NewExpvarRecorder(name string) *ExpvarRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("billingcore_txn_metrics_%d", id)
	}
	rec := &ExpvarRecorder{
		name:        name,
		durationsMS: make(map[string]float64),
		statuses:    make(map[string]map[string]int64),
		events:      make(map[string]int64),
		ledger:      make(map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarRecorder) Name() string { return r.name }

// RecordTransaction aggregates one invocation.
func (r *ExpvarRecorder) RecordTransaction(span, status string, events, ledgerCommands int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durationsMS[span] += float64(d.Milliseconds())
	statuses, ok := r.statuses[span]
	if !ok {
		statuses = make(map[string]int64)
		r.statuses[span] = statuses
	}
	statuses[status]++
	r.events[span] += int64(events)
	r.ledger[span] += int64(ledgerCommands)
}

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *ExpvarRecorder) Snapshot() ExpvarSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := ExpvarSnapshot{
		DurationsMS:    make(map[string]float64, len(r.durationsMS)),
		Statuses:       make(map[string]map[string]int64, len(r.statuses)),
		Events:         make(map[string]int64, len(r.events)),
		LedgerCommands: make(map[string]int64, len(r.ledger)),
		RecordedAt:     time.Now().UTC(),
	}
	for span, total := range r.durationsMS {
		snap.DurationsMS[span] = total
	}
	for span, statuses := range r.statuses {
		cpy := make(map[string]int64, len(statuses))
		for status, count := range statuses {
			cpy[status] = count
		}
		snap.Statuses[span] = cpy
	}
	for span, count := range r.events {
		snap.Events[span] = count
	}
	for span, count := range r.ledger {
		snap.LedgerCommands[span] = count
	}
	return snap
}
