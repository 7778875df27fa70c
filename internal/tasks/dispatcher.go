// Package tasks dispatches background-task triggers queued during a
// transaction. Dispatch runs strictly after commit and is best effort:
// failures are logged, never propagated, since the authoritative state is
// already committed.
package tasks

import (
	"context"
	"log/slog"

	"billingcore/pkg/domain"
)

// HandlerFunc executes one background task.
type HandlerFunc func(ctx context.Context, trigger domain.TaskTrigger) error

// Dispatcher routes triggers to registered handlers by task name. Handlers
// are registered at wiring time, before any dispatch runs.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

// NewDispatcher returns an empty dispatcher. A nil logger falls back to
// slog.Default.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handlers: make(map[string]HandlerFunc), logger: logger}
}

// Register binds a handler to a task name, replacing any previous binding.
func (d *Dispatcher) Register(name string, handler HandlerFunc) {
	d.handlers[name] = handler
}

// DispatchAfterCommit runs each trigger's handler in queue order. Only
// invoked after the enclosing transaction committed; the engine never calls
// it on rollback.
func (d *Dispatcher) DispatchAfterCommit(ctx context.Context, triggers []domain.TaskTrigger) {
	for _, trigger := range triggers {
		handler, ok := d.handlers[trigger.Name]
		if !ok {
			d.logger.Warn("no handler for background task", "task", trigger.Name)
			continue
		}
		if err := handler(ctx, trigger); err != nil {
			d.logger.Warn("background task failed", "task", trigger.Name, "error", err)
		}
	}
}
