// Package action defines the executable units a schedule can point at
// and the registry that dispatches to them by id.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"schedengine/internal/shared"
)

// Context carries the scheduling environment into a handler. It is
// deliberately small: handlers get identifiers, not live store access,
// unless they captured a partition handle at registration time.
type Context struct {
	PartitionID   string
	PartitionPath string
	ScheduleID    string
	RunID         string
	// UserID is the initiator identity, a system identity for
	// tick-driven runs.
	UserID string
	// SessionID is set when the action operates on an existing
	// conversational session.
	SessionID string
}

// Result is the outcome a handler reports. Exactly one of the success
// and failure shapes is populated.
type Result struct {
	OK      bool
	Title   string
	Output  string
	Message string
}

// Success builds a successful result.
func Success(title, output string) Result {
	return Result{OK: true, Title: title, Output: output}
}

// Failure builds a failed result.
func Failure(message string) Result {
	return Result{OK: false, Message: message}
}

// Handler executes one action. A handler reports domain failures
// through the Result; a non-nil error means the handler itself broke
// and is treated the same as a failed result.
type Handler func(ctx context.Context, params map[string]any, actx Context) (Result, error)

// Registry maps action ids to handlers. Registration happens during
// startup; Execute is called concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{handlers: make(map[string]Handler), log: log}
}

// Register adds a handler under an id. Registering the same id twice
// is a configuration bug and fails.
func (r *Registry) Register(id string, h Handler) error {
	if id == "" {
		return shared.Wrap(shared.ErrValidation, "action id is required")
	}
	if h == nil {
		return shared.Wrapf(shared.ErrValidation, "nil handler for action %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[id]; exists {
		return shared.Wrapf(shared.ErrDuplicateAction, "action %s", id)
	}
	r.handlers[id] = h
	return nil
}

// Get returns the handler for an id.
func (r *Registry) Get(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// IDs lists the registered action ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Execute dispatches to the handler for id and normalizes every way an
// action can go wrong into a failed Result: unknown id, handler error,
// handler panic. The caller only ever sees a Result.
func (r *Registry) Execute(ctx context.Context, id string, params map[string]any, actx Context) (res Result) {
	h, ok := r.Get(id)
	if !ok {
		return Failure(fmt.Sprintf("action not found: %s", id))
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("action panicked", "action_id", id, "run_id", actx.RunID, "panic", p)
			res = Failure(fmt.Sprintf("action %s panicked: %v", id, p))
		}
	}()

	res, err := h(ctx, params, actx)
	if err != nil {
		return Failure(err.Error())
	}
	return res
}
