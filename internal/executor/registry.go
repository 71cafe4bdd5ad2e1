package executor

import (
	"context"
	"fmt"

	"steward/internal/domain"
	"steward/internal/retry"
)

// Handler performs the side effect of one step and returns a short result
// description. Handlers must be safe to call once per Advance; the executor
// guarantees a step's handler never runs twice after success.
type Handler func(ctx context.Context, event domain.Event, step domain.Step) (string, error)

// Registry maps step kinds to handlers. The set of kinds is closed at
// construction; dispatching an unknown kind is a permanent failure, not a
// silent fallback.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to a step kind, replacing any previous binding.
func (r *Registry) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Resolve returns the handler for a kind or a permanent error when none is
// registered.
func (r *Registry) Resolve(kind string) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("no handler registered for step kind %q", kind))
	}
	return h, nil
}

// Kinds returns the registered step kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// DefaultRegistry wires the built-in handlers for every step kind the
// planner can emit. The built-ins record their work as the step result; real
// integrations replace them via Register.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, kind := range []string{KindAnalyze, KindDraft, KindSend, KindPublish, KindSchedule, KindRecord} {
		k := kind
		r.Register(k, func(ctx context.Context, event domain.Event, step domain.Step) (string, error) {
			return fmt.Sprintf("%s completed for event %s", k, event.EventID), nil
		})
	}
	return r
}
