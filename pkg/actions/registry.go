package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/selfheal/selfheal/pkg/models"
)

// Result is the outcome of one action.
type Result struct {
	// Success reports whether the action took effect.
	Success bool

	// Error is the failure reason when Success is false.
	Error string

	// RequiresManual marks actions a human has to perform.
	RequiresManual bool

	// Details is the free-form payload returned by the handler.
	Details map[string]interface{}
}

// Succeeded builds a successful result.
func Succeeded(details map[string]interface{}) Result {
	return Result{Success: true, Details: details}
}

// Failed builds a failed result.
func Failed(format string, args ...interface{}) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Manual builds the result of an action that must be performed by a human.
func Manual(reason string) Result {
	return Result{Error: reason, RequiresManual: true}
}

// Map flattens the result into the payload stored on the step and in audit
// details.
func (r Result) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r.Details)+3)
	for k, v := range r.Details {
		m[k] = v
	}
	m["success"] = r.Success
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.RequiresManual {
		m["requires_manual"] = true
	}
	return m
}

// Handler executes one action type.
type Handler interface {
	Execute(ctx context.Context, params map[string]interface{}) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]interface{}) (Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, params map[string]interface{}) (Result, error) {
	return f(ctx, params)
}

// Registry maps the closed set of action types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.ActionType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[models.ActionType]Handler),
	}
}

// Register binds a handler to an action type, replacing any previous one.
func (r *Registry) Register(action models.ActionType, h Handler) error {
	if !action.Valid() {
		return fmt.Errorf("unknown action type: %q", action)
	}
	if h == nil {
		return fmt.Errorf("nil handler for action %s", action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
	return nil
}

// Get returns the handler for an action type.
func (r *Registry) Get(action models.ActionType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	return h, ok
}

// Actions lists the registered action types, sorted.
func (r *Registry) Actions() []models.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ActionType, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs the handler registered for action. A panicking handler is
// reported as an error.
func (r *Registry) Dispatch(ctx context.Context, action models.ActionType, params map[string]interface{}) (res Result, err error) {
	h, ok := r.Get(action)
	if !ok {
		return Result{}, fmt.Errorf("no handler for action %s", action)
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	defer func() {
		if p := recover(); p != nil {
			res = Result{}
			err = fmt.Errorf("handler for %s panicked: %v", action, p)
		}
	}()

	return h.Execute(ctx, params)
}
