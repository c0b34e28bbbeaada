package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/scribe/errors"
)

// JobHandler executes one job type. Domain packages implement it so the
// worker pool never sees domain payloads.
//
// Execute returns a reference to the stored result on success. Errors should
// carry a mark from the errors package; unmarked errors are treated as fatal.
// Handlers must honour ctx: the pool cancels it on shutdown and requeues.
type JobHandler interface {
	Execute(ctx context.Context, job *Job) (resultRef string, err error)

	// Type returns the job type this handler serves
	Type() JobType
}

// HandlerRegistry maps job types to handlers. Safe for concurrent use.
type HandlerRegistry struct {
	handlers map[JobType]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[JobType]JobHandler),
	}
}

// Register adds a handler for its type.
// Panics if the type is unknown or already has a handler.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := handler.Type()
	if !t.Valid() {
		panic(fmt.Sprintf("unknown job type: %s", t))
	}
	if _, exists := r.handlers[t]; exists {
		panic(fmt.Sprintf("handler already registered for type: %s", t))
	}
	r.handlers[t] = handler
}

// Get retrieves the handler for t, or nil
func (r *HandlerRegistry) Get(t JobType) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[t]
}

// Types returns the registered job types, sorted
func (r *HandlerRegistry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Execute dispatches job to its handler
func (r *HandlerRegistry) Execute(ctx context.Context, job *Job) (string, error) {
	handler := r.Get(job.Type)
	if handler == nil {
		err := errors.Newf("no handler registered for job type %s", job.Type)
		return "", errors.WithHint(err, "register a handler with HandlerRegistry.Register")
	}
	return handler.Execute(ctx, job)
}
