package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

var ErrUnknownHandler = errors.New("no handler registered for job class")

// Handler runs one job. params are the message parameters the job was
// enqueued with.
type Handler interface {
	Perform(ctx context.Context, params messaging.Parameters) error
}

type HandlerFunc func(ctx context.Context, params messaging.Parameters) error

func (f HandlerFunc) Perform(ctx context.Context, params messaging.Parameters) error {
	return f(ctx, params)
}

// Registry maps job classes to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds class to h, replacing any previous handler.
func (r *Registry) Register(class string, h Handler) error {
	if class == "" {
		return errors.New("job class cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q cannot be nil", class)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = h
	return nil
}

func (r *Registry) Lookup(class string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, class)
	}
	return h, nil
}

// Classes returns the registered job classes in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}
