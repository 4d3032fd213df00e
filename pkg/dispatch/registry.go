// Package dispatch routes named task submissions to a local worker pool or
// to remote executor nodes, and exposes handler result streams.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/adjutant-ai/adjutant/pkg/llm"
)

// Handler executes a named task and returns its result value.
type Handler func(ctx context.Context, payload, taskCtx map[string]any) (any, error)

// StreamHandler executes a named task that produces a token stream. The
// handler writes tokens to out as it runs; the dispatcher owns the channel
// and closes it when the handler returns. A full channel blocks the handler
// until the consumer catches up.
type StreamHandler func(ctx context.Context, payload, taskCtx map[string]any, out chan<- llm.Token) error

// Registry maps logical task names to handlers. Registration is
// process-wide; re-registering a name replaces the previous handler.
type Registry struct {
	mu        sync.RWMutex
	unary     map[string]Handler
	streaming map[string]StreamHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		unary:     make(map[string]Handler),
		streaming: make(map[string]StreamHandler),
	}
}

// Register installs a unary handler under name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unary[name] = h
	delete(r.streaming, name)
}

// RegisterStream installs a streaming handler under name.
func (r *Registry) RegisterStream(name string, h StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streaming[name] = h
	delete(r.unary, name)
}

// Names returns the registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.unary)+len(r.streaming))
	for name := range r.unary {
		names = append(names, name)
	}
	for name := range r.streaming {
		names = append(names, name)
	}
	return names
}

// lookup resolves a name to its handler. Exactly one of the returns is set.
func (r *Registry) lookup(name string) (Handler, StreamHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.unary[name]; ok {
		return h, nil, nil
	}
	if sh, ok := r.streaming[name]; ok {
		return nil, sh, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
}
