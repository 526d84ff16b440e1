package dispatch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ActionFunc runs one handler action against a call.
type ActionFunc func(ctx context.Context, call *Call) error

// Handler exposes named actions.
type Handler interface {
	Action(name string) (ActionFunc, bool)
}

// Named is implemented by handlers that report their own identity. Other
// handlers are identified by their Go type name.
type Named interface {
	Name() string
}

// Actions is a Handler backed by a map of action names.
type Actions map[string]ActionFunc

// Action implements Handler.
func (a Actions) Action(name string) (ActionFunc, bool) {
	fn, ok := a[name]
	return fn, ok
}

// Factory creates a handler instance for one call.
type Factory func() Handler

// Registry maps normalized handler names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a handler factory. It panics on a duplicate or empty name,
// since registration happens at startup.
func (r *Registry) Register(name string, f Factory) {
	key := NormalizeHandlerName(name)
	if key == "" {
		panic("dispatch: empty handler name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		panic(fmt.Sprintf("dispatch: handler %q registered twice", name))
	}
	r.factories[key] = f
}

// Names returns the registered handler identities in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[NormalizeHandlerName(name)]
	return f, ok
}

// identityOf returns the normalized identity of a handler instance.
func identityOf(h Handler) string {
	if n, ok := h.(Named); ok {
		return NormalizeHandlerName(n.Name())
	}
	name := fmt.Sprintf("%T", h)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return NormalizeHandlerName(strings.TrimLeft(name, "*"))
}
