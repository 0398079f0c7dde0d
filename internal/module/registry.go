package module

import (
	"fmt"
	"sync"
)

// Registry is an ordered set of connections keyed by module name.
// It is populated at startup and read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	order  []*Connection
	byName map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Connection)}
}

// Add registers a connection. Names must be unique.
func (r *Registry) Add(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[c.Name()]; exists {
		return fmt.Errorf("module %q already registered", c.Name())
	}
	r.order = append(r.order, c)
	r.byName[c.Name()] = c
	return nil
}

// Get returns the connection registered under name.
func (r *Registry) Get(name string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// Send routes a command to a module by name.
// It returns ErrUnknownModule when no module has that name.
func (r *Registry) Send(name, cmd, payload string) error {
	c, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	return c.Send(cmd, payload)
}

// Connections returns all connections in registration order.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Connection(nil), r.order...)
}

// Names returns the module names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	for i, c := range r.order {
		names[i] = c.Name()
	}
	return names
}

// Infos returns a snapshot of every connection in registration order.
func (r *Registry) Infos() []Info {
	conns := r.Connections()
	infos := make([]Info, len(conns))
	for i, c := range conns {
		infos[i] = c.Info()
	}
	return infos
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
