// Package module provides the per-agent module registry. Modules are
// units of capability declared in the agent's config; constructors are
// registered in a startup-time catalog keyed by name, and config selects
// which to instantiate.
package module

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Module is a unit of capability inside an agent with its own lifecycle.
type Module interface {
	Name() string
	Initialize(ctx context.Context, options map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory constructs a module instance.
type Factory func() Module

// Spec declares one module in an agent's config.
type Spec struct {
	Name    string         `json:"name" yaml:"name"`
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Catalog maps module names to constructors. One catalog is built at
// startup and shared by all agents.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty module catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Add registers a module constructor.
func (c *Catalog) Add(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

// Build instantiates a module by name.
func (c *Catalog) Build(name string) (Module, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[name]
	if !ok {
		return nil, fmt.Errorf("no module factory named %q", name)
	}
	return f(), nil
}

// managed tracks one module's lifecycle state.
type managed struct {
	module      Module
	options     map[string]any
	initialized bool
	running     bool
}

// Registry is one agent's module container. Lifecycle hooks run in
// declaration order for initialize/start and reverse order for stop.
type Registry struct {
	agent string

	mu      sync.RWMutex
	order   []string
	modules map[string]*managed
}

// NewRegistry creates an empty registry for the named agent.
func NewRegistry(agent string) *Registry {
	return &Registry{agent: agent, modules: make(map[string]*managed)}
}

// Load instantiates the enabled modules from their declared specs.
// A missing factory is logged and skipped; it must not prevent agent start.
func (r *Registry) Load(catalog *Catalog, specs []Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		mod, err := catalog.Build(spec.Name)
		if err != nil {
			log.Printf("[%s] ⚠️ Module %q not loaded: %v", r.agent, spec.Name, err)
			continue
		}
		r.order = append(r.order, spec.Name)
		r.modules[spec.Name] = &managed{module: mod, options: spec.Options}
	}
}

// InitializeAll initializes modules in declaration order. A failed
// initialize logs a warning and skips the module; the agent still starts.
func (r *Registry) InitializeAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		m := r.modules[name]
		if m.initialized {
			continue
		}
		if err := m.module.Initialize(ctx, m.options); err != nil {
			log.Printf("[%s] ⚠️ Module %q failed to initialize: %v", r.agent, name, err)
			continue
		}
		m.initialized = true
	}
}

// StartAll starts every initialized module in declaration order.
// Idempotent: already-running modules are left alone.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		m := r.modules[name]
		if !m.initialized || m.running {
			continue
		}
		if err := m.module.Start(ctx); err != nil {
			log.Printf("[%s] ⚠️ Module %q failed to start: %v", r.agent, name, err)
			continue
		}
		m.running = true
	}
}

// StopAll stops running modules in reverse declaration order. Idempotent.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		m := r.modules[r.order[i]]
		if !m.running {
			continue
		}
		if err := m.module.Stop(ctx); err != nil {
			log.Printf("[%s] ⚠️ Module %q failed to stop: %v", r.agent, r.order[i], err)
		}
		m.running = false
	}
}

// Get returns a loaded module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, false
	}
	return m.module, true
}

// Count returns the number of loaded modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Running returns the number of running modules.
func (r *Registry) Running() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.modules {
		if m.running {
			n++
		}
	}
	return n
}

// Names returns module names in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
