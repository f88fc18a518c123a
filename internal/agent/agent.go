// Package agent implements the generic agent core: it binds a module
// registry and the bus, translates inbound commands into registered
// handlers, and emits correlated success/failure events. Concrete agents
// are built by registering handlers and event subscriptions on an Agent;
// there is no dispatch-by-reflection, only the registration table.
package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/config"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/module"
	"github.com/promohive/promohive/internal/schema"
)

// Handler processes one command and returns the success event payload.
// Errors must be classified (errs.Error) so the bus can apply policy.
type Handler func(ctx context.Context, cmd schema.Message) (map[string]any, error)

type registration struct {
	successEvent string
	fn           Handler
}

type subscription struct {
	pattern string
	handler bus.EventHandler
}

// Status is the copy-on-read snapshot external readers see.
type Status struct {
	Name           string    `json:"name"`
	Running        bool      `json:"running"`
	Initialized    bool      `json:"initialized"`
	Modules        int       `json:"modules"`
	ModulesRunning int       `json:"modulesRunning"`
	Subscriptions  []string  `json:"subscriptions"`
	LastActivity   time.Time `json:"lastActivity"`
}

// Agent is one named long-lived component consuming commands and
// publishing events. Exactly one instance per name per process.
type Agent struct {
	name    string
	bus     *bus.Bus
	catalog *module.Catalog
	cfg     config.AgentConfig
	modules *module.Registry

	mu           sync.RWMutex
	handlers     map[string]registration
	declared     []subscription
	active       []*bus.Subscription
	initialized  bool
	running      bool
	lastActivity time.Time
}

// New creates an agent bound to the bus and module catalog. A zero-value
// config is allowed: the agent starts with reduced functionality.
func New(name string, b *bus.Bus, catalog *module.Catalog, cfg config.AgentConfig) *Agent {
	a := &Agent{
		name:     name,
		bus:      b,
		catalog:  catalog,
		cfg:      cfg,
		modules:  module.NewRegistry(name),
		handlers: make(map[string]registration),
	}
	a.Register("cli_request", "cli_response", a.handleCLIRequest)
	a.handlers["status"] = registration{successEvent: "status_reported", fn: a.handleStatusQuery}
	return a
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Modules exposes the agent's module registry to its handlers.
func (a *Agent) Modules() *module.Registry { return a.modules }

// Config returns the agent's config slice.
func (a *Agent) Config() config.AgentConfig { return a.cfg }

// Register binds a command type to its handler and declares both the
// command and its success event in the schema catalog. New commands need
// no dispatch table edits anywhere else.
func (a *Agent) Register(cmdType, successEvent string, h Handler) {
	a.mu.Lock()
	a.handlers[cmdType] = registration{successEvent: successEvent, fn: h}
	a.mu.Unlock()

	reg := a.bus.Registry()
	if _, ok := reg.Lookup(schema.KindCommand, cmdType); !ok {
		reg.Register(schema.Definition{Name: cmdType, Kind: schema.KindCommand, Owner: a.name})
	}
	if successEvent != "" {
		if _, ok := reg.Lookup(schema.KindEvent, successEvent); !ok {
			reg.Register(schema.Definition{Name: successEvent, Kind: schema.KindEvent})
		}
	}
}

// SubscribeEvent declares a peer-event subscription, bound when the agent
// initializes and torn down when it stops.
func (a *Agent) SubscribeEvent(pattern string, h bus.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.declared = append(a.declared, subscription{pattern: pattern, handler: h})
	if a.initialized {
		a.active = append(a.active, a.bus.SubscribeEvent(pattern, h))
	}
}

// Initialize loads modules from config, subscribes the command queue, and
// binds declared event subscriptions. Idempotent. Missing config does not
// prevent startup; the agent logs a warning and runs reduced.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return nil
	}
	declared := append([]subscription(nil), a.declared...)
	a.mu.Unlock()

	if len(a.cfg.Modules) == 0 {
		log.Printf("[%s] ⚠️ No modules configured, running with reduced functionality", a.name)
	}
	a.modules.Load(a.catalog, a.cfg.Modules)
	a.modules.InitializeAll(ctx)

	if err := a.bus.SubscribeCommand(a.name, a.dispatch); err != nil {
		return err
	}

	active := make([]*bus.Subscription, 0, len(declared))
	for _, sub := range declared {
		active = append(active, a.bus.SubscribeEvent(sub.pattern, sub.handler))
	}

	a.mu.Lock()
	a.active = active
	a.initialized = true
	a.lastActivity = time.Now().UTC()
	a.mu.Unlock()

	log.Printf("[%s] ✅ Initialized (%d modules, %d subscriptions)", a.name, a.modules.Count(), len(active))
	return nil
}

// Start initializes if needed and starts all modules in declared order.
// Starting an already-running agent is a no-op.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.Initialize(ctx); err != nil {
		return err
	}
	a.modules.StartAll(ctx)

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	log.Printf("[%s] ✅ Started", a.name)
	return nil
}

// Stop stops modules in reverse order and removes every subscription, so
// none survives the stop. Stopping an already-stopped agent is a no-op.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.initialized && !a.running {
		a.mu.Unlock()
		return nil
	}
	active := a.active
	a.active = nil
	a.initialized = false
	a.running = false
	a.mu.Unlock()

	a.modules.StopAll(ctx)
	for _, sub := range active {
		sub.Cancel()
	}
	a.bus.UnsubscribeCommand(a.name)
	log.Printf("[%s] ✅ Stopped", a.name)
	return nil
}

// IsRunning reports the agent's running flag.
func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// dispatch is the single command consumer bound to the agent's queue.
func (a *Agent) dispatch(ctx context.Context, cmd schema.Message) error {
	a.mu.RLock()
	reg, ok := a.handlers[cmd.Type]
	a.mu.RUnlock()

	defer a.touch()

	if !ok {
		return errs.Newf(errs.KindUnsupported, "agent %q does not handle %q", a.name, cmd.Type)
	}

	result, err := reg.fn(ctx, cmd)
	if err != nil {
		return err
	}

	if reg.successEvent != "" {
		if _, err := a.bus.PublishEvent(ctx, a.name, reg.successEvent, result, schema.Meta{
			Source:        a.name,
			CorrelationID: cmd.ID,
			UserID:        cmd.UserID,
			SessionID:     cmd.SessionID,
		}); err != nil {
			return errs.Newf(errs.KindInternal, "publish %s: %v", reg.successEvent, err)
		}
	}
	return nil
}

// PublishEvent emits "<name>.<type>" on the shared event topic.
func (a *Agent) PublishEvent(ctx context.Context, typ string, payload map[string]any, correlationID string) error {
	reg := a.bus.Registry()
	if _, ok := reg.Lookup(schema.KindEvent, typ); !ok {
		reg.Register(schema.Definition{Name: typ, Kind: schema.KindEvent})
	}
	_, err := a.bus.PublishEvent(ctx, a.name, typ, payload, schema.Meta{
		Source:        a.name,
		CorrelationID: correlationID,
	})
	return err
}

// SendCommand publishes a command to a peer agent's queue. Agent-to-agent
// wiring is always bus-mediated, never a direct reference.
func (a *Agent) SendCommand(ctx context.Context, agent, typ string, payload map[string]any, correlationID string) (string, error) {
	return a.bus.PublishCommand(ctx, agent, typ, payload, schema.Meta{
		Source:        a.name,
		CorrelationID: correlationID,
	})
}

func (a *Agent) touch() {
	a.mu.Lock()
	a.lastActivity = time.Now().UTC()
	a.mu.Unlock()
}

// Snapshot returns a consistent copy for external readers.
func (a *Agent) Snapshot() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	subs := make([]string, len(a.active))
	for i, sub := range a.active {
		subs[i] = sub.Pattern()
	}
	return Status{
		Name:           a.name,
		Running:        a.running,
		Initialized:    a.initialized,
		Modules:        a.modules.Count(),
		ModulesRunning: a.modules.Running(),
		Subscriptions:  subs,
		LastActivity:   a.lastActivity,
	}
}

// handleStatusQuery answers the shared "status" query.
func (a *Agent) handleStatusQuery(ctx context.Context, cmd schema.Message) (map[string]any, error) {
	s := a.Snapshot()
	return map[string]any{
		"agent":          s.Name,
		"running":        s.Running,
		"modules":        s.Modules,
		"modulesRunning": s.ModulesRunning,
		"subscriptions":  s.Subscriptions,
		"lastActivity":   s.LastActivity.Format(time.RFC3339),
	}, nil
}

// handleCLIRequest answers interactive-mode lines with the agent's state.
func (a *Agent) handleCLIRequest(ctx context.Context, cmd schema.Message) (map[string]any, error) {
	line := cmd.String("line")
	if line == "" {
		return nil, errs.New(errs.KindValidation, "cli_request needs a line")
	}
	return map[string]any{
		"agent":   a.name,
		"line":    line,
		"running": a.IsRunning(),
		"modules": a.modules.Names(),
	}, nil
}
