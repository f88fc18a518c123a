// Package runtime boots the platform: storage backend, schema registry,
// bus, recovery, DLQ, workflow tracker, health monitor, admin API, and
// the configured agents. The CLI drives a Runtime; nothing here parses
// flags.
package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/promohive/promohive/internal/admin"
	"github.com/promohive/promohive/internal/agent"
	"github.com/promohive/promohive/internal/agents"
	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/config"
	"github.com/promohive/promohive/internal/dlq"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/health"
	"github.com/promohive/promohive/internal/llm"
	"github.com/promohive/promohive/internal/module"
	"github.com/promohive/promohive/internal/recovery"
	"github.com/promohive/promohive/internal/schema"
	"github.com/promohive/promohive/internal/storage"
	"github.com/promohive/promohive/internal/storage/redisstore"
	"github.com/promohive/promohive/internal/workflow"
)

// Runtime holds the booted platform.
type Runtime struct {
	Cfg      *config.Config
	Store    storage.Store
	Registry *schema.Registry
	Bus      *bus.Bus
	Recovery *recovery.Service
	DLQ      *dlq.Service
	Tracker  *workflow.Tracker
	Health   *health.Monitor
	Catalog  *module.Catalog
	LLM      llm.Provider

	// ConfigDir enables hot-reload when set before Run.
	ConfigDir string

	admin      *admin.Server
	redisClose func() error

	mu      sync.Mutex
	agents  map[string]*agent.Agent
	started []string // start order, for reverse-order shutdown
}

// New boots every shared service from the merged configuration. Agents
// are built lazily by StartAgent/Run.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{
		Cfg:    cfg,
		agents: make(map[string]*agent.Agent),
	}

	if err := rt.connectStorage(ctx); err != nil {
		return nil, err
	}

	rt.Registry = schema.NewRegistry()
	schema.RegisterCore(rt.Registry)
	if dir := cfg.Messaging.SchemaDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			if err := rt.Registry.LoadDir(dir); err != nil {
				log.Printf("[Runtime] ⚠️ Schema catalog %s: %v", dir, err)
			}
		}
	}

	rt.Bus = bus.New(rt.Registry, busOptions(cfg))

	rt.Recovery = recovery.New(rt.Store)
	rt.Recovery.SetPolicy("", retryPolicy(cfg.Messaging.Retry))
	rt.Bus.SetDecider(rt.Recovery)

	rt.DLQ = dlq.New(rt.Store, rt.Bus)
	rt.Bus.SetDeadLetterSink(rt.DLQ)

	rt.Tracker = workflow.NewTracker()
	rt.Tracker.Attach(rt.Bus)

	rt.Health = health.NewMonitor(30 * time.Second)
	rt.Health.RegisterProbe("storage", rt.Store.Ping)
	rt.Health.RegisterProbe("bus", func(context.Context) error { return rt.Bus.Ping() })

	rt.LLM = buildLLM(cfg.External.LLM)

	rt.Catalog = module.NewCatalog()
	agents.RegisterModules(rt.Catalog, agents.Deps{
		Bus:     rt.Bus,
		Store:   rt.Store,
		LLM:     rt.LLM,
		Catalog: rt.Catalog,
	})

	log.Printf("[Runtime] ✅ Booted (env=%s, storage=%s, schemas=%d)",
		cfg.Env, cfg.Storage.Backend, rt.Registry.Count())
	return rt, nil
}

func (rt *Runtime) connectStorage(ctx context.Context) error {
	switch rt.Cfg.Storage.Backend {
	case "", "memory":
		rt.Store = storage.NewMemory()
	case "redis":
		r, err := redisstore.Connect(ctx, redisstore.Config{
			URL:      rt.Cfg.Storage.URI,
			Password: rt.Cfg.Storage.Password,
			DB:       rt.Cfg.Storage.DB,
		})
		if err != nil {
			log.Printf("[Runtime] ⚠️ Redis unavailable, falling back to memory: %v", err)
			rt.Store = storage.NewMemory()
			return nil
		}
		rt.Store = r
		rt.redisClose = r.Close
	default:
		return errs.Newf(errs.KindValidation, "unknown storage backend %q", rt.Cfg.Storage.Backend)
	}
	return nil
}

func busOptions(cfg *config.Config) bus.Options {
	timeouts := make(map[string]time.Duration)
	for _, ac := range cfg.Agents {
		for cmdType, sec := range ac.CommandTimeoutsSec {
			timeouts[cmdType] = time.Duration(sec) * time.Second
		}
	}
	return bus.Options{
		Concurrency:     cfg.Messaging.Concurrency,
		QueueSize:       cfg.Messaging.QueueSize,
		HandlerTimeout:  time.Duration(cfg.Messaging.HandlerTimeoutSec) * time.Second,
		CommandTimeouts: timeouts,
	}
}

func retryPolicy(r config.Retry) bus.RetryPolicy {
	p := bus.DefaultRetryPolicy()
	if r.Attempts > 0 {
		p.Attempts = r.Attempts
	}
	if r.InitialMs > 0 {
		p.Initial = time.Duration(r.InitialMs) * time.Millisecond
	}
	if r.Factor > 0 {
		p.Factor = r.Factor
	}
	if r.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	return p
}

// buildLLM picks the first configured provider, preferring "openai".
// Providers are optional: agents degrade to template output without one.
func buildLLM(providers map[string]config.LLMProvider) llm.Provider {
	if p, ok := providers["openai"]; ok && p.APIKey != "" {
		return llm.NewOpenAIClient(p.APIKey, p.APIBase, p.Model)
	}
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := providers[name]
		if p.APIKey != "" && p.APIBase != "" {
			return llm.NewOpenAIClient(p.APIKey, p.APIBase, p.Model)
		}
	}
	return nil
}

// StartAgent builds (if needed) and starts one agent. Restarts go
// through the circuit breaker; manual restarts are announced with user
// attribution.
func (rt *Runtime) StartAgent(ctx context.Context, name, userID string) error {
	if !agents.IsKnown(name) {
		return errs.Newf(errs.KindNotFound, "unknown agent %q", name)
	}

	rt.mu.Lock()
	a, existed := rt.agents[name]
	rt.mu.Unlock()

	restart := existed && !a.IsRunning()
	if restart {
		if ok, wait := rt.Recovery.RestartAllowed(name); !ok {
			return errs.Newf(errs.KindConflict, "restart of %q held by circuit breaker for %s", name, wait.Round(time.Second))
		}
	}

	if !existed {
		built, err := agents.Build(name, agents.Deps{
			Bus:     rt.Bus,
			Store:   rt.Store,
			LLM:     rt.LLM,
			Catalog: rt.Catalog,
		}, rt.Cfg.Agents[name])
		if err != nil {
			return err
		}
		a = built
		rt.mu.Lock()
		rt.agents[name] = a
		rt.mu.Unlock()
	}

	if err := a.Start(ctx); err != nil {
		rt.Recovery.RecordStartFailure(name, err)
		return err
	}

	rt.mu.Lock()
	rt.started = append(rt.started, name)
	rt.mu.Unlock()

	rt.Health.RegisterAgent(name, func() health.AgentStatus {
		s := a.Snapshot()
		return health.AgentStatus{
			Name:           s.Name,
			Running:        s.Running,
			Modules:        s.Modules,
			ModulesRunning: s.ModulesRunning,
			LastActivity:   s.LastActivity,
		}
	})

	if restart {
		rt.Recovery.AnnounceRestart(ctx, rt.Bus, name, userID)
	}
	return nil
}

// StopAgent stops one agent; its subscriptions and command queue binding
// are removed.
func (rt *Runtime) StopAgent(ctx context.Context, name string) error {
	rt.mu.Lock()
	a, ok := rt.agents[name]
	rt.mu.Unlock()
	if !ok {
		return errs.Newf(errs.KindNotFound, "agent %q is not loaded", name)
	}
	rt.Health.UnregisterAgent(name)
	return a.Stop(ctx)
}

// Agent returns a loaded agent by name.
func (rt *Runtime) Agent(name string) (*agent.Agent, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	a, ok := rt.agents[name]
	return a, ok
}

// AgentStatuses snapshots every loaded agent, sorted by name.
func (rt *Runtime) AgentStatuses() []agent.Status {
	rt.mu.Lock()
	loaded := make([]*agent.Agent, 0, len(rt.agents))
	for _, a := range rt.agents {
		loaded = append(loaded, a)
	}
	rt.mu.Unlock()

	out := make([]agent.Status, 0, len(loaded))
	for _, a := range loaded {
		out = append(out, a.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// enabledAgents lists the agents config enables, in canonical order.
func (rt *Runtime) enabledAgents() []string {
	var out []string
	for _, name := range agents.Known() {
		if ac, ok := rt.Cfg.Agents[name]; ok && ac.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Run starts the named agents (all enabled ones when names is empty),
// the health monitor, and the admin API, then blocks until ctx is
// cancelled and shuts everything down gracefully.
func (rt *Runtime) Run(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = rt.enabledAgents()
	}
	if len(names) == 0 {
		return errs.New(errs.KindValidation, "no agents enabled")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := rt.StartAgent(gctx, name, ""); err != nil {
				return fmt.Errorf("start %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rt.shutdown()
		return err
	}

	go rt.Health.Run(runCtx)

	rt.admin = admin.NewServer(rt.Cfg.External.AdminPort, rt.Cfg.External.AdminAPIKey, admin.Deps{
		Bus:        rt.Bus,
		Health:     rt.Health,
		Tracker:    rt.Tracker,
		DLQ:        rt.DLQ,
		Agents:     rt.AgentStatuses,
		StartAgent: rt.StartAgent,
		StopAgent:  rt.StopAgent,
		Shutdown:   cancel,
	})
	go func() {
		if err := rt.admin.Start(runCtx); err != nil {
			log.Printf("[Runtime] ⚠️ Admin API: %v", err)
		}
	}()

	if rt.ConfigDir != "" {
		go rt.watchConfig(runCtx)
	}

	log.Printf("[Runtime] ✅ Running %d agent(s): %v", len(names), names)
	<-runCtx.Done()

	rt.shutdown()
	return nil
}

// watchConfig hot-applies the settings that can change without a
// restart: the default retry policy. Everything else needs a restart
// and is only logged.
func (rt *Runtime) watchConfig(ctx context.Context) {
	err := config.Watch(ctx, rt.ConfigDir, rt.Cfg.Env, func(next *config.Config) {
		rt.Recovery.SetPolicy("", retryPolicy(next.Messaging.Retry))
		log.Println("[Runtime] ✅ Applied updated retry policy from config")
	})
	if err != nil {
		log.Printf("[Runtime] ⚠️ Config watcher: %v", err)
	}
}

// shutdown stops agents in reverse start order, drains the bus within
// the configured grace, then releases shared resources.
func (rt *Runtime) shutdown() {
	log.Println("[Runtime] Shutting down…")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt.mu.Lock()
	order := append([]string(nil), rt.started...)
	rt.mu.Unlock()
	seen := make(map[string]bool, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := rt.StopAgent(ctx, name); err != nil {
			log.Printf("[Runtime] ⚠️ Stop %s: %v", name, err)
		}
	}

	grace := time.Duration(rt.Cfg.Messaging.GracefulShutdownSec) * time.Second
	if grace <= 0 {
		grace = 20 * time.Second
	}
	rt.Bus.Close(grace)
	rt.Tracker.Detach()

	if rt.admin != nil {
		rt.admin.Stop()
	}
	if rt.redisClose != nil {
		if err := rt.redisClose(); err != nil {
			log.Printf("[Runtime] ⚠️ Closing redis: %v", err)
		}
	}
	log.Println("[Runtime] ✅ Shutdown complete")
}
