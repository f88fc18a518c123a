// Package health tracks per-agent liveness and backend reachability and
// surfaces read-only snapshots to the admin API.
package health

import (
	"context"
	"log"
	"sync"
	"time"
)

// AgentStatus is one agent's copy-on-read state.
type AgentStatus struct {
	Name           string    `json:"name"`
	Running        bool      `json:"running"`
	Modules        int       `json:"modules"`
	ModulesRunning int       `json:"modulesRunning"`
	LastActivity   time.Time `json:"lastActivity"`
}

// Probe checks one shared resource (storage, bus).
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is one health snapshot.
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Agents    []AgentStatus     `json:"agents"`
	Probes    map[string]string `json:"probes"`
}

// Monitor periodically snapshots agent registrations and probes.
type Monitor struct {
	interval time.Duration

	mu     sync.RWMutex
	agents map[string]func() AgentStatus
	probes []Probe
	last   Report
}

// NewMonitor creates a monitor snapshotting at the given interval
// (default 30s).
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		interval: interval,
		agents:   make(map[string]func() AgentStatus),
	}
}

// RegisterAgent adds an agent's snapshot function.
func (m *Monitor) RegisterAgent(name string, snapshot func() AgentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[name] = snapshot
}

// UnregisterAgent removes an agent from the registration table.
func (m *Monitor) UnregisterAgent(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, name)
}

// RegisterProbe adds a reachability probe.
func (m *Monitor) RegisterProbe(name string, check func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, Probe{Name: name, Check: check})
}

// Snapshot builds a fresh report and caches it as the latest.
func (m *Monitor) Snapshot(ctx context.Context) Report {
	m.mu.RLock()
	snapshots := make([]func() AgentStatus, 0, len(m.agents))
	for _, fn := range m.agents {
		snapshots = append(snapshots, fn)
	}
	probes := append([]Probe(nil), m.probes...)
	m.mu.RUnlock()

	report := Report{
		Timestamp: time.Now().UTC(),
		Probes:    make(map[string]string, len(probes)),
	}
	for _, fn := range snapshots {
		report.Agents = append(report.Agents, fn())
	}
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := p.Check(pctx); err != nil {
			report.Probes[p.Name] = err.Error()
		} else {
			report.Probes[p.Name] = "ok"
		}
		cancel()
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

// Latest returns the most recent report without re-probing.
func (m *Monitor) Latest() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run snapshots periodically until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.Snapshot(ctx)
			down := 0
			for _, status := range report.Probes {
				if status != "ok" {
					down++
				}
			}
			if down > 0 {
				log.Printf("[Health] ⚠️ %d probe(s) failing", down)
			}
		}
	}
}
