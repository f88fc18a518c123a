package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promohive/promohive/internal/errs"
)

func TestSnapshotCollectsAgentsAndProbes(t *testing.T) {
	m := NewMonitor(time.Minute)
	m.RegisterAgent("content_strategy", func() AgentStatus {
		return AgentStatus{Name: "content_strategy", Running: true, Modules: 2, ModulesRunning: 2}
	})
	m.RegisterAgent("optimization", func() AgentStatus {
		return AgentStatus{Name: "optimization", Running: false}
	})
	m.RegisterProbe("storage", func(ctx context.Context) error { return nil })
	m.RegisterProbe("bus", func(ctx context.Context) error {
		return errs.New(errs.KindTransient, "bus is closed")
	})

	report := m.Snapshot(context.Background())
	require.Len(t, report.Agents, 2)
	names := map[string]bool{}
	for _, a := range report.Agents {
		names[a.Name] = a.Running
	}
	assert.True(t, names["content_strategy"])
	assert.False(t, names["optimization"])

	assert.Equal(t, "ok", report.Probes["storage"])
	assert.Contains(t, report.Probes["bus"], "bus is closed")
	assert.False(t, report.Timestamp.IsZero())
}

func TestLatestReturnsCachedReport(t *testing.T) {
	m := NewMonitor(time.Minute)
	calls := 0
	m.RegisterProbe("storage", func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.Zero(t, m.Latest().Timestamp)

	first := m.Snapshot(context.Background())
	assert.Equal(t, first.Timestamp, m.Latest().Timestamp)
	m.Latest()
	assert.Equal(t, 1, calls)
}

func TestUnregisterAgent(t *testing.T) {
	m := NewMonitor(time.Minute)
	m.RegisterAgent("content_strategy", func() AgentStatus {
		return AgentStatus{Name: "content_strategy", Running: true}
	})
	m.UnregisterAgent("content_strategy")

	report := m.Snapshot(context.Background())
	assert.Empty(t, report.Agents)
}

func TestRunSnapshotsUntilCancelled(t *testing.T) {
	m := NewMonitor(10 * time.Millisecond)
	probed := make(chan struct{}, 8)
	m.RegisterProbe("storage", func(ctx context.Context) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-probed:
	case <-time.After(time.Second):
		t.Fatal("monitor never probed")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
