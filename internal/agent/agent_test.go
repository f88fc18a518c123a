package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/config"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/module"
	"github.com/promohive/promohive/internal/schema"
)

func testAgent(t *testing.T) (*Agent, *bus.Bus) {
	t.Helper()
	r := schema.NewRegistry()
	schema.RegisterCore(r)
	b := bus.New(r, bus.Options{})
	t.Cleanup(func() { b.Close(time.Second) })

	a := New("content_strategy", b, module.NewCatalog(), config.AgentConfig{Enabled: true})
	return a, b
}

func TestRegisterDeclaresVocabulary(t *testing.T) {
	a, b := testAgent(t)
	a.Register("create_brief", "brief_created", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		return map[string]any{"brief_id": "b-1"}, nil
	})

	_, ok := b.Registry().Lookup(schema.KindCommand, "create_brief")
	assert.True(t, ok)
	def, ok := b.Registry().Lookup(schema.KindCommand, "create_brief")
	require.True(t, ok)
	assert.Equal(t, "content_strategy", def.Owner)
	_, ok = b.Registry().Lookup(schema.KindEvent, "brief_created")
	assert.True(t, ok)
}

func TestDispatchPublishesCorrelatedSuccessEvent(t *testing.T) {
	a, b := testAgent(t)
	a.Register("create_brief", "brief_created", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		return map[string]any{"brief_id": "b-1", "topic": cmd.String("topic")}, nil
	})
	require.NoError(t, a.Start(context.Background()))

	got := make(chan schema.Message, 1)
	b.SubscribeEvent("content_strategy.brief_created", func(ctx context.Context, evt schema.Message) { got <- evt })

	id, err := b.PublishCommand(context.Background(), "content_strategy", "create_brief",
		map[string]any{"topic": "fall launch"}, schema.Meta{UserID: "u-1"})
	require.NoError(t, err)

	select {
	case evt := <-got:
		assert.Equal(t, id, evt.CorrelationID)
		assert.Equal(t, "b-1", evt.String("brief_id"))
		assert.Equal(t, "u-1", evt.UserID) // attribution carried through
	case <-time.After(time.Second):
		t.Fatal("no success event")
	}
}

func TestUnknownCommandTypeIsUnsupported(t *testing.T) {
	a, b := testAgent(t)
	require.NoError(t, a.Start(context.Background()))

	// Registered in the catalog but no handler on this agent.
	b.Registry().Register(schema.Definition{Name: "mystery", Kind: schema.KindCommand, Owner: "content_strategy"})

	got := make(chan schema.Message, 1)
	b.SubscribeEvent("content_strategy.mystery.failed", func(ctx context.Context, evt schema.Message) { got <- evt })

	_, err := b.PublishCommand(context.Background(), "content_strategy", "mystery", nil, schema.Meta{})
	require.NoError(t, err)

	select {
	case evt := <-got:
		errBody := evt.Payload["error"].(map[string]any)
		assert.Equal(t, string(errs.KindUnsupported), errBody["code"])
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
	_ = a
}

func TestStartIsIdempotent(t *testing.T) {
	a, _ := testAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.IsRunning())
}

func TestStopRemovesSubscriptions(t *testing.T) {
	a, b := testAgent(t)
	var seen atomic.Int32
	a.SubscribeEvent("content_creation.content_created", func(ctx context.Context, evt schema.Message) {
		seen.Add(1)
	})
	b.Registry().Register(schema.Definition{Name: "content_created", Kind: schema.KindEvent})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	_, err := b.PublishEvent(ctx, "content_creation", "content_created", nil, schema.Meta{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return seen.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop(ctx))
	assert.False(t, a.IsRunning())
	assert.Empty(t, b.Subscriptions())

	_, err = b.PublishEvent(ctx, "content_creation", "content_created", nil, schema.Meta{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), seen.Load())

	// Stopping again is a no-op.
	require.NoError(t, a.Stop(ctx))
}

func TestRestartAfterStop(t *testing.T) {
	a, b := testAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.IsRunning())

	// Command queue consumer is bound again after the restart.
	reply, err := b.Query(ctx, "content_strategy", "cli_request", map[string]any{"line": "ping"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", reply.String("line"))
}

func TestStatusQuery(t *testing.T) {
	a, b := testAgent(t)
	require.NoError(t, a.Start(context.Background()))

	reply, err := b.Query(context.Background(), "content_strategy", "status", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "content_strategy", reply.String("agent"))
	assert.Equal(t, true, reply.Payload["running"])
	_ = a
}

func TestSnapshot(t *testing.T) {
	a, _ := testAgent(t)
	a.SubscribeEvent("content_creation.*", func(ctx context.Context, evt schema.Message) {})
	require.NoError(t, a.Start(context.Background()))

	s := a.Snapshot()
	assert.Equal(t, "content_strategy", s.Name)
	assert.True(t, s.Running)
	assert.True(t, s.Initialized)
	assert.Equal(t, []string{"content_creation.*"}, s.Subscriptions)
	assert.False(t, s.LastActivity.IsZero())
}

func TestCLIRequestRequiresLine(t *testing.T) {
	a, b := testAgent(t)
	require.NoError(t, a.Start(context.Background()))

	got := make(chan schema.Message, 1)
	b.SubscribeEvent("content_strategy.cli_request.failed", func(ctx context.Context, evt schema.Message) { got <- evt })

	// A blank line passes schema validation but fails in the handler.
	_, err := b.PublishCommand(context.Background(), "content_strategy", "cli_request",
		map[string]any{"line": ""}, schema.Meta{})
	require.NoError(t, err)

	select {
	case evt := <-got:
		errBody := evt.Payload["error"].(map[string]any)
		assert.Equal(t, string(errs.KindValidation), errBody["code"])
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}
