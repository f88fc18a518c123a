package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
	"github.com/promohive/promohive/internal/storage"
)

func testMsg() schema.Message {
	return schema.NewCommand("content_creation", "generate_content", nil, schema.Meta{})
}

func TestDecideTransientBurnsRetryBudget(t *testing.T) {
	s := New(storage.NewMemory())
	s.SetPolicy("", bus.RetryPolicy{Attempts: 3, Initial: time.Millisecond, Factor: 2, MaxDelay: time.Second})
	e := errs.New(errs.KindTransient, "redis down")

	d := s.Decide("content_creation", testMsg(), e, 0)
	assert.Equal(t, bus.ActionRetry, d.Action)
	d = s.Decide("content_creation", testMsg(), e, 1)
	assert.Equal(t, bus.ActionRetry, d.Action)
	d = s.Decide("content_creation", testMsg(), e, 2)
	assert.Equal(t, bus.ActionDeadLetter, d.Action)
}

func TestDecideInternalRetriedOnce(t *testing.T) {
	s := New(storage.NewMemory())
	e := errs.New(errs.KindInternal, "bug")

	assert.Equal(t, bus.ActionRetry, s.Decide("a", testMsg(), e, 0).Action)
	assert.Equal(t, bus.ActionDeadLetter, s.Decide("a", testMsg(), e, 1).Action)
}

func TestDecideTerminalKindsFailFast(t *testing.T) {
	s := New(storage.NewMemory())
	for _, k := range []errs.Kind{errs.KindValidation, errs.KindNotFound, errs.KindUnauthorized, errs.KindConflict, errs.KindUnsupported, errs.KindCancelled} {
		d := s.Decide("a", testMsg(), errs.New(k, "nope"), 0)
		assert.Equal(t, bus.ActionFail, d.Action, string(k))
	}
}

func TestPerAgentPolicyOverride(t *testing.T) {
	s := New(storage.NewMemory())
	s.SetPolicy("content_creation", bus.RetryPolicy{Attempts: 1, Initial: time.Millisecond, Factor: 2, MaxDelay: time.Second})
	e := errs.New(errs.KindTransient, "flaky")

	// Override exhausts immediately; other agents keep the default budget.
	assert.Equal(t, bus.ActionDeadLetter, s.Decide("content_creation", testMsg(), e, 0).Action)
	assert.Equal(t, bus.ActionRetry, s.Decide("optimization", testMsg(), e, 0).Action)
}

func TestDecisionsAreRecorded(t *testing.T) {
	store := storage.NewMemory()
	s := New(store)
	s.Decide("content_creation", testMsg(), errs.New(errs.KindTransient, "flaky"), 0)
	s.Decide("content_creation", testMsg(), errs.New(errs.KindValidation, "bad"), 0)

	records, err := s.History(context.Background(), "content_creation")
	require.NoError(t, err)
	require.Len(t, records, 2)
	strategies := []Strategy{records[0].Strategy, records[1].Strategy}
	assert.Contains(t, strategies, StrategyRetry)
	assert.Contains(t, strategies, StrategySkip)
}

func TestBreakerTripsAfterWindowFailures(t *testing.T) {
	s := New(storage.NewMemory())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.SetBreaker(BreakerConfig{Failures: 3, Window: 5 * time.Minute, Hold: 30 * time.Second})

	err := errs.New(errs.KindInternal, "won't start")
	s.RecordStartFailure("optimization", err)
	s.RecordStartFailure("optimization", err)

	ok, _ := s.RestartAllowed("optimization")
	assert.True(t, ok)

	s.RecordStartFailure("optimization", err)
	ok, wait := s.RestartAllowed("optimization")
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	// Hold expires.
	now = now.Add(31 * time.Second)
	ok, _ = s.RestartAllowed("optimization")
	assert.True(t, ok)
}

func TestBreakerWindowSlides(t *testing.T) {
	s := New(storage.NewMemory())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.SetBreaker(BreakerConfig{Failures: 3, Window: 5 * time.Minute, Hold: 30 * time.Second})

	err := errs.New(errs.KindInternal, "won't start")
	s.RecordStartFailure("optimization", err)
	s.RecordStartFailure("optimization", err)

	// Old failures age out of the window before the third arrives.
	now = now.Add(6 * time.Minute)
	s.RecordStartFailure("optimization", err)

	ok, _ := s.RestartAllowed("optimization")
	assert.True(t, ok)
}

func TestAnnounceRestart(t *testing.T) {
	r := schema.NewRegistry()
	schema.RegisterCore(r)
	b := bus.New(r, bus.Options{})
	defer b.Close(time.Second)

	got := make(chan schema.Message, 1)
	b.SubscribeEvent("optimization.restarted", func(ctx context.Context, evt schema.Message) { got <- evt })

	s := New(storage.NewMemory())
	s.AnnounceRestart(context.Background(), b, "optimization", "ops-1")

	select {
	case evt := <-got:
		assert.Equal(t, "ops-1", evt.UserID)
		assert.Equal(t, true, evt.Payload["manual"])
	case <-time.After(time.Second):
		t.Fatal("restart event not published")
	}
}
