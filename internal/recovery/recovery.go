// Package recovery owns the retry policy. It decides what happens to a
// failed handler invocation (retry with backoff, dead-letter, or fail
// fast), records every decision per agent, and circuit-breaks repeated
// agent start failures before allowing a restart.
package recovery

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
	"github.com/promohive/promohive/internal/storage"
)

const recordCollection = "recovery_records"

// Strategy names the recovery decision in the append-only history.
type Strategy string

const (
	StrategyRetry   Strategy = "retry"
	StrategyRestart Strategy = "restart"
	StrategySkip    Strategy = "skip"
)

// Record is one recovery decision, append-only.
type Record struct {
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
	Strategy  Strategy  `json:"strategy"`
	Error     string    `json:"error"`
}

// BreakerConfig tunes the agent-restart circuit breaker.
type BreakerConfig struct {
	Failures int           // failures within Window that trip the breaker
	Window   time.Duration
	Hold     time.Duration // how long to hold before allowing a restart
}

// DefaultBreakerConfig is 3 failures in 5 minutes, then a 30 second hold.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Failures: 3, Window: 5 * time.Minute, Hold: 30 * time.Second}
}

type breakerState struct {
	failures  []time.Time
	holdUntil time.Time
}

// Service implements bus.Decider with per-agent retry policies and keeps
// the recovery history.
type Service struct {
	store   storage.Store
	breaker BreakerConfig

	mu       sync.Mutex
	policies map[string]bus.RetryPolicy // per agent; "" is the default
	breakers map[string]*breakerState
	rng      *rand.Rand
	now      func() time.Time
}

// New creates a recovery service with the default policy and breaker.
func New(store storage.Store) *Service {
	return &Service{
		store:    store,
		breaker:  DefaultBreakerConfig(),
		policies: map[string]bus.RetryPolicy{"": bus.DefaultRetryPolicy()},
		breakers: make(map[string]*breakerState),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// SetPolicy overrides the retry policy for one agent ("" for the default).
func (s *Service) SetPolicy(agent string, p bus.RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[agent] = p
}

// SetBreaker overrides the restart circuit breaker configuration.
func (s *Service) SetBreaker(cfg BreakerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker = cfg
}

func (s *Service) policyFor(agent string) bus.RetryPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[agent]; ok {
		return p
	}
	return s.policies[""]
}

// Decide applies the error taxonomy: transient and timeout errors burn
// the retry budget, internal errors get one retry, everything else fails
// immediately without dead-lettering. Every decision is recorded.
func (s *Service) Decide(agent string, msg schema.Message, e *errs.Error, attempt int) bus.Decision {
	policy := s.policyFor(agent)

	var d bus.Decision
	switch e.Code {
	case errs.KindTransient, errs.KindTimeout:
		if attempt+1 < policy.Attempts {
			s.mu.Lock()
			delay := bus.BackoffDelay(policy, attempt, s.rng)
			s.mu.Unlock()
			d = bus.Decision{Action: bus.ActionRetry, Delay: delay}
		} else {
			d = bus.Decision{Action: bus.ActionDeadLetter}
		}
	case errs.KindInternal:
		if attempt == 0 {
			s.mu.Lock()
			delay := bus.BackoffDelay(policy, attempt, s.rng)
			s.mu.Unlock()
			d = bus.Decision{Action: bus.ActionRetry, Delay: delay}
		} else {
			d = bus.Decision{Action: bus.ActionDeadLetter}
		}
	default:
		d = bus.Decision{Action: bus.ActionFail}
	}

	s.record(agent, decisionStrategy(d), e.Error())
	return d
}

func decisionStrategy(d bus.Decision) Strategy {
	if d.Action == bus.ActionRetry {
		return StrategyRetry
	}
	return StrategySkip
}

// record appends a recovery record; history writes never block a decision.
func (s *Service) record(agent string, strategy Strategy, errMsg string) {
	rec := Record{
		AgentID:   agent,
		Timestamp: s.now().UTC(),
		Strategy:  strategy,
		Error:     errMsg,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.store.Store(ctx, recordCollection, map[string]any{
		"agentId":   rec.AgentID,
		"timestamp": rec.Timestamp.Format(time.RFC3339Nano),
		"strategy":  string(rec.Strategy),
		"error":     rec.Error,
	})
	if err != nil {
		log.Printf("[Recovery] ⚠️ Failed to record decision for %s: %v", agent, err)
	}
}

// History returns the recovery records for an agent, newest first.
func (s *Service) History(ctx context.Context, agent string) ([]Record, error) {
	docs, err := s.store.Find(ctx, recordCollection, map[string]any{"agentId": agent},
		&storage.FindOptions{SortBy: "timestamp", Desc: true})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec := Record{}
		rec.AgentID, _ = doc["agentId"].(string)
		rec.Error, _ = doc["error"].(string)
		if st, ok := doc["strategy"].(string); ok {
			rec.Strategy = Strategy(st)
		}
		if ts, ok := doc["timestamp"].(string); ok {
			rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecordStartFailure notes an initialization/start failure for the
// breaker window and records it in the history.
func (s *Service) RecordStartFailure(agent string, err error) {
	s.mu.Lock()
	st, ok := s.breakers[agent]
	if !ok {
		st = &breakerState{}
		s.breakers[agent] = st
	}
	now := s.now()
	cutoff := now.Add(-s.breaker.Window)
	kept := st.failures[:0]
	for _, t := range st.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.failures = append(kept, now)
	tripped := len(st.failures) >= s.breaker.Failures
	if tripped {
		st.holdUntil = now.Add(s.breaker.Hold)
		st.failures = nil
	}
	s.mu.Unlock()

	s.record(agent, StrategyRestart, err.Error())
	if tripped {
		log.Printf("[Recovery] ⚠️ Circuit breaker tripped for %s, holding %s", agent, s.breaker.Hold)
	}
}

// RestartAllowed reports whether a restart may proceed now, and if not,
// how long to wait.
func (s *Service) RestartAllowed(agent string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.breakers[agent]
	if !ok {
		return true, 0
	}
	now := s.now()
	if now.Before(st.holdUntil) {
		return false, st.holdUntil.Sub(now)
	}
	return true, 0
}

// AnnounceRestart publishes "<agent>.restarted" with user attribution when
// the restart was manual.
func (s *Service) AnnounceRestart(ctx context.Context, b *bus.Bus, agent, userID string) {
	payload := map[string]any{"agent": agent}
	meta := schema.Meta{Source: "system"}
	if userID != "" {
		payload["manual"] = true
		meta.UserID = userID
	}
	if _, err := b.PublishEvent(ctx, agent, "restarted", payload, meta); err != nil {
		log.Printf("[Recovery] ⚠️ Failed to announce restart of %s: %v", agent, err)
	}
}
