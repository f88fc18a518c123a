package bus

import (
	"math"
	"math/rand"
	"time"

	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
)

// Action is what the bus does with a failed delivery.
type Action int

const (
	ActionFail Action = iota // publish failure event, stop
	ActionRetry
	ActionDeadLetter // publish failure event, hand to DLQ
)

// Decision is the recovery verdict for one failed handler invocation.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Decider owns the retry policy. The recovery service implements this;
// the bus falls back to a default policy when none is injected.
type Decider interface {
	Decide(agent string, msg schema.Message, e *errs.Error, attempt int) Decision
}

// RetryPolicy parameterizes exponential backoff with jitter.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Factor   float64
	MaxDelay time.Duration
}

// DefaultRetryPolicy mirrors the documented defaults: 3 attempts,
// 100ms initial, factor 2, 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Initial:  100 * time.Millisecond,
		Factor:   2,
		MaxDelay: 30 * time.Second,
	}
}

// BackoffDelay computes delay = min(initial*factor^attempt + rand(0, initial), max).
func BackoffDelay(p RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	base := float64(p.Initial) * math.Pow(p.Factor, float64(attempt))
	jitter := float64(0)
	if rng != nil && p.Initial > 0 {
		jitter = float64(rng.Int63n(int64(p.Initial)))
	}
	d := time.Duration(base + jitter)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// defaultDecider applies the error taxonomy with a single retry policy:
// transient and timeout errors use the full retry budget, internal errors
// get exactly one retry, everything else fails immediately.
type defaultDecider struct {
	policy RetryPolicy
	rng    *rand.Rand
}

func (d *defaultDecider) Decide(agent string, msg schema.Message, e *errs.Error, attempt int) Decision {
	switch e.Code {
	case errs.KindTransient, errs.KindTimeout:
		if attempt+1 < d.policy.Attempts {
			return Decision{Action: ActionRetry, Delay: BackoffDelay(d.policy, attempt, d.rng)}
		}
		return Decision{Action: ActionDeadLetter}
	case errs.KindInternal:
		if attempt == 0 {
			return Decision{Action: ActionRetry, Delay: BackoffDelay(d.policy, attempt, d.rng)}
		}
		return Decision{Action: ActionDeadLetter}
	default:
		// validation, not_found, unauthorized, conflict, unsupported,
		// cancelled: terminal, never dead-lettered.
		return Decision{Action: ActionFail}
	}
}
