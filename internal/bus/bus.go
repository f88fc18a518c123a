// Package bus is the in-process message broker tying agents together.
// It carries three primitives: commands (point-to-point, one consumer per
// agent queue), events (fan-out by "<agent>.<type>" routing key), and
// queries (request/reply via correlation id). Every message is validated
// against the schema registry; failed handlers go through the recovery
// decider and land in the dead-letter sink when retries are exhausted.
package bus

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
)

// CommandHandler processes one command delivery. A nil return acknowledges
// the message; a classified error drives the retry/dead-letter policy.
type CommandHandler func(ctx context.Context, cmd schema.Message) error

// EventHandler consumes one event. Event handlers never fail the bus;
// they run on a dedicated per-subscription goroutine.
type EventHandler func(ctx context.Context, evt schema.Message)

// FailedMessage is handed to the dead-letter sink after retries exhaust.
type FailedMessage struct {
	Agent         string
	Msg           schema.Message
	Err           errs.Error
	Attempts      int
	FirstFailedAt time.Time
}

// DeadLetterSink receives permanently failed messages.
type DeadLetterSink interface {
	Insert(ctx context.Context, fm FailedMessage) error
}

// Options tunes delivery behavior.
type Options struct {
	Concurrency      int                      // parallel handlers per agent (default 8)
	QueueSize        int                      // per-agent command buffer (default 128)
	HandlerTimeout   time.Duration            // default handler deadline (default 30s)
	CommandTimeouts  map[string]time.Duration // per command type overrides
	SubscriberBuffer int                      // per-subscription event buffer (default 256)
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 128
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 256
	}
	return o
}

// Bus is the process-wide message broker. Construct one at boot and
// inject it; there is no ambient global instance.
type Bus struct {
	registry *schema.Registry
	opts     Options
	decider  Decider
	dlq      DeadLetterSink

	mu      sync.RWMutex
	queues  map[string]*commandQueue
	subs    []*Subscription
	pending map[string]chan schema.Message
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bus validating against the given schema registry.
func New(registry *schema.Registry, opts Options) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		registry: registry,
		opts:     opts.withDefaults(),
		decider:  &defaultDecider{policy: DefaultRetryPolicy(), rng: rand.New(rand.NewSource(time.Now().UnixNano()))},
		queues:   make(map[string]*commandQueue),
		pending:  make(map[string]chan schema.Message),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetDecider injects the recovery service's retry policy.
func (b *Bus) SetDecider(d Decider) {
	if d != nil {
		b.decider = d
	}
}

// SetDeadLetterSink injects the DLQ.
func (b *Bus) SetDeadLetterSink(s DeadLetterSink) {
	b.dlq = s
}

// Registry exposes the schema registry so agents can declare vocabulary.
func (b *Bus) Registry() *schema.Registry {
	return b.registry
}

// timeoutFor returns the handler deadline for a command type.
func (b *Bus) timeoutFor(cmdType string) time.Duration {
	if d, ok := b.opts.CommandTimeouts[cmdType]; ok && d > 0 {
		return d
	}
	return b.opts.HandlerTimeout
}

// Close shuts the bus down: queued commands are no longer dispatched,
// in-flight handlers see their contexts cancelled, and the call waits up
// to grace for them to drain before returning.
func (b *Bus) Close(grace time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("[Bus] ✅ Drained in-flight handlers")
	case <-time.After(grace):
		log.Println("[Bus] ⚠️ Shutdown grace elapsed with handlers still in flight")
	}

	for _, sub := range subs {
		sub.Cancel()
	}
}

// Stats reports queue depths for the health monitor.
func (b *Bus) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.queues))
	for agent, q := range b.queues {
		out[agent+"_commands"] = len(q.ch)
	}
	return out
}

// Ping reports bus liveness for reachability probes.
func (b *Bus) Ping() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errs.New(errs.KindTransient, "bus is closed")
	}
	return nil
}
