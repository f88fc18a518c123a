package bus

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
)

// Subscription is one event listener. Each subscription gets its own
// buffered channel and worker goroutine, so one slow subscriber never
// blocks publishers or its peers.
type Subscription struct {
	pattern string
	handler EventHandler
	ch      chan schema.Message
	bus     *Bus

	mu     sync.Mutex
	closed bool
}

// Pattern returns the routing pattern this subscription matches.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Cancel removes the subscription and stops its worker.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	b := s.bus
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// deliver hands an event to the subscription without blocking the
// publisher. A full buffer drops the event with a warning.
func (s *Subscription) deliver(msg schema.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		log.Printf("[Bus] ⚠️ Subscriber %q buffer full, dropping %s", s.pattern, msg.RoutingKey())
	}
}

func (s *Subscription) run() {
	for msg := range s.ch {
		s.handler(s.bus.ctx, msg)
	}
}

// SubscribeEvent registers a handler for routing keys matching pattern.
// Patterns are "<agent>.<type>" with "*" as a wildcard on either segment.
func (b *Bus) SubscribeEvent(pattern string, handler EventHandler) *Subscription {
	sub := &Subscription{
		pattern: pattern,
		handler: handler,
		ch:      make(chan schema.Message, b.opts.SubscriberBuffer),
		bus:     b,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	go sub.run()
	return sub
}

// Subscriptions returns the active routing patterns, for observability.
func (b *Bus) Subscriptions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.subs))
	for i, sub := range b.subs {
		out[i] = sub.pattern
	}
	return out
}

// PublishEvent validates and fans an event out to matching subscribers.
func (b *Bus) PublishEvent(ctx context.Context, agent, typ string, payload map[string]any, meta schema.Meta) (string, error) {
	msg := schema.NewEvent(agent, typ, payload, meta)
	if err := b.registry.Validate(msg); err != nil {
		return "", err
	}
	b.deliverEvent(msg)
	return msg.ID, nil
}

// deliverEvent resolves pending query replies first, then fans out.
func (b *Bus) deliverEvent(msg schema.Message) {
	b.mu.RLock()
	var reply chan schema.Message
	if msg.CorrelationID != "" {
		reply = b.pending[msg.CorrelationID]
	}
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.RUnlock()

	if reply != nil {
		select {
		case reply <- msg:
		default:
		}
	}

	key := msg.RoutingKey()
	for _, sub := range subs {
		if MatchPattern(sub.pattern, key) {
			sub.deliver(msg)
		}
	}
}

// MatchPattern matches a routing key against "<agent>.<type>" with "*"
// wildcards per segment. The type segment may itself contain dots
// (outcome events like "review_content.failed"), so both pattern and key
// split on the first dot only.
func MatchPattern(pattern, key string) bool {
	pp := strings.SplitN(pattern, ".", 2)
	kk := strings.SplitN(key, ".", 2)
	if len(pp) != 2 || len(kk) != 2 {
		return pattern == key
	}
	if pp[0] != "*" && pp[0] != kk[0] {
		return false
	}
	if pp[1] != "*" && pp[1] != kk[1] {
		return false
	}
	return true
}

// Query publishes a request to an agent's queue and waits for the event
// correlated to it. Expiry returns a timeout error.
func (b *Bus) Query(ctx context.Context, agent, typ string, payload map[string]any, timeout time.Duration) (schema.Message, error) {
	msg := schema.NewQuery(agent, typ, payload, schema.Meta{})
	if err := b.registry.Validate(msg); err != nil {
		return schema.Message{}, err
	}

	reply := make(chan schema.Message, 1)
	b.mu.Lock()
	b.pending[msg.ID] = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if _, err := b.publishCommandMessage(ctx, msg); err != nil {
		return schema.Message{}, err
	}

	select {
	case resp := <-reply:
		if strings.HasSuffix(resp.Type, ".failed") {
			return resp, failureError(resp)
		}
		return resp, nil
	case <-time.After(timeout):
		return schema.Message{}, errs.Newf(errs.KindTimeout, "query %s.%s timed out after %s", agent, typ, timeout)
	case <-ctx.Done():
		return schema.Message{}, errs.From(ctx.Err())
	}
}

// failureError reconstructs the classified error a failure event carries,
// so a failed query surfaces as an error instead of a reply to inspect.
func failureError(evt schema.Message) error {
	if body, ok := evt.Payload["error"].(map[string]any); ok {
		code, _ := body["code"].(string)
		msg, _ := body["message"].(string)
		if code != "" {
			return errs.New(errs.Kind(code), msg)
		}
	}
	return errs.Newf(errs.KindInternal, "query failed: %s", evt.Type)
}
