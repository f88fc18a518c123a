package bus

import (
	"context"
	"log"
	"time"

	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
)

// commandQueue is one agent's command channel plus its consumer state.
// Commands published before the agent subscribes wait in the buffer.
type commandQueue struct {
	agent   string
	ch      chan schema.Message
	handler CommandHandler
	sem     chan struct{}
	stop    chan struct{}
}

func (b *Bus) queueFor(agent string) *commandQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[agent]
	if !ok {
		q = &commandQueue{
			agent: agent,
			ch:    make(chan schema.Message, b.opts.QueueSize),
			sem:   make(chan struct{}, b.opts.Concurrency),
		}
		b.queues[agent] = q
	}
	return q
}

// PublishCommand validates and enqueues a command on the agent's queue.
// Returns the generated message id. Schema failures are returned without
// enqueueing.
func (b *Bus) PublishCommand(ctx context.Context, agent, typ string, payload map[string]any, meta schema.Meta) (string, error) {
	msg := schema.NewCommand(agent, typ, payload, meta)
	return b.publishCommandMessage(ctx, msg)
}

func (b *Bus) publishCommandMessage(ctx context.Context, msg schema.Message) (string, error) {
	if err := b.registry.Validate(msg); err != nil {
		return "", err
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return "", errs.New(errs.KindTransient, "bus is closed")
	}

	q := b.queueFor(msg.Agent)
	select {
	case q.ch <- msg:
		return msg.ID, nil
	default:
		return "", errs.Newf(errs.KindTransient, "command queue for %q is full", msg.Agent)
	}
}

// Republish re-enqueues a previously dead-lettered command with a fresh
// message id and a zeroed retry counter, preserving the correlation chain.
func (b *Bus) Republish(ctx context.Context, original schema.Message) (string, error) {
	msg := schema.NewCommand(original.Agent, original.Type, original.Payload, schema.Meta{
		Source:        original.Source,
		CorrelationID: original.CorrelationID,
		UserID:        original.UserID,
		SessionID:     original.SessionID,
		Priority:      original.Priority,
	})
	if msg.CorrelationID == "" {
		msg.CorrelationID = original.ID
	}
	return b.publishCommandMessage(ctx, msg)
}

// SubscribeCommand binds the single consumer for an agent's queue.
// A second subscription for the same agent is a conflict.
func (b *Bus) SubscribeCommand(agent string, handler CommandHandler) error {
	q := b.queueFor(agent)
	b.mu.Lock()
	if q.handler != nil {
		b.mu.Unlock()
		return errs.Newf(errs.KindConflict, "agent %q already has a command consumer", agent)
	}
	q.handler = handler
	stop := make(chan struct{})
	q.stop = stop
	b.mu.Unlock()

	go b.dispatchCommands(q, stop)
	return nil
}

// UnsubscribeCommand releases the agent's consumer so a stopped agent
// leaves no phantom subscription behind.
func (b *Bus) UnsubscribeCommand(agent string) {
	b.mu.Lock()
	q, ok := b.queues[agent]
	if ok && q.handler != nil {
		q.handler = nil
		close(q.stop)
	}
	b.mu.Unlock()
}

// dispatchCommands feeds queued commands to handler workers. Each worker
// slot is bounded by the per-agent concurrency limit.
func (b *Bus) dispatchCommands(q *commandQueue, stop chan struct{}) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-stop:
			return
		case msg := <-q.ch:
			select {
			case q.sem <- struct{}{}:
			case <-b.ctx.Done():
				return
			case <-stop:
				return
			}
			b.wg.Add(1)
			go func(m schema.Message) {
				defer b.wg.Done()
				defer func() { <-q.sem }()
				b.handleCommand(q, stop, m)
			}(msg)
		}
	}
}

// handleCommand runs the state machine for one delivery:
// received → validating → handling → (success | retrying | dead-lettered).
// The handler is captured once under the lock so an unsubscribe racing a
// delivery never observes a half-cleared consumer.
func (b *Bus) handleCommand(q *commandQueue, stop chan struct{}, msg schema.Message) {
	if err := b.registry.Validate(msg); err != nil {
		b.emitFailure(q.agent, msg, errs.From(err))
		return
	}

	b.mu.RLock()
	handler := q.handler
	b.mu.RUnlock()
	if handler == nil {
		b.emitFailure(q.agent, msg, errs.New(errs.KindCancelled, "consumer unsubscribed before handling"))
		return
	}

	firstFailure := time.Time{}
	attempt := msg.RetryCount
	for {
		hctx, cancel := context.WithTimeout(b.ctx, b.timeoutFor(msg.Type))
		err := b.invoke(hctx, handler, msg)
		cancel()
		if err == nil {
			return
		}

		e := errs.From(err)
		if firstFailure.IsZero() {
			firstFailure = time.Now().UTC()
		}

		decision := b.decider.Decide(q.agent, msg, e, attempt)
		switch decision.Action {
		case ActionRetry:
			attempt++
			msg.RetryCount = attempt
			log.Printf("[Bus] ⚠️ %s.%s failed (%s), retry %d in %s", q.agent, msg.Type, e.Code, attempt, decision.Delay)
			select {
			case <-time.After(decision.Delay):
			case <-stop:
				b.emitFailure(q.agent, msg, errs.New(errs.KindCancelled, "consumer stopped during retry backoff"))
				return
			case <-b.ctx.Done():
				b.emitFailure(q.agent, msg, errs.New(errs.KindCancelled, "shutdown during retry backoff"))
				return
			}
		case ActionDeadLetter:
			b.emitFailure(q.agent, msg, e)
			b.deadLetter(q.agent, msg, e, attempt+1, firstFailure)
			return
		default:
			b.emitFailure(q.agent, msg, e)
			return
		}
	}
}

// invoke shields the dispatch loop from handler panics.
func (b *Bus) invoke(ctx context.Context, handler CommandHandler, msg schema.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf(errs.KindInternal, "handler panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return errs.From(err)
	}
	return handler(ctx, msg)
}

// emitFailure publishes "<agent>.<type>.failed" correlated to the command.
// Outcome events are bus-generated and bypass catalog validation.
func (b *Bus) emitFailure(agent string, msg schema.Message, e *errs.Error) {
	evt := schema.NewEvent(agent, msg.Type+".failed", map[string]any{
		"command": msg.Type,
		"error": map[string]any{
			"code":    string(e.Code),
			"message": e.Message,
			"details": e.Details,
		},
	}, schema.Meta{Source: agent, CorrelationID: msg.ID})
	b.deliverEvent(evt)
	log.Printf("[Bus] ❌ %s.%s failed: %s", agent, msg.Type, e.Error())
}

func (b *Bus) deadLetter(agent string, msg schema.Message, e *errs.Error, attempts int, firstFailedAt time.Time) {
	if b.dlq == nil {
		log.Printf("[Bus] ⚠️ No dead-letter sink configured, dropping %s.%s (%s)", agent, msg.Type, msg.ID)
		return
	}
	fm := FailedMessage{
		Agent:         agent,
		Msg:           msg,
		Err:           *e,
		Attempts:      attempts,
		FirstFailedAt: firstFailedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.dlq.Insert(ctx, fm); err != nil {
		log.Printf("[Bus] ❌ Dead-letter insert failed for %s: %v", msg.ID, err)
	}
}
