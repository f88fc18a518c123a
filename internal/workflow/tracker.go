// Package workflow reconstructs per-entity step progress from observed
// events. There is no central engine: choreography emerges from event
// subscriptions, and the tracker is observability only — it listens on a
// buffered subscription and never blocks the bus.
package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/schema"
)

// StepStatus is the recorded state of one workflow step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusError      StepStatus = "error"
)

// Step is one recorded step of a workflow.
type Step struct {
	WorkflowID  string         `json:"workflowId"`
	StepID      string         `json:"stepId"`
	Agent       string         `json:"agent"`
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	EventID     string         `json:"eventId"`
}

// Tracker groups events by workflow key and maintains the step table.
// Duplicate deliveries are idempotent by (workflowId, stepId, eventId);
// out-of-order arrivals simply create the later step first.
type Tracker struct {
	mu        sync.RWMutex
	workflows map[string]map[string]Step
	aliases   map[string]string // brief key -> content key
	seen      map[string]struct{}
	sub       *bus.Subscription
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		workflows: make(map[string]map[string]Step),
		aliases:   make(map[string]string),
		seen:      make(map[string]struct{}),
	}
}

// Attach subscribes the tracker to every event on the bus.
func (t *Tracker) Attach(b *bus.Bus) {
	t.sub = b.SubscribeEvent("*.*", t.Observe)
}

// Detach cancels the tracker's subscription.
func (t *Tracker) Detach() {
	if t.sub != nil {
		t.sub.Cancel()
		t.sub = nil
	}
}

// Observe folds one event into the step table.
func (t *Tracker) Observe(ctx context.Context, evt schema.Message) {
	workflowID := t.workflowKey(evt)
	if workflowID == "" {
		return
	}
	stepID := evt.RoutingKey()

	t.mu.Lock()
	defer t.mu.Unlock()

	workflowID = t.resolveAlias(workflowID)
	t.mergeAliases(evt, workflowID)

	dedupe := workflowID + "|" + stepID + "|" + evt.ID
	if _, dup := t.seen[dedupe]; dup {
		return
	}
	t.seen[dedupe] = struct{}{}

	steps, ok := t.workflows[workflowID]
	if !ok {
		steps = make(map[string]Step)
		t.workflows[workflowID] = steps
	}

	status := StatusCompleted
	if isFailureEvent(evt.Type) {
		status = StatusError
	}
	ts := evt.Timestamp
	step := Step{
		WorkflowID:  workflowID,
		StepID:      stepID,
		Agent:       evt.Agent,
		Status:      status,
		StartedAt:   &ts,
		CompletedAt: &ts,
		Output:      evt.Payload,
		EventID:     evt.ID,
	}
	// Status moves only forward: a completed/error step is never rolled
	// back by a late duplicate with a different event id.
	if prev, ok := steps[stepID]; ok && terminal(prev.Status) {
		return
	}
	steps[stepID] = step
}

// workflowKey picks the grouping key: explicit workflow id, then content
// id, then brief id, then the correlation chain.
func (t *Tracker) workflowKey(evt schema.Message) string {
	for _, field := range []string{"workflow_id", "workflowId", "content_id", "contentId", "brief_id", "briefId"} {
		if v := evt.String(field); v != "" {
			return v
		}
	}
	if evt.CorrelationID != "" {
		return evt.CorrelationID
	}
	return evt.ID
}

// mergeAliases re-keys earlier brief-keyed steps once an event links the
// brief to its content id, so the whole chain groups under the content.
func (t *Tracker) mergeAliases(evt schema.Message, workflowID string) {
	contentID := firstOf(evt, "content_id", "contentId")
	briefID := firstOf(evt, "brief_id", "briefId")
	if contentID == "" || briefID == "" || contentID == briefID {
		return
	}
	if t.aliases[briefID] == contentID {
		return
	}
	t.aliases[briefID] = contentID
	if orphaned, ok := t.workflows[briefID]; ok {
		target, ok := t.workflows[contentID]
		if !ok {
			target = make(map[string]Step)
			t.workflows[contentID] = target
		}
		for stepID, step := range orphaned {
			step.WorkflowID = contentID
			target[stepID] = step
		}
		delete(t.workflows, briefID)
	}
}

func (t *Tracker) resolveAlias(key string) string {
	for i := 0; i < 8; i++ { // alias chains are short; bound the walk
		next, ok := t.aliases[key]
		if !ok {
			return key
		}
		key = next
	}
	return key
}

func firstOf(evt schema.Message, fields ...string) string {
	for _, f := range fields {
		if v := evt.String(f); v != "" {
			return v
		}
	}
	return ""
}

func isFailureEvent(typ string) bool {
	const suffix = ".failed"
	return len(typ) > len(suffix) && typ[len(typ)-len(suffix):] == suffix
}

func terminal(s StepStatus) bool {
	return s == StatusCompleted || s == StatusError
}

// Steps returns the recorded steps for a workflow, oldest first.
func (t *Tracker) Steps(workflowID string) []Step {
	t.mu.RLock()
	defer t.mu.RUnlock()
	workflowID = t.resolveAlias(workflowID)
	steps := t.workflows[workflowID]
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == nil || out[j].StartedAt == nil {
			return out[i].StepID < out[j].StepID
		}
		if out[i].StartedAt.Equal(*out[j].StartedAt) {
			return out[i].StepID < out[j].StepID
		}
		return out[i].StartedAt.Before(*out[j].StartedAt)
	})
	return out
}

// WorkflowIDs lists the tracked workflow keys.
func (t *Tracker) WorkflowIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.workflows))
	for id := range t.workflows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
