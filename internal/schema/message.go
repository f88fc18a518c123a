// Package schema holds the message envelope and the static catalog of
// message types (commands, events, queries). Every message published on
// the bus is validated against this catalog on publish and on receive.
package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageKind distinguishes the three bus primitives.
type MessageKind string

const (
	KindCommand MessageKind = "command"
	KindEvent   MessageKind = "event"
	KindQuery   MessageKind = "query"
)

// Message is the universal wire envelope plus the typed body. Unknown
// payload fields are carried untouched in Payload.
type Message struct {
	ID            string         `json:"messageId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	RetryCount    int            `json:"retryCount"`
	Priority      int            `json:"priority"`
	UserID        string         `json:"userId,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Kind          MessageKind    `json:"kind"`
	Type          string         `json:"type"`
	Agent         string         `json:"agent"`
	Payload       map[string]any `json:"payload"`
}

// Meta carries optional envelope fields supplied by the publisher.
type Meta struct {
	Source        string
	CorrelationID string
	UserID        string
	SessionID     string
	Priority      int
}

// newMessage fills the envelope. Priority defaults to 5, source to "system".
func newMessage(kind MessageKind, agent, typ string, payload map[string]any, meta Meta) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	source := meta.Source
	if source == "" {
		source = "system"
	}
	priority := meta.Priority
	if priority == 0 {
		priority = 5
	}
	return Message{
		ID:            uuid.NewString(),
		CorrelationID: meta.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Priority:      priority,
		UserID:        meta.UserID,
		SessionID:     meta.SessionID,
		Kind:          kind,
		Type:          typ,
		Agent:         agent,
		Payload:       payload,
	}
}

// NewCommand builds a command message targeted at one agent's queue.
func NewCommand(agent, typ string, payload map[string]any, meta Meta) Message {
	return newMessage(KindCommand, agent, typ, payload, meta)
}

// NewEvent builds an event message routed as "<agent>.<type>".
func NewEvent(agent, typ string, payload map[string]any, meta Meta) Message {
	return newMessage(KindEvent, agent, typ, payload, meta)
}

// NewQuery builds a request/reply query message.
func NewQuery(agent, typ string, payload map[string]any, meta Meta) Message {
	return newMessage(KindQuery, agent, typ, payload, meta)
}

// RoutingKey returns the event routing key "<agent>.<type>".
func (m Message) RoutingKey() string {
	return m.Agent + "." + m.Type
}

// Marshal serializes the message for the wire.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a wire message.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// String returns a payload field as a string, or "" if absent.
func (m Message) String(field string) string {
	v, _ := m.Payload[field].(string)
	return v
}
