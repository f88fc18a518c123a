// Package dlq is the dead-letter queue: the durable holding area for
// commands and events whose handlers failed beyond the retry policy.
// It is the sole writer of its entries; entries are never modified in
// place, only inserted, replayed, or deleted.
package dlq

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
	"github.com/promohive/promohive/internal/storage"
)

const collection = "dlq_entries"

// Entry is one dead-lettered message with its failure history.
type Entry struct {
	Key           string         `json:"key"`
	AgentID       string         `json:"agentId"`
	Message       schema.Message `json:"message"`
	Error         errs.Error     `json:"error"`
	FirstFailedAt time.Time      `json:"firstFailedAt"`
	Attempts      int            `json:"attempts"`
}

// Service owns DLQ entries. Writes are serialized per agent key by the
// storage collaborator's transaction discipline.
type Service struct {
	store storage.Store
	bus   *bus.Bus
}

// New creates the DLQ service.
func New(store storage.Store, b *bus.Bus) *Service {
	return &Service{store: store, bus: b}
}

// Insert persists a failed message. The entry key is the original message
// id, so retry exhaustion produces exactly one entry per command.
// Implements bus.DeadLetterSink.
func (s *Service) Insert(ctx context.Context, fm bus.FailedMessage) error {
	if _, err := s.store.FindOne(ctx, collection, map[string]any{"key": fm.Msg.ID}); err == nil {
		return nil // already dead-lettered, at-least-once redelivery
	}

	entry := Entry{
		Key:           fm.Msg.ID,
		AgentID:       fm.Agent,
		Message:       fm.Msg,
		Error:         fm.Err,
		FirstFailedAt: fm.FirstFailedAt,
		Attempts:      fm.Attempts,
	}
	doc, err := toDoc(entry)
	if err != nil {
		return err
	}
	if _, err := s.store.Store(ctx, collection, doc); err != nil {
		return err
	}
	log.Printf("[DLQ] ❌ Dead-lettered %s.%s (%s) after %d attempts", fm.Agent, fm.Msg.Type, fm.Msg.ID, fm.Attempts)
	return nil
}

// List returns entries, optionally filtered by agent, newest first.
func (s *Service) List(ctx context.Context, agentID string) ([]Entry, error) {
	filter := map[string]any{}
	if agentID != "" {
		filter["agentId"] = agentID
	}
	docs, err := s.store.Find(ctx, collection, filter, &storage.FindOptions{SortBy: "firstFailedAt", Desc: true})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		entry, err := fromDoc(doc)
		if err != nil {
			log.Printf("[DLQ] ⚠️ Skipping malformed entry: %v", err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Get returns a single entry by key.
func (s *Service) Get(ctx context.Context, key string) (Entry, error) {
	doc, err := s.store.FindOne(ctx, collection, map[string]any{"key": key})
	if err != nil {
		return Entry{}, err
	}
	return fromDoc(doc)
}

// Retry republishes the original command with a fresh message id, a
// zeroed retry counter, and the preserved correlation id. The entry is
// removed only after the bus accepts the republished command, which makes
// duplicate retries of the same key no-ops after the first success.
func (s *Service) Retry(ctx context.Context, key string) error {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	original := entry.Message
	if original.CorrelationID == "" {
		original.CorrelationID = original.ID
	}
	newID, err := s.bus.Republish(ctx, original)
	if err != nil {
		return err
	}

	if _, err := s.store.Delete(ctx, collection, map[string]any{"key": key}); err != nil {
		return err
	}
	log.Printf("[DLQ] ✅ Replayed %s as %s", key, newID)
	return nil
}

// Delete removes an entry without replaying it.
func (s *Service) Delete(ctx context.Context, key string) error {
	n, err := s.store.Delete(ctx, collection, map[string]any{"key": key})
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Newf(errs.KindNotFound, "no DLQ entry with key %q", key)
	}
	return nil
}

// Count returns the number of entries for the health monitor.
func (s *Service) Count(ctx context.Context) int {
	docs, err := s.store.Find(ctx, collection, nil, nil)
	if err != nil {
		return 0
	}
	return len(docs)
}

// Documents round-trip through JSON so entries survive any Store backend.

// sortableTime is RFC 3339 with fixed-width nanoseconds. RFC3339Nano
// trims trailing fraction zeros, which breaks the lexicographic sort the
// storage backends use for newest-first listing.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func toDoc(entry Entry) (map[string]any, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, errs.Newf(errs.KindInternal, "marshal DLQ entry: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Newf(errs.KindInternal, "unmarshal DLQ entry: %v", err)
	}
	doc["firstFailedAt"] = entry.FirstFailedAt.UTC().Format(sortableTime)
	return doc, nil
}

func fromDoc(doc map[string]any) (Entry, error) {
	delete(doc, "_id")
	data, err := json.Marshal(doc)
	if err != nil {
		return Entry{}, errs.Newf(errs.KindInternal, "marshal DLQ doc: %v", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, errs.Newf(errs.KindInternal, "decode DLQ doc: %v", err)
	}
	return entry, nil
}
