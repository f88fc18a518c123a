package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/promohive/promohive/internal/errs"
)

// Memory is the in-process Store used by tests and single-node development.
// Transact takes a snapshot of the affected state and restores it if fn
// returns an error.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]map[string]any
	counters map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string][]map[string]any),
		counters: make(map[string]int64),
	}
}

func (m *Memory) Store(ctx context.Context, collection string, doc map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	copied := cloneDoc(doc)
	copied["_id"] = id
	m.data[collection] = append(m.data[collection], copied)
	doc["_id"] = id
	return id, nil
}

func (m *Memory) Update(ctx context.Context, collection string, filter, patch map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.data[collection] {
		if Matches(doc, filter) {
			for k, v := range patch {
				doc[k] = v
			}
			return cloneDoc(doc), nil
		}
	}
	return nil, errs.Newf(errs.KindNotFound, "no document in %q matches filter", collection)
}

func (m *Memory) Find(ctx context.Context, collection string, filter map[string]any, opts *FindOptions) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []map[string]any
	for _, doc := range m.data[collection] {
		if Matches(doc, filter) {
			out = append(out, cloneDoc(doc))
		}
	}
	if opts != nil && opts.SortBy != "" {
		sortDocs(out, opts.SortBy, opts.Desc)
	}
	if opts != nil && opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) FindOne(ctx context.Context, collection string, filter map[string]any) (map[string]any, error) {
	docs, err := m.Find(ctx, collection, filter, nil)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errs.Newf(errs.KindNotFound, "no document in %q matches filter", collection)
	}
	return docs[0], nil
}

func (m *Memory) Delete(ctx context.Context, collection string, filter map[string]any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.data[collection][:0]
	removed := 0
	for _, doc := range m.data[collection] {
		if Matches(doc, filter) {
			removed++
			continue
		}
		kept = append(kept, doc)
	}
	m.data[collection] = kept
	return removed, nil
}

func (m *Memory) Incr(ctx context.Context, counter string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counter] += delta
	return m.counters[counter], nil
}

func (m *Memory) Transact(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	snapshot := make(map[string][]map[string]any, len(m.data))
	for col, docs := range m.data {
		copied := make([]map[string]any, len(docs))
		for i, d := range docs {
			copied[i] = cloneDoc(d)
		}
		snapshot[col] = copied
	}
	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.counters = counters
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch nested := v.(type) {
		case map[string]any:
			out[k] = cloneDoc(nested)
		case []any:
			cp := make([]any, len(nested))
			copy(cp, nested)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func sortDocs(docs []map[string]any, field string, desc bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		less := lessValue(docs[i][field], docs[j][field])
		if desc {
			return !less && !equalJSON(docs[i][field], docs[j][field])
		}
		return less
	})
}

func lessValue(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af < bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return false
}

func equalJSON(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}
