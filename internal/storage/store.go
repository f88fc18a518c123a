// Package storage defines the document-store contract the core depends on.
// The core treats ids as opaque strings and owns no persistence schemas;
// backends are selected by configuration (memory for tests and development,
// redis for durable deployments).
package storage

import "context"

// FindOptions controls result ordering and size.
type FindOptions struct {
	SortBy string // top-level field to sort on
	Desc   bool
	Limit  int // 0 = unlimited
}

// Store is the storage collaborator contract. Implementations must make
// Transact atomic: either every write inside fn is visible or none is.
type Store interface {
	// Store inserts a document and returns its generated id. The id is
	// also written into the document under "_id".
	Store(ctx context.Context, collection string, doc map[string]any) (string, error)

	// Update patches the first document matching filter and returns the
	// updated document, or a not_found error.
	Update(ctx context.Context, collection string, filter, patch map[string]any) (map[string]any, error)

	// Find returns documents whose top-level fields equal every filter entry.
	Find(ctx context.Context, collection string, filter map[string]any, opts *FindOptions) ([]map[string]any, error)

	// FindOne returns the first match, or a not_found error.
	FindOne(ctx context.Context, collection string, filter map[string]any) (map[string]any, error)

	// Delete removes all matching documents and returns how many went away.
	Delete(ctx context.Context, collection string, filter map[string]any) (int, error)

	// Incr atomically adjusts a named counter and returns the new value.
	Incr(ctx context.Context, counter string, delta int64) (int64, error)

	// Transact runs fn with transactional write semantics.
	Transact(ctx context.Context, fn func(tx Store) error) error

	// Ping probes backend reachability.
	Ping(ctx context.Context) error
}

// Matches reports whether doc satisfies an equality filter.
func Matches(doc, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares scalars across the int/float divide that JSON
// round-trips introduce.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
