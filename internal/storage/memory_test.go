package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promohive/promohive/internal/errs"
)

func TestStoreAndFindOne(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.Store(ctx, "briefs", map[string]any{"topic": "fall launch", "type": "blog"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := m.FindOne(ctx, "briefs", map[string]any{"_id": id})
	require.NoError(t, err)
	assert.Equal(t, "fall launch", doc["topic"])
}

func TestFindOneNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.FindOne(context.Background(), "briefs", map[string]any{"_id": "missing"})
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestFindReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.Store(ctx, "contents", map[string]any{"status": "draft"})

	doc, err := m.FindOne(ctx, "contents", map[string]any{"_id": id})
	require.NoError(t, err)
	doc["status"] = "mutated"

	again, err := m.FindOne(ctx, "contents", map[string]any{"_id": id})
	require.NoError(t, err)
	assert.Equal(t, "draft", again["status"])
}

func TestUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.Store(ctx, "contents", map[string]any{"status": "draft"})

	updated, err := m.Update(ctx, "contents", map[string]any{"_id": id}, map[string]any{"status": "approved"})
	require.NoError(t, err)
	assert.Equal(t, "approved", updated["status"])

	_, err = m.Update(ctx, "contents", map[string]any{"_id": "nope"}, map[string]any{"status": "x"})
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestFindSortAndLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Store(ctx, "reviews", map[string]any{"score": 0.5})
	m.Store(ctx, "reviews", map[string]any{"score": 1.0})
	m.Store(ctx, "reviews", map[string]any{"score": 0.75})

	docs, err := m.Find(ctx, "reviews", nil, &FindOptions{SortBy: "score", Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, 1.0, docs[0]["score"])
	assert.Equal(t, 0.75, docs[1]["score"])
}

func TestDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Store(ctx, "schedule", map[string]any{"status": "pending"})
	m.Store(ctx, "schedule", map[string]any{"status": "dispatched"})

	n, err := m.Delete(ctx, "schedule", map[string]any{"status": "pending"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, _ := m.Find(ctx, "schedule", nil, nil)
	assert.Len(t, docs, 1)
}

func TestIncr(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	n, err := m.Incr(ctx, "published_total", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, _ = m.Incr(ctx, "published_total", 2)
	assert.Equal(t, int64(3), n)
}

func TestTransactRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Store(ctx, "briefs", map[string]any{"topic": "keep"})

	err := m.Transact(ctx, func(tx Store) error {
		tx.Store(ctx, "briefs", map[string]any{"topic": "discard"})
		tx.Incr(ctx, "published_total", 5)
		return errs.New(errs.KindInternal, "abort")
	})
	require.Error(t, err)

	docs, _ := m.Find(ctx, "briefs", nil, nil)
	assert.Len(t, docs, 1)
	n, _ := m.Incr(ctx, "published_total", 0)
	assert.Equal(t, int64(0), n)
}

func TestTransactCommits(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	err := m.Transact(ctx, func(tx Store) error {
		_, err := tx.Store(ctx, "briefs", map[string]any{"topic": "committed"})
		return err
	})
	require.NoError(t, err)
	docs, _ := m.Find(ctx, "briefs", nil, nil)
	assert.Len(t, docs, 1)
}

func TestMatchesLooseNumericEquality(t *testing.T) {
	doc := map[string]any{"db": float64(3), "name": "x"}
	assert.True(t, Matches(doc, map[string]any{"db": 3}))
	assert.True(t, Matches(doc, nil))
	assert.False(t, Matches(doc, map[string]any{"name": "y"}))
}
