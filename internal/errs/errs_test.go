package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndError(t *testing.T) {
	err := New(KindValidation, "missing field")
	assert.Equal(t, KindValidation, err.Code)
	assert.Equal(t, "validation: missing field", err.Error())
}

func TestWithDetails(t *testing.T) {
	err := Newf(KindNotFound, "brief %q not found", "b-1").
		WithDetails(map[string]any{"brief_id": "b-1"})
	assert.Equal(t, KindNotFound, err.Code)
	assert.Equal(t, "b-1", err.Details["brief_id"])
}

func TestFromClassifiesContextErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, From(context.DeadlineExceeded).Code)
	assert.Equal(t, KindCancelled, From(context.Canceled).Code)
	assert.Equal(t, KindInternal, From(errors.New("boom")).Code)
	assert.Nil(t, From(nil))
}

func TestFromUnwrapsClassifiedErrors(t *testing.T) {
	inner := New(KindConflict, "already subscribed")
	wrapped := fmt.Errorf("subscribing: %w", inner)
	assert.Equal(t, KindConflict, From(wrapped).Code)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindTransient, KindOf(New(KindTransient, "redis down")))
}

func TestRetryableAndDeadLetters(t *testing.T) {
	for _, k := range []Kind{KindTransient, KindTimeout, KindInternal} {
		assert.True(t, Retryable(k), string(k))
		assert.True(t, DeadLetters(k), string(k))
	}
	for _, k := range []Kind{KindValidation, KindNotFound, KindUnauthorized, KindConflict, KindUnsupported, KindCancelled} {
		assert.False(t, Retryable(k), string(k))
		assert.False(t, DeadLetters(k), string(k))
	}
}
