package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "missing")))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))

	// Kind survives fmt wrapping.
	wrapped := fmt.Errorf("outer: %w", New(KindUnknownScope, "no such scope"))
	assert.Equal(t, KindUnknownScope, KindOf(wrapped))
}

func TestIs(t *testing.T) {
	err := Wrap(KindStoreError, "insert failed", stderrors.New("disk full"))
	assert.True(t, Is(err, KindStoreError))
	assert.False(t, Is(err, KindNotFound))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "boom", New(KindInternal, "boom").Error())

	cause := stderrors.New("disk full")
	err := Wrap(KindStoreError, "insert failed", cause)
	assert.Equal(t, "insert failed: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestNewf(t *testing.T) {
	err := Newf(KindUnknownAction, "Unknown action: %s", "levitate")
	assert.Equal(t, "Unknown action: levitate", err.Error())
	assert.Equal(t, KindUnknownAction, err.Kind)
}

func TestRetryable(t *testing.T) {
	for _, kind := range []Kind{
		KindInvalidRequest, KindUnknownAction, KindUnknownScope,
		KindNotFound, KindStoreIntegrity, KindCircuitOpen,
	} {
		assert.False(t, Retryable(New(kind, "x")), string(kind))
	}
	for _, kind := range []Kind{
		KindStoreUnavailable, KindStoreError, KindEmbeddingUnavailable, KindInternal,
	} {
		assert.True(t, Retryable(New(kind, "x")), string(kind))
	}
	assert.True(t, Retryable(stderrors.New("untagged")))
}
