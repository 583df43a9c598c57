package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindConfiguration, NewUnknownBufferTypeError("image").Kind())
	assert.Equal(t, KindMedia, NewDiscontinuityError(1, 2).Kind())
	assert.Equal(t, KindNetwork, NewNetworkError("boom", nil).Kind())
	assert.Equal(t, KindOther, NewInvalidStateError("nope").Kind())
}

func TestWrappedCodes(t *testing.T) {
	inner := NewUnknownBufferTypeError("image")
	wrapped := fmt.Errorf("creating sink: %w", inner)

	assert.True(t, IsErrorCode(wrapped, ErrCodeBufferTypeUnknown))
	assert.Equal(t, ErrCodeBufferTypeUnknown, GetErrorCode(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.Equal(t, ErrCodeUnknown, GetErrorCode(fmt.Errorf("plain")))
}

func TestIsCanceled(t *testing.T) {
	assert.True(t, IsCanceled(context.Canceled))
	assert.True(t, IsCanceled(NewCanceledError(nil)))
	assert.True(t, IsCanceled(fmt.Errorf("fetch: %w", context.Canceled)))
	assert.False(t, IsCanceled(NewNetworkError("x", nil)))
	assert.False(t, IsCanceled(nil))
}

func TestDiscontinuityMessage(t *testing.T) {
	err := NewDiscontinuityError(12, 12.301)
	assert.Contains(t, err.Error(), "at position 12, seeked at position 12.301")
	assert.False(t, err.Fatal)
}
