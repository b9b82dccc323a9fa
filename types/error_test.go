package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrGenerationFailed, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true)

	assert.Equal(t, ErrGenerationFailed, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Contains(t, err.Error(), "GENERATION_FAILED")
	assert.Contains(t, err.Error(), "root")
}

func TestError_IsCodeThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := Errorf(ErrInvalidTransition, "task %s is %s", "t-1", StatusPlanning)
	wrapped := fmt.Errorf("feedback: %w", inner)

	assert.True(t, IsCode(wrapped, ErrInvalidTransition))
	assert.False(t, IsCode(wrapped, ErrNotFound))
	assert.Equal(t, ErrInvalidTransition, GetErrorCode(wrapped))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
