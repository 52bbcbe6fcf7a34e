package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode_ThroughWrapping(t *testing.T) {
	base := TerminalStateViolation("completed")
	wrapped := fmt.Errorf("request transition: %w", base)

	assert.True(t, HasCode(wrapped, ErrTerminalStateViolation))
	assert.False(t, HasCode(wrapped, ErrInvalidTransition))
	assert.Equal(t, ErrTerminalStateViolation, CodeOf(wrapped))
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, ErrInternal, CodeOf(stderrors.New("boom")))
}

func TestInvalidTransition_Details(t *testing.T) {
	err := InvalidTransition("pending", "completed", []string{"triaged", "cancelled"})

	require.NotNil(t, err.Details)
	assert.Equal(t, "pending", err.Details["current_state"])
	assert.Equal(t, []string{"triaged", "cancelled"}, err.Details["allowed_transitions"])
	assert.Contains(t, err.Error(), "pending to completed")
}

func TestInvalidTransition_NilAllowedBecomesEmpty(t *testing.T) {
	err := InvalidTransition("completed", "pending", nil)
	assert.Equal(t, []string{}, err.Details["allowed_transitions"])
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(StorageUnavailable("", stderrors.New("timeout"))))
	assert.False(t, Retryable(UnsafeTransition("unsafe", nil)))
	assert.False(t, Retryable(IncompleteAuditEvent([]string{"actor_id"})))
}

func TestStorageUnavailable_Unwraps(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := StorageUnavailable("", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "storage unavailable: connection reset", err.Error())
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "missing_context", ErrMissingContext.String())
	assert.Equal(t, "error_42", ErrorCode(42).String())
}
