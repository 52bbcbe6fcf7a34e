package httputil

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/consult-core/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func respond(err error) (*httptest.ResponseRecorder, Response) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	RespondWithError(c, err)

	var body Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestRespondWithError_Status(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", errors.NotFound("consultation", nil), http.StatusNotFound, "not_found"},
		{"invalid input", errors.InvalidInput("bad", nil), http.StatusBadRequest, "invalid_input"},
		{"invalid transition", errors.InvalidTransition("pending", "completed", []string{"triaged", "cancelled"}), http.StatusConflict, "invalid_transition"},
		{"terminal", errors.TerminalStateViolation("completed"), http.StatusConflict, "terminal_state_violation"},
		{"missing context", errors.MissingContext("assigned", "provider_id"), http.StatusUnprocessableEntity, "missing_context"},
		{"unsafe", errors.UnsafeTransition("unsafe", nil), http.StatusUnprocessableEntity, "unsafe_transition"},
		{"incomplete audit", errors.IncompleteAuditEvent([]string{"justification"}), http.StatusBadRequest, "incomplete_audit_event"},
		{"storage", errors.StorageUnavailable("down", nil), http.StatusServiceUnavailable, "storage_unavailable"},
		{"plain", stderrors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := respond(tt.err)
			assert.Equal(t, tt.status, w.Code)
			require.NotNil(t, body.Error)
			assert.False(t, body.Success)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestRespondWithError_Details(t *testing.T) {
	_, body := respond(errors.InvalidTransition("pending", "completed", []string{"triaged", "cancelled"}))
	require.NotNil(t, body.Error)
	assert.Equal(t, []interface{}{"triaged", "cancelled"}, body.Error.Details["allowed_transitions"])
}

func TestRespondWithError_RetryAfter(t *testing.T) {
	w, body := respond(errors.StorageUnavailable("down", stderrors.New("timeout")))
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.True(t, body.Error.Retryable)

	w, body = respond(errors.Internal(stderrors.New("pq: secret detail")))
	assert.Empty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "Internal server error", body.Error.Message)
}
