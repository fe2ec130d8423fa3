package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad request", Code: "invalid_input"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"bad request","code":"invalid_input"}`, w.Body.String())
}

func TestWriteError_Mappings(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"event not found", domainErrors.ErrEventNotFound, http.StatusNotFound, "not_found"},
		{"saga not found wrapped", fmt.Errorf("load: %w", domainErrors.ErrSagaNotFound), http.StatusNotFound, "not_found"},
		{"escalation not found", domainErrors.ErrEscalationNotFound, http.StatusNotFound, "not_found"},
		{"unknown check", domainErrors.ErrCheckNotRegistered, http.StatusNotFound, "check_not_registered"},
		{"saga terminal", domainErrors.ErrSagaTerminal, http.StatusConflict, "saga_terminal"},
		{"invalid transition", domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
		{"in progress", domainErrors.ErrOperationInProgress, http.StatusConflict, "in_progress"},
		{"unregistered saga", domainErrors.ErrSagaNotRegistered, http.StatusUnprocessableEntity, "saga_not_registered"},
		{"validation", domainErrors.NewValidationError("reason", "is required"), http.StatusBadRequest, "validation_error"},
		{"domain error", domainErrors.NewDomainError("custom_error", "custom error message", nil), http.StatusUnprocessableEntity, "custom_error"},
		{"unknown", errors.New("unexpected error"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedCode, response.Code)
		})
	}
}

func TestWriteError_HidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("pq: password authentication failed"))

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "internal server error", response.Error)
}

func TestDecodeAndValidate(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"valid", `{"reason":"operator abort"}`, ""},
		{"invalid json", `{invalid json}`, "body"},
		{"missing reason", `{"reason":""}`, "Reason"},
		{"empty body", ``, "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tt.body))

			var dst CompensateRequest
			err := decodeAndValidate(req, &dst)
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, "operator abort", dst.Reason)
				return
			}
			var validationErr *domainErrors.ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.wantField, validationErr.Field)
		})
	}
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=10", 10},
		{"?limit=0", 50},
		{"?limit=abc", 50},
		{"?limit=100000", 500},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
			assert.Equal(t, tt.want, queryLimit(req, 50, 500))
		})
	}
}
