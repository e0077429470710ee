package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/tiermem/pkg/memory"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusCreated, map[string]string{"id": "abc"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"abc"}`, w.Body.String())
}

func TestJSON_NilBody(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusNoContent, nil)
	assert.Empty(t, w.Body.String())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("get: %w", memory.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"invalid item", memory.ErrInvalidItem, http.StatusBadRequest, ErrCodeBadRequest},
		{"invalid query", memory.ErrInvalidQuery, http.StatusBadRequest, ErrCodeBadRequest},
		{"configuration", &memory.ConfigurationError{Field: "namespace", Reason: "is required"}, http.StatusBadRequest, ErrCodeBadRequest},
		{"type disabled", memory.ErrItemTypeDisabled, http.StatusBadRequest, ErrCodeItemTypeDisabled},
		{"semantic required", memory.ErrSemanticQueryRequired, http.StatusBadRequest, ErrCodeSemanticRequired},
		{"conflict", memory.ErrConflict, http.StatusConflict, ErrCodeConflict},
		{"not mutable", memory.ErrNotMutable, http.StatusConflict, ErrCodeNotMutable},
		{"privacy", &memory.PrivacyViolationError{Reason: "unredactable"}, http.StatusUnprocessableEntity, ErrCodePrivacyViolation},
		{"tier unavailable", memory.Unavailable(memory.TierShort, "store", errors.New("refused")), http.StatusServiceUnavailable, ErrCodeTierUnavailable},
		{"tier timeout", memory.Unavailable(memory.TierMid, "query", context.DeadlineExceeded), http.StatusServiceUnavailable, ErrCodeTierUnavailable},
		{"request timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeGatewayTimeout},
		{"canceled", context.Canceled, StatusClientClosedRequest, ErrCodeClientClosedRequest},
		{"too large", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestHandleError(t *testing.T) {
	w := httptest.NewRecorder()
	HandleError(w, &memory.PrivacyViolationError{Detectors: []string{"ssn"}, Reason: "could not redact"}, "req-1")

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, ErrCodePrivacyViolation, body.Error.Code)
	assert.Equal(t, "req-1", body.Error.RequestID)
	assert.Equal(t, []any{"ssn"}, body.Error.Details["detectors"])
}

func TestHandleError_HidesInternalMessage(t *testing.T) {
	w := httptest.NewRecorder()
	HandleError(w, errors.New("pq: password authentication failed"), "req-2")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestDecode(t *testing.T) {
	var v struct {
		Name  string `json:"name"`
		Count any    `json:"count"`
	}

	require.NoError(t, Decode(strings.NewReader(`{"name":"a","count":3}`), &v))
	assert.Equal(t, json.Number("3"), v.Count)

	assert.ErrorContains(t, Decode(strings.NewReader(``), &v), "empty")
	assert.ErrorContains(t, Decode(strings.NewReader(`{"nope":1}`), &v), "unknown field")
	assert.ErrorContains(t, Decode(strings.NewReader(`{"name":"a"} {}`), &v), "trailing")
}
