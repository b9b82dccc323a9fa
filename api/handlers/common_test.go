package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/store"
	"github.com/BaSui01/agentroom/types"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON_Headers(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWriteSuccess_CarriesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-1"))

	WriteSuccess(w, r, map[string]string{"key": "value"})

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"invalid request", types.NewError(types.ErrInvalidRequest, "title is required"), http.StatusBadRequest, types.ErrInvalidRequest},
		{"unauthorized", types.NewError(types.ErrUnauthorized, "no token"), http.StatusUnauthorized, types.ErrUnauthorized},
		{"forbidden", types.NewError(types.ErrForbidden, "not a member"), http.StatusForbidden, types.ErrForbidden},
		{"not found", types.NewError(types.ErrNotFound, "task missing"), http.StatusNotFound, types.ErrNotFound},
		{"invalid transition", types.NewError(types.ErrInvalidTransition, "task is completed"), http.StatusConflict, types.ErrInvalidTransition},
		{"rate limited", types.NewError(types.ErrRateLimited, "slow down"), http.StatusTooManyRequests, types.ErrRateLimited},
		{"agent unavailable", types.NewError(types.ErrAgentUnavailable, "no worker"), http.StatusServiceUnavailable, types.ErrAgentUnavailable},
		{"upstream timeout", types.NewError(types.ErrUpstreamTimeout, "slow model"), http.StatusGatewayTimeout, types.ErrUpstreamTimeout},
		{"explicit status wins", types.NewError(types.ErrInvalidRequest, "dup").WithHTTPStatus(http.StatusConflict), http.StatusConflict, types.ErrInvalidRequest},
		{"plain error is internal", errors.New("db exploded"), http.StatusInternalServerError, types.ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
			assert.NotContains(t, resp.Error.Message, "db exploded")
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}
	tests := []struct {
		name       string
		body       string
		wantErr    bool
		wantStatus int
	}{
		{name: "valid", body: `{"name":"test","value":123}`},
		{name: "invalid JSON", body: `{"name":"test",}`, wantErr: true},
		{name: "unknown field", body: `{"name":"test","unknown":"field"}`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
		{name: "too large", body: `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`, wantErr: true, wantStatus: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tt.body))

			var got payload
			err := DecodeJSONBody(w, r, &got)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, payload{Name: "test", Value: 123}, got)
				return
			}
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
			if tt.wantStatus != 0 {
				apiErr, _ := types.AsError(err)
				assert.Equal(t, tt.wantStatus, apiErr.HTTPStatus)
			}
		})
	}
}

func TestStoreError(t *testing.T) {
	assert.True(t, types.IsCode(storeError(store.ErrNotFound, "op"), types.ErrNotFound))

	dup, _ := types.AsError(storeError(store.ErrAlreadyExists, "op"))
	require.NotNil(t, dup)
	assert.Equal(t, http.StatusConflict, dup.HTTPStatus)

	assert.True(t, types.IsCode(storeError(errors.New("boom"), "op"), types.ErrInternalError))

	typed := types.NewError(types.ErrForbidden, "no")
	assert.Same(t, typed, storeError(typed, "op"))
}

func TestResponseWriter_CapturesStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK)
	_, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 5, rw.Bytes)
	assert.Same(t, rec, rw.Unwrap())
}
