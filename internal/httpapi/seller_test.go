package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sellerRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth("alice", "secret")
	return req
}

func decodeKey(t *testing.T, rec *httptest.ResponseRecorder) keyResponse {
	t.Helper()
	var out keyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSeller_RequiresAuth(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/v1/seller/keys", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/v1/seller/keys", nil)
	req.SetBasicAuth("alice", "wrong")
	assert.Equal(t, http.StatusUnauthorized, s.do(req).Code)

	_, err := s.manager.SetSuspended(context.Background(), "test", true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, s.do(sellerRequest(http.MethodGet, "/v1/seller/keys", "")).Code)
}

func TestSeller_IssueAndManageKey(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := s.do(sellerRequest(http.MethodPost, "/v1/seller/keys", `{"key":"ABC123","days":30,"max_devices":1,"note":"first"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	key := decodeKey(t, rec)
	assert.Equal(t, "ABC123", key.Key)
	assert.Equal(t, 1, key.MaxDevices)
	assert.Equal(t, "first", key.Note)
	assert.Empty(t, key.BoundDevices)
	assert.False(t, key.Expired)

	rec = s.do(sellerRequest(http.MethodPost, "/v1/seller/keys", `{"key":"ABC123","days":30}`))
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusOK, s.connectJSON(t, "/connect/test", map[string]string{"key": "ABC123", "uuid": "dev1"}).Code)

	rec = s.do(sellerRequest(http.MethodGet, "/v1/seller/keys/ABC123", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"dev1"}, decodeKey(t, rec).BoundDevices)

	rec = s.do(sellerRequest(http.MethodPost, "/v1/seller/keys/ABC123/renew", `{"days":10}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeKey(t, rec).ExpiresAt.Equal(start.Add(40*24*time.Hour)))

	rec = s.do(sellerRequest(http.MethodPut, "/v1/seller/keys/ABC123/max-devices", `{"max_devices":3}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeKey(t, rec).MaxDevices)

	rec = s.do(sellerRequest(http.MethodPost, "/v1/seller/keys/ABC123/reset-devices", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeKey(t, rec).BoundDevices)

	rec = s.do(sellerRequest(http.MethodPut, "/v1/seller/keys/ABC123/expiry", `{"expires_at":"2026-02-01T00:00:00Z"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeKey(t, rec).Expired)

	rec = s.do(sellerRequest(http.MethodGet, "/v1/seller/keys", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []keyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = s.do(sellerRequest(http.MethodDelete, "/v1/seller/keys/ABC123", ""))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(sellerRequest(http.MethodGet, "/v1/seller/keys/ABC123", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSeller_GeneratedKey(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := s.do(sellerRequest(http.MethodPost, "/v1/seller/keys", `{"days":1}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	key := decodeKey(t, rec)
	assert.Len(t, key.Key, 24)
	assert.Equal(t, 1, key.MaxDevices)
}

func TestSeller_MaxDevicesBelowBound(t *testing.T) {
	s := newTestServer(t, Options{})
	s.issue(t, "ABC123", 30, 2)
	for _, dev := range []string{"dev1", "dev2"} {
		require.Equal(t, http.StatusOK, s.connectJSON(t, "/connect/test", map[string]string{"key": "ABC123", "uuid": dev}).Code)
	}

	rec := s.do(sellerRequest(http.MethodPut, "/v1/seller/keys/ABC123/max-devices", `{"max_devices":1}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSeller_BadRequests(t *testing.T) {
	s := newTestServer(t, Options{})
	s.issue(t, "ABC123", 30, 1)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"zero days", http.MethodPost, "/v1/seller/keys", `{"days":0}`},
		{"unknown field", http.MethodPost, "/v1/seller/keys", `{"days":1,"owner":"x"}`},
		{"bad custom key", http.MethodPost, "/v1/seller/keys", `{"key":"a b c d","days":1}`},
		{"broken json", http.MethodPost, "/v1/seller/keys/ABC123/renew", `{"days":`},
		{"missing expiry", http.MethodPut, "/v1/seller/keys/ABC123/expiry", `{}`},
		{"missing flag", http.MethodPost, "/v1/seller/maintenance", `{}`},
		{"reset without confirm", http.MethodPost, "/v1/seller/reset", `{"confirm":"yes"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(sellerRequest(tt.method, tt.path, tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestSeller_MaintenanceAndReset(t *testing.T) {
	s := newTestServer(t, Options{})
	s.issue(t, "KEY-1", 30, 1)
	s.issue(t, "KEY-2", 30, 1)

	rec := s.do(sellerRequest(http.MethodPost, "/v1/seller/maintenance", `{"enabled":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var seller sellerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seller))
	assert.True(t, seller.MaintenanceMode)

	rec = s.do(sellerRequest(http.MethodGet, "/v1/seller/keys/KEY-1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decodeKey(t, rec).MaintenancePausedAt)

	rec = s.do(sellerRequest(http.MethodPost, "/v1/seller/maintenance", `{"enabled":false}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(sellerRequest(http.MethodPost, "/v1/seller/reset", `{"confirm":"RESET"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":2}`, rec.Body.String())

	assertFailure(t, s.connectJSON(t, "/connect/test", map[string]string{"key": "KEY-1", "uuid": "dev1"}),
		http.StatusForbidden, "Invalid key")
}
