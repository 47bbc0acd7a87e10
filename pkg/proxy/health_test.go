package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	started := time.Date(2024, 5, 1, 11, 59, 30, 0, time.UTC)
	now := time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC)
	h := NewHealthHandler(started, func() time.Time { return now })

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, HealthPath, nil))

		assert.Equal(t, http.StatusOK, w.Code, method)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))

	var body struct {
		Status    string  `json:"status"`
		Uptime    float64 `json:"uptime"`
		Timestamp string  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.InDelta(t, 30.25, body.Uptime, 1e-9)
	assert.Equal(t, "2024-05-01T12:00:00.250Z", body.Timestamp)
}

func TestHealthHandler_DefaultClock(t *testing.T) {
	h := NewHealthHandler(time.Time{}, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	uptime, ok := body["uptime"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, uptime, 0.0)

	_, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string))
	assert.NoError(t, err)
}
