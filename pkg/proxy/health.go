package proxy

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthPath is answered locally and never forwarded.
const HealthPath = "/health"

// healthTimestampLayout matches ISO-8601 with millisecond precision.
const healthTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// HealthStatusHealthy is the fixed status reported by the health endpoint.
const HealthStatusHealthy = "healthy"

type healthResponse struct {
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime"`
	Timestamp string  `json:"timestamp"`
}

// HealthHandler reports process liveness. It does not look at the upstream.
type HealthHandler struct {
	started time.Time
	now     func() time.Time
}

// NewHealthHandler returns a handler measuring uptime from started.
func NewHealthHandler(started time.Time, now func() time.Time) *HealthHandler {
	if now == nil {
		now = time.Now
	}
	if started.IsZero() {
		started = now()
	}
	return &HealthHandler{started: started, now: now}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	uptime := now.Sub(h.started).Seconds()
	if uptime < 0 {
		uptime = 0
	}

	payload, err := json.Marshal(healthResponse{
		Status:    HealthStatusHealthy,
		Uptime:    uptime,
		Timestamp: now.UTC().Format(healthTimestampLayout),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
