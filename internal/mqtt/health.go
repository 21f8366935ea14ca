package mqtt

import (
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/telemetry-service/internal/observability"
)

type HealthStatus struct {
	Connected           bool      `json:"connected"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Degraded            bool      `json:"degraded"`
	LastError           string    `json:"last_error,omitempty"`
	Since               time.Time `json:"since"`
}

type health struct {
	mu      sync.Mutex
	ceiling int
	st      HealthStatus
}

func newHealth(ceiling int) *health {
	return &health{ceiling: ceiling, st: HealthStatus{Since: time.Now().UTC()}}
}

func (h *health) markConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.st = HealthStatus{Connected: true, Since: time.Now().UTC()}
	observability.BrokerConnected.Set(1)
}

// markFailed records a failed attempt and returns the consecutive count.
func (h *health) markFailed(err error) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.st.Connected = false
	h.st.ConsecutiveFailures++
	if err != nil {
		h.st.LastError = err.Error()
	}
	h.st.Degraded = h.ceiling > 0 && h.st.ConsecutiveFailures >= h.ceiling
	observability.BrokerConnected.Set(0)
	observability.BrokerConnectFailures.Inc()
	return h.st.ConsecutiveFailures
}

func (h *health) markDown(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.st.Connected {
		h.st.Since = time.Now().UTC()
	}
	h.st.Connected = false
	if err != nil {
		h.st.LastError = err.Error()
	}
	observability.BrokerConnected.Set(0)
}

func (h *health) status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st
}
