// Package health polls the optional upstream health collaborator (e.g. a
// sequencer uptime feed) and caches its latest report for the oracle's
// safety gate. The gate must never block on the network, so Report serves
// the cached state and Refresh is driven by the keeper cycle.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Monitor caches the upstream's (isUp, since) report. A zero Monitor
// reports down until the first successful Refresh.
type Monitor struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	up    bool
	since int64
}

// NewMonitor creates a health monitor.
func NewMonitor(baseURL string, timeout time.Duration) *Monitor {
	return &Monitor{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type healthResponse struct {
	IsUp  bool  `json:"is_up"`
	Since int64 `json:"since"`
}

// Refresh fetches the upstream's current report. Any failure marks the
// upstream down; a flaky health feed must read as unhealthy, not as
// last-known-good.
func (m *Monitor) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.set(false, 0)
		return fmt.Errorf("failed to fetch health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.set(false, 0)
		return fmt.Errorf("unexpected health status: %d", resp.StatusCode)
	}

	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		m.set(false, 0)
		return fmt.Errorf("failed to decode health: %w", err)
	}

	m.set(hr.IsUp, hr.Since)
	return nil
}

func (m *Monitor) set(up bool, since int64) {
	m.mu.Lock()
	m.up = up
	m.since = since
	m.mu.Unlock()
}

// Report returns the cached upstream state. Satisfies oracle.HealthReporter.
func (m *Monitor) Report() (bool, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.up, m.since
}
