package server

import (
	"net/http"
	"sync"
	"time"
)

// Metrics tracks server-side counters. Registry figures are read live at
// scrape time; only error totals and uptime accumulate here.
type Metrics struct {
	mu        sync.RWMutex
	errors    int64
	startTime time.Time
}

// NewMetrics creates a metrics instance anchored at the current time.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now().UTC()}
}

// IncrementErrorCount records one server error response.
func (m *Metrics) IncrementErrorCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// ErrorCount returns the number of server error responses so far.
func (m *Metrics) ErrorCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors
}

// Uptime returns how long the server has been up.
func (m *Metrics) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// metricsHandler reports registry and server counters.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.reg.Stats()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs_created":     stats.RunsCreated,
		"runs_active":      stats.RunsActive,
		"events_published": stats.EventsPublished,
		"observers_active": stats.ObserversActive,
		"errors":           s.metrics.ErrorCount(),
		"uptime_seconds":   s.metrics.Uptime().Seconds(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}
