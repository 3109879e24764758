// Package health provides health check endpoints for the KV service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/devrev/kvpk/internal/metrics"
	"go.uber.org/zap"
)

// Pinger is the part of the index store the readiness check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck manages health check functionality.
type HealthCheck struct {
	store   Pinger
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu        sync.RWMutex
	ready     bool
	lastCheck time.Time

	checkInterval time.Duration
	checkTimeout  time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewHealthCheck creates a HealthCheck for store. Call Start to begin
// periodic checks and Stop to end them.
func NewHealthCheck(store Pinger, m *metrics.Metrics, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		store:         store,
		metrics:       m,
		logger:        logger,
		checkInterval: 5 * time.Second,
		checkTimeout:  5 * time.Second,
		stop:          make(chan struct{}),
	}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health requests.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests. A cached positive result is
// served as is; otherwise the store is pinged.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if hc.IsReady() {
		writeJSON(w, http.StatusOK, readyResponse())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), hc.checkTimeout)
	defer cancel()

	if err := hc.check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{
			Status: "not_ready",
			Checks: map[string]string{"index_store": "unhealthy"},
			Error:  "index store unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, readyResponse())
}

// Start runs the periodic background check until Stop is called.
func (hc *HealthCheck) Start() {
	go hc.backgroundCheck()
}

// Stop ends the background check.
func (hc *HealthCheck) Stop() {
	hc.stopOnce.Do(func() { close(hc.stop) })
}

func (hc *HealthCheck) backgroundCheck() {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
			_ = hc.check(ctx)
			cancel()
		}
	}
}

func (hc *HealthCheck) check(ctx context.Context) error {
	err := hc.store.Ping(ctx)

	hc.mu.Lock()
	hc.ready = err == nil
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	if err != nil {
		hc.logger.Warn("health check failed", zap.Error(err))
	}
	hc.metrics.SetHealthStatus(err == nil)

	return err
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// LastCheck returns when the store was last pinged.
func (hc *HealthCheck) LastCheck() time.Time {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.lastCheck
}

// SetReady sets the readiness status (for testing).
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}

func readyResponse() ReadinessResponse {
	return ReadinessResponse{
		Status: "ready",
		Checks: map[string]string{"index_store": "healthy"},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
