package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/flush"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// LivenessHandler returns a handler for the Kubernetes liveness check.
// Liveness should only fail if the process needs to be restarted.
func LivenessHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "alive"
		statusCode := http.StatusOK

		if !checker.Liveness() {
			status = "not alive"
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, statusCode, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}, logger)
	}
}

// ReadinessHandler returns a handler for the Kubernetes readiness check.
// Readiness indicates if the application can handle traffic.
func ReadinessHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ready"
		statusCode := http.StatusOK

		if !checker.Readiness(r.Context()) {
			status = "not ready"
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, statusCode, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checker.GetStatus(),
		}, logger)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

// FlushStatusProvider exposes the flush worker state.
type FlushStatusProvider interface {
	Status() flush.Status
}

// WorkerHealthChecker derives health from the flush worker. The process is
// ready while the worker runs, and healthy while its last flush succeeded.
type WorkerHealthChecker struct {
	worker FlushStatusProvider
	source string
}

// Ensure implementation satisfies interface at compile time.
var _ HealthChecker = (*WorkerHealthChecker)(nil)

// NewWorkerHealthChecker creates a checker for worker. source names the
// configured producer and is reported in the status map.
func NewWorkerHealthChecker(worker FlushStatusProvider, source string) *WorkerHealthChecker {
	return &WorkerHealthChecker{worker: worker, source: source}
}

// Liveness always reports true while the process can serve requests.
func (c *WorkerHealthChecker) Liveness() bool {
	return true
}

// Readiness reports whether the flush worker is running.
func (c *WorkerHealthChecker) Readiness(ctx context.Context) bool {
	return c.worker.Status().Running
}

// IsHealthy reports whether the worker runs and its last flush succeeded.
func (c *WorkerHealthChecker) IsHealthy() bool {
	s := c.worker.Status()
	return s.Running && s.LastError == ""
}

// GetStatus returns the per-component status map.
func (c *WorkerHealthChecker) GetStatus() map[string]string {
	s := c.worker.Status()

	worker := "stopped"
	if s.Running {
		worker = "running"
	}

	status := map[string]string{
		"flush_worker":    worker,
		"source":          c.source,
		"batches_flushed": strconv.FormatUint(s.BatchesFlushed, 10),
		"entries_flushed": strconv.FormatUint(s.EntriesFlushed, 10),
	}
	if !s.LastFlush.IsZero() {
		status["last_flush"] = s.LastFlush.UTC().Format(time.RFC3339)
	}
	if s.LastError != "" {
		status["last_error"] = s.LastError
	}
	return status
}
