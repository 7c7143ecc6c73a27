package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus is the payload of the health and readiness endpoints.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthCheck reports process liveness. It never touches dependencies.
// GET /health
func HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, http.StatusOK, HealthStatus{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
		})
	}
}

// ReadyCheck probes the backing stores. A nil checker is skipped, so the
// service can run without Redis and still report ready.
// GET /ready
func ReadyCheck(db, cache HealthChecker, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string)
		ready := true

		probe := func(name string, checker HealthChecker) {
			if checker == nil {
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.Health(ctx); err != nil {
				logger.Warn("readiness probe failed", "check", name, "error", err)
				checks[name] = "unavailable"
				ready = false
				return
			}
			checks[name] = "ok"
		}

		probe("database", db)
		probe("cache", cache)

		status := HealthStatus{
			Status:    "ready",
			Timestamp: time.Now().UTC(),
			Checks:    checks,
		}
		code := http.StatusOK
		if !ready {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		RespondJSON(w, code, status)
	}
}
