package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from the worker's dependencies,
// typically the Redis queue and the instance allocator.
type HealthChecker struct {
	mu     sync.Mutex
	checks []healthCheck
	logger *slog.Logger
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, healthCheck{name: name, check: check})
}

// CheckHealth returns liveness status. Always "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks and returns aggregate readiness.
// Returns "ok" only if all checks pass; "degraded" if any fail.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]healthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}

	for _, c := range checks {
		if err := c.check(checkCtx); err != nil {
			status.Status = "degraded"
			status.Checks[c.name] = CheckResult{
				Status:  "fail",
				Message: err.Error(),
			}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.name),
					slog.String("error", err.Error()),
				)
			}
		} else {
			status.Checks[c.name] = CheckResult{Status: "ok"}
		}
	}

	return status
}
