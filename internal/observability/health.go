package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Build metadata, set from ldflags by cmd/jornada.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SweepStatus reports when the reconciliation sweep last finished a pass.
// *billing.Reconciler satisfies it.
type SweepStatus interface {
	LastSweep() (time.Time, bool)
}

// ReadinessChecks lists what /ready checks and what /health reports.
type ReadinessChecks struct {
	// Store must answer; a nil Store is never ready.
	Store HealthChecker

	// NotificationQueue is checked when set. Its outage fails readiness even
	// though advances keep working, so the load balancer can drain the pod.
	NotificationQueue HealthChecker

	// Sweep, when set, adds last_sweep_at to /health.
	Sweep SweepStatus
}

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status      string     `json:"status"`
	Version     string     `json:"version"`
	Commit      string     `json:"commit"`
	LastSweepAt *time.Time `json:"last_sweep_at,omitempty"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is one dependency check's outcome.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

const checkTimeout = 2 * time.Second

// HandleHealth answers liveness. It never touches dependencies.
func HandleHealth(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{Status: "ok", Version: Version, Commit: Commit}
		if checks.Sweep != nil {
			if at, ok := checks.Sweep.LastSweep(); ok {
				resp.LastSweepAt = &at
			}
		}
		writeStatus(w, http.StatusOK, resp)
	}
}

// HandleReady checks the store and, when configured, the notification queue.
// Any failing check answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	type dependency struct {
		name    string
		checker HealthChecker
	}
	deps := []dependency{{"store", checks.Store}}
	if checks.NotificationQueue != nil {
		deps = append(deps, dependency{"notification_queue", checks.NotificationQueue})
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(deps))}
		code := http.StatusOK
		for _, p := range deps {
			res := runCheck(r.Context(), p.checker)
			if res.Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
			resp.Checks[p.name] = res
		}
		writeStatus(w, code, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	if checker == nil {
		return CheckResult{Status: "error", Error: "not configured"}
	}
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
