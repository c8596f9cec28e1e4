package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks    map[string]Check
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler running checks, keyed by
// dependency name, on every request.
func NewHealthHandler(checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, startedAt: time.Now(), logger: logger}
}

type healthResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Timestamp     string            `json:"timestamp"`
}

// HealthCheck reports 200 when every dependency answers, else 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = "ok"
			if err := h.checks[name](ctx); err != nil {
				results[i] = err.Error()
			}
		}()
	}
	wg.Wait()

	resp := healthResponse{
		Status:        "ok",
		Checks:        make(map[string]string, len(names)),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	for i, name := range names {
		resp.Checks[name] = results[i]
		if results[i] != "ok" {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			h.logger.WarnContext(r.Context(), "health check failed",
				slog.String("dependency", name),
				slog.String("error", results[i]),
			)
		}
	}
	writeJSON(w, status, resp)
}
