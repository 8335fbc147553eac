package handlers

import (
	"context"
	"net/http"
	"time"

	"tilefarm/internal/httpkit"
)

// Health performs a health check of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "tilefarm-api",
		"version": "0.1.0",
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

// deepHealthCheck checks each configured dependency.
func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := make(map[string]map[string]any)

	if h.store != nil {
		checks["postgres"] = timed(ctx, h.store.Ping)
	}
	if h.queue != nil {
		checks["redis"] = timed(ctx, h.queue.Ping)
	}
	if h.sp != nil {
		c := timed(ctx, h.sp.Check)
		c["provider"] = h.sp.Provider()
		checks["storage"] = c
	}
	if h.node != nil {
		checks["worker"] = h.checkWorker()
	}

	return checks
}

func timed(ctx context.Context, check func(context.Context) error) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := check(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkWorker() map[string]any {
	w := h.node.Worker()
	state := w.State().String()
	result := map[string]any{
		"status":  "ok",
		"state":   state,
		"pending": w.Pending(),
	}
	if state != "ready" {
		result["status"] = "error"
		if err := w.Err(); err != nil {
			result["error"] = err.Error()
		}
	}
	return result
}
