package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Stats returns status counts and the failed-item summary
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.processor.Stats()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// FailedStats returns failed counts, retry eligibility and the configured retry policy
func (h *Handlers) FailedStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.processor.FailedStats()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Schedules lists the maintenance routines with their next run
func (h *Handlers) Schedules(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"schedules": h.processor.Schedules()})
}

// RunRoutine runs a maintenance routine and waits for it to finish
func (h *Handlers) RunRoutine(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "routine")
	start := time.Now()
	if err := h.processor.RunRoutine(r.Context(), name); err != nil {
		h.handleError(w, r, err)
		return
	}
	log.Info().Str("routine", name).Dur("duration", time.Since(start)).Msg("Maintenance routine run via API")
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"routine":  name,
		"duration": time.Since(start).String(),
	})
}

// NotificationLogs returns recent notification attempts
func (h *Handlers) NotificationLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.db.ListNotificationLogs(queryInt(r, "limit", 100))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// NotificationProviders lists the registered providers
func (h *Handlers) NotificationProviders(w http.ResponseWriter, r *http.Request) {
	if h.notificationMgr == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"providers": []string{}})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"providers": h.notificationMgr.ListProviders()})
}

// TestNotification sends a test message through one provider
func (h *Handlers) TestNotification(w http.ResponseWriter, r *http.Request) {
	if h.notificationMgr == nil {
		h.jsonError(w, "Notifications are not configured", http.StatusServiceUnavailable)
		return
	}
	provider := chi.URLParam(r, "provider")
	if err := h.notificationMgr.TestProvider(provider); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.jsonSuccess(w, "Test notification sent")
}

// Version returns build information
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.getVersionInfo())
}

// Health reports liveness. It is served without authentication.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":  "ok",
		"running": h.processor.IsRunning(),
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	}
	if err := h.db.PingContext(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Health check: database unreachable")
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}
	if h.events != nil {
		body["ws_clients"] = h.events.ClientCount()
	}
	h.writeJSON(w, status, body)
}
