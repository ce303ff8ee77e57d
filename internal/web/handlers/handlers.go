package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/auth"
	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/notification"
	"github.com/saltyorg/reqflow/internal/processor"
	"github.com/saltyorg/reqflow/internal/queue"
)

// maxBodySize caps JSON request bodies
const maxBodySize = 1 << 20

// VersionInfo holds application version information
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// ClientCounter reports live event subscribers
type ClientCounter interface {
	ClientCount() int
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db              *database.DB
	apiKeyService   *auth.APIKeyService
	processor       *processor.Processor
	notificationMgr *notification.Manager
	events          ClientCounter
	versionInfo     VersionInfo
	versionMu       sync.RWMutex
	startedAt       time.Time
}

// New creates a new Handlers instance
func New(db *database.DB, apiKeyService *auth.APIKeyService, proc *processor.Processor) *Handlers {
	return &Handlers{
		db:            db,
		apiKeyService: apiKeyService,
		processor:     proc,
		startedAt:     time.Now(),
	}
}

// SetNotificationManager sets the notification manager
func (h *Handlers) SetNotificationManager(mgr *notification.Manager) {
	h.notificationMgr = mgr
}

// SetEventCounter sets the source of the live client count
func (h *Handlers) SetEventCounter(c ClientCounter) {
	h.events = c
}

// SetVersionInfo sets the application version information
func (h *Handlers) SetVersionInfo(version, commit, date string) {
	h.versionMu.Lock()
	h.versionInfo = VersionInfo{Version: version, Commit: commit, Date: date}
	h.versionMu.Unlock()
}

// getVersionInfo returns a copy of the version info (thread-safe)
func (h *Handlers) getVersionInfo() VersionInfo {
	h.versionMu.RLock()
	defer h.versionMu.RUnlock()
	return h.versionInfo
}

// writeJSON sends v with the given status
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// jsonError sends a JSON error response
func (h *Handlers) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// jsonSuccess sends a JSON success response
func (h *Handlers) jsonSuccess(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

// decodeJSON reads a size-limited JSON body into v
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// handleError maps processor and store errors onto HTTP statuses
func (h *Handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error"
	switch {
	case errors.Is(err, queue.ErrLaneFull):
		status, message = http.StatusTooManyRequests, "queue full"
	case errors.Is(err, processor.ErrInvalidItem):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, processor.ErrNotFound), errors.Is(err, processor.ErrUnknownRoutine),
		errors.Is(err, notification.ErrProviderNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, media.ErrInvalidTransition), errors.Is(err, media.ErrTerminal),
		errors.Is(err, processor.ErrUnreleased):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, processor.ErrNotRunning):
		status, message = http.StatusServiceUnavailable, err.Error()
	default:
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	}
	h.jsonError(w, message, status)
}

// mediaKey parses the {kind} and {id} URL parameters
func (h *Handlers) mediaKey(w http.ResponseWriter, r *http.Request) (int64, media.Kind, bool) {
	kind, err := media.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return 0, "", false
	}
	id, ok := h.catalogID(w, r)
	return id, kind, ok
}

// catalogID parses the {id} URL parameter
func (h *Handlers) catalogID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.jsonError(w, "Invalid catalog ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// queryInt parses an optional non-negative integer query parameter
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
