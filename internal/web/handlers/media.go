package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/media"
)

const (
	defaultMediaLimit = 100
	maxMediaLimit     = 1000
)

// ListMedia lists media items, optionally filtered by status, kind and queue flag
func (h *Handlers) ListMedia(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.MediaFilter{
		Limit:  min(queryInt(r, "limit", defaultMediaLimit), maxMediaLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if v := q.Get("kind"); v != "" {
		kind, err := media.ParseKind(v)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Kind = kind
	}
	if v := q.Get("status"); v != "" {
		status := media.Status(v)
		if !slices.Contains(media.Statuses, status) {
			h.jsonError(w, "Unknown status", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	switch q.Get("in_queue") {
	case "true", "1":
		inQueue := true
		filter.InQueue = &inQueue
	case "false", "0":
		inQueue := false
		filter.InQueue = &inQueue
	}

	items, err := h.db.ListMedia(filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if items == nil {
		items = []*database.MediaItem{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// GetMedia returns one media item
func (h *Handlers) GetMedia(w http.ResponseWriter, r *http.Request) {
	id, kind, ok := h.mediaKey(w, r)
	if !ok {
		return
	}
	item, err := h.db.GetMedia(id, kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if item == nil {
		h.jsonError(w, "Media item not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

// subscribeRequest is the optional body of the subscribe endpoint. An empty body subscribes.
type subscribeRequest struct {
	Subscribed *bool `json:"subscribed"`
}

// SubscribeSeries turns subscription tracking of a series on or off
func (h *Handlers) SubscribeSeries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.catalogID(w, r)
	if !ok {
		return
	}

	var req subscribeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	subscribed := req.Subscribed == nil || *req.Subscribed

	item, err := h.processor.Subscribe(r.Context(), id, subscribed)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

// IgnoreMedia moves an item to the terminal ignored status
func (h *Handlers) IgnoreMedia(w http.ResponseWriter, r *http.Request) {
	id, kind, ok := h.mediaKey(w, r)
	if !ok {
		return
	}
	item, err := h.processor.Ignore(r.Context(), id, kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

// RetryMedia manually re-admits an item regardless of its retry budget
func (h *Handlers) RetryMedia(w http.ResponseWriter, r *http.Request) {
	id, kind, ok := h.mediaKey(w, r)
	if !ok {
		return
	}
	queued, err := h.processor.Requeue(r.Context(), id, kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": queued, "catalog_id": id})
}
