package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/queue"
)

// enqueueRequest is the body of the enqueue endpoints
type enqueueRequest struct {
	CatalogID      int64  `json:"catalog_id"`
	Title          string `json:"title"`
	Year           int    `json:"year"`
	IMDbID         string `json:"imdb_id"`
	RequestMediaID int64  `json:"request_media_id"`
	RequestID      int64  `json:"request_id"`
	Seasons        []int  `json:"seasons"`
	// SeasonLabels accepts the tracker form, e.g. "Season 1, Season 3"
	SeasonLabels string `json:"season_labels"`
}

func (req *enqueueRequest) workItem() queue.WorkItem {
	seasons := req.Seasons
	if len(seasons) == 0 && req.SeasonLabels != "" {
		seasons = media.ParseSeasonList(req.SeasonLabels)
	}
	return queue.WorkItem{
		CatalogID:      req.CatalogID,
		Title:          req.Title,
		Year:           req.Year,
		IMDbID:         req.IMDbID,
		RequestMediaID: req.RequestMediaID,
		RequestID:      req.RequestID,
		Extra:          queue.Extra{RequestedSeasons: seasons},
	}
}

// QueueMovie admits a movie
func (h *Handlers) QueueMovie(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	queued, err := h.processor.EnqueueMovie(r.Context(), req.workItem())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": queued, "catalog_id": req.CatalogID})
}

// QueueSeries admits a series
func (h *Handlers) QueueSeries(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	queued, err := h.processor.EnqueueSeries(r.Context(), req.workItem())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": queued, "catalog_id": req.CatalogID})
}

// SkipItem cancels a queued or in-flight item
func (h *Handlers) SkipItem(w http.ResponseWriter, r *http.Request) {
	id, kind, ok := h.mediaKey(w, r)
	if !ok {
		return
	}
	skipped, err := h.processor.Skip(r.Context(), id, kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !skipped {
		h.jsonError(w, "Item is not queued", http.StatusNotFound)
		return
	}
	h.jsonSuccess(w, "Item skipped")
}

// ClearQueue cancels everything queued on one lane, or both when kind is omitted
func (h *Handlers) ClearQueue(w http.ResponseWriter, r *http.Request) {
	var kind *media.Kind
	if v := r.URL.Query().Get("kind"); v != "" {
		k, err := media.ParseKind(v)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		kind = &k
	}
	cancelled, err := h.processor.ClearLane(r.Context(), kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	log.Info().Int("cancelled", cancelled).Msg("Queue cleared via API")
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "cancelled": cancelled})
}

// QueueStatus reports lane sizes and processing flags
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.processor.QueueStatus())
}

// ValidateQueue compares lane contents with the store without changing either
func (h *Handlers) ValidateQueue(w http.ResponseWriter, r *http.Request) {
	report, err := h.processor.ValidateSync()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ReconcileQueue rebuilds the lanes from the store
func (h *Handlers) ReconcileQueue(w http.ResponseWriter, r *http.Request) {
	report, err := h.processor.Reconcile(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// RetryFailed runs the failed-item retry pass now
func (h *Handlers) RetryFailed(w http.ResponseWriter, r *http.Request) {
	report, err := h.processor.RetryFailed(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// SyncRequests pulls approved requests from the tracker and admits them
func (h *Handlers) SyncRequests(w http.ResponseWriter, r *http.Request) {
	report, err := h.processor.PopulateFromRequests(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}
