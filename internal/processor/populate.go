package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/queue"
	"github.com/saltyorg/reqflow/internal/requests"
)

// PopulateReport describes one request tracker sync
type PopulateReport struct {
	Requests      int `json:"requests"`
	Queued        int `json:"queued"`
	AlreadyQueued int `json:"already_queued"`
	Unreleased    int `json:"unreleased"`
	Skipped       int `json:"skipped"`
	Rejected      int `json:"rejected"`
	Errors        int `json:"errors"`
}

// PopulateFromRequests pulls approved requests from the tracker, records them in the store with
// catalog metadata and admits them. Unreleased movies are parked as unreleased, failed and terminal
// items are left alone.
func (p *Processor) PopulateFromRequests(ctx context.Context) (*PopulateReport, error) {
	report := &PopulateReport{}
	if p.tracker == nil {
		return report, nil
	}

	reqs, err := p.tracker.ListApprovedRequests(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list approved requests: %w", err)
	}
	report.Requests = len(reqs)

	full := make(map[media.Kind]bool)
	for _, r := range reqs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if full[r.Kind] {
			report.Rejected++
			continue
		}
		p.populateOne(ctx, r, report, full)
	}

	log.Info().Interface("report", report).Msg("Request sync completed")
	return report, nil
}

func (p *Processor) populateOne(ctx context.Context, r requests.Request, report *PopulateReport, full map[media.Kind]bool) {
	key := queue.Key{CatalogID: r.CatalogID, Kind: r.Kind}
	logger := log.With().Str("item", key.String()).Int64("request_id", r.RequestID).Logger()

	existing, err := p.db.GetMedia(r.CatalogID, r.Kind)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load media item")
		report.Errors++
		return
	}
	if existing != nil {
		switch {
		case existing.IsInQueue:
			report.AlreadyQueued++
			return
		case existing.Status == media.StatusCompleted, existing.Status == media.StatusIgnored:
			report.Skipped++
			return
		case existing.Status == media.StatusFailed:
			// Failed items only come back through the retry pass
			report.Skipped++
			return
		}
	}

	item := &database.MediaItem{
		CatalogID:        r.CatalogID,
		Kind:             r.Kind,
		RequestMediaID:   r.RequestMediaID,
		RequestID:        r.RequestID,
		RequestedSeasons: r.Seasons,
	}
	if existing != nil {
		item.Title = existing.Title
		item.Year = existing.Year
	}
	if item.Title == "" {
		item.Title = fmt.Sprintf("%s %d", r.Kind, r.CatalogID)
	}
	if err := p.db.UpsertMedia(item); err != nil {
		logger.Error().Err(err).Msg("Failed to store request")
		report.Errors++
		return
	}

	if p.catalog != nil {
		meta, err := p.catalog.ResolveMedia(ctx, r.CatalogID, r.Kind)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to resolve requested media")
		} else {
			if existing == nil || existing.Title == "" {
				item.Title = meta.Title
			}
			if err := p.applyCatalogMedia(item, meta); err != nil {
				logger.Warn().Err(err).Msg("Failed to store catalog metadata")
			}
		}
	}

	if item.Kind == media.KindMovie && !item.IsReleased(p.now()) {
		report.Unreleased++
		if item.Status == media.StatusUnreleased {
			return
		}
		if _, err := p.transition(key, database.Transition{
			To:      media.StatusUnreleased,
			Stage:   media.StageUnreleased,
			Trigger: media.TriggerSync,
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to mark request unreleased")
		}
		return
	}

	w := workItemFromMedia(item)
	w.Extra.QueuedFromStore = false
	ok, err := p.admit(ctx, w, media.TriggerSync)
	switch {
	case errors.Is(err, queue.ErrLaneFull):
		full[r.Kind] = true
		report.Rejected++
	case err != nil:
		logger.Warn().Err(err).Msg("Failed to queue request")
		report.Errors++
	case ok:
		report.Queued++
	}
}
