package processor

import (
	"context"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/queue"
)

// SubscriptionReport describes one subscription scan
type SubscriptionReport struct {
	Scanned  int `json:"scanned"`
	Episodes int `json:"episodes_added"`
	Requeued int `json:"requeued"`
	Errors   int `json:"errors"`
}

// scanSubscriptions adds episodes that aired between each subscription's anchor date and today.
// Episodes that aired before the anchor are never tracked and nothing is ever removed.
func (p *Processor) scanSubscriptions(ctx context.Context) (*SubscriptionReport, error) {
	report := &SubscriptionReport{}
	if p.catalog == nil || !p.config().SubscriptionsEnabled {
		return report, nil
	}

	items, err := p.db.ListSubscribedSeries()
	if err != nil {
		return report, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		added, err := p.scanSubscription(ctx, item)
		if err != nil {
			log.Warn().Err(err).Int64("catalog_id", item.CatalogID).Msg("Subscription scan failed")
			report.Errors++
			continue
		}
		report.Episodes += added
		if item.Seasons.HasPending() {
			if ok, _ := p.requeueSeries(ctx, item); ok {
				report.Requeued++
			}
		}
	}

	if report.Scanned > 0 {
		log.Info().Interface("report", report).Msg("Subscription scan completed")
	}
	return report, nil
}

// scanSubscription merges newly aired in-window episodes into item's seasons. Returns the number added.
// Seasons are only ever created from in-window episodes, never from the catalog's aired counts.
func (p *Processor) scanSubscription(ctx context.Context, item *database.MediaItem) (int, error) {
	if item.CanonicalID == "" {
		meta, err := p.catalog.ResolveMedia(ctx, item.CatalogID, item.Kind)
		if err != nil {
			return 0, err
		}
		if err := p.storeCatalogIdentity(item, meta); err != nil {
			return 0, err
		}
		if item.CanonicalID == "" {
			return 0, nil
		}
	}

	now := p.now()
	anchor := item.CreatedAt
	if item.SubscriptionStartedAt != nil {
		anchor = *item.SubscriptionStartedAt
	}
	window := media.AnchorWindow{Anchor: anchor, Today: now}

	seasons, err := p.catalog.ListSeasonEpisodes(ctx, item.CanonicalID)
	if err != nil {
		return 0, err
	}

	added := 0
	var newSeasons []int
	for _, se := range seasons {
		var ids []string
		for _, ep := range se.Episodes {
			if window.Includes(ep.FirstAired) {
				ids = append(ids, media.EpisodeID(ep.Number))
			}
		}
		if len(ids) == 0 {
			continue
		}

		s, ok := item.Seasons.Find(se.Number)
		if !ok {
			item.Seasons = append(item.Seasons, media.Season{
				Number:       se.Number,
				EpisodeCount: len(se.Episodes),
				Confirmed:    []string{},
				Failed:       []string{},
				Unprocessed:  []string{},
			})
			s = &item.Seasons[len(item.Seasons)-1]
			if len(item.RequestedSeasons) > 0 && !slices.Contains(item.RequestedSeasons, se.Number) {
				newSeasons = append(newSeasons, se.Number)
			}
		}
		if len(se.Episodes) > s.EpisodeCount {
			s.EpisodeCount = len(se.Episodes)
		}
		added += len(s.AddAnchored(ids, now))
	}

	if added > 0 {
		item.Seasons.Sort()
		if err := p.db.UpdateSeasons(item.CatalogID, item.Seasons); err != nil {
			return 0, err
		}
		log.Info().Int64("catalog_id", item.CatalogID).Str("title", item.DisplayTitle()).Int("episodes", added).Msg("Subscription found new episodes")
	}
	if len(newSeasons) > 0 {
		requested := append(slices.Clone(item.RequestedSeasons), newSeasons...)
		slices.Sort(requested)
		update := &database.MediaItem{CatalogID: item.CatalogID, Kind: item.Kind, Title: item.Title, RequestedSeasons: requested}
		if err := p.db.UpsertMedia(update); err != nil {
			return added, err
		}
		item.RequestedSeasons = update.RequestedSeasons
	}
	if err := p.db.TouchSubscription(item.CatalogID, now); err != nil {
		log.Debug().Err(err).Msg("Failed to record subscription check")
	}
	return added, nil
}

// requeueSeries admits a series that has unprocessed episodes. Failed series still respect the retry policy.
func (p *Processor) requeueSeries(ctx context.Context, item *database.MediaItem) (bool, error) {
	if item.IsInQueue || item.Status == media.StatusIgnored {
		return false, nil
	}
	if item.Status == media.StatusFailed && !p.config().Retry.Eligible(item.ErrorCount, item.LastErrorAt, p.now()) {
		return false, nil
	}
	w := workItemFromMedia(item)
	w.Extra.QueuedFromStore = false
	ok, err := p.admit(ctx, w, media.TriggerMaintenance)
	if err != nil {
		log.Debug().Err(err).Str("item", queue.Key{CatalogID: item.CatalogID, Kind: item.Kind}.String()).Msg("Series not requeued")
	}
	return ok, err
}
