package processor

import (
	"context"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/catalog"
	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/media"
)

// inScope reports whether a season is covered by a request. No requested seasons means all of them.
func inScope(requested []int, season int) bool {
	return len(requested) == 0 || slices.Contains(requested, season)
}

// needsCatalog reports whether an item is missing metadata the worker relies on
func needsCatalog(item *database.MediaItem) bool {
	if item.CanonicalID == "" {
		return true
	}
	if item.Kind == media.KindSeries {
		for _, n := range item.RequestedSeasons {
			if _, ok := item.Seasons.Find(n); !ok {
				return true
			}
		}
		return len(item.Seasons) == 0
	}
	return false
}

// enrich fills missing identifiers, the release date and season tracking from the catalog.
// Catalog failures are logged and the item is processed with what the store has.
func (p *Processor) enrich(ctx context.Context, item *database.MediaItem) {
	if p.catalog == nil || !needsCatalog(item) {
		return
	}
	meta, err := p.catalog.ResolveMedia(ctx, item.CatalogID, item.Kind)
	if err != nil {
		log.Warn().Err(err).Str("kind", string(item.Kind)).Int64("catalog_id", item.CatalogID).Msg("Failed to resolve media from catalog")
		return
	}
	if err := p.applyCatalogMedia(item, meta); err != nil {
		log.Warn().Err(err).Int64("catalog_id", item.CatalogID).Msg("Failed to store catalog metadata")
	}
}

// applyCatalogMedia stores catalog metadata on item and creates missing seasons in scope
func (p *Processor) applyCatalogMedia(item *database.MediaItem, meta *catalog.Media) error {
	if err := p.storeCatalogIdentity(item, meta); err != nil {
		return err
	}
	if item.Kind == media.KindSeries {
		return p.ensureSeasons(item, meta.Seasons)
	}
	return nil
}

// storeCatalogIdentity stores the canonical id, release date and missing display fields on item
func (p *Processor) storeCatalogIdentity(item *database.MediaItem, meta *catalog.Media) error {
	update := &database.MediaItem{
		CatalogID:   item.CatalogID,
		Kind:        item.Kind,
		Title:       item.Title,
		Year:        item.Year,
		IMDbID:      item.IMDbID,
		CanonicalID: meta.CanonicalID,
		ReleasedAt:  meta.ReleasedAt,
	}
	if update.Title == "" {
		update.Title = meta.Title
	}
	if update.Year == 0 {
		update.Year = meta.Year
	}
	if update.IMDbID == "" {
		update.IMDbID = meta.IMDbID
	}
	if err := p.db.UpsertMedia(update); err != nil {
		return err
	}
	*item = *update
	return nil
}

// ensureSeasons creates tracking for seasons in the request scope that are not tracked yet
func (p *Processor) ensureSeasons(item *database.MediaItem, counts []catalog.SeasonCounts) error {
	added := 0
	for _, c := range counts {
		if !inScope(item.RequestedSeasons, c.Number) {
			continue
		}
		if _, ok := item.Seasons.Find(c.Number); ok {
			continue
		}
		item.Seasons = append(item.Seasons, media.NewSeason(c.Number, c.EpisodeCount, c.AiredCount))
		added++
	}
	if added == 0 {
		return nil
	}
	item.Seasons.Sort()
	log.Debug().Int64("catalog_id", item.CatalogID).Int("seasons", added).Msg("Season tracking created")
	return p.db.UpdateSeasons(item.CatalogID, item.Seasons)
}

// pendingEpisodes maps in-scope seasons to their unprocessed episode ids. Seasons that are requested
// but not tracked are included with no ids, which leaves the choice of episodes to the executor.
func pendingEpisodes(item *database.MediaItem) map[int][]string {
	out := make(map[int][]string)
	for i := range item.Seasons {
		s := &item.Seasons[i]
		if !inScope(item.RequestedSeasons, s.Number) || !s.Pending() {
			continue
		}
		out[s.Number] = slices.Clone(s.Unprocessed)
	}
	for _, n := range item.RequestedSeasons {
		if _, ok := item.Seasons.Find(n); !ok {
			out[n] = nil
		}
	}
	return out
}
