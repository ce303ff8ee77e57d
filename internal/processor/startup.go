package processor

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/queue"
)

// recoverStuck resets items a previous run left in processing. Movies whose release date lies in
// the future go back to unreleased, everything else to pending. Series held for a catalog
// discrepancy are left alone.
func (p *Processor) recoverStuck() int {
	now := p.now()
	recovered := 0
	for _, kind := range media.Kinds {
		items, err := p.db.ListMediaByStatus(kind, media.StatusProcessing)
		if err != nil {
			log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to list stuck items")
			continue
		}
		for _, item := range items {
			if item.ProcessingStage == media.StageDiscrepancyHold {
				continue
			}
			t := database.Transition{
				To:         media.StatusPending,
				Stage:      media.StageRecoveredOnStartup,
				Trigger:    media.TriggerMaintenance,
				ClearQueue: true,
			}
			if item.Kind == media.KindMovie && !item.IsReleased(now) {
				t.To = media.StatusUnreleased
				t.Stage = media.StageUnreleasedStartup
			}
			key := queue.Key{CatalogID: item.CatalogID, Kind: item.Kind}
			if _, err := p.transition(key, t); err != nil {
				log.Error().Err(err).Str("item", key.String()).Msg("Failed to recover stuck item")
				continue
			}
			recovered++
		}
	}
	if recovered > 0 {
		log.Info().Int("count", recovered).Msg("Recovered items interrupted by a previous run")
	}
	return recovered
}

// queueExisting admits pending items that are not queued and runs a retry pass over failed items
func (p *Processor) queueExisting(ctx context.Context) {
	notQueued := false
	queued := 0
	for _, kind := range media.Kinds {
		items, err := p.db.ListMedia(database.MediaFilter{Kind: kind, Status: media.StatusPending, InQueue: &notQueued})
		if err != nil {
			log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to list pending items")
			continue
		}
		// ListMedia returns newest first; admit oldest first
		for i := len(items) - 1; i >= 0; i-- {
			ok, err := p.admit(ctx, workItemFromMedia(items[i]), media.TriggerSync)
			if errors.Is(err, queue.ErrLaneFull) {
				log.Warn().Str("lane", string(kind)).Int("remaining", i+1).Msg("Lane full while queueing pending items")
				break
			}
			if err != nil {
				log.Warn().Err(err).Int64("catalog_id", items[i].CatalogID).Msg("Failed to queue pending item")
				continue
			}
			if ok {
				queued++
			}
		}
	}
	if queued > 0 {
		log.Info().Int("count", queued).Msg("Queued pending items from store")
	}

	if _, err := p.RetryFailed(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("Startup retry pass failed")
	}
}
