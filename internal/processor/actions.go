package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/queue"
)

// ErrNotFound is returned by item actions for unknown media
var ErrNotFound = errors.New("media item not found")

// Requeue manually re-admits an item regardless of its status or retry budget
func (p *Processor) Requeue(ctx context.Context, catalogID int64, kind media.Kind) (bool, error) {
	item, err := p.db.GetMedia(catalogID, kind)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, ErrNotFound
	}

	if item.Kind == media.KindSeries && len(item.Seasons) > 0 {
		now := p.now()
		moved := 0
		for i := range item.Seasons {
			moved += item.Seasons[i].RetryFailed(now)
		}
		if moved > 0 {
			if err := p.db.UpdateSeasons(item.CatalogID, item.Seasons); err != nil {
				return false, err
			}
		}
	}

	w := workItemFromMedia(item)
	w.Extra.QueuedFromStore = false
	return p.admit(ctx, w, media.TriggerManual)
}

// Ignore moves an item to the terminal ignored status and takes it out of its lane
func (p *Processor) Ignore(ctx context.Context, catalogID int64, kind media.Kind) (*database.MediaItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := queue.Key{CatalogID: catalogID, Kind: kind}

	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	item, err := p.db.GetMedia(catalogID, kind)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}

	p.lane(kind).Remove(func(w *queue.WorkItem) bool { return w.Key() == key })
	if p.inflight != nil && *p.inflight == key {
		p.registry.Cancel(key)
	}
	res, err := p.transition(key, database.Transition{
		To:         media.StatusIgnored,
		Stage:      media.StageIgnored,
		Trigger:    media.TriggerManual,
		ClearQueue: true,
	})
	if err != nil {
		return nil, err
	}
	p.refreshQueueSize(kind)
	log.Info().Str("item", key.String()).Msg("Item ignored")
	return res.Item, nil
}

// Subscribe turns subscription tracking of a series on or off. The anchor date is set on the
// first subscription and never moves afterwards.
func (p *Processor) Subscribe(ctx context.Context, catalogID int64, subscribed bool) (*database.MediaItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := p.db.GetMedia(catalogID, media.KindSeries)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	if item.Status == media.StatusIgnored {
		return nil, fmt.Errorf("cannot subscribe: %w", media.ErrTerminal)
	}

	if err := p.db.SetSubscription(catalogID, subscribed, p.now()); err != nil {
		return nil, err
	}
	updated, err := p.db.GetMedia(catalogID, media.KindSeries)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("catalog_id", catalogID).Bool("subscribed", subscribed).Msg("Series subscription updated")
	p.broadcastEvent(BroadcastMediaUpdated, updated)
	return updated, nil
}
