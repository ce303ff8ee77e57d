package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/notification"
	"github.com/saltyorg/reqflow/internal/queue"
)

// Status is the queue status reported to callers
type Status struct {
	Running           bool               `json:"running"`
	Sizes             map[media.Kind]int `json:"sizes"`
	MaxSizes          map[media.Kind]int `json:"max_sizes"`
	Processing        bool               `json:"processing"`
	ResourceAvailable bool               `json:"resource_available"`
	MaintenanceLocked bool               `json:"maintenance_locked"`
	LastActivity      time.Time          `json:"last_activity"`
	Cancellations     int                `json:"cancellations"`
}

// EnqueueMovie admits a movie request. Returns true when the item is queued, including
// when it already was.
func (p *Processor) EnqueueMovie(ctx context.Context, w queue.WorkItem) (bool, error) {
	w.Kind = media.KindMovie
	return p.admit(ctx, w, media.TriggerSync)
}

// EnqueueSeries admits a series request
func (p *Processor) EnqueueSeries(ctx context.Context, w queue.WorkItem) (bool, error) {
	w.Kind = media.KindSeries
	return p.admit(ctx, w, media.TriggerSync)
}

// admit validates w, marks it queued in the store and pushes it onto its lane.
// A full lane is rejected before anything is written.
func (p *Processor) admit(ctx context.Context, w queue.WorkItem, trigger media.Trigger) (bool, error) {
	if p.ctx.Err() != nil {
		return false, ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := p.validate.Struct(&w); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidItem, err)
	}

	key := w.Key()
	lane := p.lane(w.Kind)

	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	existing, err := p.db.GetMedia(key.CatalogID, key.Kind)
	if err != nil {
		return false, err
	}
	queued := (existing != nil && existing.IsInQueue) || (p.inflight != nil && *p.inflight == key)

	now := p.now()
	if !queued {
		if existing != nil {
			if err := admissionAllowed(existing, trigger, now); err != nil {
				return false, err
			}
		}
		if lane.Full() {
			log.Warn().
				Str("lane", string(w.Kind)).
				Int("max_size", lane.MaxSize()).
				Str("item", key.String()).
				Msg("Lane is full, rejecting admission")
			p.notify(notification.Event{
				Type:    notification.EventQueueFull,
				Title:   "Queue full",
				Message: fmt.Sprintf("The %s queue is full (%d items), %s was not queued", w.Kind, lane.MaxSize(), w.DisplayTitle()),
				Fields:  map[string]string{"Lane": string(w.Kind)},
			})
			return false, queue.ErrLaneFull
		}
	}

	item := &database.MediaItem{
		CatalogID:        w.CatalogID,
		Kind:             w.Kind,
		Title:            w.Title,
		Year:             w.Year,
		IMDbID:           w.IMDbID,
		RequestMediaID:   w.RequestMediaID,
		RequestID:        w.RequestID,
		RequestedSeasons: w.Extra.RequestedSeasons,
	}
	if err := p.db.UpsertMedia(item); err != nil {
		return false, err
	}
	if queued {
		log.Debug().Str("item", key.String()).Msg("Item already queued")
		return true, nil
	}

	stage := admissionStage(trigger)
	if item.Status != media.StatusPending || item.ProcessingStage != stage {
		if _, err := p.transition(key, database.Transition{
			To:      media.StatusPending,
			Stage:   stage,
			Trigger: trigger,
		}); err != nil {
			return false, err
		}
	}

	if err := p.db.SetInQueue(key.CatalogID, key.Kind, true); err != nil {
		return false, err
	}
	w.Extra.QueueAttempt = item.QueueAttempts + 1
	if err := lane.TryPush(queue.NewWork(w)); err != nil {
		if rbErr := p.db.SetInQueue(key.CatalogID, key.Kind, false); rbErr != nil {
			log.Error().Err(rbErr).Str("item", key.String()).Msg("Failed to roll back queue flag")
		}
		return false, err
	}
	p.registry.Clear(key)

	p.refreshQueueSize(w.Kind)
	if err := p.db.TouchQueueActivity(w.Kind, now); err != nil {
		log.Debug().Err(err).Msg("Failed to record queue activity")
	}
	log.Info().
		Str("lane", string(w.Kind)).
		Int64("catalog_id", w.CatalogID).
		Str("title", w.DisplayTitle()).
		Str("trigger", trigger.String()).
		Int("lane_size", lane.Len()).
		Msg("Item queued")
	p.notify(notification.Event{
		Type:    notification.EventMediaQueued,
		Title:   w.DisplayTitle(),
		Message: fmt.Sprintf("%s was added to the %s queue", w.DisplayTitle(), w.Kind),
		Fields:  map[string]string{"Kind": string(w.Kind), "Trigger": trigger.String()},
	})
	p.broadcastEvent(BroadcastQueueUpdated, map[string]any{"lane": w.Kind, "size": lane.Len(), "catalog_id": w.CatalogID})
	p.signal()
	return true, nil
}

// admissionAllowed rejects stored items that an automatic admission must not requeue
func admissionAllowed(item *database.MediaItem, trigger media.Trigger, now time.Time) error {
	if trigger == media.TriggerManual {
		return nil
	}
	switch item.Status {
	case media.StatusIgnored:
		return media.ErrTerminal
	case media.StatusCompleted:
		if trigger != media.TriggerMaintenance {
			return fmt.Errorf("%w: %s %d is already completed", media.ErrInvalidTransition, item.Kind, item.CatalogID)
		}
	case media.StatusUnreleased:
		if !item.IsReleased(now) {
			return ErrUnreleased
		}
	}
	return nil
}

func admissionStage(trigger media.Trigger) string {
	switch trigger {
	case media.TriggerRetry:
		return media.StageRetryQueued
	case media.TriggerManual:
		return media.StageManualRequeue
	}
	return media.StageQueued
}

// workItemFromMedia synthesizes a lane item from stored fields
func workItemFromMedia(m *database.MediaItem) queue.WorkItem {
	return queue.WorkItem{
		CatalogID:      m.CatalogID,
		Kind:           m.Kind,
		Title:          m.Title,
		Year:           m.Year,
		IMDbID:         m.IMDbID,
		RequestMediaID: m.RequestMediaID,
		RequestID:      m.RequestID,
		Extra: queue.Extra{
			RequestedSeasons: m.RequestedSeasons,
			QueuedFromStore:  true,
			QueueAttempt:     m.QueueAttempts,
		},
	}
}

// Skip cancels a queued item: it is marked failed with stage cancelled, removed from its lane and
// registered so that a dequeue or an in-flight execution racing with the cancellation is not committed.
// Returns false when the item is not queued.
func (p *Processor) Skip(ctx context.Context, catalogID int64, kind media.Kind) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !kind.Valid() {
		return false, fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, kind)
	}
	key := queue.Key{CatalogID: catalogID, Kind: kind}

	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	item, err := p.db.GetMedia(catalogID, kind)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	removed := p.lane(kind).Remove(func(w *queue.WorkItem) bool { return w.Key() == key })
	inflight := p.inflight != nil && *p.inflight == key
	if !item.IsInQueue && removed == 0 && !inflight {
		return false, nil
	}
	p.registry.Cancel(key)

	p.cancelItem(key, item, media.MessageCancelled)
	p.refreshQueueSize(kind)
	p.broadcastEvent(BroadcastQueueUpdated, map[string]any{"lane": kind, "size": p.lane(kind).Len(), "catalog_id": catalogID})

	log.Info().Str("item", key.String()).Bool("in_flight", inflight).Msg("Queued item cancelled")
	return true, nil
}

// cancelItem records a user cancellation and clears the queue flag. Terminal items only lose the flag.
func (p *Processor) cancelItem(key queue.Key, item *database.MediaItem, message string) {
	if item.Status == media.StatusCompleted || item.Status == media.StatusIgnored {
		if err := p.db.SetInQueue(key.CatalogID, key.Kind, false); err != nil {
			log.Error().Err(err).Str("item", key.String()).Msg("Failed to clear queue flag")
		}
		return
	}
	_, err := p.transition(key, database.Transition{
		To:         media.StatusFailed,
		Stage:      media.StageCancelled,
		Error:      message,
		Trigger:    media.TriggerManual,
		ClearQueue: true,
	})
	if err != nil {
		log.Warn().Err(err).Str("item", key.String()).Msg("Failed to mark item cancelled")
		if err := p.db.SetInQueue(key.CatalogID, key.Kind, false); err != nil {
			log.Error().Err(err).Str("item", key.String()).Msg("Failed to clear queue flag")
		}
	}
}

// ClearLane cancels every queued item of kind, or of both lanes when kind is nil, and reconciles.
// Control messages stay queued. Returns the number of cancelled items.
func (p *Processor) ClearLane(ctx context.Context, kind *media.Kind) (int, error) {
	kinds := media.Kinds
	if kind != nil {
		if !kind.Valid() {
			return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, *kind)
		}
		kinds = []media.Kind{*kind}
	}

	total := 0
	for _, k := range kinds {
		n, err := p.clearLane(ctx, k)
		total += n
		if err != nil {
			return total, err
		}
	}

	if _, err := p.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("Reconciliation after clearing lanes failed")
	}
	log.Info().Int("cancelled", total).Msg("Queue cleared")
	return total, nil
}

func (p *Processor) clearLane(ctx context.Context, kind media.Kind) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	items, err := p.db.ListQueuedMedia(kind)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		key := queue.Key{CatalogID: item.CatalogID, Kind: item.Kind}
		p.registry.Cancel(key)
		p.cancelItem(key, item, media.MessageCancelledCleared)
	}
	removed := p.lane(kind).Remove(func(*queue.WorkItem) bool { return true })
	p.refreshQueueSize(kind)
	p.broadcastEvent(BroadcastQueueUpdated, map[string]any{"lane": kind, "size": p.lane(kind).Len()})

	log.Debug().Str("lane", string(kind)).Int("store_items", len(items)).Int("lane_items", removed).Msg("Lane cleared")
	return len(items), nil
}

// QueueStatus reports lane sizes, capacities and the processing flags
func (p *Processor) QueueStatus() Status {
	status := Status{
		Running:           p.IsRunning(),
		Sizes:             make(map[media.Kind]int, len(p.lanes)),
		MaxSizes:          make(map[media.Kind]int, len(p.lanes)),
		Processing:        p.processing.Load(),
		ResourceAvailable: p.arbiter.ResourceAvailable(),
		MaintenanceLocked: p.arbiter.MaintenanceLocked(),
		LastActivity:      time.Unix(0, p.lastActivity.Load()),
		Cancellations:     p.registry.Len(),
	}
	for kind, lane := range p.lanes {
		status.Sizes[kind] = lane.Len()
		status.MaxSizes[kind] = lane.MaxSize()
	}
	return status
}

// QueueControl queues a control message on the lane that handles it. A message already
// waiting in the lane is not queued twice.
func (p *Processor) QueueControl(kind queue.ControlKind) error {
	if p.ctx.Err() != nil {
		return ErrNotRunning
	}
	laneKind := media.KindMovie
	switch kind {
	case queue.ControlFailedRetry, queue.ControlMovieRecheck:
	case queue.ControlSubscriptionCheck:
		laneKind = media.KindSeries
	default:
		return fmt.Errorf("unknown control message %q", kind)
	}

	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	lane := p.lane(laneKind)
	if lane.HasControl(kind) {
		return nil
	}
	if err := lane.TryPush(queue.NewControl(kind)); err != nil {
		if errors.Is(err, queue.ErrLaneFull) {
			log.Warn().Str("control", string(kind)).Msg("Lane full, control message dropped")
		}
		return err
	}
	log.Debug().Str("control", string(kind)).Str("lane", string(laneKind)).Msg("Control message queued")
	p.signal()
	return nil
}
