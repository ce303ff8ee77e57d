package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/executor"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/notification"
	"github.com/saltyorg/reqflow/internal/queue"
)

// workerLoop runs drain cycles until the processor stops
func (p *Processor) workerLoop() {
	for {
		sleep := p.runCycle()

		timer := time.NewTimer(sleep)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-p.lanes[media.KindMovie].Signal():
			timer.Stop()
		case <-p.lanes[media.KindSeries].Signal():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runCycle performs one worker cycle and returns how long to sleep before the next
func (p *Processor) runCycle() (sleep time.Duration) {
	cfg := p.config()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Worker cycle failed")
			sleep = cfg.ErrorSleep
		}
	}()

	if p.lanesEmpty() {
		p.setProcessing(false)
		p.idleCheck(cfg)
		return cfg.IdleSleep
	}

	if !p.arbiter.BeginDrain() {
		log.Debug().Msg("Maintenance running, drain cycle postponed")
		return cfg.ActiveSleep
	}
	defer p.arbiter.EndDrain()

	p.idleFired = false
	p.touchActivity()
	p.setProcessing(true)
	for _, kind := range media.Kinds {
		p.drainLane(kind)
		if p.ctx.Err() != nil {
			break
		}
	}
	p.setProcessing(false)
	return cfg.ActiveSleep
}

func (p *Processor) lanesEmpty() bool {
	for _, lane := range p.lanes {
		if lane.Len() > 0 {
			return false
		}
	}
	return true
}

func (p *Processor) touchActivity() {
	p.lastActivity.Store(p.now().UnixNano())
}

// setProcessing persists the processing flag when it changes
func (p *Processor) setProcessing(processing bool) {
	if p.processing.Swap(processing) == processing {
		return
	}
	if err := p.db.SetQueueProcessing(processing); err != nil {
		log.Warn().Err(err).Bool("processing", processing).Msg("Failed to persist processing flag")
	}
	p.broadcastEvent(BroadcastQueueUpdated, map[string]any{"processing": processing})
}

// idleCheck runs the idle side effect once per idle period, after the lanes stayed empty for IdleMin
func (p *Processor) idleCheck(cfg Config) {
	if p.idleFired {
		return
	}
	idleFor := p.now().Sub(time.Unix(0, p.lastActivity.Load()))
	if idleFor < cfg.IdleMin {
		return
	}
	p.idleFired = true
	log.Debug().Dur("idle_for", idleFor).Msg("Queue idle, refreshing library stats")
	p.refreshStats()
}

// LibraryStats is the snapshot broadcast when the queue goes idle
type LibraryStats struct {
	Counts database.StatusCounts `json:"counts"`
	Failed FailedStats           `json:"failed"`
	At     time.Time             `json:"at"`
}

// Stats computes the library stats snapshot
func (p *Processor) Stats() (*LibraryStats, error) {
	counts, err := p.db.CountMediaByStatus()
	if err != nil {
		return nil, err
	}
	failed, err := p.FailedStats()
	if err != nil {
		return nil, err
	}
	return &LibraryStats{Counts: counts, Failed: *failed, At: p.now()}, nil
}

func (p *Processor) refreshStats() {
	stats, err := p.Stats()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to refresh library stats")
		return
	}
	p.broadcastEvent(BroadcastStatsUpdated, stats)
}

// drainLane processes items until the lane is empty or the processor stops
func (p *Processor) drainLane(kind media.Kind) {
	for p.ctx.Err() == nil {
		item, ok := p.pop(kind)
		if !ok {
			return
		}
		p.handleItem(item)
		p.touchActivity()
	}
}

// pop dequeues the next item and marks a work item as in flight
func (p *Processor) pop(kind media.Kind) (queue.Item, bool) {
	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	item, ok := p.lane(kind).Pop()
	if ok && item.Work != nil {
		key := item.Work.Key()
		p.inflight = &key
	}
	return item, ok
}

// handleItem is the per-item fault boundary
func (p *Processor) handleItem(item queue.Item) {
	if item.IsControl() {
		p.runControl(item.Control)
		return
	}
	if item.Work == nil {
		return
	}

	w := item.Work
	key := w.Key()
	keepQueued := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("item", key.String()).Msg("Work item panicked")
			p.failItem(key, media.StagePanic, fmt.Sprintf("panic: %v", r))
			keepQueued = false
		}
		p.finishItem(key, keepQueued)
	}()
	keepQueued = p.processWorkItem(w)
}

// finishItem clears the in-flight marker and the store's queue flag
func (p *Processor) finishItem(key queue.Key, keepQueued bool) {
	p.laneMu.Lock()
	p.inflight = nil
	p.laneMu.Unlock()

	if !keepQueued {
		if err := p.db.SetInQueue(key.CatalogID, key.Kind, false); err != nil {
			log.Error().Err(err).Str("item", key.String()).Msg("Failed to clear queue flag")
		}
	}
	p.refreshQueueSize(key.Kind)
	p.broadcastEvent(BroadcastQueueUpdated, map[string]any{"lane": key.Kind, "size": p.lane(key.Kind).Len()})
}

// runControl dispatches a control message to its handler
func (p *Processor) runControl(kind queue.ControlKind) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("control", string(kind)).Msg("Control handler panicked")
		}
	}()

	var err error
	switch kind {
	case queue.ControlFailedRetry:
		_, err = p.RetryFailed(p.ctx)
	case queue.ControlMovieRecheck:
		err = p.recheckMovies(p.ctx)
	case queue.ControlSubscriptionCheck:
		_, err = p.scanSubscriptions(p.ctx)
	default:
		log.Warn().Str("control", string(kind)).Msg("Unknown control message dropped")
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("control", string(kind)).Msg("Control handler failed")
	}
}

// processWorkItem re-validates a dequeued item against the store and executes it.
// Returns true when the item must stay flagged as queued (shutdown during execution).
func (p *Processor) processWorkItem(w *queue.WorkItem) bool {
	ctx := p.ctx
	cfg := p.config()
	key := w.Key()

	item, err := p.db.GetMedia(key.CatalogID, key.Kind)
	if err != nil {
		log.Error().Err(err).Str("item", key.String()).Msg("Failed to load dequeued item")
		return false
	}
	if item == nil {
		log.Warn().Str("item", key.String()).Msg("Dequeued item no longer exists")
		return false
	}
	if !item.IsInQueue {
		if item.Status == media.StatusFailed && item.ProcessingStage == media.StageCancelled {
			log.Debug().Str("item", key.String()).Msg("Item was cancelled while queued")
		} else {
			log.Debug().Str("item", key.String()).Str("status", string(item.Status)).Msg("Stale lane item skipped")
		}
		return false
	}
	if item.Status == media.StatusCompleted || item.Status == media.StatusIgnored {
		log.Debug().Str("item", key.String()).Str("status", string(item.Status)).Msg("Item needs no processing")
		return false
	}
	if p.recentlyCancelled(key, item, cfg.CancelRaceWindow) {
		p.recordCancelled(key)
		return false
	}
	p.registry.Clear(key)

	p.enrich(ctx, item)

	now := p.now()
	if item.Kind == media.KindMovie && !item.IsReleased(now) {
		if _, err := p.transition(key, database.Transition{
			To:      media.StatusUnreleased,
			Stage:   media.StageUnreleased,
			Trigger: media.TriggerWorker,
		}); err != nil {
			log.Error().Err(err).Str("item", key.String()).Msg("Failed to mark item unreleased")
		}
		log.Info().Str("item", key.String()).Time("released_at", *item.ReleasedAt).Msg("Movie not released yet")
		return false
	}

	from := item.Status
	res, err := p.transition(key, database.Transition{
		To:      media.StatusProcessing,
		Stage:   media.StageExecuting,
		Trigger: media.TriggerWorker,
	})
	if err != nil {
		log.Error().Err(err).Str("item", key.String()).Str("status", string(from)).Msg("Failed to start processing")
		return false
	}
	item = res.Item
	if from == media.StatusProcessing {
		from = media.StatusPending
	}

	job := executor.Job{
		CatalogID: item.CatalogID,
		Kind:      item.Kind,
		Title:     item.Title,
		Year:      item.Year,
		IMDbID:    item.IMDbID,
		Attempt:   max(w.Extra.QueueAttempt, item.QueueAttempts),
		IsRetry:   w.Extra.Retry != nil || item.ErrorCount > 0,
	}
	if item.Kind == media.KindSeries {
		job.Seasons = pendingEpisodes(item)
	}

	outcome := p.execute(ctx, cfg, job)

	if ctx.Err() != nil {
		// Shutdown: hand the item back to the store so the next start picks it up again
		if _, err := p.db.TransitionMedia(key.CatalogID, key.Kind, database.Transition{
			To:      media.StatusPending,
			Stage:   media.StageQueued,
			Trigger: media.TriggerWorker,
		}); err != nil {
			log.Warn().Err(err).Str("item", key.String()).Msg("Failed to requeue interrupted item")
		}
		return true
	}
	if _, cancelled := p.registry.CancelledAt(key); cancelled && outcome.Kind != executor.OutcomeCancelled {
		log.Info().Str("item", key.String()).Str("outcome", outcome.String()).Msg("Item cancelled during execution, outcome discarded")
		outcome = executor.Outcome{Kind: executor.OutcomeCancelled}
	}

	p.applyOutcome(ctx, cfg, key, from, outcome)
	return false
}

// recentlyCancelled reports a cancellation racing with the dequeue
func (p *Processor) recentlyCancelled(key queue.Key, item *database.MediaItem, window time.Duration) bool {
	if p.registry.CancelledWithin(key, window) {
		return true
	}
	return item.ProcessingStage == media.StageCancelled && p.now().Sub(item.UpdatedAt) <= window
}

// execute runs the executor under the resource permit
func (p *Processor) execute(ctx context.Context, cfg Config, job executor.Job) executor.Outcome {
	if err := p.arbiter.AcquireResource(ctx); err != nil {
		return executor.Failure(fmt.Errorf("failed to acquire resource: %w", err))
	}
	defer p.arbiter.ReleaseResource()

	execCtx := ctx
	if cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cfg.ExecutionTimeout)
		defer cancel()
	}

	start := time.Now()
	log.Info().
		Str("kind", string(job.Kind)).
		Int64("catalog_id", job.CatalogID).
		Str("title", media.DisplayTitle(job.Title, job.Year)).
		Int("attempt", job.Attempt).
		Msg("Executing request")
	outcome := p.executor.Execute(execCtx, job)
	log.Info().
		Int64("catalog_id", job.CatalogID).
		Str("outcome", outcome.String()).
		Dur("duration", time.Since(start)).
		Msg("Execution finished")
	return outcome
}

// applyOutcome records an execution outcome. from is the status the item had when dequeued.
func (p *Processor) applyOutcome(ctx context.Context, cfg Config, key queue.Key, from media.Status, outcome executor.Outcome) {
	switch outcome.Kind {
	case executor.OutcomeSuccess:
		p.completeItem(ctx, cfg, key)
	case executor.OutcomeCancelled:
		p.recordCancelled(key)
	case executor.OutcomeAlreadyProcessing, executor.OutcomeAlreadyCompleted, executor.OutcomeAlreadyAvailable:
		if _, err := p.transition(key, database.Transition{
			To:      from,
			Stage:   string(outcome.Kind),
			Trigger: media.TriggerWorker,
		}); err != nil {
			log.Error().Err(err).Str("item", key.String()).Msg("Failed to restore item status")
		}
	case executor.OutcomeSkipped:
		if _, err := p.transition(key, database.Transition{
			To:      media.StatusSkipped,
			Stage:   media.StageSkipped,
			Trigger: media.TriggerWorker,
		}); err != nil {
			log.Error().Err(err).Str("item", key.String()).Msg("Failed to mark item skipped")
		}
	default:
		p.failItem(key, media.StageSearchFailed, outcome.Message())
	}
}

// completeItem commits a successful execution
func (p *Processor) completeItem(ctx context.Context, cfg Config, key queue.Key) {
	item, err := p.db.GetMedia(key.CatalogID, key.Kind)
	if err != nil || item == nil {
		log.Error().Err(err).Str("item", key.String()).Msg("Failed to load completed item")
		return
	}

	if p.tracker != nil && item.RequestMediaID > 0 {
		ok, err := p.tracker.MarkFulfilled(ctx, item.RequestMediaID, item.CatalogID)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("item", key.String()).Msg("Failed to mark request fulfilled")
		case !ok:
			log.Warn().Str("item", key.String()).Int64("request_media_id", item.RequestMediaID).Msg("Request tracker did not confirm fulfilment")
		}
	}

	if item.Kind == media.KindMovie {
		if _, err := p.transition(key, database.Transition{
			To:      media.StatusCompleted,
			Stage:   media.StageMovieComplete,
			Trigger: media.TriggerWorker,
		}); err != nil {
			log.Error().Err(err).Str("item", key.String()).Msg("Failed to mark movie completed")
		}
		return
	}

	now := p.now()
	var discrepant []int
	for i := range item.Seasons {
		s := &item.Seasons[i]
		if !inScope(item.RequestedSeasons, s.Number) {
			continue
		}
		if s.IsDiscrepant() {
			discrepant = append(discrepant, s.Number)
			continue
		}
		s.MarkCompleted(now)
	}
	if len(item.Seasons) > 0 {
		if err := p.db.UpdateSeasons(item.CatalogID, item.Seasons); err != nil {
			log.Error().Err(err).Str("item", key.String()).Msg("Failed to update seasons")
		}
	}

	if len(discrepant) > 0 {
		log.Warn().
			Str("item", key.String()).
			Ints("seasons", discrepant).
			Bool("blocks_completion", cfg.DiscrepantBlocksCompletion).
			Msg("Series has seasons with more aired episodes than the catalog total")
		p.notify(notification.Event{
			Type:    notification.EventDiscrepancyFound,
			Title:   item.DisplayTitle(),
			Message: fmt.Sprintf("Seasons %s report more aired episodes than they contain", media.FormatSeasonList(discrepant)),
			Fields:  map[string]string{"Blocks completion": fmt.Sprint(cfg.DiscrepantBlocksCompletion)},
		})
		if cfg.DiscrepantBlocksCompletion {
			if _, err := p.transition(key, database.Transition{
				To:      media.StatusProcessing,
				Stage:   media.StageDiscrepancyHold,
				Trigger: media.TriggerWorker,
			}); err != nil {
				log.Error().Err(err).Str("item", key.String()).Msg("Failed to hold discrepant series")
			}
			return
		}
	}

	if _, err := p.transition(key, database.Transition{
		To:      media.StatusCompleted,
		Stage:   media.StageSeriesComplete,
		Trigger: media.TriggerWorker,
	}); err != nil {
		log.Error().Err(err).Str("item", key.String()).Msg("Failed to mark series completed")
	}
}

// recordCancelled marks an item cancelled by the user and forgets the registry entry
func (p *Processor) recordCancelled(key queue.Key) {
	if _, err := p.transition(key, database.Transition{
		To:      media.StatusFailed,
		Stage:   media.StageCancelled,
		Error:   media.MessageCancelled,
		Trigger: media.TriggerWorker,
	}); err != nil {
		log.Error().Err(err).Str("item", key.String()).Msg("Failed to mark item cancelled")
	}
	p.registry.Clear(key)
	log.Info().Str("item", key.String()).Msg("Item cancelled")
}

// failItem marks an item failed. For series the in-scope unprocessed episodes move to failed.
func (p *Processor) failItem(key queue.Key, stage, message string) {
	if key.Kind == media.KindSeries {
		item, err := p.db.GetMedia(key.CatalogID, key.Kind)
		if err == nil && item != nil && item.Seasons.HasPending() {
			for i := range item.Seasons {
				s := &item.Seasons[i]
				if !inScope(item.RequestedSeasons, s.Number) {
					continue
				}
				for _, id := range append([]string(nil), s.Unprocessed...) {
					s.FailEpisode(id)
				}
			}
			if err := p.db.UpdateSeasons(item.CatalogID, item.Seasons); err != nil {
				log.Error().Err(err).Str("item", key.String()).Msg("Failed to record failed episodes")
			}
		}
	}

	if _, err := p.transition(key, database.Transition{
		To:      media.StatusFailed,
		Stage:   stage,
		Error:   message,
		Trigger: media.TriggerWorker,
	}); err != nil {
		log.Error().Err(err).Str("item", key.String()).Msg("Failed to mark item failed")
		return
	}
	log.Warn().Str("item", key.String()).Str("stage", stage).Str("error", message).Msg("Item failed")
}
