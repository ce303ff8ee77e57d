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
	"github.com/saltyorg/reqflow/internal/retry"
)

// FailedStats summarizes failed items and their retry eligibility. User cancellations are not counted.
type FailedStats struct {
	FailedMovies   int        `json:"failed_movies"`
	FailedSeries   int        `json:"failed_series"`
	EligibleMovies int        `json:"eligible_movies"`
	EligibleSeries int        `json:"eligible_series"`
	Exhausted      int        `json:"exhausted"`
	TotalFailed    int        `json:"total_failed"`
	TotalEligible  int        `json:"total_eligible"`
	MaxAttempts    int        `json:"max_attempts"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
}

// FailedStats computes retry statistics for failed items
func (p *Processor) FailedStats() (*FailedStats, error) {
	cfg := p.config()
	now := p.now()
	stats := &FailedStats{MaxAttempts: cfg.Retry.MaxAttempts}

	for _, kind := range media.Kinds {
		items, err := p.db.ListFailedMedia(kind)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			eligible := false
			err := cfg.Retry.Check(item.ErrorCount, item.LastErrorAt, now)
			var wait *retry.WaitError
			switch {
			case err == nil:
				eligible = true
			case errors.Is(err, retry.ErrExhausted):
				stats.Exhausted++
			case errors.As(err, &wait):
				if stats.NextRetryAt == nil || wait.ReadyAt.Before(*stats.NextRetryAt) {
					at := wait.ReadyAt
					stats.NextRetryAt = &at
				}
			}

			if kind == media.KindMovie {
				stats.FailedMovies++
				if eligible {
					stats.EligibleMovies++
				}
			} else {
				stats.FailedSeries++
				if eligible {
					stats.EligibleSeries++
				}
			}
		}
	}
	stats.TotalFailed = stats.FailedMovies + stats.FailedSeries
	stats.TotalEligible = stats.EligibleMovies + stats.EligibleSeries
	return stats, nil
}

// RetryReport describes one failed-item retry pass
type RetryReport struct {
	Checked       int `json:"checked"`
	AutoCompleted int `json:"auto_completed"`
	Requeued      int `json:"requeued"`
	Waiting       int `json:"waiting"`
	Exhausted     int `json:"exhausted"`
	Deferred      int `json:"deferred"`
	Rejected      int `json:"rejected"`
}

// RetryFailed runs the failed-item pass. Items the request tracker already reports as available are
// completed; items whose backoff elapsed are re-admitted through the normal admission path, at most
// RetryBatchLimit per pass. A full lane stops admission for that lane.
func (p *Processor) RetryFailed(ctx context.Context) (*RetryReport, error) {
	cfg := p.config()
	report := &RetryReport{}

	for _, kind := range media.Kinds {
		items, err := p.db.ListFailedMedia(kind)
		if err != nil {
			return report, err
		}

		laneFull := false
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++
			key := queue.Key{CatalogID: item.CatalogID, Kind: item.Kind}

			if p.completeIfAvailable(ctx, key) {
				report.AutoCompleted++
				continue
			}

			err := cfg.Retry.Check(item.ErrorCount, item.LastErrorAt, p.now())
			switch {
			case errors.Is(err, retry.ErrExhausted):
				report.Exhausted++
				continue
			case err != nil:
				report.Waiting++
				continue
			}
			if laneFull || report.Requeued >= cfg.RetryBatchLimit {
				report.Deferred++
				continue
			}

			ok, err := p.requeueFailed(ctx, item)
			switch {
			case errors.Is(err, queue.ErrLaneFull):
				laneFull = true
				report.Rejected++
			case err != nil:
				log.Warn().Err(err).Str("item", key.String()).Msg("Failed to requeue failed item")
				report.Rejected++
			case ok:
				report.Requeued++
			}
		}
	}

	log.Info().Interface("report", report).Msg("Failed item retry pass completed")
	if report.Requeued > 0 || report.AutoCompleted > 0 {
		p.notify(notification.Event{
			Type:    notification.EventRetryPass,
			Title:   "Retry pass",
			Message: fmt.Sprintf("Requeued %d failed items, %d already available", report.Requeued, report.AutoCompleted),
			Fields: map[string]string{
				"Waiting":   fmt.Sprint(report.Waiting),
				"Exhausted": fmt.Sprint(report.Exhausted),
			},
		})
	}
	return report, nil
}

// completeIfAvailable completes an item the request tracker already lists as available
func (p *Processor) completeIfAvailable(ctx context.Context, key queue.Key) bool {
	if p.tracker == nil {
		return false
	}
	available, err := p.tracker.IsAvailable(ctx, key.Kind, key.CatalogID)
	if err != nil {
		log.Debug().Err(err).Str("item", key.String()).Msg("Failed to check tracker availability")
		return false
	}
	if !available {
		return false
	}
	if _, err := p.transition(key, database.Transition{
		To:      media.StatusCompleted,
		Stage:   media.StageAutoCompleted,
		Trigger: media.TriggerRetry,
	}); err != nil {
		log.Warn().Err(err).Str("item", key.String()).Msg("Failed to complete available item")
		return false
	}
	log.Info().Str("item", key.String()).Msg("Failed item already available in request tracker")
	return true
}

// requeueFailed moves failed episodes back to unprocessed and re-admits the item as a retry
func (p *Processor) requeueFailed(ctx context.Context, item *database.MediaItem) (bool, error) {
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
	w.Extra.Retry = &queue.RetryMeta{
		Attempt:       item.ErrorCount + 1,
		OriginalError: item.ErrorMessage,
		RetryAt:       p.now(),
	}
	return p.admit(ctx, w, media.TriggerRetry)
}
