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

// Maintenance routine names, also used as cron entry names
const (
	RoutineMovieRecheck  = "movie_recheck"
	RoutineTVMaintenance = "tv_maintenance"
	RoutineOptimize      = "optimize"
	RoutineFailedRetry   = "failed_retry"
	RoutineRequestsSync  = "requests_sync"
	RoutineTokenRefresh  = "token_refresh"
)

// SettingCatalogToken stores the refreshed catalog OAuth token
const SettingCatalogToken = "catalog.token"

// episodeRetryInterval limits how often failed episodes are moved back to unprocessed
const episodeRetryInterval = 24 * time.Hour

// ScheduleInfo describes one scheduled routine
type ScheduleInfo struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
	PrevRun time.Time `json:"prev_run,omitzero"`
}

// applySchedules replaces every cron entry with the schedules in cfg
func (p *Processor) applySchedules(cfg Config) {
	p.cronMu.Lock()
	defer p.cronMu.Unlock()

	for name, id := range p.cronEntries {
		p.cron.Remove(id)
		delete(p.cronEntries, name)
	}

	p.addSchedule(RoutineMovieRecheck, cfg.MovieRecheckSchedule, func() {
		p.runMaintenance(RoutineMovieRecheck, p.recheckMovies)
	})
	p.addSchedule(RoutineTVMaintenance, cfg.TVSchedule, func() {
		p.runMaintenance(RoutineTVMaintenance, p.tvMaintenance)
	})
	p.addSchedule(RoutineOptimize, cfg.OptimizeSchedule, func() {
		p.runMaintenance(RoutineOptimize, p.optimize)
	})
	if cfg.RetryInterval > 0 {
		p.addSchedule(RoutineFailedRetry, every(cfg.RetryInterval), func() {
			if err := p.QueueControl(queue.ControlFailedRetry); err != nil && !errors.Is(err, ErrNotRunning) {
				log.Warn().Err(err).Msg("Failed to queue retry pass")
			}
		})
	}
	if cfg.RequestsSyncInterval > 0 && p.tracker != nil {
		p.addSchedule(RoutineRequestsSync, every(cfg.RequestsSyncInterval), func() {
			p.runMaintenance(RoutineRequestsSync, func(ctx context.Context) error {
				_, err := p.PopulateFromRequests(ctx)
				return err
			})
		})
	}
	if cfg.TokenRefreshInterval > 0 && p.tokens != nil {
		p.addSchedule(RoutineTokenRefresh, every(cfg.TokenRefreshInterval), func() {
			p.runMaintenance(RoutineTokenRefresh, p.refreshToken)
		})
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (p *Processor) addSchedule(name, schedule string, fn func()) {
	if schedule == "" {
		return
	}
	id, err := p.cron.AddFunc(schedule, fn)
	if err != nil {
		log.Warn().Err(err).Str("routine", name).Str("schedule", schedule).Msg("Invalid maintenance schedule")
		return
	}
	p.cronEntries[name] = id
	log.Debug().Str("routine", name).Str("schedule", schedule).Msg("Maintenance scheduled")
}

// Schedules lists the scheduled routines with their next run
func (p *Processor) Schedules() []ScheduleInfo {
	p.cronMu.Lock()
	defer p.cronMu.Unlock()

	out := make([]ScheduleInfo, 0, len(p.cronEntries))
	for name, id := range p.cronEntries {
		entry := p.cron.Entry(id)
		out = append(out, ScheduleInfo{Name: name, NextRun: entry.Next, PrevRun: entry.Prev})
	}
	return out
}

// RunRoutine runs a maintenance routine now, under the maintenance permit
func (p *Processor) RunRoutine(ctx context.Context, name string) error {
	var fn func(context.Context) error
	switch name {
	case RoutineMovieRecheck:
		fn = p.recheckMovies
	case RoutineTVMaintenance:
		fn = p.tvMaintenance
	case RoutineOptimize:
		fn = p.optimize
	case RoutineTokenRefresh:
		fn = p.refreshToken
	case RoutineRequestsSync:
		fn = func(ctx context.Context) error {
			_, err := p.PopulateFromRequests(ctx)
			return err
		}
	case RoutineFailedRetry:
		return p.QueueControl(queue.ControlFailedRetry)
	default:
		return fmt.Errorf("%w %q", ErrUnknownRoutine, name)
	}
	return p.arbiter.RunMaintenance(ctx, name, fn)
}

// runMaintenance is the cron entry point: the routine runs under the maintenance permit and
// its failure is logged, never propagated.
func (p *Processor) runMaintenance(name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("routine", name).Msg("Maintenance routine panicked")
		}
	}()
	if p.ctx.Err() != nil {
		return
	}

	err := p.arbiter.RunMaintenance(p.ctx, name, fn)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.notify(notification.Event{
				Type:    notification.EventSystemError,
				Title:   "Maintenance failed",
				Message: fmt.Sprintf("%s failed: %v", name, err),
				Fields:  map[string]string{"Routine": name},
			})
		}
		return
	}
	if name != RoutineTokenRefresh {
		p.notify(notification.Event{
			Type:    notification.EventMaintenance,
			Title:   "Maintenance completed",
			Message: fmt.Sprintf("%s completed", name),
			Fields:  map[string]string{"Routine": name},
		})
	}
}

// recheckMovies re-admits movies whose release date passed, refreshes release dates of the
// remaining unreleased movies and re-admits movies left in processing or pending outside a lane.
func (p *Processor) recheckMovies(ctx context.Context) error {
	now := p.now()
	requeued := 0

	due, err := p.db.ListUnreleasedDue(media.KindMovie, now)
	if err != nil {
		return err
	}
	for _, item := range due {
		if p.readmit(ctx, item) {
			log.Info().Int64("catalog_id", item.CatalogID).Str("title", item.DisplayTitle()).Msg("Movie released")
			requeued++
		}
	}

	if p.catalog != nil {
		unreleased, err := p.db.ListMediaByStatus(media.KindMovie, media.StatusUnreleased)
		if err != nil {
			return err
		}
		for _, item := range unreleased {
			if err := ctx.Err(); err != nil {
				return err
			}
			meta, err := p.catalog.ResolveMedia(ctx, item.CatalogID, item.Kind)
			if err != nil {
				log.Debug().Err(err).Int64("catalog_id", item.CatalogID).Msg("Failed to refresh release date")
				continue
			}
			if meta.ReleasedAt == nil || (item.ReleasedAt != nil && meta.ReleasedAt.Equal(*item.ReleasedAt)) {
				continue
			}
			if err := p.db.UpdateReleaseDate(item.CatalogID, item.Kind, meta.ReleasedAt); err != nil {
				return err
			}
			item.ReleasedAt = meta.ReleasedAt
			if item.IsReleased(now) && p.readmit(ctx, item) {
				requeued++
			}
		}
	}

	for _, status := range []media.Status{media.StatusProcessing, media.StatusPending} {
		items, err := p.db.ListMediaByStatus(media.KindMovie, status)
		if err != nil {
			return err
		}
		for _, item := range items {
			if p.readmit(ctx, item) {
				requeued++
			}
		}
	}

	log.Info().Int("requeued", requeued).Msg("Movie recheck completed")
	return nil
}

// readmit admits an item that is not queued and not in flight
func (p *Processor) readmit(ctx context.Context, item *database.MediaItem) bool {
	if item.IsInQueue || p.isInflight(queue.Key{CatalogID: item.CatalogID, Kind: item.Kind}) {
		return false
	}
	w := workItemFromMedia(item)
	w.Extra.QueuedFromStore = false
	ok, err := p.admit(ctx, w, media.TriggerMaintenance)
	if err != nil {
		log.Debug().Err(err).Int64("catalog_id", item.CatalogID).Msg("Item not readmitted")
		return false
	}
	return ok
}

func (p *Processor) isInflight(key queue.Key) bool {
	p.laneMu.Lock()
	defer p.laneMu.Unlock()
	return p.inflight != nil && *p.inflight == key
}

// TVReport describes one tv maintenance pass
type TVReport struct {
	Series          int `json:"series"`
	SeasonsAdvanced int `json:"seasons_advanced"`
	EpisodesRetried int `json:"episodes_retried"`
	Requeued        int `json:"requeued"`
	Errors          int `json:"errors"`
}

// tvMaintenance advances aired counts from the catalog, moves failed episodes back to
// unprocessed once a day, runs the subscription scan and requeues series with pending episodes.
func (p *Processor) tvMaintenance(ctx context.Context) error {
	now := p.now()
	report := &TVReport{}

	retryEpisodes := now.Sub(p.lastEpisodeRetry) >= episodeRetryInterval
	if retryEpisodes {
		p.lastEpisodeRetry = now
	}

	series, err := p.db.ListSeriesWithSeasons()
	if err != nil {
		return err
	}
	for _, item := range series {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Series++
		changed := false

		if p.catalog != nil && item.CanonicalID != "" {
			for i := range item.Seasons {
				advanced, err := p.advanceSeason(ctx, item.CanonicalID, &item.Seasons[i], now)
				if err != nil {
					log.Debug().Err(err).Int64("catalog_id", item.CatalogID).Int("season", item.Seasons[i].Number).Msg("Failed to refresh season")
					report.Errors++
					continue
				}
				if advanced {
					report.SeasonsAdvanced++
					changed = true
				}
			}
		}
		if retryEpisodes {
			for i := range item.Seasons {
				if n := item.Seasons[i].RetryFailed(now); n > 0 {
					report.EpisodesRetried += n
					changed = true
				}
			}
		}
		if changed {
			if err := p.db.UpdateSeasons(item.CatalogID, item.Seasons); err != nil {
				return err
			}
		}
	}

	subs, err := p.scanSubscriptions(ctx)
	if err != nil {
		return err
	}

	series, err = p.db.ListSeriesWithSeasons()
	if err != nil {
		return err
	}
	for _, item := range series {
		if !item.Seasons.HasPending() || p.isInflight(queue.Key{CatalogID: item.CatalogID, Kind: item.Kind}) {
			continue
		}
		if ok, _ := p.requeueSeries(ctx, item); ok {
			report.Requeued++
		}
	}

	log.Info().
		Interface("report", report).
		Int("subscription_episodes", subs.Episodes).
		Msg("TV maintenance completed")
	return nil
}

// advanceSeason refreshes one season's counts. Seasons that finished airing and are consistent
// are not queried.
func (p *Processor) advanceSeason(ctx context.Context, canonicalID string, s *media.Season, now time.Time) (bool, error) {
	if !s.HasUnaired() && !s.IsDiscrepant() && s.EpisodeCount > 0 {
		return false, nil
	}
	counts, err := p.catalog.ResolveSeasonEpisodes(ctx, canonicalID, s.Number)
	if err != nil {
		return false, err
	}
	total := counts.EpisodeCount
	if total <= 0 {
		total = s.EpisodeCount
	}
	aired := max(counts.AiredCount, s.AiredCount)
	next := false
	if aired < total {
		next, err = p.catalog.NextEpisodeHasAired(ctx, canonicalID, s.Number, aired)
		if err != nil {
			return false, err
		}
	}
	return s.AdvanceAired(counts.EpisodeCount, counts.AiredCount, next, now), nil
}

// optimize runs database maintenance and prunes the notification log
func (p *Processor) optimize(ctx context.Context) error {
	if err := p.db.Optimize(); err != nil {
		return err
	}
	if retention := p.config().NotificationLogRetention; retention > 0 {
		n, err := p.db.PruneNotificationLogs(retention)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Int64("deleted", n).Msg("Pruned notification log")
		}
	}
	return ctx.Err()
}

// refreshToken refreshes the catalog token and persists it
func (p *Processor) refreshToken(ctx context.Context) error {
	if p.tokens == nil {
		return nil
	}
	token, err := p.tokens.RefreshToken(ctx)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}
	return p.db.SetSettingJSON(SettingCatalogToken, map[string]any{
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"expiry":        token.Expiry,
	})
}
