package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/saltyorg/reqflow/internal/media"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedMedia(t *testing.T, db *DB, catalogID int64, kind media.Kind) *MediaItem {
	t.Helper()
	item := &MediaItem{CatalogID: catalogID, Kind: kind, Title: "Item", Year: 2024}
	if err := db.UpsertMedia(item); err != nil {
		t.Fatalf("failed to upsert media: %v", err)
	}
	return item
}

func TestUpsertMedia_KeepsStatusOnConflict(t *testing.T) {
	db := openTestDB(t)
	item := seedMedia(t, db, 100, media.KindMovie)
	if item.ID == 0 || item.Status != media.StatusPending {
		t.Fatalf("expected stored pending item, got id=%d status=%s", item.ID, item.Status)
	}

	if _, err := db.TransitionMedia(100, media.KindMovie, Transition{To: media.StatusProcessing, Trigger: media.TriggerWorker}); err != nil {
		t.Fatalf("failed to transition: %v", err)
	}

	again := &MediaItem{CatalogID: 100, Kind: media.KindMovie, Title: "Renamed", IMDbID: "tt0100"}
	if err := db.UpsertMedia(again); err != nil {
		t.Fatalf("failed to upsert again: %v", err)
	}
	if again.Status != media.StatusProcessing {
		t.Fatalf("expected status to stay processing, got %s", again.Status)
	}
	if again.Title != "Renamed" || again.IMDbID != "tt0100" || again.Year != 2024 {
		t.Fatalf("expected identifying fields refreshed and year kept, got %+v", again)
	}
}

func TestUpsertMedia_SameCatalogIDDifferentKind(t *testing.T) {
	db := openTestDB(t)
	seedMedia(t, db, 7, media.KindMovie)
	seedMedia(t, db, 7, media.KindSeries)

	all, err := db.ListMedia(MediaFilter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 distinct items, got %d", len(all))
	}
}

func TestTransitionMedia_SideEffects(t *testing.T) {
	db := openTestDB(t)
	seedMedia(t, db, 1, media.KindMovie)

	res, err := db.TransitionMedia(1, media.KindMovie, Transition{To: media.StatusProcessing, Stage: media.StageExecuting, Trigger: media.TriggerWorker})
	if err != nil {
		t.Fatalf("failed to enter processing: %v", err)
	}
	started := res.Item.ProcessingStartedAt
	if started == nil {
		t.Fatalf("expected processing_started_at to be set")
	}
	if res.From != media.StatusPending || !res.Changed {
		t.Fatalf("expected change from pending, got %+v", res)
	}

	res, err = db.TransitionMedia(1, media.KindMovie, Transition{To: media.StatusFailed, Stage: media.StageSearchFailed, Error: "boom", Trigger: media.TriggerWorker})
	if err != nil {
		t.Fatalf("failed to enter failed: %v", err)
	}
	if res.Item.ErrorCount != 1 || res.Item.LastErrorAt == nil || res.Item.ErrorMessage != "boom" {
		t.Fatalf("expected error tracking to be updated, got %+v", res.Item)
	}

	// Retry re-enters processing without resetting the start time
	if _, err := db.TransitionMedia(1, media.KindMovie, Transition{To: media.StatusProcessing, Trigger: media.TriggerRetry}); err != nil {
		t.Fatalf("failed to retry: %v", err)
	}
	stored, err := db.GetMedia(1, media.KindMovie)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if stored.ProcessingStartedAt == nil || !stored.ProcessingStartedAt.Equal(*started) {
		t.Fatalf("expected processing_started_at to be kept, got %v want %v", stored.ProcessingStartedAt, started)
	}

	res, err = db.TransitionMedia(1, media.KindMovie, Transition{To: media.StatusFailed, Trigger: media.TriggerWorker})
	if err != nil {
		t.Fatalf("failed to fail again: %v", err)
	}
	if res.Item.ErrorCount != 2 {
		t.Fatalf("expected error count 2, got %d", res.Item.ErrorCount)
	}
}

func TestTransitionMedia_RejectsInvalid(t *testing.T) {
	db := openTestDB(t)
	seedMedia(t, db, 1, media.KindMovie)

	if _, err := db.TransitionMedia(1, media.KindMovie, Transition{To: media.StatusIgnored, Trigger: media.TriggerManual}); err != nil {
		t.Fatalf("failed to ignore: %v", err)
	}
	_, err := db.TransitionMedia(1, media.KindMovie, Transition{To: media.StatusPending, Trigger: media.TriggerMaintenance})
	if !errors.Is(err, media.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}

	stored, _ := db.GetMedia(1, media.KindMovie)
	if stored.Status != media.StatusIgnored {
		t.Fatalf("expected status to stay ignored, got %s", stored.Status)
	}
}

func TestTransitionMedia_ClearQueue(t *testing.T) {
	db := openTestDB(t)
	seedMedia(t, db, 5, media.KindSeries)
	if err := db.SetInQueue(5, media.KindSeries, true); err != nil {
		t.Fatalf("failed to flag queued: %v", err)
	}

	res, err := db.TransitionMedia(5, media.KindSeries, Transition{
		To: media.StatusFailed, Stage: media.StageCancelled, Error: media.MessageCancelled,
		Trigger: media.TriggerManual, ClearQueue: true,
	})
	if err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	if res.Item.IsInQueue || res.Item.QueueAddedAt != nil {
		t.Fatalf("expected queue flag cleared, got %+v", res.Item)
	}
}

func TestQueuedMediaAndSummary(t *testing.T) {
	db := openTestDB(t)
	for i := int64(1); i <= 3; i++ {
		seedMedia(t, db, i, media.KindMovie)
		if err := db.SetInQueue(i, media.KindMovie, true); err != nil {
			t.Fatalf("failed to flag queued: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Completed items never count toward the lane
	if _, err := db.TransitionMedia(3, media.KindMovie, Transition{To: media.StatusCompleted, Trigger: media.TriggerWorker}); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}

	queued, err := db.ListQueuedMedia(media.KindMovie)
	if err != nil {
		t.Fatalf("failed to list queued: %v", err)
	}
	if len(queued) != 2 || queued[0].CatalogID != 1 || queued[1].CatalogID != 2 {
		t.Fatalf("expected queued [1 2] in admission order, got %d items", len(queued))
	}
	if queued[0].QueueAttempts != 1 {
		t.Fatalf("expected queue attempts 1, got %d", queued[0].QueueAttempts)
	}

	size, err := db.RefreshQueueSize(media.KindMovie)
	if err != nil {
		t.Fatalf("failed to refresh size: %v", err)
	}
	if size != 2 {
		t.Fatalf("expected size 2, got %d", size)
	}
	summary, err := db.GetQueueSummary(media.KindMovie)
	if err != nil || summary == nil {
		t.Fatalf("failed to load summary: %v", err)
	}
	if summary.Size != 2 || summary.MaxSize != 250 {
		t.Fatalf("expected size 2 max 250, got %d/%d", summary.Size, summary.MaxSize)
	}

	if err := db.SetQueueProcessing(true); err != nil {
		t.Fatalf("failed to set processing: %v", err)
	}
	summaries, err := db.ListQueueSummaries()
	if err != nil {
		t.Fatalf("failed to list summaries: %v", err)
	}
	for _, s := range summaries {
		if !s.IsProcessing {
			t.Fatalf("expected lane %s to be processing", s.Lane)
		}
	}
}

func TestSeasonsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	seedMedia(t, db, 9, media.KindSeries)

	seasons := media.Seasons{media.NewSeason(2, 10, 4), media.NewSeason(1, 8, 8)}
	if err := db.UpdateSeasons(9, seasons); err != nil {
		t.Fatalf("failed to store seasons: %v", err)
	}

	stored, err := db.GetMedia(9, media.KindSeries)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if len(stored.Seasons) != 2 || stored.Seasons[0].Number != 1 {
		t.Fatalf("expected 2 seasons sorted by number, got %+v", stored.Seasons)
	}
	if len(stored.Seasons[1].Unprocessed) != 4 {
		t.Fatalf("expected 4 unprocessed episodes in season 2, got %v", stored.Seasons[1].Unprocessed)
	}

	series, err := db.ListSeriesWithSeasons()
	if err != nil || len(series) != 1 {
		t.Fatalf("expected 1 series with seasons, got %d (%v)", len(series), err)
	}
}

func TestSubscriptionAnchorIsSticky(t *testing.T) {
	db := openTestDB(t)
	seedMedia(t, db, 11, media.KindSeries)

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := db.SetSubscription(11, true, first); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	if err := db.SetSubscription(11, false, time.Time{}); err != nil {
		t.Fatalf("failed to unsubscribe: %v", err)
	}
	if err := db.SetSubscription(11, true, first.AddDate(0, 2, 0)); err != nil {
		t.Fatalf("failed to resubscribe: %v", err)
	}

	stored, _ := db.GetMedia(11, media.KindSeries)
	if !stored.IsSubscribed || stored.SubscriptionStartedAt == nil || !stored.SubscriptionStartedAt.Equal(first) {
		t.Fatalf("expected original anchor %v to be kept, got %v", first, stored.SubscriptionStartedAt)
	}

	subs, err := db.ListSubscribedSeries()
	if err != nil || len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d (%v)", len(subs), err)
	}
}

func TestRetryCandidates(t *testing.T) {
	db := openTestDB(t)
	for i := int64(1); i <= 3; i++ {
		seedMedia(t, db, i, media.KindMovie)
		if _, err := db.TransitionMedia(i, media.KindMovie, Transition{To: media.StatusFailed, Trigger: media.TriggerWorker}); err != nil {
			t.Fatalf("failed to fail item %d: %v", i, err)
		}
	}
	// Item 2 failed a second time; item 3 was cancelled by the user
	if _, err := db.TransitionMedia(2, media.KindMovie, Transition{To: media.StatusPending, Trigger: media.TriggerRetry}); err != nil {
		t.Fatalf("failed to requeue: %v", err)
	}
	if _, err := db.TransitionMedia(2, media.KindMovie, Transition{To: media.StatusFailed, Trigger: media.TriggerWorker}); err != nil {
		t.Fatalf("failed to fail again: %v", err)
	}
	if _, err := db.TransitionMedia(3, media.KindMovie, Transition{To: media.StatusFailed, Stage: media.StageCancelled, Trigger: media.TriggerManual}); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	limited, err := db.ListRetryCandidates(media.KindMovie, 2)
	if err != nil {
		t.Fatalf("failed to list candidates: %v", err)
	}
	if len(limited) != 1 || limited[0].CatalogID != 1 {
		t.Fatalf("expected only item 1 below 2 attempts, got %d items", len(limited))
	}

	unlimited, err := db.ListRetryCandidates(media.KindMovie, 0)
	if err != nil {
		t.Fatalf("failed to list candidates: %v", err)
	}
	if len(unlimited) != 2 {
		t.Fatalf("expected 2 candidates with unlimited attempts, got %d", len(unlimited))
	}

	counts, err := db.CountMediaByStatus()
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if counts[media.KindMovie][media.StatusFailed] != 3 || counts.Total(media.KindMovie) != 3 {
		t.Fatalf("expected 3 failed movies, got %v", counts[media.KindMovie])
	}
}

func TestSettingsDefaults(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitializeDefaults(); err != nil {
		t.Fatalf("failed to initialize defaults: %v", err)
	}

	val, err := db.GetSetting("queue.movie_max_size")
	if err != nil || val != "250" {
		t.Fatalf("expected queue.movie_max_size=250, got %q (%v)", val, err)
	}
	val, _ = db.GetSetting("retry.backoff_multiplier")
	if val != "2" {
		t.Fatalf("expected multiplier stored as 2, got %q", val)
	}

	if err := db.SetSetting("queue.movie_max_size", "10"); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := db.InitializeDefaults(); err != nil {
		t.Fatalf("failed to re-run defaults: %v", err)
	}
	val, _ = db.GetSetting("queue.movie_max_size")
	if val != "10" {
		t.Fatalf("expected existing value to be kept, got %q", val)
	}

	var events []string
	if err := db.GetSettingJSON("notifications.events", &events); err != nil || len(events) != 3 {
		t.Fatalf("expected 3 default notification events, got %v (%v)", events, err)
	}
}
