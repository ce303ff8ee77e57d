package processor

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/saltyorg/reqflow/internal/catalog"
	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/queue"
)

func TestArbiter_MaintenanceWaitsForDrain(t *testing.T) {
	a := NewArbiter()
	if !a.BeginDrain() {
		t.Fatal("expected drain to start")
	}
	if a.BeginDrain() {
		t.Fatal("expected a second drain to be refused")
	}

	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- a.RunMaintenance(context.Background(), "test", func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatal("expected maintenance to wait for the drain cycle")
	}
	if !a.MaintenanceLocked() {
		t.Fatal("expected maintenance permit to be held while waiting")
	}

	a.EndDrain()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("maintenance failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance did not run after the drain finished")
	}
	if !ran.Load() {
		t.Fatal("expected maintenance to run")
	}
	if a.MaintenanceLocked() {
		t.Fatal("expected maintenance permit to be released")
	}
}

func TestArbiter_DrainRefusedDuringMaintenance(t *testing.T) {
	a := NewArbiter()
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- a.RunMaintenance(context.Background(), "test", func(context.Context) error {
			close(started)
			<-release
			return errors.New("routine failed")
		})
	}()

	<-started
	if a.BeginDrain() {
		t.Fatal("expected drain to be refused while maintenance runs")
	}
	close(release)
	if err := <-done; err == nil {
		t.Fatal("expected the routine error to be returned")
	}
	if !a.BeginDrain() {
		t.Fatal("expected drain to start after maintenance")
	}
	a.EndDrain()
}

func TestArbiter_MaintenanceHonoursContext(t *testing.T) {
	a := NewArbiter()
	a.BeginDrain()
	defer a.EndDrain()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.RunMaintenance(ctx, "test", func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRecoverStuck(t *testing.T) {
	env := newTestEnv(t, testConfig())
	future := time.Now().Add(10 * 24 * time.Hour)

	seed := func(item *database.MediaItem, stage string) {
		t.Helper()
		if err := env.db.UpsertMedia(item); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
		if err := env.db.SetInQueue(item.CatalogID, item.Kind, true); err != nil {
			t.Fatalf("failed to set queue flag: %v", err)
		}
		if _, err := env.db.TransitionMedia(item.CatalogID, item.Kind, database.Transition{
			To:      media.StatusProcessing,
			Stage:   stage,
			Trigger: media.TriggerWorker,
		}); err != nil {
			t.Fatalf("failed to seed processing: %v", err)
		}
	}
	seed(&database.MediaItem{CatalogID: 200, Kind: media.KindMovie, Title: "Stuck"}, media.StageExecuting)
	seed(&database.MediaItem{CatalogID: 201, Kind: media.KindMovie, Title: "Future", ReleasedAt: &future}, media.StageExecuting)
	seed(&database.MediaItem{CatalogID: 202, Kind: media.KindSeries, Title: "Held"}, media.StageDiscrepancyHold)

	if n := env.p.recoverStuck(); n != 2 {
		t.Fatalf("expected 2 recovered items, got %d", n)
	}

	stuck := env.get(t, 200, media.KindMovie)
	if stuck.Status != media.StatusPending || stuck.ProcessingStage != media.StageRecoveredOnStartup || stuck.IsInQueue {
		t.Fatalf("expected pending/recovered_on_startup, got %s/%s in_queue=%v", stuck.Status, stuck.ProcessingStage, stuck.IsInQueue)
	}
	if f := env.get(t, 201, media.KindMovie); f.Status != media.StatusUnreleased || f.ProcessingStage != media.StageUnreleasedStartup {
		t.Fatalf("expected unreleased movie, got %s/%s", f.Status, f.ProcessingStage)
	}
	if held := env.get(t, 202, media.KindSeries); held.Status != media.StatusProcessing {
		t.Fatalf("expected discrepancy hold to be left alone, got %s", held.Status)
	}

	env.p.queueExisting(context.Background())
	if !env.get(t, 200, media.KindMovie).IsInQueue {
		t.Fatal("expected recovered item to be queued again")
	}
	if env.p.lane(media.KindMovie).Len() != 1 {
		t.Fatalf("expected one movie in the lane, got %d", env.p.lane(media.KindMovie).Len())
	}
}

func TestSubscription_ForwardOnly(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	at := func(d time.Duration) *time.Time {
		v := base.Add(d)
		return &v
	}
	env.catalog.episodes = []catalog.SeasonEpisodes{{
		Number: 1,
		Episodes: []catalog.Episode{
			{Number: 1, FirstAired: at(-30 * day)},
			{Number: 2, FirstAired: at(-3 * day)},
			{Number: 3, FirstAired: at(3 * day)},
		},
	}}

	show := &database.MediaItem{CatalogID: 210, Kind: media.KindSeries, Title: "Weekly Show", CanonicalID: "weekly"}
	if err := env.db.UpsertMedia(show); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	env.p.now = func() time.Time { return base.Add(-7 * day) }
	if _, err := env.p.Subscribe(ctx, 210, true); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	env.p.now = func() time.Time { return base }
	report, err := env.p.scanSubscriptions(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if report.Scanned != 1 || report.Episodes != 1 || report.Requeued != 1 {
		t.Fatalf("unexpected first scan report: %+v", report)
	}
	item := env.get(t, 210, media.KindSeries)
	s1, ok := item.Seasons.Find(1)
	if !ok || len(s1.Unprocessed) != 1 || s1.Unprocessed[0] != "E02" {
		t.Fatalf("expected only E02 tracked, got %+v", s1)
	}
	if !item.IsInQueue {
		t.Fatal("expected series to be queued for the new episode")
	}

	env.p.now = func() time.Time { return base.Add(5 * day) }
	report, err = env.p.scanSubscriptions(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if report.Episodes != 1 || report.Requeued != 0 {
		t.Fatalf("unexpected second scan report: %+v", report)
	}
	item = env.get(t, 210, media.KindSeries)
	s1, _ = item.Seasons.Find(1)
	if len(s1.Unprocessed) != 2 || s1.Unprocessed[0] != "E02" || s1.Unprocessed[1] != "E03" {
		t.Fatalf("expected E02 and E03 tracked, got %v", s1.Unprocessed)
	}
	if item.SubscriptionLastChecked == nil {
		t.Fatal("expected subscription check time to be recorded")
	}
	anchor := base.Add(-7 * day)
	if item.SubscriptionStartedAt == nil || !item.SubscriptionStartedAt.Equal(anchor) {
		t.Fatalf("expected anchor %v, got %v", anchor, item.SubscriptionStartedAt)
	}
}

func TestSubscription_IgnoresCatalogAiredCounts(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	at := func(d time.Duration) *time.Time {
		v := base.Add(d)
		return &v
	}
	env.catalog.media[212] = &catalog.Media{
		CatalogID:   212,
		Kind:        media.KindSeries,
		Title:       "Returning Show",
		CanonicalID: "returning",
		Seasons:     []catalog.SeasonCounts{{Number: 1, EpisodeCount: 3, AiredCount: 2}},
	}
	env.catalog.episodes = []catalog.SeasonEpisodes{{
		Number: 1,
		Episodes: []catalog.Episode{
			{Number: 1, FirstAired: at(-30 * day)},
			{Number: 2, FirstAired: at(-3 * day)},
			{Number: 3, FirstAired: at(3 * day)},
		},
	}}

	show := &database.MediaItem{CatalogID: 212, Kind: media.KindSeries, Title: "Returning Show"}
	if err := env.db.UpsertMedia(show); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	env.p.now = func() time.Time { return base.Add(-7 * day) }
	if _, err := env.p.Subscribe(ctx, 212, true); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	env.p.now = func() time.Time { return base }
	if _, err := env.p.scanSubscriptions(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	item := env.get(t, 212, media.KindSeries)
	if item.CanonicalID != "returning" {
		t.Fatalf("expected canonical id to be resolved, got %q", item.CanonicalID)
	}
	s1, ok := item.Seasons.Find(1)
	if !ok {
		t.Fatal("expected season 1 to be tracked")
	}
	all := append(append(slices.Clone(s1.Confirmed), s1.Failed...), s1.Unprocessed...)
	if slices.Contains(all, "E01") {
		t.Fatalf("pre-anchor episode E01 tracked: %+v", s1)
	}
	if len(s1.Unprocessed) != 1 || s1.Unprocessed[0] != "E02" {
		t.Fatalf("expected only E02 tracked, got %v", s1.Unprocessed)
	}
}

func TestSubscription_DisabledDoesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriptionsEnabled = false
	env := newTestEnv(t, cfg)

	show := &database.MediaItem{CatalogID: 211, Kind: media.KindSeries, Title: "Show"}
	if err := env.db.UpsertMedia(show); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if _, err := env.p.Subscribe(context.Background(), 211, true); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	report, err := env.p.scanSubscriptions(context.Background())
	if err != nil || report.Scanned != 0 {
		t.Fatalf("expected no scan, got %+v err=%v", report, err)
	}
}

func TestSubscribe_RejectsIgnoredAndMovies(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	if _, err := env.p.Subscribe(ctx, 212, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	show := &database.MediaItem{CatalogID: 213, Kind: media.KindSeries, Title: "Show"}
	if err := env.db.UpsertMedia(show); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if _, err := env.p.Ignore(ctx, 213, media.KindSeries); err != nil {
		t.Fatalf("failed to ignore: %v", err)
	}
	if _, err := env.p.Subscribe(ctx, 213, true); !errors.Is(err, media.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestTVMaintenance_ReopensCompletedSeries(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	env.catalog.media[220] = &catalog.Media{
		CatalogID:   220,
		Kind:        media.KindSeries,
		Title:       "Airing Show",
		CanonicalID: "airing",
		Seasons:     []catalog.SeasonCounts{{Number: 1, EpisodeCount: 10, AiredCount: 8}},
	}

	if _, err := env.p.EnqueueSeries(ctx, series(220)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	env.processNext(t, media.KindSeries)
	if item := env.get(t, 220, media.KindSeries); item.Status != media.StatusCompleted {
		t.Fatalf("expected series completed, got %s", item.Status)
	}

	env.catalog.counts[1] = catalog.SeasonCounts{Number: 1, EpisodeCount: 10, AiredCount: 9}
	env.catalog.nextAir[1] = true

	if err := env.p.tvMaintenance(ctx); err != nil {
		t.Fatalf("tv maintenance failed: %v", err)
	}

	item := env.get(t, 220, media.KindSeries)
	s1, _ := item.Seasons.Find(1)
	if s1.AiredCount != 10 || len(s1.Unprocessed) != 2 || len(s1.Confirmed) != 8 {
		t.Fatalf("expected E09 and E10 pending, got %+v", s1)
	}
	if item.Status != media.StatusPending || !item.IsInQueue {
		t.Fatalf("expected series reopened and queued, got %s in_queue=%v", item.Status, item.IsInQueue)
	}

	env.processNext(t, media.KindSeries)
	calls := env.exec.calls()
	last := calls[len(calls)-1]
	if len(last.Seasons[1]) != 2 || last.Seasons[1][0] != "E09" {
		t.Fatalf("expected job for E09 and E10, got %v", last.Seasons)
	}
}

func TestTVMaintenance_RetriesFailedEpisodesDaily(t *testing.T) {
	env := newTestEnv(t, testConfig())
	now := time.Now()
	s := media.NewSeason(1, 2, 2)
	s.FailEpisode("E01")
	s.FailEpisode("E02")
	show := &database.MediaItem{CatalogID: 230, Kind: media.KindSeries, Title: "Show", Seasons: media.Seasons{s}}
	if err := env.db.UpsertMedia(show); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	env.p.now = func() time.Time { return now }
	if err := env.p.tvMaintenance(context.Background()); err != nil {
		t.Fatalf("tv maintenance failed: %v", err)
	}
	item := env.get(t, 230, media.KindSeries)
	s1, _ := item.Seasons.Find(1)
	if len(s1.Unprocessed) != 2 || len(s1.Failed) != 0 {
		t.Fatalf("expected failed episodes moved back, got %+v", s1)
	}
	if !item.IsInQueue {
		t.Fatal("expected series to be queued")
	}
	if !env.p.lastEpisodeRetry.Equal(now) {
		t.Fatal("expected episode retry time to be recorded")
	}
}

func TestRecheckMovies_ReadmitsReleased(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	soon := time.Now().Add(24 * time.Hour)
	env.catalog.media[240] = &catalog.Media{CatalogID: 240, Kind: media.KindMovie, Title: "Soon", CanonicalID: "soon", ReleasedAt: &soon}

	if _, err := env.p.EnqueueMovie(ctx, movie(240)); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	env.processNext(t, media.KindMovie)
	if item := env.get(t, 240, media.KindMovie); item.Status != media.StatusUnreleased {
		t.Fatalf("expected unreleased, got %s", item.Status)
	}

	if err := env.p.recheckMovies(ctx); err != nil {
		t.Fatalf("recheck failed: %v", err)
	}
	if env.get(t, 240, media.KindMovie).IsInQueue {
		t.Fatal("expected unreleased movie to stay out of the lane")
	}

	env.p.now = func() time.Time { return soon.Add(time.Hour) }
	if err := env.p.recheckMovies(ctx); err != nil {
		t.Fatalf("recheck failed: %v", err)
	}
	item := env.get(t, 240, media.KindMovie)
	if item.Status != media.StatusPending || !item.IsInQueue {
		t.Fatalf("expected released movie readmitted, got %s in_queue=%v", item.Status, item.IsInQueue)
	}
}

func TestRunRoutine(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	if err := env.p.RunRoutine(ctx, "nope"); err == nil {
		t.Fatal("expected an error for an unknown routine")
	}
	if err := env.p.RunRoutine(ctx, RoutineOptimize); err != nil {
		t.Fatalf("optimize failed: %v", err)
	}
	if err := env.p.RunRoutine(ctx, RoutineFailedRetry); err != nil {
		t.Fatalf("failed to queue retry pass: %v", err)
	}
	if !env.p.lane(media.KindMovie).HasControl(queue.ControlFailedRetry) {
		t.Fatal("expected retry control message on the movie lane")
	}
}

type fakeTokens struct {
	token *oauth2.Token
}

func (f *fakeTokens) RefreshToken(context.Context) (*oauth2.Token, error) {
	return f.token, nil
}

func TestRefreshToken_Persists(t *testing.T) {
	env := newTestEnv(t, testConfig())
	expiry := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	env.p.SetTokenRefresher(&fakeTokens{token: &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: expiry}})

	if err := env.p.RunRoutine(context.Background(), RoutineTokenRefresh); err != nil {
		t.Fatalf("token refresh failed: %v", err)
	}
	var stored struct {
		AccessToken  string    `json:"access_token"`
		RefreshToken string    `json:"refresh_token"`
		Expiry       time.Time `json:"expiry"`
	}
	if err := env.db.GetSettingJSON(SettingCatalogToken, &stored); err != nil {
		t.Fatalf("failed to read token: %v", err)
	}
	if stored.AccessToken != "access" || stored.RefreshToken != "refresh" || !stored.Expiry.Equal(expiry) {
		t.Fatalf("unexpected stored token: %+v", stored)
	}
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.p.applySchedules(env.p.config())

	names := make(map[string]bool)
	for _, s := range env.p.Schedules() {
		names[s.Name] = true
	}
	for _, want := range []string{RoutineMovieRecheck, RoutineTVMaintenance, RoutineOptimize, RoutineFailedRetry, RoutineRequestsSync} {
		if !names[want] {
			t.Fatalf("expected %s to be scheduled, got %v", want, names)
		}
	}
	if names[RoutineTokenRefresh] {
		t.Fatal("expected no token refresh without a token source")
	}

	cfg := env.p.config()
	cfg.OptimizeSchedule = ""
	env.p.applySchedules(cfg)
	for _, s := range env.p.Schedules() {
		if s.Name == RoutineOptimize {
			t.Fatal("expected optimize schedule to be removed")
		}
	}
}
