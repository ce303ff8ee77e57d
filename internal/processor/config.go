package processor

import (
	"time"

	"github.com/saltyorg/reqflow/internal/config"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/queue"
	"github.com/saltyorg/reqflow/internal/retry"
)

// Config holds the engine configuration. It is rebuilt from settings on every reload.
type Config struct {
	// MovieMaxSize and SeriesMaxSize are the lane capacities
	MovieMaxSize  int `json:"movie_max_size"`
	SeriesMaxSize int `json:"series_max_size"`

	// IdleMin is how long both lanes must stay empty before the idle side effect runs
	IdleMin time.Duration `json:"idle_min"`
	// IdleSleep, ActiveSleep and ErrorSleep are the worker pauses between cycles
	IdleSleep   time.Duration `json:"idle_sleep"`
	ActiveSleep time.Duration `json:"active_sleep"`
	ErrorSleep  time.Duration `json:"error_sleep"`

	// ReconcileInterval is the period of the lane/store reconciliation job
	ReconcileInterval time.Duration `json:"reconcile_interval"`
	// CancelRaceWindow is how long a cancellation suppresses processing of a dequeued item
	CancelRaceWindow time.Duration `json:"cancel_race_window"`

	// Retry is the backoff policy for failed items
	Retry retry.Policy `json:"retry"`
	// RetryBatchLimit caps how many failed items one retry pass re-admits
	RetryBatchLimit int `json:"retry_batch_limit"`
	// RetryInterval is how often the retry pass is queued
	RetryInterval time.Duration `json:"retry_interval"`

	// DiscrepantBlocksCompletion keeps a series in processing while any season is discrepant
	DiscrepantBlocksCompletion bool `json:"discrepant_blocks_completion"`

	// Cron schedules for maintenance routines
	MovieRecheckSchedule string `json:"movie_recheck_schedule"`
	TVSchedule           string `json:"tv_schedule"`
	OptimizeSchedule     string `json:"optimize_schedule"`

	SubscriptionsEnabled bool `json:"subscriptions_enabled"`
	// NotificationLogRetention prunes the notification log during optimize; zero keeps everything
	NotificationLogRetention time.Duration `json:"notification_log_retention"`

	// RequestsSyncInterval is how often approved tracker requests are pulled; zero disables the sync
	RequestsSyncInterval time.Duration `json:"requests_sync_interval"`
	// TokenRefreshInterval is how often the catalog OAuth token is refreshed; zero disables it
	TokenRefreshInterval time.Duration `json:"token_refresh_interval"`
	// ExecutionTimeout bounds a single executor call
	ExecutionTimeout time.Duration `json:"execution_timeout"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MovieMaxSize:               queue.DefaultLaneSize,
		SeriesMaxSize:              queue.DefaultLaneSize,
		IdleMin:                    30 * time.Second,
		IdleSleep:                  10 * time.Second,
		ActiveSleep:                2 * time.Second,
		ErrorSleep:                 5 * time.Second,
		ReconcileInterval:          2 * time.Minute,
		CancelRaceWindow:           queue.DefaultRaceWindow,
		Retry:                      retry.DefaultPolicy(),
		RetryBatchLimit:            10,
		RetryInterval:              30 * time.Minute,
		DiscrepantBlocksCompletion: true,
		MovieRecheckSchedule:       "0 3 * * *",
		TVSchedule:                 "0 3 * * *",
		OptimizeSchedule:           "30 4 * * 0",
		SubscriptionsEnabled:       true,
		NotificationLogRetention:   30 * 24 * time.Hour,
		RequestsSyncInterval:       time.Hour,
		TokenRefreshInterval:       10 * time.Minute,
		ExecutionTimeout:           config.GetTimeouts().Execution,
	}
}

// LoadConfig builds the engine configuration from settings
func LoadConfig(loader *config.Loader) Config {
	d := DefaultConfig()
	return Config{
		MovieMaxSize:      positive(loader.Int("queue.movie_max_size", d.MovieMaxSize), d.MovieMaxSize),
		SeriesMaxSize:     positive(loader.Int("queue.tv_max_size", d.SeriesMaxSize), d.SeriesMaxSize),
		IdleMin:           loader.DurationSeconds("queue.idle_min_seconds", 30),
		IdleSleep:         loader.DurationSeconds("queue.idle_sleep_seconds", 10),
		ActiveSleep:       loader.DurationSeconds("queue.active_sleep_seconds", 2),
		ErrorSleep:        loader.DurationSeconds("queue.error_sleep_seconds", 5),
		ReconcileInterval: loader.DurationSeconds("queue.reconcile_interval_seconds", 120),
		CancelRaceWindow:  loader.DurationSeconds("queue.cancel_race_window_seconds", 2),
		Retry: retry.Policy{
			BaseDelay:   loader.DurationHours("retry.base_delay_hours", 2),
			Multiplier:  loader.Float64("retry.backoff_multiplier", d.Retry.Multiplier),
			MaxDelay:    loader.DurationHours("retry.max_delay_hours", 24),
			MaxAttempts: loader.Int("retry.max_attempts", d.Retry.MaxAttempts),
		},
		RetryBatchLimit:            positive(loader.Int("retry.batch_limit", d.RetryBatchLimit), d.RetryBatchLimit),
		RetryInterval:              loader.DurationMinutes("retry.interval_minutes", 30),
		DiscrepantBlocksCompletion: loader.BoolDefaultTrue("processing.discrepant_blocks_completion"),
		MovieRecheckSchedule:       loader.String("maintenance.movie_recheck_schedule", d.MovieRecheckSchedule),
		TVSchedule:                 loader.String("maintenance.tv_schedule", d.TVSchedule),
		OptimizeSchedule:           loader.String("maintenance.optimize_schedule", d.OptimizeSchedule),
		SubscriptionsEnabled:       loader.BoolDefaultTrue("maintenance.subscriptions_enabled"),
		NotificationLogRetention:   time.Duration(loader.Int("maintenance.notification_log_days", 30)) * 24 * time.Hour,
		RequestsSyncInterval:       loader.DurationMinutes("requests.sync_interval_minutes", 60),
		TokenRefreshInterval:       loader.DurationMinutes("catalog.token_refresh_minutes", 10),
		ExecutionTimeout:           loader.DurationMinutes("executor.timeout_minutes", int(d.ExecutionTimeout/time.Minute)),
	}
}

// LaneSize returns the configured capacity of the lane for kind
func (c Config) LaneSize(kind media.Kind) int {
	if kind == media.KindSeries {
		return c.SeriesMaxSize
	}
	return c.MovieMaxSize
}

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
