package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/saltyorg/reqflow/internal/catalog"
	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/executor"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/notification"
	"github.com/saltyorg/reqflow/internal/queue"
	"github.com/saltyorg/reqflow/internal/requests"
)

var (
	// ErrNotRunning is returned by operations attempted after the processor was stopped
	ErrNotRunning = errors.New("processor is not running")
	// ErrInvalidItem wraps validation failures of admitted work items
	ErrInvalidItem = errors.New("invalid work item")
	// ErrUnreleased is returned when a movie is admitted before its release date
	ErrUnreleased = errors.New("media item is not released yet")
	// ErrUnknownRoutine is returned by RunRoutine for a name it does not know
	ErrUnknownRoutine = errors.New("unknown maintenance routine")
)

// Notifier receives notification events
type Notifier interface {
	Notify(event notification.Event)
}

// Broadcaster pushes live events to connected API clients
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// TokenRefresher refreshes the catalog OAuth token
type TokenRefresher interface {
	RefreshToken(ctx context.Context) (*oauth2.Token, error)
}

// Live event types sent through the Broadcaster
const (
	BroadcastMediaUpdated = "media_updated"
	BroadcastQueueUpdated = "queue_updated"
	BroadcastStatsUpdated = "stats_updated"
)

// Processor is the work-queue engine: it owns the two lanes, the cancellation registry
// and the arbiter, and drives admission, the worker loop, reconciliation and maintenance.
type Processor struct {
	db        *database.DB
	catalog   catalog.Catalog
	tracker   requests.Tracker
	executor  executor.Executor
	notifier  Notifier
	broadcast Broadcaster
	tokens    TokenRefresher

	lanes    map[media.Kind]*queue.Lane
	registry *queue.Registry
	arbiter  *Arbiter
	validate *validator.Validate

	cfg   Config
	cfgMu sync.RWMutex

	cron        *cron.Cron
	cronEntries map[string]cron.EntryID
	cronMu      sync.Mutex

	// laneMu serializes lane mutation between admission, the worker's dequeue and reconciliation
	laneMu   sync.Mutex
	inflight *queue.Key

	processing       atomic.Bool
	lastActivity     atomic.Int64
	idleFired        bool
	lastEpisodeRetry time.Time

	wake    chan struct{}
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates a processor. tracker may be nil when no request tracker is configured.
func New(db *database.DB, cat catalog.Catalog, tracker requests.Tracker, exec executor.Executor, cfg Config) *Processor {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		db:       db,
		catalog:  cat,
		tracker:  tracker,
		executor: exec,
		lanes: map[media.Kind]*queue.Lane{
			media.KindMovie:  queue.NewLane(media.KindMovie, cfg.MovieMaxSize),
			media.KindSeries: queue.NewLane(media.KindSeries, cfg.SeriesMaxSize),
		},
		registry:    queue.NewRegistry(),
		arbiter:     NewArbiter(),
		validate:    validator.New(),
		cfg:         cfg,
		cron:        cron.New(),
		cronEntries: make(map[string]cron.EntryID),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
	}
	p.lastActivity.Store(p.now().UnixNano())
	return p
}

// SetNotifier sets the notification sink for state transitions
func (p *Processor) SetNotifier(n Notifier) {
	p.notifier = n
}

// SetBroadcaster sets the live event broadcaster
func (p *Processor) SetBroadcaster(b Broadcaster) {
	p.broadcast = b
}

// SetTokenRefresher enables the scheduled catalog token refresh
func (p *Processor) SetTokenRefresher(t TokenRefresher) {
	p.tokens = t
}

// Arbiter exposes the resource arbiter
func (p *Processor) Arbiter() *Arbiter {
	return p.arbiter
}

// Start recovers state left by a previous run, rebuilds the lanes from the store and
// starts the worker loop, the reconcile ticker and the maintenance schedules.
func (p *Processor) Start() error {
	if p.ctx.Err() != nil {
		return ErrNotRunning
	}
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}

	cfg := p.config()
	if err := p.db.EnsureQueueSummaries(map[media.Kind]int{
		media.KindMovie:  cfg.MovieMaxSize,
		media.KindSeries: cfg.SeriesMaxSize,
	}); err != nil {
		p.running.Store(false)
		return fmt.Errorf("failed to initialize queue status: %w", err)
	}
	if err := p.db.SetQueueProcessing(false); err != nil {
		log.Warn().Err(err).Msg("Failed to reset queue processing flag")
	}

	p.recoverStuck()
	p.queueExisting(p.ctx)
	if _, err := p.Reconcile(p.ctx); err != nil {
		log.Error().Err(err).Msg("Startup reconciliation failed")
	}

	p.cron.Start()
	p.applySchedules(cfg)

	p.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Queue worker panicked")
			}
		}()
		p.workerLoop()
	})
	p.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Reconcile loop panicked")
			}
		}()
		p.reconcileLoop()
	})
	if p.tracker != nil {
		p.wg.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Startup request sync panicked")
				}
			}()
			if _, err := p.PopulateFromRequests(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Startup request sync failed")
			}
		})
	}

	log.Info().
		Int("movie_max_size", cfg.MovieMaxSize).
		Int("series_max_size", cfg.SeriesMaxSize).
		Int("movie_queued", p.lanes[media.KindMovie].Len()).
		Int("series_queued", p.lanes[media.KindSeries].Len()).
		Msg("Queue processor started")
	return nil
}

// Stop stops the worker and schedules. An in-flight execution is left to finish.
func (p *Processor) Stop() {
	p.cancel()
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.wg.Wait()
	p.running.Store(false)
	if err := p.db.SetQueueProcessing(false); err != nil {
		log.Warn().Err(err).Msg("Failed to clear queue processing flag")
	}
	log.Info().Msg("Queue processor stopped")
}

// IsRunning reports whether the processor was started and not stopped
func (p *Processor) IsRunning() bool {
	return p.running.Load() && p.ctx.Err() == nil
}

// Config returns the current configuration
func (p *Processor) Config() Config {
	return p.config()
}

func (p *Processor) config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// ReloadConfig applies a new configuration: lanes are resized, the persisted max sizes updated
// and the maintenance schedules replaced.
func (p *Processor) ReloadConfig(cfg Config) {
	p.cfgMu.Lock()
	old := p.cfg
	p.cfg = cfg
	p.cfgMu.Unlock()

	for _, kind := range media.Kinds {
		size := cfg.LaneSize(kind)
		if size == old.LaneSize(kind) && size == p.lanes[kind].MaxSize() {
			continue
		}
		p.laneMu.Lock()
		dropped := p.lanes[kind].Resize(size)
		p.laneMu.Unlock()
		if len(dropped) > 0 {
			// dropped work items stay flagged in the store and return with a later reconcile
			log.Warn().Str("lane", string(kind)).Int("deferred", len(dropped)).Msg("Lane shrunk below its length")
		}
		if err := p.db.SetQueueMaxSize(kind, size); err != nil {
			log.Warn().Err(err).Str("lane", string(kind)).Msg("Failed to persist lane max size")
		}
		log.Info().Str("lane", string(kind)).Int("max_size", size).Msg("Lane resized")
	}

	if p.running.Load() {
		p.applySchedules(cfg)
	}
	log.Info().Msg("Processor configuration updated")
}

// lane returns the lane of kind
func (p *Processor) lane(kind media.Kind) *queue.Lane {
	return p.lanes[kind]
}

// signal wakes the worker if it is sleeping
func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// transition applies a status change and emits the matching notification and live event
func (p *Processor) transition(key queue.Key, t database.Transition) (*database.TransitionResult, error) {
	res, err := p.db.TransitionMedia(key.CatalogID, key.Kind, t)
	if err != nil {
		return nil, err
	}
	if res.Changed {
		p.emitTransition(res, t)
	}
	p.broadcastEvent(BroadcastMediaUpdated, res.Item)
	return res, nil
}

func (p *Processor) emitTransition(res *database.TransitionResult, t database.Transition) {
	item := res.Item
	log.Debug().
		Str("kind", string(item.Kind)).
		Int64("catalog_id", item.CatalogID).
		Str("from", string(res.From)).
		Str("to", string(item.Status)).
		Str("stage", item.ProcessingStage).
		Str("trigger", t.Trigger.String()).
		Msg("Media status changed")

	eventType, ok := transitionEvents[item.Status]
	if !ok {
		return
	}
	fields := map[string]string{
		"Kind":       string(item.Kind),
		"Catalog ID": fmt.Sprint(item.CatalogID),
		"Previous":   string(res.From),
	}
	if item.ProcessingStage != "" {
		fields["Stage"] = item.ProcessingStage
	}
	if item.Status == media.StatusFailed && item.ErrorMessage != "" {
		fields["Error"] = item.ErrorMessage
		fields["Errors"] = fmt.Sprint(item.ErrorCount)
	}
	p.notify(notification.Event{
		Type:    eventType,
		Title:   item.DisplayTitle(),
		Message: fmt.Sprintf("%s is now %s", item.DisplayTitle(), item.Status),
		Fields:  fields,
	})
}

var transitionEvents = map[media.Status]notification.EventType{
	media.StatusPending:    notification.EventMediaPending,
	media.StatusProcessing: notification.EventMediaProcessing,
	media.StatusCompleted:  notification.EventMediaCompleted,
	media.StatusFailed:     notification.EventMediaFailed,
	media.StatusUnreleased: notification.EventMediaUnreleased,
	media.StatusSkipped:    notification.EventMediaSkipped,
	media.StatusIgnored:    notification.EventMediaIgnored,
}

// notify is fire-and-forget; a missing notifier is not an error
func (p *Processor) notify(event notification.Event) {
	if p.notifier == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	p.notifier.Notify(event)
}

// broadcastEvent sends a live event if a broadcaster is configured
func (p *Processor) broadcastEvent(eventType string, data any) {
	if p.broadcast != nil {
		p.broadcast.Broadcast(eventType, data)
	}
}

// refreshQueueSize recomputes a lane's persisted size from the store
func (p *Processor) refreshQueueSize(kind media.Kind) {
	if _, err := p.db.RefreshQueueSize(kind); err != nil {
		log.Warn().Err(err).Str("lane", string(kind)).Msg("Failed to refresh queue size")
	}
}
