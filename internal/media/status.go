package media

import (
	"errors"
	"fmt"
)

// Kind is the media kind of an item and also names the lane it is queued on
type Kind string

const (
	KindMovie  Kind = "movie"
	KindSeries Kind = "series"
)

// Kinds lists every kind in lane drain order (movies first)
var Kinds = []Kind{KindMovie, KindSeries}

// ParseKind accepts the kind names used by request trackers ("tv" is an alias of series)
func ParseKind(s string) (Kind, error) {
	switch s {
	case "movie", "movies":
		return KindMovie, nil
	case "series", "tv", "show":
		return KindSeries, nil
	}
	return "", fmt.Errorf("unknown media kind: %q", s)
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindMovie || k == KindSeries
}

// Status is the processing status of a media item
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusUnreleased Status = "unreleased"
	StatusSkipped    Status = "skipped"
	StatusIgnored    Status = "ignored"
)

// Statuses lists every status
var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusUnreleased,
	StatusSkipped,
	StatusIgnored,
}

// Processing stages written alongside status changes
const (
	StageQueued             = "queued"
	StageExecuting          = "executing"
	StageMovieComplete      = "movie_processing_complete"
	StageSeriesComplete     = "tv_processing_complete"
	StageCancelled          = "cancelled"
	StageSearchFailed       = "search_failed"
	StageRetryQueued        = "retry_queued"
	StageAutoCompleted      = "auto_completed_from_tracker"
	StageUnreleased         = "unreleased"
	StageUnreleasedStartup  = "unreleased_detected_on_startup"
	StageReleased           = "released"
	StageDiscrepancyHold    = "discrepancy_hold"
	StageRecoveredOnStartup = "recovered_on_startup"
	StagePanic              = "panic"
	StageSkipped            = "skipped"
	StageIgnored            = "ignored"
	StageManualRequeue      = "manual_requeue"
)

// Messages recorded for user cancellations
const (
	MessageCancelled        = "Cancelled by user"
	MessageCancelledCleared = "Cancelled by user (queue cleared)"
)

var (
	// ErrInvalidTransition is returned for a status change the state machine does not allow
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminal is returned when an automatic transition targets an ignored item
	ErrTerminal = errors.New("media item is ignored")
)

// Trigger identifies who is asking for a transition. Some edges are only open to specific callers.
type Trigger int

const (
	// TriggerWorker is the queue worker applying an execution outcome
	TriggerWorker Trigger = iota
	// TriggerRetry is the failed-item retry pass
	TriggerRetry
	// TriggerMaintenance is a scheduled maintenance routine
	TriggerMaintenance
	// TriggerSync is admission, reconciliation or tracker sync
	TriggerSync
	// TriggerManual is an operator action (ignore, manual re-admission)
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerWorker:
		return "worker"
	case TriggerRetry:
		return "retry"
	case TriggerMaintenance:
		return "maintenance"
	case TriggerSync:
		return "sync"
	case TriggerManual:
		return "manual"
	}
	return "unknown"
}

// allowed holds the automatic transition edges, keyed by source status
var allowed = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusUnreleased, StatusSkipped, StatusFailed, StatusCompleted},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusUnreleased, StatusSkipped, StatusPending},
	StatusUnreleased: {StatusPending},
	StatusSkipped:    {StatusPending},
	StatusFailed:     {StatusCompleted},
}

// CanTransition validates a status change. Self transitions are always allowed so that
// stage-only updates do not need a special case.
//
// Edges out of failed are restricted: failed -> processing and failed -> pending are only
// open to the retry pass, maintenance and manual re-admission, never to sync paths.
// Ignored is reachable from any state and is terminal.
func CanTransition(from, to Status, trigger Trigger) error {
	if from == to {
		return nil
	}
	if to == StatusIgnored {
		return nil
	}
	if from == StatusIgnored {
		if trigger == TriggerManual {
			return nil
		}
		return ErrTerminal
	}
	if from == StatusFailed && (to == StatusProcessing || to == StatusPending) {
		switch trigger {
		case TriggerRetry, TriggerMaintenance, TriggerManual:
			return nil
		}
		return fmt.Errorf("%w: %s -> %s requires retry or maintenance (got %s)", ErrInvalidTransition, from, to, trigger)
	}
	if from == StatusCompleted {
		// Reopened by an operator, or by maintenance when a tracked series airs new episodes
		if to == StatusPending && (trigger == TriggerManual || trigger == TriggerMaintenance) {
			return nil
		}
		return fmt.Errorf("%w: %s is terminal for automatic processing", ErrInvalidTransition, from)
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsActive reports whether items in this status still count towards queue sizes
func (s Status) IsActive() bool {
	return s != StatusCompleted && s != StatusIgnored
}
