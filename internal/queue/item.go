package queue

import (
	"fmt"
	"time"

	"github.com/saltyorg/reqflow/internal/media"
)

// ControlKind names a control message. Control messages share a lane with work items
// and are dispatched to their own handler when dequeued.
type ControlKind string

const (
	// ControlFailedRetry runs the failed-item retry pass
	ControlFailedRetry ControlKind = "failed_retry"
	// ControlMovieRecheck runs the movie maintenance pass
	ControlMovieRecheck ControlKind = "movie_recheck"
	// ControlSubscriptionCheck runs the series subscription scan
	ControlSubscriptionCheck ControlKind = "subscription_check"
)

// Key identifies a media item across the store, lanes and the cancellation registry
type Key struct {
	CatalogID int64      `json:"catalog_id"`
	Kind      media.Kind `json:"kind"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Kind, k.CatalogID)
}

// RetryMeta is attached to work items admitted by the failed-item retry pass
type RetryMeta struct {
	Attempt       int       `json:"attempt"`
	OriginalError string    `json:"original_error,omitempty"`
	RetryAt       time.Time `json:"retry_at"`
}

// Extra holds the optional per-item data that travels with a work item
type Extra struct {
	RequestedSeasons []int      `json:"requested_seasons,omitempty"`
	Retry            *RetryMeta `json:"retry,omitempty"`
	QueuedFromStore  bool       `json:"queued_from_store,omitempty"`
	QueueAttempt     int        `json:"queue_attempt,omitempty"`
}

// WorkItem carries everything needed to execute a request and to find its media item again
type WorkItem struct {
	CatalogID      int64      `json:"catalog_id" validate:"required,gt=0"`
	Kind           media.Kind `json:"kind" validate:"required,oneof=movie series"`
	Title          string     `json:"title" validate:"required,max=500"`
	Year           int        `json:"year,omitempty" validate:"omitempty,gte=1870,lte=2200"`
	IMDbID         string     `json:"imdb_id,omitempty" validate:"omitempty,max=20"`
	RequestMediaID int64      `json:"request_media_id,omitempty" validate:"gte=0"`
	RequestID      int64      `json:"request_id,omitempty" validate:"gte=0"`
	Extra          Extra      `json:"extra"`
}

// Key returns the item's store key
func (w *WorkItem) Key() Key {
	return Key{CatalogID: w.CatalogID, Kind: w.Kind}
}

// DisplayTitle returns the title with the release year appended
func (w *WorkItem) DisplayTitle() string {
	return media.DisplayTitle(w.Title, w.Year)
}

// Item is a lane entry: exactly one of Work or Control is set
type Item struct {
	Work       *WorkItem   `json:"work,omitempty"`
	Control    ControlKind `json:"control,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// NewWork wraps a work item
func NewWork(w WorkItem) Item {
	return Item{Work: &w, EnqueuedAt: time.Now()}
}

// NewControl wraps a control message
func NewControl(kind ControlKind) Item {
	return Item{Control: kind, EnqueuedAt: time.Now()}
}

// IsControl reports whether the item is a control message
func (i Item) IsControl() bool {
	return i.Work == nil && i.Control != ""
}

// String describes the item for logs
func (i Item) String() string {
	if i.IsControl() {
		return "control:" + string(i.Control)
	}
	if i.Work == nil {
		return "empty"
	}
	return i.Work.Key().String()
}
