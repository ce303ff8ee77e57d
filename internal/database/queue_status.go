package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/saltyorg/reqflow/internal/media"
)

// QueueSummary is the persisted status row of one lane
type QueueSummary struct {
	Lane           media.Kind `json:"lane"`
	Size           int        `json:"size"`
	MaxSize        int        `json:"max_size"`
	IsProcessing   bool       `json:"is_processing"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EnsureQueueSummaries creates the lane rows if they are missing
func (db *DB) EnsureQueueSummaries(maxSizes map[media.Kind]int) error {
	for _, kind := range media.Kinds {
		maxSize := maxSizes[kind]
		if maxSize <= 0 {
			maxSize = 250
		}
		_, err := db.Exec(`
			INSERT INTO queue_status (lane, size, max_size, is_processing, updated_at) VALUES (?, 0, ?, false, ?)
			ON CONFLICT(lane) DO UPDATE SET max_size = excluded.max_size, updated_at = excluded.updated_at
		`, kind, maxSize, time.Now())
		if err != nil {
			return fmt.Errorf("failed to initialize queue status for %s: %w", kind, err)
		}
	}
	return nil
}

// GetQueueSummary returns the status row of a lane
func (db *DB) GetQueueSummary(lane media.Kind) (*QueueSummary, error) {
	s := &QueueSummary{}
	var lastActivity sql.NullTime
	err := db.QueryRow(`
		SELECT lane, size, max_size, is_processing, last_activity_at, updated_at
		FROM queue_status WHERE lane = ?
	`, lane).Scan(&s.Lane, &s.Size, &s.MaxSize, &s.IsProcessing, &lastActivity, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue status: %w", err)
	}
	s.LastActivityAt = nullTimeToPtr(lastActivity)
	return s, nil
}

// ListQueueSummaries returns the status rows of both lanes
func (db *DB) ListQueueSummaries() ([]*QueueSummary, error) {
	var out []*QueueSummary
	for _, kind := range media.Kinds {
		s, err := db.GetQueueSummary(kind)
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// RefreshQueueSize recomputes a lane's size from the media table and persists it.
// Lane length is never trusted for this; the store is.
func (db *DB) RefreshQueueSize(lane media.Kind) (int, error) {
	count, err := db.CountQueuedMedia(lane)
	if err != nil {
		return 0, err
	}
	_, err = db.Exec(`UPDATE queue_status SET size = ?, updated_at = ? WHERE lane = ?`, count, time.Now(), lane)
	if err != nil {
		return 0, fmt.Errorf("failed to update queue size: %w", err)
	}
	return count, nil
}

// SetQueueMaxSize persists a lane's capacity
func (db *DB) SetQueueMaxSize(lane media.Kind, maxSize int) error {
	_, err := db.Exec(`UPDATE queue_status SET max_size = ?, updated_at = ? WHERE lane = ?`, maxSize, time.Now(), lane)
	if err != nil {
		return fmt.Errorf("failed to update queue max size: %w", err)
	}
	return nil
}

// SetQueueProcessing persists the processing flag of every lane
func (db *DB) SetQueueProcessing(processing bool) error {
	_, err := db.Exec(`UPDATE queue_status SET is_processing = ?, updated_at = ?`, processing, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update queue processing flag: %w", err)
	}
	return nil
}

// TouchQueueActivity records queue activity on a lane
func (db *DB) TouchQueueActivity(lane media.Kind, at time.Time) error {
	_, err := db.Exec(`UPDATE queue_status SET last_activity_at = ?, updated_at = ? WHERE lane = ?`, at, time.Now(), lane)
	if err != nil {
		return fmt.Errorf("failed to update queue activity: %w", err)
	}
	return nil
}
