package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/saltyorg/reqflow/internal/media"
)

// MediaItem is a requested movie or series, unique by (CatalogID, Kind)
type MediaItem struct {
	ID                      int64         `json:"id"`
	CatalogID               int64         `json:"catalog_id"`
	Kind                    media.Kind    `json:"kind"`
	Title                   string        `json:"title"`
	Year                    int           `json:"year,omitempty"`
	IMDbID                  string        `json:"imdb_id,omitempty"`
	CanonicalID             string        `json:"canonical_id,omitempty"`
	RequestMediaID          int64         `json:"request_media_id,omitempty"`
	RequestID               int64         `json:"request_id,omitempty"`
	Status                  media.Status  `json:"status"`
	ProcessingStage         string        `json:"processing_stage,omitempty"`
	ProcessingStartedAt     *time.Time    `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt   *time.Time    `json:"processing_completed_at,omitempty"`
	LastCheckedAt           *time.Time    `json:"last_checked_at,omitempty"`
	ReleasedAt              *time.Time    `json:"released_at,omitempty"`
	IsInQueue               bool          `json:"is_in_queue"`
	QueueAddedAt            *time.Time    `json:"queue_added_at,omitempty"`
	QueueAttempts           int           `json:"queue_attempts"`
	ErrorCount              int           `json:"error_count"`
	LastErrorAt             *time.Time    `json:"last_error_at,omitempty"`
	ErrorMessage            string        `json:"error_message,omitempty"`
	RequestedSeasons        []int         `json:"requested_seasons,omitempty"`
	Seasons                 media.Seasons `json:"seasons,omitempty"`
	IsSubscribed            bool          `json:"is_subscribed"`
	SubscriptionStartedAt   *time.Time    `json:"subscription_started_at,omitempty"`
	SubscriptionLastChecked *time.Time    `json:"subscription_last_checked,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// DisplayTitle returns the title with the release year appended
func (m *MediaItem) DisplayTitle() string {
	return media.DisplayTitle(m.Title, m.Year)
}

// IsReleased reports whether the item has no known release date or it is in the past
func (m *MediaItem) IsReleased(now time.Time) bool {
	return m.ReleasedAt == nil || !m.ReleasedAt.After(now)
}

// MediaFilter narrows ListMedia results
type MediaFilter struct {
	Kind    media.Kind
	Status  media.Status
	InQueue *bool
	Limit   int
	Offset  int
}

// Transition describes a status change applied by TransitionMedia
type Transition struct {
	To      media.Status
	Stage   string
	Error   string
	Trigger media.Trigger
	// ClearQueue also clears the is_in_queue flag in the same write
	ClearQueue bool
}

// TransitionResult is returned by TransitionMedia
type TransitionResult struct {
	Item    *MediaItem
	From    media.Status
	Changed bool
}

const mediaColumns = `id, catalog_id, kind, title, year, imdb_id, canonical_id, request_media_id, request_id,
	status, processing_stage, processing_started_at, processing_completed_at, last_checked_at, released_at,
	is_in_queue, queue_added_at, queue_attempts, error_count, last_error_at, error_message,
	requested_seasons, seasons, is_subscribed, subscription_started_at, subscription_last_checked,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMediaItem(row rowScanner) (*MediaItem, error) {
	m := &MediaItem{}
	var year, requestMediaID, requestID sql.NullInt64
	var imdbID, canonicalID, stage, errMsg, requestedSeasons, seasons sql.NullString
	var startedAt, completedAt, checkedAt, releasedAt, queueAddedAt, lastErrorAt, subStarted, subChecked sql.NullTime

	err := row.Scan(&m.ID, &m.CatalogID, &m.Kind, &m.Title, &year, &imdbID, &canonicalID, &requestMediaID, &requestID,
		&m.Status, &stage, &startedAt, &completedAt, &checkedAt, &releasedAt,
		&m.IsInQueue, &queueAddedAt, &m.QueueAttempts, &m.ErrorCount, &lastErrorAt, &errMsg,
		&requestedSeasons, &seasons, &m.IsSubscribed, &subStarted, &subChecked,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Year = int(year.Int64)
	m.RequestMediaID = requestMediaID.Int64
	m.RequestID = requestID.Int64
	m.IMDbID = nullStringValue(imdbID)
	m.CanonicalID = nullStringValue(canonicalID)
	m.ProcessingStage = nullStringValue(stage)
	m.ErrorMessage = nullStringValue(errMsg)
	m.ProcessingStartedAt = nullTimeToPtr(startedAt)
	m.ProcessingCompletedAt = nullTimeToPtr(completedAt)
	m.LastCheckedAt = nullTimeToPtr(checkedAt)
	m.ReleasedAt = nullTimeToPtr(releasedAt)
	m.QueueAddedAt = nullTimeToPtr(queueAddedAt)
	m.LastErrorAt = nullTimeToPtr(lastErrorAt)
	m.SubscriptionStartedAt = nullTimeToPtr(subStarted)
	m.SubscriptionLastChecked = nullTimeToPtr(subChecked)

	if err := unmarshalFromNullString(requestedSeasons, &m.RequestedSeasons); err != nil {
		return nil, fmt.Errorf("failed to decode requested seasons for %s %d: %w", m.Kind, m.CatalogID, err)
	}
	if err := unmarshalFromNullString(seasons, &m.Seasons); err != nil {
		return nil, fmt.Errorf("failed to decode seasons for %s %d: %w", m.Kind, m.CatalogID, err)
	}
	return m, nil
}

func scanMediaRows(rows *sql.Rows) ([]*MediaItem, error) {
	var items []*MediaItem
	for rows.Next() {
		m, err := scanMediaItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media item: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// UpsertMedia inserts a media item or refreshes the identifying fields of an existing one.
// Status, queue and error tracking of an existing row are left alone.
// The stored row is loaded back into item.
func (db *DB) UpsertMedia(item *MediaItem) error {
	if !item.Kind.Valid() {
		return fmt.Errorf("invalid media kind %q", item.Kind)
	}
	if item.Status == "" {
		item.Status = media.StatusPending
	}
	requested, err := marshalToPtr(nilIfEmptyInts(item.RequestedSeasons))
	if err != nil {
		return fmt.Errorf("failed to encode requested seasons: %w", err)
	}
	seasons, err := marshalToPtr(nilIfEmptySeasons(item.Seasons))
	if err != nil {
		return fmt.Errorf("failed to encode seasons: %w", err)
	}

	now := time.Now()
	_, err = db.Exec(`
		INSERT INTO media_items (catalog_id, kind, title, year, imdb_id, canonical_id, request_media_id, request_id,
			status, processing_stage, released_at, requested_seasons, seasons, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(catalog_id, kind) DO UPDATE SET
			title = excluded.title,
			year = COALESCE(excluded.year, media_items.year),
			imdb_id = COALESCE(excluded.imdb_id, media_items.imdb_id),
			canonical_id = COALESCE(excluded.canonical_id, media_items.canonical_id),
			request_media_id = COALESCE(excluded.request_media_id, media_items.request_media_id),
			request_id = COALESCE(excluded.request_id, media_items.request_id),
			released_at = COALESCE(excluded.released_at, media_items.released_at),
			requested_seasons = COALESCE(excluded.requested_seasons, media_items.requested_seasons),
			seasons = COALESCE(media_items.seasons, excluded.seasons),
			updated_at = excluded.updated_at
	`, item.CatalogID, item.Kind, item.Title, nullIfZero(int64(item.Year)), nullIfEmpty(item.IMDbID), nullIfEmpty(item.CanonicalID),
		nullIfZero(item.RequestMediaID), nullIfZero(item.RequestID), item.Status, nullIfEmpty(item.ProcessingStage),
		item.ReleasedAt, requested, seasons, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert media item: %w", err)
	}

	stored, err := db.GetMedia(item.CatalogID, item.Kind)
	if err != nil {
		return err
	}
	if stored != nil {
		*item = *stored
	}
	return nil
}

// GetMedia retrieves a media item by its catalog id and kind
func (db *DB) GetMedia(catalogID int64, kind media.Kind) (*MediaItem, error) {
	row := db.QueryRow(`SELECT `+mediaColumns+` FROM media_items WHERE catalog_id = ? AND kind = ?`, catalogID, kind)
	m, err := scanMediaItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media item: %w", err)
	}
	return m, nil
}

// GetMediaByID retrieves a media item by row id
func (db *DB) GetMediaByID(id int64) (*MediaItem, error) {
	row := db.QueryRow(`SELECT `+mediaColumns+` FROM media_items WHERE id = ?`, id)
	m, err := scanMediaItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media item: %w", err)
	}
	return m, nil
}

// ListMedia returns media items matching the filter, newest first
func (db *DB) ListMedia(filter MediaFilter) ([]*MediaItem, error) {
	var where []string
	var args []any
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.InQueue != nil {
		where = append(where, "is_in_queue = ?")
		args = append(args, *filter.InQueue)
	}

	query := `SELECT ` + mediaColumns + ` FROM media_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list media items: %w", err)
	}
	defer rows.Close()

	return scanMediaRows(rows)
}

// ListQueuedMedia returns items flagged as queued whose status still needs work, oldest admission first
func (db *DB) ListQueuedMedia(kind media.Kind) ([]*MediaItem, error) {
	rows, err := db.Query(`
		SELECT `+mediaColumns+` FROM media_items
		WHERE kind = ? AND is_in_queue = true AND status NOT IN (?, ?)
		ORDER BY queue_added_at ASC, id ASC
	`, kind, media.StatusCompleted, media.StatusIgnored)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued media: %w", err)
	}
	defer rows.Close()

	return scanMediaRows(rows)
}

// CountQueuedMedia counts items that occupy a lane according to the store
func (db *DB) CountQueuedMedia(kind media.Kind) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM media_items
		WHERE kind = ? AND is_in_queue = true AND status NOT IN (?, ?)
	`, kind, media.StatusCompleted, media.StatusIgnored).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued media: %w", err)
	}
	return count, nil
}

// ListMediaByStatus returns items of a kind in a status, oldest update first
func (db *DB) ListMediaByStatus(kind media.Kind, status media.Status) ([]*MediaItem, error) {
	rows, err := db.Query(`
		SELECT `+mediaColumns+` FROM media_items
		WHERE kind = ? AND status = ?
		ORDER BY updated_at ASC, id ASC
	`, kind, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list media by status: %w", err)
	}
	defer rows.Close()

	return scanMediaRows(rows)
}

// ListUnreleasedDue returns unreleased items whose release date has passed
func (db *DB) ListUnreleasedDue(kind media.Kind, now time.Time) ([]*MediaItem, error) {
	rows, err := db.Query(`
		SELECT `+mediaColumns+` FROM media_items
		WHERE kind = ? AND status = ? AND released_at IS NOT NULL AND released_at <= ?
		ORDER BY released_at ASC
	`, kind, media.StatusUnreleased, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list released media: %w", err)
	}
	defer rows.Close()

	return scanMediaRows(rows)
}

// ListSeriesWithSeasons returns non-ignored series that carry season tracking data
func (db *DB) ListSeriesWithSeasons() ([]*MediaItem, error) {
	rows, err := db.Query(`
		SELECT `+mediaColumns+` FROM media_items
		WHERE kind = ? AND status != ? AND seasons IS NOT NULL AND seasons != 'null'
		ORDER BY id ASC
	`, media.KindSeries, media.StatusIgnored)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	defer rows.Close()

	return scanMediaRows(rows)
}

// ListSubscribedSeries returns active subscriptions
func (db *DB) ListSubscribedSeries() ([]*MediaItem, error) {
	rows, err := db.Query(`
		SELECT `+mediaColumns+` FROM media_items
		WHERE kind = ? AND is_subscribed = true AND status != ?
		ORDER BY id ASC
	`, media.KindSeries, media.StatusIgnored)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	return scanMediaRows(rows)
}

// SetInQueue sets the authoritative queue flag. Setting it records the admission time and bumps
// queue_attempts; clearing it drops the admission time.
func (db *DB) SetInQueue(catalogID int64, kind media.Kind, inQueue bool) error {
	now := time.Now()
	var err error
	if inQueue {
		_, err = db.Exec(`
			UPDATE media_items
			SET is_in_queue = true, queue_added_at = ?, queue_attempts = queue_attempts + 1, updated_at = ?
			WHERE catalog_id = ? AND kind = ?
		`, now, now, catalogID, kind)
	} else {
		_, err = db.Exec(`
			UPDATE media_items SET is_in_queue = false, queue_added_at = NULL, updated_at = ?
			WHERE catalog_id = ? AND kind = ?
		`, now, catalogID, kind)
	}
	if err != nil {
		return fmt.Errorf("failed to update queue flag: %w", err)
	}
	return nil
}

// TransitionMedia applies a status change inside a transaction after validating it against the
// state machine. Entering processing stamps processing_started_at once; entering failed bumps
// error_count and last_error_at; entering completed stamps processing_completed_at.
func (db *DB) TransitionMedia(catalogID int64, kind media.Kind, t Transition) (*TransitionResult, error) {
	var result *TransitionResult
	err := db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+mediaColumns+` FROM media_items WHERE catalog_id = ? AND kind = ?`, catalogID, kind)
		item, err := scanMediaItem(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("media item %s %d not found", kind, catalogID)
		}
		if err != nil {
			return fmt.Errorf("failed to load media item: %w", err)
		}

		from := item.Status
		if err := media.CanTransition(from, t.To, t.Trigger); err != nil {
			return err
		}

		now := time.Now()
		item.Status = t.To
		if t.Stage != "" {
			item.ProcessingStage = t.Stage
		}
		item.LastCheckedAt = &now
		item.UpdatedAt = now

		switch t.To {
		case media.StatusProcessing:
			if item.ProcessingStartedAt == nil {
				item.ProcessingStartedAt = &now
			}
		case media.StatusFailed:
			if from != media.StatusFailed {
				item.ErrorCount++
				item.LastErrorAt = &now
			}
			if t.Error != "" {
				item.ErrorMessage = t.Error
			}
		case media.StatusCompleted:
			item.ProcessingCompletedAt = &now
			item.ErrorMessage = ""
		case media.StatusPending:
			item.ProcessingCompletedAt = nil
		}
		if t.Error != "" && t.To != media.StatusFailed {
			item.ErrorMessage = t.Error
		}
		if t.ClearQueue {
			item.IsInQueue = false
			item.QueueAddedAt = nil
		}

		_, err = tx.Exec(`
			UPDATE media_items SET
				status = ?, processing_stage = ?, processing_started_at = ?, processing_completed_at = ?,
				last_checked_at = ?, error_count = ?, last_error_at = ?, error_message = ?,
				is_in_queue = ?, queue_added_at = ?, updated_at = ?
			WHERE id = ?
		`, item.Status, nullIfEmpty(item.ProcessingStage), item.ProcessingStartedAt, item.ProcessingCompletedAt,
			item.LastCheckedAt, item.ErrorCount, item.LastErrorAt, nullIfEmpty(item.ErrorMessage),
			item.IsInQueue, item.QueueAddedAt, now, item.ID)
		if err != nil {
			return fmt.Errorf("failed to update media status: %w", err)
		}

		result = &TransitionResult{Item: item, From: from, Changed: from != t.To}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateSeasons replaces the season tracking data of a series
func (db *DB) UpdateSeasons(catalogID int64, seasons media.Seasons) error {
	seasons.Sort()
	data, err := marshalToPtr(nilIfEmptySeasons(seasons))
	if err != nil {
		return fmt.Errorf("failed to encode seasons: %w", err)
	}
	now := time.Now()
	_, err = db.Exec(`
		UPDATE media_items SET seasons = ?, last_checked_at = ?, updated_at = ?
		WHERE catalog_id = ? AND kind = ?
	`, data, now, now, catalogID, media.KindSeries)
	if err != nil {
		return fmt.Errorf("failed to update seasons: %w", err)
	}
	return nil
}

// UpdateReleaseDate records the release date reported by the catalog
func (db *DB) UpdateReleaseDate(catalogID int64, kind media.Kind, releasedAt *time.Time) error {
	_, err := db.Exec(`UPDATE media_items SET released_at = ?, updated_at = ? WHERE catalog_id = ? AND kind = ?`,
		releasedAt, time.Now(), catalogID, kind)
	if err != nil {
		return fmt.Errorf("failed to update release date: %w", err)
	}
	return nil
}

// SetSubscription toggles subscription tracking for a series. The anchor is only set on the
// first subscribe so that re-subscribing never moves the tracking window backwards.
func (db *DB) SetSubscription(catalogID int64, subscribed bool, anchor time.Time) error {
	var err error
	if subscribed {
		_, err = db.Exec(`
			UPDATE media_items
			SET is_subscribed = true, subscription_started_at = COALESCE(subscription_started_at, ?), updated_at = ?
			WHERE catalog_id = ? AND kind = ?
		`, anchor, time.Now(), catalogID, media.KindSeries)
	} else {
		_, err = db.Exec(`
			UPDATE media_items SET is_subscribed = false, updated_at = ?
			WHERE catalog_id = ? AND kind = ?
		`, time.Now(), catalogID, media.KindSeries)
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// TouchSubscription records a completed subscription scan
func (db *DB) TouchSubscription(catalogID int64, at time.Time) error {
	_, err := db.Exec(`
		UPDATE media_items SET subscription_last_checked = ?, updated_at = ?
		WHERE catalog_id = ? AND kind = ?
	`, at, time.Now(), catalogID, media.KindSeries)
	if err != nil {
		return fmt.Errorf("failed to update subscription check time: %w", err)
	}
	return nil
}

// DeleteMedia removes a media item
func (db *DB) DeleteMedia(catalogID int64, kind media.Kind) error {
	_, err := db.Exec("DELETE FROM media_items WHERE catalog_id = ? AND kind = ?", catalogID, kind)
	if err != nil {
		return fmt.Errorf("failed to delete media item: %w", err)
	}
	return nil
}

func nilIfEmptyInts(v []int) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func nilIfEmptySeasons(v media.Seasons) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
