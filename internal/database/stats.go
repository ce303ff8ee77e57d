package database

import (
	"fmt"

	"github.com/saltyorg/reqflow/internal/media"
)

// StatusCounts maps kind -> status -> number of items
type StatusCounts map[media.Kind]map[media.Status]int

// Total returns the number of items of a kind across statuses
func (c StatusCounts) Total(kind media.Kind) int {
	total := 0
	for _, n := range c[kind] {
		total += n
	}
	return total
}

// CountMediaByStatus returns item counts grouped by kind and status
func (db *DB) CountMediaByStatus() (StatusCounts, error) {
	rows, err := db.Query(`SELECT kind, status, COUNT(*) FROM media_items GROUP BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count media by status: %w", err)
	}
	defer rows.Close()

	counts := make(StatusCounts)
	for _, kind := range media.Kinds {
		counts[kind] = make(map[media.Status]int)
	}
	for rows.Next() {
		var kind media.Kind
		var status media.Status
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		if counts[kind] == nil {
			counts[kind] = make(map[media.Status]int)
		}
		counts[kind][status] = n
	}
	return counts, rows.Err()
}

// ListFailedMedia returns failed items of a kind that were not cancelled by the user,
// oldest error first. Items with no recorded error time sort first.
func (db *DB) ListFailedMedia(kind media.Kind) ([]*MediaItem, error) {
	rows, err := db.Query(`
		SELECT `+mediaColumns+` FROM media_items
		WHERE kind = ? AND status = ? AND COALESCE(processing_stage, '') != ?
		ORDER BY last_error_at ASC, id ASC
	`, kind, media.StatusFailed, media.StageCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed media: %w", err)
	}
	defer rows.Close()

	return scanMediaRows(rows)
}

// ListRetryCandidates returns failed items below the attempt limit (maxAttempts <= 0 means no limit),
// oldest error first. Backoff eligibility is decided by the caller.
func (db *DB) ListRetryCandidates(kind media.Kind, maxAttempts int) ([]*MediaItem, error) {
	rows, err := db.Query(`
		SELECT `+mediaColumns+` FROM media_items
		WHERE kind = ? AND status = ? AND COALESCE(processing_stage, '') != ?
		  AND (? <= 0 OR error_count < ?)
		ORDER BY last_error_at ASC, id ASC
	`, kind, media.StatusFailed, media.StageCancelled, maxAttempts, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry candidates: %w", err)
	}
	defer rows.Close()

	return scanMediaRows(rows)
}
