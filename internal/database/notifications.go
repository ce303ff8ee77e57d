package database

import (
	"fmt"
	"time"
)

// NotificationLog represents a notification log entry
type NotificationLog struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	Provider  string    `json:"provider"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LogNotification records a notification attempt
func (db *DB) LogNotification(log *NotificationLog) error {
	_, err := db.Exec(`
		INSERT INTO notification_log (event_type, provider, title, message, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, log.EventType, log.Provider, log.Title, log.Message, log.Status, log.Error, time.Now())
	if err != nil {
		return fmt.Errorf("failed to log notification: %w", err)
	}
	return nil
}

// ListNotificationLogs returns recent notification logs
func (db *DB) ListNotificationLogs(limit int) ([]*NotificationLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(`
		SELECT id, event_type, provider, COALESCE(title, ''), COALESCE(message, ''), status, COALESCE(error, ''), created_at
		FROM notification_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification logs: %w", err)
	}
	defer rows.Close()

	var logs []*NotificationLog
	for rows.Next() {
		l := &NotificationLog{}
		if err := rows.Scan(&l.ID, &l.EventType, &l.Provider, &l.Title, &l.Message, &l.Status, &l.Error, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification log: %w", err)
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}
