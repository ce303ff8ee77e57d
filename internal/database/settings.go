package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/saltyorg/reqflow/internal/logging"
)

// GetSetting retrieves a setting value by key
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// GetSettingJSON retrieves a setting and unmarshal it from JSON
func (db *DB) GetSettingJSON(key string, v any) error {
	value, err := db.GetSetting(key)
	if err != nil {
		return err
	}
	if value == "" {
		return nil
	}
	return json.Unmarshal([]byte(value), v)
}

// SetSetting stores a setting value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// SetSettingJSON stores a setting as JSON
func (db *DB) SetSettingJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	return db.SetSetting(key, string(data))
}

// GetAllSettings retrieves all settings
func (db *DB) GetAllSettings() (map[string]string, error) {
	rows, err := db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}

	return settings, rows.Err()
}

// DeleteSetting removes a setting
func (db *DB) DeleteSetting(key string) error {
	_, err := db.Exec("DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// Default settings
var DefaultSettings = map[string]any{
	"log.level":        "info",
	"log.max_size_mb":  logging.DefaultMaxSizeMB,
	"log.max_backups":  logging.DefaultMaxBackups,
	"log.max_age_days": logging.DefaultMaxAgeDays,
	"log.compress":     logging.DefaultCompress,

	"queue.movie_max_size":             250,
	"queue.tv_max_size":                250,
	"queue.idle_min_seconds":           30,
	"queue.idle_sleep_seconds":         10,
	"queue.active_sleep_seconds":       2,
	"queue.error_sleep_seconds":        5,
	"queue.reconcile_interval_seconds": 120,
	"queue.cancel_race_window_seconds": 2,

	"retry.max_attempts":       3, // <= 0 retries forever
	"retry.base_delay_hours":   2,
	"retry.backoff_multiplier": 2.0,
	"retry.max_delay_hours":    24,
	"retry.batch_limit":        10,
	"retry.interval_minutes":   30,

	"processing.discrepant_blocks_completion": true,

	"maintenance.movie_recheck_schedule":  "0 3 * * *",
	"maintenance.tv_schedule":             "0 3 * * *",
	"maintenance.optimize_schedule":       "30 4 * * 0",
	"maintenance.subscriptions_enabled":   true,
	"maintenance.notification_log_days":   30, // 0 = keep forever
	"requests.sync_interval_minutes":      60,
	"catalog.token_refresh_minutes":       10,
	"catalog.requests_per_second":         4,
	"catalog.cache_ttl_minutes":           30,
	"notifications.discord.enabled":       false,
	"notifications.discord.webhook_url":   "",
	"notifications.webhook.enabled":       false,
	"notifications.webhook.url":           "",
	"notifications.events":                []string{"media_completed", "media_failed", "queue_full"},
	"api.key_hash":                        "",
	"executor.url":                        "",
	"executor.timeout_minutes":            30,
	"requests.url":                        "",
	"requests.api_key":                    "",
	"catalog.url":                         "https://api.trakt.tv",
	"catalog.client_id":                   "",
	"catalog.client_secret":               "",
	"catalog.token":                       "",
	"catalog.token_url":                   "https://api.trakt.tv/oauth/token",
}

// InitializeDefaults sets default values for settings that don't exist.
// Scalars are stored in their plain string form so config.Loader can parse them; other values as JSON.
func (db *DB) InitializeDefaults() error {
	for key, value := range DefaultSettings {
		existing, err := db.GetSetting(key)
		if err != nil {
			return err
		}
		if existing != "" {
			continue
		}
		switch v := value.(type) {
		case string:
			if v == "" {
				continue
			}
			err = db.SetSetting(key, v)
		case int, int64, float64, bool:
			err = db.SetSetting(key, fmt.Sprint(v))
		default:
			err = db.SetSettingJSON(key, v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
