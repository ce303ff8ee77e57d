package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Migrate runs all database migrations
func (db *DB) Migrate() error {
	log.Info().Msg("Running database migrations")

	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	log.Debug().Int("current_version", currentVersion).Msg("Current schema version")

	// Run migrations
	for _, migration := range migrations {
		if migration.Version > currentVersion {
			log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Applying migration")

			if err := db.Transaction(func(tx *sql.Tx) error {
				// Execute migration SQL - split by semicolons and execute each statement
				// This ensures each statement is properly executed and errors are caught
				statements := splitSQLStatements(migration.SQL)
				for i, stmt := range statements {
					if _, err := tx.Exec(stmt); err != nil {
						return fmt.Errorf("migration %d statement %d failed: %w", migration.Version, i+1, err)
					}
				}

				// Record migration
				if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
					return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
				}

				return nil
			}); err != nil {
				return err
			}
		}
	}

	log.Info().Msg("Database migrations complete")
	return nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

// splitSQLStatements splits a SQL string into individual statements.
// It handles comments and only returns non-empty statements.
func splitSQLStatements(sql string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.SplitSeq(sql, "\n")
	for line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip empty lines and comments
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		// Check if line ends with semicolon (statement complete)
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" && stmt != ";" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	// Handle any remaining content without trailing semicolon
	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		statements = append(statements, remaining)
	}

	return statements
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			-- Global settings
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			-- Media items, the source of truth for queue membership
			CREATE TABLE media_items (
				id INTEGER PRIMARY KEY,
				catalog_id INTEGER NOT NULL,
				kind TEXT NOT NULL CHECK (kind IN ('movie', 'series')),
				title TEXT NOT NULL,
				year INTEGER,
				imdb_id TEXT,
				canonical_id TEXT,
				request_media_id INTEGER,
				request_id INTEGER,
				status TEXT NOT NULL DEFAULT 'pending',
				processing_stage TEXT,
				processing_started_at TIMESTAMP,
				processing_completed_at TIMESTAMP,
				last_checked_at TIMESTAMP,
				released_at TIMESTAMP,
				is_in_queue BOOLEAN NOT NULL DEFAULT false,
				queue_added_at TIMESTAMP,
				queue_attempts INTEGER NOT NULL DEFAULT 0,
				error_count INTEGER NOT NULL DEFAULT 0,
				last_error_at TIMESTAMP,
				error_message TEXT,
				requested_seasons TEXT,
				seasons TEXT,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(catalog_id, kind)
			);

			-- One summary row per lane
			CREATE TABLE queue_status (
				lane TEXT PRIMARY KEY,
				size INTEGER NOT NULL DEFAULT 0,
				max_size INTEGER NOT NULL DEFAULT 250,
				is_processing BOOLEAN NOT NULL DEFAULT false,
				last_activity_at TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE notification_log (
				id INTEGER PRIMARY KEY,
				event_type TEXT NOT NULL,
				provider TEXT NOT NULL,
				title TEXT,
				status TEXT DEFAULT 'sent',
				message TEXT,
				error TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX idx_media_kind_status ON media_items(kind, status);
			CREATE INDEX idx_media_in_queue ON media_items(is_in_queue, kind);
			CREATE INDEX idx_media_status_last_error ON media_items(status, last_error_at);
			CREATE INDEX idx_notification_log_created ON notification_log(created_at);

			INSERT INTO queue_status (lane, size, max_size) VALUES ('movie', 0, 250);
			INSERT INTO queue_status (lane, size, max_size) VALUES ('series', 0, 250);
		`,
	},
	{
		Version: 2,
		Name:    "subscriptions",
		SQL: `
			ALTER TABLE media_items ADD COLUMN is_subscribed BOOLEAN NOT NULL DEFAULT false;
			ALTER TABLE media_items ADD COLUMN subscription_started_at TIMESTAMP;
			ALTER TABLE media_items ADD COLUMN subscription_last_checked TIMESTAMP;

			CREATE INDEX idx_media_subscribed ON media_items(is_subscribed, kind);
		`,
	},
}
