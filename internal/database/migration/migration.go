package migration

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

type migrationStep struct {
	Name string
	SQL  string
}

var sqliteSteps = []migrationStep{
	{
		Name: "create_table_hmi_events",
		SQL: `CREATE TABLE IF NOT EXISTS hmi_events (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  timestamp DATETIME NOT NULL,
  method    TEXT    NOT NULL,
  "user"    TEXT    NOT NULL,
  payload   TEXT    NOT NULL
);`,
	},
	{
		Name: "create_index_hmi_events_method",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_hmi_events_method ON hmi_events (method);`,
	},
	{
		Name: "create_index_hmi_events_timestamp",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_hmi_events_timestamp ON hmi_events (timestamp);`,
	},
}

var postgresSteps = []migrationStep{
	{
		Name: "create_table_hmi_events",
		SQL: `CREATE TABLE IF NOT EXISTS hmi_events (
  id        BIGSERIAL   PRIMARY KEY,
  timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
  method    TEXT        NOT NULL,
  "user"    TEXT        NOT NULL,
  payload   TEXT        NOT NULL
);`,
	},
	{
		Name: "create_index_hmi_events_method",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_hmi_events_method ON hmi_events (method);`,
	},
	{
		Name: "create_index_hmi_events_timestamp",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_hmi_events_timestamp ON hmi_events (timestamp);`,
	},
}

const (
	sqliteSentinel   = "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'hmi_events'"
	postgresSentinel = "SELECT to_regclass('public.hmi_events') IS NOT NULL"
)

// EnsureMigrated checks if the 'hmi_events' table exists and runs migrations if it doesn't.
func EnsureMigrated(ctx context.Context, db *sql.DB, driver string, log *slog.Logger) error {
	var (
		steps    []migrationStep
		sentinel string
	)
	switch driver {
	case "", "sqlite":
		steps, sentinel = sqliteSteps, sqliteSentinel
	case "postgres":
		steps, sentinel = postgresSteps, postgresSentinel
	default:
		return fmt.Errorf("unsupported database driver: %s", driver)
	}

	log = log.With("component", "database", "db_driver", driver)
	start := time.Now()
	log.Info("db_migration_check", "status", "starting")

	var exists bool
	if err := db.QueryRowContext(ctx, sentinel).Scan(&exists); err != nil {
		log.Error("db_migration_failed",
			"status", "error",
			"error_message", fmt.Sprintf("failed to check sentinel table: %v", err),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return fmt.Errorf("failed to check sentinel table: %w", err)
	}

	if exists {
		log.Info("db_migration_skip",
			"status", "success",
			"msg", "schema already exists, skipping migration",
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	log.Info("db_migration_start", "status", "in_progress")

	for _, step := range steps {
		stepStart := time.Now()
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			log.Error("db_migration_failed",
				"status", "error",
				"migration_step", step.Name,
				"error_message", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
				"step_duration_ms", time.Since(stepStart).Milliseconds(),
			)
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}

		log.Info("db_migration_step",
			"status", "success",
			"migration_step", step.Name,
			"step_duration_ms", time.Since(stepStart).Milliseconds(),
		)
	}

	log.Info("db_migration_success",
		"status", "success",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
