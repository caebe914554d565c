package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get the current schema version
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Info("Current schema version", "version", currentVersion)

	// Define all migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE install_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					started_at DATETIME NOT NULL,
					finished_at DATETIME,
					task_count INTEGER DEFAULT 0,
					installed INTEGER DEFAULT 0,
					skipped INTEGER DEFAULT 0,
					failed INTEGER DEFAULT 0,
					cancelled INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					stats_json TEXT DEFAULT '{}'
				);

				CREATE TABLE task_results (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id INTEGER NOT NULL,
					task_id TEXT NOT NULL,
					display_name TEXT NOT NULL,
					addon_type TEXT NOT NULL,
					target_path TEXT NOT NULL,
					status TEXT NOT NULL,
					scenario TEXT,
					error_kind TEXT,
					error_message TEXT,
					backup_path TEXT,
					duration_ms INTEGER DEFAULT 0,
					recorded_at DATETIME NOT NULL,
					FOREIGN KEY(run_id) REFERENCES install_runs(id)
				);

				CREATE INDEX idx_task_results_run ON task_results(run_id);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE verification_failures (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					task_result_id INTEGER NOT NULL,
					path TEXT NOT NULL,
					algorithm TEXT NOT NULL,
					expected TEXT NOT NULL,
					actual TEXT,
					error TEXT,
					FOREIGN KEY(task_result_id) REFERENCES task_results(id)
				);
			`,
		},
	}

	// Run pending migrations
	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Execute the migration SQL
	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	// Record the migration
	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
