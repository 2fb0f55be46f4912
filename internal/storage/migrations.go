package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies the DuckDB schema in versioned steps
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: duckdbMigrations(),
	}
}

// MigrateToLatest runs every migration newer than the recorded version.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`
	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	if applied > 0 {
		m.logger.Info("schema migrated", "from_version", current, "migrations_run", applied)
	}
	return nil
}

// CurrentVersion returns the highest applied migration version
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// runMigration executes a single migration with timing and error handling
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	m.logger.Debug("applying migration",
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.UTC(),
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func duckdbMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "raw candles, staging table and synced day ledger",
			Up:          execAll(schemaV1...),
		},
	}
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		symbol VARCHAR NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		open DECIMAL(38, 18) NOT NULL,
		high DECIMAL(38, 18) NOT NULL,
		low DECIMAL(38, 18) NOT NULL,
		close DECIMAL(38, 18) NOT NULL,
		volume DECIMAL(38, 18) NOT NULL,
		buy_volume DECIMAL(38, 18) NOT NULL,
		sell_volume DECIMAL(38, 18) NOT NULL,
		trades BIGINT NOT NULL,
		PRIMARY KEY (symbol, timestamp),
		CHECK (open > 0 AND high > 0 AND low > 0 AND close > 0),
		CHECK (volume >= 0)
	)`,
	// Staging holds decimals as text so the appender never goes through float64.
	`CREATE TABLE IF NOT EXISTS candles_staging (
		symbol VARCHAR NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		open VARCHAR NOT NULL,
		high VARCHAR NOT NULL,
		low VARCHAR NOT NULL,
		close VARCHAR NOT NULL,
		volume VARCHAR NOT NULL,
		buy_volume VARCHAR NOT NULL,
		sell_volume VARCHAR NOT NULL,
		trades BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS synced_days (
		symbol VARCHAR NOT NULL,
		day DATE NOT NULL,
		records BIGINT NOT NULL,
		synced_at TIMESTAMP NOT NULL,
		PRIMARY KEY (symbol, day)
	)`,
}

func execAll(statements ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}
