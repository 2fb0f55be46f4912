// Package storage defines the persistence layer for raw base-resolution
// candles and the per-day sync ledger. Backends: DuckDB (default), SQLite and
// PostgreSQL through gorm, and an in-memory store for tests.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/config"
	apperrors "github.com/johnayoung/tamagoyaki/internal/errors"
	"github.com/johnayoung/tamagoyaki/internal/models"
)

// CandleStorer writes raw records.
type CandleStorer interface {
	// StoreDay inserts the candles of one UTC day and records the day as
	// synced, atomically. Candles whose (symbol, timestamp) already exist are
	// left untouched. Returns the number of rows actually inserted.
	StoreDay(ctx context.Context, symbol string, day time.Time, candles []models.Candle) (int, error)
}

// CandleReader reads raw records back.
type CandleReader interface {
	// Query returns candles for one symbol in [Start, End), ascending.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// LatestBefore returns the newest candle strictly before t, or nil.
	LatestBefore(ctx context.Context, symbol string, t time.Time) (*models.Candle, error)
}

// SyncLedger tracks which days have been fully fetched.
type SyncLedger interface {
	// SyncedDays lists synced days for symbol within [start, end), ascending.
	SyncedDays(ctx context.Context, symbol string, start, end time.Time) ([]SyncedDay, error)
}

// StorageManager handles storage lifecycle and operational concerns.
type StorageManager interface {
	// Initialize creates tables and indexes. Safe to call more than once.
	Initialize(ctx context.Context) error

	// Close releases connections. The store must not be used afterwards.
	Close() error

	// GetStats returns record counts and coverage for status reporting.
	GetStats(ctx context.Context) (*StorageStats, error)

	HealthChecker
}

// HealthChecker provides health monitoring capabilities for storage backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Store is the full interface every backend implements.
type Store interface {
	CandleStorer
	CandleReader
	SyncLedger
	StorageManager
}

// QueryRequest defines parameters for querying stored candles.
type QueryRequest struct {
	// Symbol is the instrument, e.g. "BTCUSDT"
	Symbol string

	// Start is the earliest timestamp to include in results (inclusive)
	Start time.Time

	// End is the latest timestamp to include in results (exclusive)
	End time.Time

	// Limit is the maximum number of results to return (0 = no limit)
	Limit int
}

// Validate rejects requests that every backend would answer incorrectly.
func (r QueryRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("start %s must be before end %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	return nil
}

// QueryResponse contains the results of a candle query operation.
type QueryResponse struct {
	Candles   []models.Candle
	QueryTime time.Duration
}

// SyncedDay is one row of the coverage ledger.
type SyncedDay struct {
	Symbol   string
	Day      time.Time
	Records  int64
	SyncedAt time.Time
}

// StorageStats provides operational metrics and statistics about storage.
type StorageStats struct {
	Backend      string
	TotalCandles int64
	TotalSymbols int
	SyncedDays   int64
	EarliestData time.Time
	LatestData   time.Time

	// QueryPerformance contains average query times by operation type
	QueryPerformance map[string]time.Duration
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL query or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, apperrors.ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == apperrors.ErrStorage
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return NewStorageError("query", table, query, err)
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return NewStorageError("insert", table, "", err)
}

// New builds the backend named in cfg. The returned store is not yet initialized.
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "duckdb":
		if err := ensureParentDir(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return NewDuckDBStorage(cfg.DatabaseURL, logger)
	case "sqlite":
		if err := ensureParentDir(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return NewSQLiteStorage(cfg.DatabaseURL, cfg.BatchSize, logger)
	case "postgres":
		return NewPostgresStorage(cfg.DatabaseURL, cfg.BatchSize, logger)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, apperrors.New(apperrors.ErrorTypeConfiguration, "storage", "new",
			"unknown storage type %q", cfg.Type)
	}
}

func ensureParentDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewStorageError("open", "", "", fmt.Errorf("failed to create database directory: %w", err))
	}
	return nil
}

// validateDay checks the StoreDay contract shared by all backends.
func validateDay(symbol string, day time.Time, candles []models.Candle) error {
	if symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !day.Equal(models.TruncateDay(day)) {
		return fmt.Errorf("day %s is not a UTC midnight", day.Format(time.RFC3339))
	}
	end := day.Add(models.Day)
	for i := range candles {
		c := &candles[i]
		if c.Symbol != symbol {
			return fmt.Errorf("candle %d has symbol %q, expected %q", i, c.Symbol, symbol)
		}
		if c.Timestamp.Before(day) || !c.Timestamp.Before(end) {
			return fmt.Errorf("candle %d at %s is outside day %s", i,
				c.Timestamp.Format(time.RFC3339), day.Format(models.DateLayout))
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d: %w", i, err)
		}
	}
	return nil
}

// queryTimer keeps a bounded history of operation durations.
type queryTimer struct {
	times map[string][]time.Duration
}

func newQueryTimer() queryTimer {
	return queryTimer{times: make(map[string][]time.Duration)}
}

func (q *queryTimer) record(operation string, duration time.Duration) {
	times := q.times[operation]
	// Keep only last 100 measurements
	if len(times) >= 100 {
		times = times[1:]
	}
	q.times[operation] = append(times, duration)
}

func (q *queryTimer) averages() map[string]time.Duration {
	out := make(map[string]time.Duration, len(q.times))
	for op, times := range q.times {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		out[op] = total / time.Duration(len(times))
	}
	return out
}
