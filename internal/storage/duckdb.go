// DuckDB-backed storage. Bulk loads go through the Appender API into a
// staging table; a single transaction then moves the rows into candles and
// records the synced day, so a day is either fully present or absent.

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/tamagoyaki/internal/models"
)

const candleColumns = "symbol, timestamp, open, high, low, close, volume, buy_volume, sell_volume, trades"

// Prices and volumes are DECIMAL(38, 18) in candles and text in staging; both
// directions cast explicitly so values round-trip without float rounding.
const (
	stagedColumns = "symbol, timestamp, " +
		"CAST(open AS DECIMAL(38, 18)), CAST(high AS DECIMAL(38, 18)), " +
		"CAST(low AS DECIMAL(38, 18)), CAST(close AS DECIMAL(38, 18)), " +
		"CAST(volume AS DECIMAL(38, 18)), CAST(buy_volume AS DECIMAL(38, 18)), " +
		"CAST(sell_volume AS DECIMAL(38, 18)), trades"
	selectColumns = "symbol, timestamp, " +
		"CAST(open AS VARCHAR), CAST(high AS VARCHAR), CAST(low AS VARCHAR), CAST(close AS VARCHAR), " +
		"CAST(volume AS VARCHAR), CAST(buy_volume AS VARCHAR), CAST(sell_volume AS VARCHAR), trades"
)

// DuckDBStorage implements Store using DuckDB as the backend.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex

	queryMu sync.Mutex
	timer   queryTimer
}

// NewDuckDBStorage creates a new DuckDB storage instance.
// An empty dbPath opens an in-memory database.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer: every statement, including the appender, shares one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger,
		timer:  newQueryTimer(),
	}, nil
}

// Initialize applies schema migrations.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("initialize", "", "", errClosed)
	}

	d.logger.Debug("initializing DuckDB storage", "db_path", d.dbPath)

	for _, setting := range []string{"SET enable_progress_bar = false", "SET TimeZone = 'UTC'"} {
		if _, err := d.db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to set configuration", "config", setting, "error", err)
		}
	}

	migrations := NewMigrationManager(d.db, d.logger)
	if err := migrations.MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	version, err := migrations.CurrentVersion(ctx)
	if err != nil {
		return NewStorageError("initialize", "schema_migrations", "", err)
	}
	d.logger.Debug("DuckDB storage ready", "schema_version", version)
	return nil
}

var errClosed = errors.New("database connection is closed")

// StoreDay implements CandleStorer.StoreDay
func (d *DuckDBStorage) StoreDay(ctx context.Context, symbol string, day time.Time, candles []models.Candle) (int, error) {
	start := time.Now()
	defer func() { d.recordQueryTime("store_day", time.Since(start)) }()

	if err := validateDay(symbol, day, candles); err != nil {
		return 0, NewInsertError("candles", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return 0, NewInsertError("candles", errClosed)
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return 0, NewInsertError("candles", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DELETE FROM candles_staging"); err != nil {
		return 0, NewStorageError("delete", "candles_staging", "", err)
	}

	if len(candles) > 0 {
		if err := conn.Raw(func(dc any) error {
			return appendCandles(dc, candles)
		}); err != nil {
			return 0, NewInsertError("candles_staging", err)
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError("candles", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	moveQuery := "INSERT INTO candles (" + candleColumns + ") SELECT " + stagedColumns + " FROM candles_staging ON CONFLICT DO NOTHING"
	res, err := tx.ExecContext(ctx, moveQuery)
	if err != nil {
		return 0, NewInsertError("candles", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, NewInsertError("candles", err)
	}

	var records int64
	countQuery := "SELECT COUNT(*) FROM candles WHERE symbol = ? AND timestamp >= ? AND timestamp < ?"
	if err := tx.QueryRowContext(ctx, countQuery, symbol, day, day.Add(models.Day)).Scan(&records); err != nil {
		return 0, NewQueryError("candles", countQuery, err)
	}

	upsertQuery := `
		INSERT INTO synced_days (symbol, day, records, synced_at) VALUES (?, CAST(? AS DATE), ?, ?)
		ON CONFLICT (symbol, day) DO UPDATE SET records = excluded.records, synced_at = excluded.synced_at`
	if _, err := tx.ExecContext(ctx, upsertQuery, symbol, day, records, time.Now().UTC()); err != nil {
		return 0, NewStorageError("upsert", "synced_days", upsertQuery, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM candles_staging"); err != nil {
		return 0, NewStorageError("delete", "candles_staging", "", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError("candles", fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("stored day",
		"symbol", symbol,
		"day", day.Format(models.DateLayout),
		"candles", len(candles),
		"inserted", inserted,
		"duration", time.Since(start))

	return int(inserted), nil
}

// appendCandles bulk loads the staging table through the DuckDB Appender API.
func appendCandles(dc any, candles []models.Candle) error {
	driverConn, ok := dc.(driver.Conn)
	if !ok {
		return fmt.Errorf("underlying connection is not a DuckDB connection")
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", "candles_staging")
	if err != nil {
		return fmt.Errorf("failed to create appender: %w", err)
	}

	for _, c := range candles {
		if err := appender.AppendRow(
			c.Symbol,
			c.Timestamp.UTC(),
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
			c.BuyVolume.String(),
			c.SellVolume.String(),
			c.Trades,
		); err != nil {
			appender.Close()
			return fmt.Errorf("failed to append candle %s: %w", c.String(), err)
		}
	}

	// Close flushes the remaining rows.
	if err := appender.Close(); err != nil {
		return fmt.Errorf("failed to flush appender: %w", err)
	}
	return nil
}

// Query implements CandleReader.Query
func (d *DuckDBStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() { d.recordQueryTime("query", time.Since(start)) }()

	if err := req.Validate(); err != nil {
		return nil, NewQueryError("candles", "", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewQueryError("candles", "", errClosed)
	}

	query := "SELECT " + selectColumns + " FROM candles WHERE symbol = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC"
	args := []any{req.Symbol, req.Start.UTC(), req.End.UTC()}
	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("candles", query, fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	candles := make([]models.Candle, 0, req.Limit)
	for rows.Next() {
		c, err := scanDuckCandle(rows)
		if err != nil {
			return nil, NewQueryError("candles", query, fmt.Errorf("failed to scan row: %w", err))
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("candles", query, fmt.Errorf("row iteration error: %w", err))
	}

	return &QueryResponse{Candles: candles, QueryTime: time.Since(start)}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDuckCandle(row rowScanner) (models.Candle, error) {
	var (
		c      models.Candle
		fields [7]string
	)
	if err := row.Scan(&c.Symbol, &c.Timestamp, &fields[0], &fields[1], &fields[2], &fields[3],
		&fields[4], &fields[5], &fields[6], &c.Trades); err != nil {
		return models.Candle{}, err
	}
	c.Timestamp = c.Timestamp.UTC()

	targets := []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.BuyVolume, &c.SellVolume}
	for i, target := range targets {
		v, err := decimal.NewFromString(fields[i])
		if err != nil {
			return models.Candle{}, fmt.Errorf("invalid decimal %q: %w", fields[i], err)
		}
		*target = v
	}
	return c, nil
}

// LatestBefore implements CandleReader.LatestBefore
func (d *DuckDBStorage) LatestBefore(ctx context.Context, symbol string, t time.Time) (*models.Candle, error) {
	start := time.Now()
	defer func() { d.recordQueryTime("latest_before", time.Since(start)) }()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewQueryError("candles", "", errClosed)
	}

	query := "SELECT " + selectColumns + " FROM candles WHERE symbol = ? AND timestamp < ? ORDER BY timestamp DESC LIMIT 1"
	c, err := scanDuckCandle(d.db.QueryRowContext(ctx, query, symbol, t.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("candles", query, err)
	}
	return &c, nil
}

// SyncedDays implements SyncLedger.SyncedDays
func (d *DuckDBStorage) SyncedDays(ctx context.Context, symbol string, start, end time.Time) ([]SyncedDay, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewQueryError("synced_days", "", errClosed)
	}

	query := `SELECT symbol, day, records, synced_at FROM synced_days
		WHERE symbol = ? AND day >= CAST(? AS DATE) AND day < CAST(? AS DATE) ORDER BY day`
	rows, err := d.db.QueryContext(ctx, query, symbol, start.UTC(), end.UTC())
	if err != nil {
		return nil, NewQueryError("synced_days", query, err)
	}
	defer rows.Close()

	var days []SyncedDay
	for rows.Next() {
		var sd SyncedDay
		if err := rows.Scan(&sd.Symbol, &sd.Day, &sd.Records, &sd.SyncedAt); err != nil {
			return nil, NewQueryError("synced_days", query, err)
		}
		sd.Day = models.TruncateDay(sd.Day)
		sd.SyncedAt = sd.SyncedAt.UTC()
		days = append(days, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("synced_days", query, err)
	}
	return days, nil
}

// Close implements StorageManager.Close
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Debug("closing DuckDB storage")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

// GetStats implements StorageManager.GetStats
func (d *DuckDBStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	start := time.Now()
	defer func() { d.recordQueryTime("get_stats", time.Since(start)) }()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewStorageError("stats", "", "", errClosed)
	}

	stats := &StorageStats{Backend: "duckdb"}
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT symbol) FROM candles").Scan(&stats.TotalCandles, &stats.TotalSymbols); err != nil {
		return nil, NewStorageError("stats", "candles", "", fmt.Errorf("failed to count candles: %w", err))
	}
	if stats.TotalCandles > 0 {
		if err := d.db.QueryRowContext(ctx,
			"SELECT MIN(timestamp), MAX(timestamp) FROM candles").Scan(&stats.EarliestData, &stats.LatestData); err != nil {
			return nil, NewStorageError("stats", "candles", "", fmt.Errorf("failed to get time range: %w", err))
		}
		stats.EarliestData = stats.EarliestData.UTC()
		stats.LatestData = stats.LatestData.UTC()
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM synced_days").Scan(&stats.SyncedDays); err != nil {
		return nil, NewStorageError("stats", "synced_days", "", err)
	}

	d.queryMu.Lock()
	stats.QueryPerformance = d.timer.averages()
	d.queryMu.Unlock()

	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", errClosed))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

func (d *DuckDBStorage) recordQueryTime(operation string, duration time.Duration) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()
	d.timer.record(operation, duration)
}

// Compile-time interface compliance check
var (
	_ Store          = (*DuckDBStorage)(nil)
	_ CandleStorer   = (*DuckDBStorage)(nil)
	_ CandleReader   = (*DuckDBStorage)(nil)
	_ SyncLedger     = (*DuckDBStorage)(nil)
	_ StorageManager = (*DuckDBStorage)(nil)
	_ HealthChecker  = (*DuckDBStorage)(nil)
)
