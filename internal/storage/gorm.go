package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/johnayoung/tamagoyaki/internal/models"
)

// SQLite caps bound parameters per statement; ten columns per row.
const sqliteMaxBatch = 1000

// CandleModel is the gorm row for one raw record.
type CandleModel struct {
	Symbol      string          `gorm:"primaryKey;size:32"`
	BucketStart time.Time       `gorm:"primaryKey"`
	Open        decimal.Decimal `gorm:"type:varchar(64);not null"`
	High        decimal.Decimal `gorm:"type:varchar(64);not null"`
	Low         decimal.Decimal `gorm:"type:varchar(64);not null"`
	Close       decimal.Decimal `gorm:"type:varchar(64);not null"`
	Volume      decimal.Decimal `gorm:"type:varchar(64);not null"`
	BuyVolume   decimal.Decimal `gorm:"type:varchar(64);not null"`
	SellVolume  decimal.Decimal `gorm:"type:varchar(64);not null"`
	Trades      int64           `gorm:"not null"`
}

func (CandleModel) TableName() string {
	return "candles"
}

// SyncedDayModel is the gorm row of the coverage ledger.
type SyncedDayModel struct {
	Symbol   string    `gorm:"primaryKey;size:32"`
	Day      time.Time `gorm:"primaryKey"`
	Records  int64     `gorm:"not null"`
	SyncedAt time.Time `gorm:"not null"`
}

func (SyncedDayModel) TableName() string {
	return "synced_days"
}

func toModel(c models.Candle) CandleModel {
	return CandleModel{
		Symbol:      c.Symbol,
		BucketStart: c.Timestamp.UTC(),
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		BuyVolume:   c.BuyVolume,
		SellVolume:  c.SellVolume,
		Trades:      c.Trades,
	}
}

func (m CandleModel) toCandle() models.Candle {
	return models.Candle{
		Symbol:     m.Symbol,
		Timestamp:  m.BucketStart.UTC(),
		Open:       m.Open,
		High:       m.High,
		Low:        m.Low,
		Close:      m.Close,
		Volume:     m.Volume,
		BuyVolume:  m.BuyVolume,
		SellVolume: m.SellVolume,
		Trades:     m.Trades,
	}
}

// GormStorage implements Store on any gorm dialect. SQLite and PostgreSQL
// are wired through NewSQLiteStorage and NewPostgresStorage.
type GormStorage struct {
	db        *gorm.DB
	backend   string
	batchSize int
	logger    *slog.Logger

	mu     sync.Mutex
	timer  queryTimer
	closed bool
}

// NewSQLiteStorage opens a SQLite file, or an in-memory database for "" and ":memory:".
func NewSQLiteStorage(path string, batchSize int, logger *slog.Logger) (*GormStorage, error) {
	if path == "" {
		path = ":memory:"
	}
	if batchSize <= 0 || batchSize > sqliteMaxBatch {
		batchSize = sqliteMaxBatch
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open SQLite database: %w", err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, NewStorageError("open", "", "", err)
	}
	// An in-memory SQLite database lives and dies with its connection.
	sqlDB.SetMaxOpenConns(1)

	return newGormStorage(db, "sqlite", batchSize, logger), nil
}

// NewPostgresStorage connects to PostgreSQL with a libpq-style or URL DSN.
func NewPostgresStorage(dsn string, batchSize int, logger *slog.Logger) (*GormStorage, error) {
	if dsn == "" {
		return nil, NewStorageError("open", "", "", fmt.Errorf("postgres DSN is required"))
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to connect to PostgreSQL: %w", err))
	}
	return newGormStorage(db, "postgres", batchSize, logger), nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func newGormStorage(db *gorm.DB, backend string, batchSize int, logger *slog.Logger) *GormStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormStorage{
		db:        db,
		backend:   backend,
		batchSize: batchSize,
		logger:    logger,
		timer:     newQueryTimer(),
	}
}

// Initialize implements StorageManager.Initialize
func (g *GormStorage) Initialize(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(&CandleModel{}, &SyncedDayModel{}); err != nil {
		return NewStorageError("initialize", "", "", fmt.Errorf("failed to migrate: %w", err))
	}
	g.logger.Debug("storage initialized", "backend", g.backend)
	return nil
}

// StoreDay implements CandleStorer.StoreDay
func (g *GormStorage) StoreDay(ctx context.Context, symbol string, day time.Time, candles []models.Candle) (int, error) {
	start := time.Now()
	defer func() { g.recordQueryTime("store_day", time.Since(start)) }()

	if err := validateDay(symbol, day, candles); err != nil {
		return 0, NewInsertError("candles", err)
	}

	rows := make([]CandleModel, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, toModel(c))
	}

	var inserted int64
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, g.batchSize)
			if res.Error != nil {
				return NewInsertError("candles", res.Error)
			}
			inserted = res.RowsAffected
		}

		var records int64
		if err := tx.Model(&CandleModel{}).
			Where("symbol = ? AND bucket_start >= ? AND bucket_start < ?", symbol, day.UTC(), day.Add(models.Day).UTC()).
			Count(&records).Error; err != nil {
			return NewQueryError("candles", "count", err)
		}

		ledger := SyncedDayModel{Symbol: symbol, Day: day.UTC(), Records: records, SyncedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"records", "synced_at"}),
		}).Create(&ledger).Error; err != nil {
			return NewStorageError("upsert", "synced_days", "", err)
		}
		return nil
	})
	if err != nil {
		var se *StorageError
		if errors.As(err, &se) {
			return 0, err
		}
		return 0, NewInsertError("candles", err)
	}

	g.logger.Debug("stored day",
		"backend", g.backend,
		"symbol", symbol,
		"day", day.Format(models.DateLayout),
		"candles", len(candles),
		"inserted", inserted)

	return int(inserted), nil
}

// Query implements CandleReader.Query
func (g *GormStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() { g.recordQueryTime("query", time.Since(start)) }()

	if err := req.Validate(); err != nil {
		return nil, NewQueryError("candles", "", err)
	}

	q := g.db.WithContext(ctx).
		Where("symbol = ? AND bucket_start >= ? AND bucket_start < ?", req.Symbol, req.Start.UTC(), req.End.UTC()).
		Order("bucket_start ASC")
	if req.Limit > 0 {
		q = q.Limit(req.Limit)
	}

	var rows []CandleModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, NewQueryError("candles", "find", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, m := range rows {
		candles = append(candles, m.toCandle())
	}
	return &QueryResponse{Candles: candles, QueryTime: time.Since(start)}, nil
}

// LatestBefore implements CandleReader.LatestBefore
func (g *GormStorage) LatestBefore(ctx context.Context, symbol string, t time.Time) (*models.Candle, error) {
	var row CandleModel
	err := g.db.WithContext(ctx).
		Where("symbol = ? AND bucket_start < ?", symbol, t.UTC()).
		Order("bucket_start DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("candles", "latest_before", err)
	}
	c := row.toCandle()
	return &c, nil
}

// SyncedDays implements SyncLedger.SyncedDays
func (g *GormStorage) SyncedDays(ctx context.Context, symbol string, start, end time.Time) ([]SyncedDay, error) {
	var rows []SyncedDayModel
	if err := g.db.WithContext(ctx).
		Where("symbol = ? AND day >= ? AND day < ?", symbol, start.UTC(), end.UTC()).
		Order("day ASC").
		Find(&rows).Error; err != nil {
		return nil, NewQueryError("synced_days", "find", err)
	}

	days := make([]SyncedDay, 0, len(rows))
	for _, r := range rows {
		days = append(days, SyncedDay{
			Symbol:   r.Symbol,
			Day:      models.TruncateDay(r.Day),
			Records:  r.Records,
			SyncedAt: r.SyncedAt.UTC(),
		})
	}
	return days, nil
}

// GetStats implements StorageManager.GetStats
func (g *GormStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	db := g.db.WithContext(ctx)
	stats := &StorageStats{Backend: g.backend}

	if err := db.Model(&CandleModel{}).Count(&stats.TotalCandles).Error; err != nil {
		return nil, NewStorageError("stats", "candles", "", err)
	}

	var symbols int64
	if err := db.Model(&CandleModel{}).Distinct("symbol").Count(&symbols).Error; err != nil {
		return nil, NewStorageError("stats", "candles", "", err)
	}
	stats.TotalSymbols = int(symbols)

	if stats.TotalCandles > 0 {
		var first, last CandleModel
		if err := db.Order("bucket_start ASC").Take(&first).Error; err != nil {
			return nil, NewStorageError("stats", "candles", "", err)
		}
		if err := db.Order("bucket_start DESC").Take(&last).Error; err != nil {
			return nil, NewStorageError("stats", "candles", "", err)
		}
		stats.EarliestData = first.BucketStart.UTC()
		stats.LatestData = last.BucketStart.UTC()
	}

	if err := db.Model(&SyncedDayModel{}).Count(&stats.SyncedDays).Error; err != nil {
		return nil, NewStorageError("stats", "synced_days", "", err)
	}

	g.mu.Lock()
	stats.QueryPerformance = g.timer.averages()
	g.mu.Unlock()

	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck
func (g *GormStorage) HealthCheck(ctx context.Context) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return NewStorageError("health_check", "", "", errClosed)
	}

	sqlDB, err := g.db.DB()
	if err != nil {
		return NewStorageError("health_check", "", "", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close implements StorageManager.Close
func (g *GormStorage) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	sqlDB, err := g.db.DB()
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	if err := sqlDB.Close(); err != nil {
		return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
	}
	return nil
}

func (g *GormStorage) recordQueryTime(operation string, duration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timer.record(operation, duration)
}

var _ Store = (*GormStorage)(nil)
