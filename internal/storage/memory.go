package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/models"
)

// MemoryStorage keeps everything in maps. It is used by tests and by the
// "memory" storage type for dry runs.
type MemoryStorage struct {
	mu sync.RWMutex

	// candles: symbol -> bucket start (unix seconds) -> candle
	candles map[string]map[int64]models.Candle

	// ledger: symbol -> day (unix seconds) -> synced day
	ledger map[string]map[int64]SyncedDay

	initialized bool
	closed      bool
	timer       queryTimer
}

var errMemoryClosed = errors.New("storage is closed")

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[string]map[int64]models.Candle),
		ledger:  make(map[string]map[int64]SyncedDay),
		timer:   newQueryTimer(),
	}
}

// Initialize implements StorageManager.Initialize
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("initialize", "", "", errMemoryClosed)
	}
	m.initialized = true
	return nil
}

// StoreDay implements CandleStorer.StoreDay
func (m *MemoryStorage) StoreDay(ctx context.Context, symbol string, day time.Time, candles []models.Candle) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewInsertError("candles", err)
	}
	if err := validateDay(symbol, day, candles); err != nil {
		return 0, NewInsertError("candles", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, NewInsertError("candles", errMemoryClosed)
	}

	start := time.Now()
	bySymbol, ok := m.candles[symbol]
	if !ok {
		bySymbol = make(map[int64]models.Candle)
		m.candles[symbol] = bySymbol
	}

	inserted := 0
	for _, c := range candles {
		key := c.Timestamp.Unix()
		if _, exists := bySymbol[key]; exists {
			continue
		}
		c.Timestamp = c.Timestamp.UTC()
		bySymbol[key] = c
		inserted++
	}

	var records int64
	end := day.Add(models.Day).Unix()
	for key := range bySymbol {
		if key >= day.Unix() && key < end {
			records++
		}
	}

	days, ok := m.ledger[symbol]
	if !ok {
		days = make(map[int64]SyncedDay)
		m.ledger[symbol] = days
	}
	days[day.Unix()] = SyncedDay{Symbol: symbol, Day: day.UTC(), Records: records, SyncedAt: time.Now().UTC()}

	m.timer.record("store_day", time.Since(start))
	return inserted, nil
}

// Query implements CandleReader.Query
func (m *MemoryStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewQueryError("candles", "", err)
	}
	if err := req.Validate(); err != nil {
		return nil, NewQueryError("candles", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewQueryError("candles", "", errMemoryClosed)
	}

	start := time.Now()
	var out []models.Candle
	for _, c := range m.candles[req.Symbol] {
		if !c.Timestamp.Before(req.Start) && c.Timestamp.Before(req.End) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}

	return &QueryResponse{Candles: out, QueryTime: time.Since(start)}, nil
}

// LatestBefore implements CandleReader.LatestBefore
func (m *MemoryStorage) LatestBefore(ctx context.Context, symbol string, t time.Time) (*models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewQueryError("candles", "", errMemoryClosed)
	}

	var latest *models.Candle
	for _, c := range m.candles[symbol] {
		if !c.Timestamp.Before(t) {
			continue
		}
		if latest == nil || c.Timestamp.After(latest.Timestamp) {
			found := c
			latest = &found
		}
	}
	return latest, nil
}

// SyncedDays implements SyncLedger.SyncedDays
func (m *MemoryStorage) SyncedDays(ctx context.Context, symbol string, start, end time.Time) ([]SyncedDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewQueryError("synced_days", "", errMemoryClosed)
	}

	var out []SyncedDay
	for _, sd := range m.ledger[symbol] {
		if !sd.Day.Before(start) && sd.Day.Before(end) {
			out = append(out, sd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// Close implements StorageManager.Close
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.candles = make(map[string]map[int64]models.Candle)
	m.ledger = make(map[string]map[int64]SyncedDay)
	return nil
}

// GetStats implements StorageManager.GetStats
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewStorageError("stats", "", "", errMemoryClosed)
	}

	stats := &StorageStats{Backend: "memory", QueryPerformance: m.timer.averages()}
	for _, bySymbol := range m.candles {
		if len(bySymbol) == 0 {
			continue
		}
		stats.TotalSymbols++
		for _, c := range bySymbol {
			stats.TotalCandles++
			if stats.EarliestData.IsZero() || c.Timestamp.Before(stats.EarliestData) {
				stats.EarliestData = c.Timestamp
			}
			if c.Timestamp.After(stats.LatestData) {
				stats.LatestData = c.Timestamp
			}
		}
	}
	for _, days := range m.ledger {
		stats.SyncedDays += int64(len(days))
	}
	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", "", errMemoryClosed)
	}
	if !m.initialized {
		return NewStorageError("health_check", "", "", errors.New("storage not initialized"))
	}
	return nil
}

var _ Store = (*MemoryStorage)(nil)
