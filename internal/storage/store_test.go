package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/tamagoyaki/internal/config"
	apperrors "github.com/johnayoung/tamagoyaki/internal/errors"
	"github.com/johnayoung/tamagoyaki/internal/models"
)

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.Add(models.Day)
)

// createTestCandles generates count one-second candles starting at start.
func createTestCandles(symbol string, count int, start time.Time) []models.Candle {
	candles := make([]models.Candle, count)
	for i := 0; i < count; i++ {
		open := decimal.NewFromInt(50000).Add(decimal.NewFromFloat(0.5).Mul(decimal.NewFromInt(int64(i))))
		candles[i] = models.Candle{
			Symbol:     symbol,
			Timestamp:  start.Add(time.Duration(i) * time.Second),
			Open:       open,
			High:       open.Add(decimal.NewFromInt(3)),
			Low:        open.Sub(decimal.NewFromInt(2)),
			Close:      open.Add(decimal.NewFromInt(1)),
			Volume:     decimal.RequireFromString("1.25"),
			BuyVolume:  decimal.RequireFromString("0.75"),
			SellVolume: decimal.RequireFromString("0.5"),
			Trades:     int64(i + 1),
		}
	}
	return candles
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemoryStorage() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStorage(":memory:", 0, slog.Default())
			require.NoError(t, err)
			return s
		}},
		{"duckdb", func(t *testing.T) Store {
			s, err := NewDuckDBStorage(":memory:", slog.Default())
			require.NoError(t, err)
			return s
		}},
	}
}

// forEachBackend runs fn against a fresh, initialized instance of every
// backend that needs no external server.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			require.NoError(t, s.Initialize(context.Background()))
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func TestStore_StoreDayAndQuery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		candles := createTestCandles("BTCUSDT", 120, day1.Add(10*time.Hour))

		inserted, err := s.StoreDay(ctx, "BTCUSDT", day1, candles)
		require.NoError(t, err)
		assert.Equal(t, 120, inserted)

		resp, err := s.Query(ctx, QueryRequest{Symbol: "BTCUSDT", Start: day1, End: day2})
		require.NoError(t, err)
		require.Len(t, resp.Candles, 120)

		for i, c := range resp.Candles {
			want := candles[i]
			assert.True(t, want.Timestamp.Equal(c.Timestamp), "timestamp %d", i)
			assert.Equal(t, time.UTC, c.Timestamp.Location())
			assert.True(t, want.Open.Equal(c.Open), "open %d: %s != %s", i, want.Open, c.Open)
			assert.True(t, want.High.Equal(c.High))
			assert.True(t, want.Low.Equal(c.Low))
			assert.True(t, want.Close.Equal(c.Close))
			assert.True(t, want.Volume.Equal(c.Volume))
			assert.True(t, want.BuyVolume.Equal(c.BuyVolume))
			assert.True(t, want.SellVolume.Equal(c.SellVolume))
			assert.Equal(t, want.Trades, c.Trades)
		}

		t.Run("end is exclusive", func(t *testing.T) {
			resp, err := s.Query(ctx, QueryRequest{
				Symbol: "BTCUSDT",
				Start:  day1.Add(10 * time.Hour),
				End:    day1.Add(10*time.Hour + 30*time.Second),
			})
			require.NoError(t, err)
			assert.Len(t, resp.Candles, 30)
		})

		t.Run("limit", func(t *testing.T) {
			resp, err := s.Query(ctx, QueryRequest{Symbol: "BTCUSDT", Start: day1, End: day2, Limit: 5})
			require.NoError(t, err)
			require.Len(t, resp.Candles, 5)
			assert.True(t, candles[0].Timestamp.Equal(resp.Candles[0].Timestamp))
		})

		t.Run("other symbols are isolated", func(t *testing.T) {
			resp, err := s.Query(ctx, QueryRequest{Symbol: "ETHUSDT", Start: day1, End: day2})
			require.NoError(t, err)
			assert.Empty(t, resp.Candles)
		})
	})
}

func TestStore_DecimalsRoundTripExactly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := models.Candle{
			Symbol:     "BTCUSDT",
			Timestamp:  day1.Add(time.Hour),
			Open:       decimal.RequireFromString("42000.123456789012345"),
			High:       decimal.RequireFromString("42000.987654321098765432"),
			Low:        decimal.RequireFromString("41999.000000000000000001"),
			Close:      decimal.RequireFromString("42000.5"),
			Volume:     decimal.RequireFromString("123456789.000000000123456789"),
			BuyVolume:  decimal.RequireFromString("123456789"),
			SellVolume: decimal.RequireFromString("0.000000000123456789"),
			Trades:     7,
		}
		_, err := s.StoreDay(ctx, "BTCUSDT", day1, []models.Candle{c})
		require.NoError(t, err)

		resp, err := s.Query(ctx, QueryRequest{Symbol: "BTCUSDT", Start: day1, End: day2})
		require.NoError(t, err)
		require.Len(t, resp.Candles, 1)
		got := resp.Candles[0]

		assert.Equal(t, "42000.123456789012345", got.Open.String())
		assert.Equal(t, "42000.987654321098765432", got.High.String())
		assert.Equal(t, "41999.000000000000000001", got.Low.String())
		assert.Equal(t, "42000.5", got.Close.String())
		assert.Equal(t, "123456789.000000000123456789", got.Volume.String())
		assert.Equal(t, "123456789", got.BuyVolume.String())
		assert.Equal(t, "0.000000000123456789", got.SellVolume.String())

		latest, err := s.LatestBefore(ctx, "BTCUSDT", day2)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "42000.123456789012345", latest.Open.String())
	})
}

func TestStore_StoreDayIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		candles := createTestCandles("BTCUSDT", 50, day1)

		inserted, err := s.StoreDay(ctx, "BTCUSDT", day1, candles)
		require.NoError(t, err)
		assert.Equal(t, 50, inserted)

		// Overlapping re-sync: first 50 already stored, 10 new.
		more := createTestCandles("BTCUSDT", 60, day1)
		more[0].Close = more[0].High
		inserted, err = s.StoreDay(ctx, "BTCUSDT", day1, more)
		require.NoError(t, err)
		assert.Equal(t, 10, inserted)

		resp, err := s.Query(ctx, QueryRequest{Symbol: "BTCUSDT", Start: day1, End: day2})
		require.NoError(t, err)
		assert.Len(t, resp.Candles, 60)
		assert.True(t, candles[0].Close.Equal(resp.Candles[0].Close), "existing rows are never rewritten")

		days, err := s.SyncedDays(ctx, "BTCUSDT", day1, day2)
		require.NoError(t, err)
		require.Len(t, days, 1)
		assert.Equal(t, int64(60), days[0].Records)
	})
}

func TestStore_SyncedDays(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.StoreDay(ctx, "BTCUSDT", day2, createTestCandles("BTCUSDT", 3, day2))
		require.NoError(t, err)
		_, err = s.StoreDay(ctx, "BTCUSDT", day1, createTestCandles("BTCUSDT", 2, day1))
		require.NoError(t, err)
		// A day with no trades is still recorded as synced.
		day3 := day2.Add(models.Day)
		_, err = s.StoreDay(ctx, "BTCUSDT", day3, nil)
		require.NoError(t, err)

		days, err := s.SyncedDays(ctx, "BTCUSDT", day1, day3.Add(models.Day))
		require.NoError(t, err)
		require.Len(t, days, 3)
		assert.True(t, day1.Equal(days[0].Day))
		assert.True(t, day2.Equal(days[1].Day))
		assert.True(t, day3.Equal(days[2].Day))
		assert.Equal(t, int64(2), days[0].Records)
		assert.Equal(t, int64(3), days[1].Records)
		assert.Equal(t, int64(0), days[2].Records)
		assert.False(t, days[0].SyncedAt.IsZero())

		days, err = s.SyncedDays(ctx, "BTCUSDT", day2, day3)
		require.NoError(t, err)
		require.Len(t, days, 1)
		assert.True(t, day2.Equal(days[0].Day))

		days, err = s.SyncedDays(ctx, "ETHUSDT", day1, day3)
		require.NoError(t, err)
		assert.Empty(t, days)
	})
}

func TestStore_LatestBefore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		c, err := s.LatestBefore(ctx, "BTCUSDT", day2)
		require.NoError(t, err)
		assert.Nil(t, c)

		candles := createTestCandles("BTCUSDT", 10, day1.Add(23*time.Hour))
		_, err = s.StoreDay(ctx, "BTCUSDT", day1, candles)
		require.NoError(t, err)

		c, err = s.LatestBefore(ctx, "BTCUSDT", day2)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.True(t, candles[9].Timestamp.Equal(c.Timestamp))
		assert.True(t, candles[9].Close.Equal(c.Close))

		c, err = s.LatestBefore(ctx, "BTCUSDT", candles[5].Timestamp)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.True(t, candles[4].Timestamp.Equal(c.Timestamp))
	})
}

func TestStore_RejectsInvalidDays(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		tests := []struct {
			name    string
			day     time.Time
			candles []models.Candle
		}{
			{"day not at midnight", day1.Add(time.Hour), nil},
			{"candle outside day", day1, createTestCandles("BTCUSDT", 1, day2)},
			{"symbol mismatch", day1, createTestCandles("ETHUSDT", 1, day1)},
			{"invalid candle", day1, func() []models.Candle {
				c := createTestCandles("BTCUSDT", 1, day1)
				c[0].Low = c[0].High.Add(decimal.NewFromInt(1))
				return c
			}()},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := s.StoreDay(ctx, "BTCUSDT", tt.day, tt.candles)
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperrors.ErrStorage))
			})
		}

		days, err := s.SyncedDays(ctx, "BTCUSDT", day1, day2)
		require.NoError(t, err)
		assert.Empty(t, days, "rejected days are never marked synced")
	})
}

func TestStore_QueryValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, req := range []QueryRequest{
			{Start: day1, End: day2},
			{Symbol: "BTCUSDT", Start: day2, End: day1},
			{Symbol: "BTCUSDT", Start: day1},
			{Symbol: "BTCUSDT", Start: day1, End: day2, Limit: -1},
		} {
			_, err := s.Query(ctx, req)
			assert.Error(t, err, fmt.Sprintf("%+v", req))
		}
	})
}

func TestStore_StatsAndHealth(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.HealthCheck(ctx))

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.TotalCandles)

		_, err = s.StoreDay(ctx, "BTCUSDT", day1, createTestCandles("BTCUSDT", 5, day1))
		require.NoError(t, err)
		_, err = s.StoreDay(ctx, "ETHUSDT", day2, createTestCandles("ETHUSDT", 7, day2))
		require.NoError(t, err)

		stats, err = s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(12), stats.TotalCandles)
		assert.Equal(t, 2, stats.TotalSymbols)
		assert.Equal(t, int64(2), stats.SyncedDays)
		assert.True(t, day1.Equal(stats.EarliestData))
		assert.True(t, day2.Add(6*time.Second).Equal(stats.LatestData))
		assert.NotEmpty(t, stats.Backend)

		require.NoError(t, s.Close())
		assert.Error(t, s.HealthCheck(ctx))
		assert.NoError(t, s.Close(), "close is idempotent")
	})
}

func TestStore_InitializeIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Initialize(context.Background()))
	})
}

func TestDuckDBStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tamagoyaki.duckdb")
	ctx := context.Background()

	s, err := NewDuckDBStorage(path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	version, err := NewMigrationManager(s.db, nil).CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	_, err = s.StoreDay(ctx, "BTCUSDT", day1, createTestCandles("BTCUSDT", 4, day1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewDuckDBStorage(path, slog.Default())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Initialize(ctx))

	resp, err := s.Query(ctx, QueryRequest{Symbol: "BTCUSDT", Start: day1, End: day2})
	require.NoError(t, err)
	assert.Len(t, resp.Candles, 4)
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	for _, tc := range []struct {
		cfg  config.StorageConfig
		want string
	}{
		{config.StorageConfig{Type: "memory"}, "*storage.MemoryStorage"},
		{config.StorageConfig{Type: "duckdb", DatabaseURL: filepath.Join(dir, "nested", "a.duckdb")}, "*storage.DuckDBStorage"},
		{config.StorageConfig{Type: "sqlite", DatabaseURL: filepath.Join(dir, "nested", "a.sqlite"), BatchSize: 10}, "*storage.GormStorage"},
	} {
		s, err := New(tc.cfg, slog.Default())
		require.NoError(t, err, tc.cfg.Type)
		assert.Equal(t, tc.want, fmt.Sprintf("%T", s))
		require.NoError(t, s.Initialize(context.Background()), tc.cfg.Type)
		require.NoError(t, s.Close())
	}

	_, err := New(config.StorageConfig{Type: "mongo"}, slog.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))

	_, err = New(config.StorageConfig{Type: "postgres"}, slog.Default())
	assert.Error(t, err)
}
