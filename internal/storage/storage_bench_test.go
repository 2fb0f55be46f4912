package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/models"
)

func benchBackends(b *testing.B) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStorage() },
		"sqlite": func() Store {
			s, err := NewSQLiteStorage(":memory:", 0, slog.Default())
			if err != nil {
				b.Fatalf("open sqlite: %v", err)
			}
			return s
		},
		"duckdb": func() Store {
			s, err := NewDuckDBStorage(":memory:", slog.Default())
			if err != nil {
				b.Fatalf("open duckdb: %v", err)
			}
			return s
		},
	}
}

// BenchmarkStoreDay measures how fast one busy hour of base records lands in
// each backend. Every iteration writes a fresh day so conflicts never short
// circuit the insert.
func BenchmarkStoreDay(b *testing.B) {
	if testing.Short() {
		b.Skip("skipping benchmark in short mode")
	}
	ctx := context.Background()

	for name, open := range benchBackends(b) {
		b.Run(name, func(b *testing.B) {
			store := open()
			defer store.Close()
			if err := store.Initialize(ctx); err != nil {
				b.Fatalf("Initialize failed: %v", err)
			}

			days := make([][]models.Candle, b.N)
			for i := range days {
				days[i] = createTestCandles("BTCUSDT", 3600, day1.Add(time.Duration(i)*models.Day))
			}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				day := day1.Add(time.Duration(i) * models.Day)
				if _, err := store.StoreDay(ctx, "BTCUSDT", day, days[i]); err != nil {
					b.Fatalf("StoreDay failed: %v", err)
				}
			}

			b.ReportMetric(float64(b.N*3600)/b.Elapsed().Seconds(), "records/sec")
		})
	}
}

// BenchmarkQueryDay measures reading back one day, which is how the exporter
// walks a range.
func BenchmarkQueryDay(b *testing.B) {
	if testing.Short() {
		b.Skip("skipping benchmark in short mode")
	}
	ctx := context.Background()

	for name, open := range benchBackends(b) {
		b.Run(name, func(b *testing.B) {
			store := open()
			defer store.Close()
			if err := store.Initialize(ctx); err != nil {
				b.Fatalf("Initialize failed: %v", err)
			}
			if _, err := store.StoreDay(ctx, "BTCUSDT", day1, createTestCandles("BTCUSDT", 3600, day1)); err != nil {
				b.Fatalf("failed to set up test data: %v", err)
			}
			req := QueryRequest{Symbol: "BTCUSDT", Start: day1, End: day2}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				resp, err := store.Query(ctx, req)
				if err != nil {
					b.Fatalf("Query failed: %v", err)
				}
				if len(resp.Candles) != 3600 {
					b.Fatalf("expected 3600 records, got %d", len(resp.Candles))
				}
			}
		})
	}
}
