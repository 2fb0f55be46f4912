package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/models"
)

// FromTrades builds base-resolution candles from a day's trades. Trades are
// sorted by time first; empty seconds produce no candle.
func FromTrades(symbol string, trades []models.Trade) ([]models.Candle, error) {
	sorted := make([]models.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var candles []models.Candle
	r, err := NewResampler(symbol, models.BaseResolution, EmptyOmit, func(c models.Candle) error {
		candles = append(candles, c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, t := range sorted {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("trade %d: %w", i, err)
		}
		bucket := models.BucketStart(t.Timestamp, models.BaseResolution)
		if err := r.Add(t.Candle(symbol, bucket)); err != nil {
			return nil, err
		}
	}
	if err := r.Finish(time.Time{}); err != nil {
		return nil, err
	}
	return candles, nil
}
