// Package models provides data structures and validation for tamagoyaki market data.
// This package contains the core data models: trades as delivered by the data
// provider, candles (both the stored 1-second raw records and export-time
// candlesticks), and the calendar date range every command operates on.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BaseResolution is the width of the raw records kept in the store.
const BaseResolution = time.Second

// Candle represents OHLCV price and volume data for a symbol over one bucket.
// Timestamp is the UTC start of the bucket.
type Candle struct {
	Symbol     string          `json:"symbol"`
	Timestamp  time.Time       `json:"timestamp"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	BuyVolume  decimal.Decimal `json:"buy_volume"`
	SellVolume decimal.Decimal `json:"sell_volume"`
	Trades     int64           `json:"trades"`
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that prices are positive, volumes are non-negative and the
// OHLC relationships hold (high >= max(open, close), low <= min(open, close)).
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be null or zero"}
	}

	zero := decimal.Zero
	for _, p := range []struct {
		field string
		value decimal.Decimal
	}{
		{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close},
	} {
		if p.value.LessThanOrEqual(zero) {
			return &ValidationError{Field: p.field, Message: p.field + " price must be greater than 0"}
		}
	}

	if c.Volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if c.BuyVolume.LessThan(zero) || c.SellVolume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "buy and sell volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", c.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	return nil
}

// Merge folds a later candle of the same bucket into c.
func (c *Candle) Merge(next Candle) {
	if next.High.GreaterThan(c.High) {
		c.High = next.High
	}
	if next.Low.LessThan(c.Low) {
		c.Low = next.Low
	}
	c.Close = next.Close
	c.Volume = c.Volume.Add(next.Volume)
	c.BuyVolume = c.BuyVolume.Add(next.BuyVolume)
	c.SellVolume = c.SellVolume.Add(next.SellVolume)
	c.Trades += next.Trades
}

// Flat returns a zero-volume candle at price, used to carry a close forward
// across a bucket with no activity.
func Flat(symbol string, timestamp time.Time, price decimal.Decimal) Candle {
	return Candle{
		Symbol:    symbol,
		Timestamp: timestamp,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
}

// String returns a string representation of the candle for debugging.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Symbol, c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}
