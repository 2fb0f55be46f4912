package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Trade is a single execution from the provider's trade archive.
type Trade struct {
	Timestamp time.Time
	Side      Side
	Size      decimal.Decimal
	Price     decimal.Decimal
}

// Validate rejects trades that cannot contribute to a candle.
func (t Trade) Validate() error {
	if t.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	if !t.Price.IsPositive() {
		return &ValidationError{Field: "price", Message: fmt.Sprintf("price must be positive, got %s", t.Price)}
	}
	if t.Size.IsNegative() {
		return &ValidationError{Field: "size", Message: fmt.Sprintf("size must not be negative, got %s", t.Size)}
	}
	return nil
}

// Candle turns a trade into a single-trade candle at the given bucket start.
func (t Trade) Candle(symbol string, bucket time.Time) Candle {
	c := Flat(symbol, bucket, t.Price)
	c.Volume = t.Size
	c.Trades = 1
	switch t.Side {
	case SideBuy:
		c.BuyVolume = t.Size
	case SideSell:
		c.SellVolume = t.Size
	}
	return c
}
