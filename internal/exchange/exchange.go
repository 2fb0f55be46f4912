// Package exchange defines the trade source used by the updater and its
// implementation over the Bybit public trade archive.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/models"
)

// ErrDayNotFound is returned when the provider has no archive for a day. The
// updater skips such days instead of failing.
var ErrDayNotFound = errors.New("no trade archive for day")

// TradeSource retrieves the raw trades of one instrument for one UTC day.
type TradeSource interface {
	// FetchTrades returns every trade of symbol executed during day, in
	// chronological order. The day must be a UTC midnight. A day the provider
	// does not publish yields an error matching ErrDayNotFound.
	FetchTrades(ctx context.Context, symbol string, day time.Time) ([]models.Trade, error)
}

// RateLimit describes the client-side request budget of a source.
type RateLimit struct {
	RequestsPerMinute int
	Burst             int
}

// Interval returns the minimum spacing between two requests.
func (rl RateLimit) Interval() time.Duration {
	if rl.RequestsPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(rl.RequestsPerMinute)
}
