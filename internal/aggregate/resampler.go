// Package aggregate folds time-ordered candles into wider, epoch-aligned
// buckets. The same Resampler turns provider trades into the store's 1-second
// base candles and turns base candles into export candlesticks.
package aggregate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/tamagoyaki/internal/errors"
	"github.com/johnayoung/tamagoyaki/internal/models"
)

// EmptyPolicy decides what the Resampler does with buckets that saw no input.
type EmptyPolicy string

const (
	// EmptyCarry emits a flat, zero-volume candle at the previous close.
	EmptyCarry EmptyPolicy = "carry"
	// EmptyOmit skips empty buckets entirely.
	EmptyOmit EmptyPolicy = "omit"
)

// ParseEmptyPolicy validates a policy name from config or the command line.
func ParseEmptyPolicy(s string) (EmptyPolicy, error) {
	switch p := EmptyPolicy(s); p {
	case EmptyCarry, EmptyOmit:
		return p, nil
	case "":
		return EmptyCarry, nil
	default:
		return "", apperrors.InvalidArgument("invalid empty bucket policy %q: use carry or omit", s)
	}
}

// EmitFunc receives each finished bucket in ascending order.
type EmitFunc func(models.Candle) error

// Resampler is a streaming bucket aggregator. Inputs must arrive in
// non-decreasing timestamp order.
type Resampler struct {
	symbol string
	width  time.Duration
	policy EmptyPolicy
	emit   EmitFunc

	current *models.Candle
	cursor  time.Time // first bucket not yet emitted

	lastClose decimal.Decimal
	haveClose bool
	emitted   int
}

// NewResampler creates a Resampler for buckets of the given width.
func NewResampler(symbol string, width time.Duration, policy EmptyPolicy, emit EmitFunc) (*Resampler, error) {
	if width <= 0 {
		return nil, apperrors.InvalidArgument("bucket width must be positive, got %s", width)
	}
	if policy != EmptyCarry && policy != EmptyOmit {
		return nil, apperrors.InvalidArgument("invalid empty bucket policy %q", policy)
	}
	if emit == nil {
		return nil, fmt.Errorf("emit function is required")
	}
	return &Resampler{symbol: symbol, width: width, policy: policy, emit: emit}, nil
}

// Seed sets the close price known before from, so that carry mode can fill
// buckets from the start of the range rather than from the first input.
func (r *Resampler) Seed(close decimal.Decimal, from time.Time) {
	r.lastClose = close
	r.haveClose = true
	r.cursor = models.BucketStart(from, r.width)
}

// Add folds c into the bucket containing its timestamp.
func (r *Resampler) Add(c models.Candle) error {
	bucket := models.BucketStart(c.Timestamp, r.width)

	if r.current != nil {
		switch {
		case bucket.Equal(r.current.Timestamp):
			r.current.Merge(c)
			return nil
		case bucket.Before(r.current.Timestamp):
			return fmt.Errorf("out of order input: %s before bucket %s",
				c.Timestamp.Format(time.RFC3339Nano), r.current.Timestamp.Format(time.RFC3339))
		}
		if err := r.flush(); err != nil {
			return err
		}
	}

	if err := r.fill(bucket); err != nil {
		return err
	}

	next := c
	next.Symbol = r.symbol
	next.Timestamp = bucket
	r.current = &next
	return nil
}

// Finish emits the open bucket and, under carry, fills empty buckets up to
// the exclusive end. A zero end only flushes.
func (r *Resampler) Finish(end time.Time) error {
	if r.current != nil {
		if err := r.flush(); err != nil {
			return err
		}
	}
	if end.IsZero() {
		return nil
	}
	return r.fill(end)
}

// Emitted reports how many candles have been handed to the emit function.
func (r *Resampler) Emitted() int {
	return r.emitted
}

func (r *Resampler) flush() error {
	c := *r.current
	r.current = nil
	if err := r.send(c); err != nil {
		return err
	}
	r.lastClose = c.Close
	r.haveClose = true
	r.cursor = c.Timestamp.Add(r.width)
	return nil
}

// fill emits carried candles for every empty bucket in [cursor, until).
func (r *Resampler) fill(until time.Time) error {
	if r.policy == EmptyCarry && r.haveClose {
		for t := r.cursor; t.Before(until); t = t.Add(r.width) {
			if err := r.send(models.Flat(r.symbol, t, r.lastClose)); err != nil {
				return err
			}
		}
	}
	if until.After(r.cursor) {
		r.cursor = until
	}
	return nil
}

func (r *Resampler) send(c models.Candle) error {
	if err := r.emit(c); err != nil {
		return err
	}
	r.emitted++
	return nil
}
