// Package updater brings the local store up to date with the provider for a
// symbol and an inclusive range of UTC days.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/aggregate"
	apperrors "github.com/johnayoung/tamagoyaki/internal/errors"
	"github.com/johnayoung/tamagoyaki/internal/exchange"
	"github.com/johnayoung/tamagoyaki/internal/gaps"
	"github.com/johnayoung/tamagoyaki/internal/logger"
	"github.com/johnayoung/tamagoyaki/internal/models"
	"github.com/johnayoung/tamagoyaki/internal/storage"
)

// Store is the part of the storage layer the updater writes to.
type Store interface {
	storage.CandleStorer
	storage.SyncLedger
}

// UpdateRequest names the symbol and days to synchronize.
type UpdateRequest struct {
	Symbol string
	Range  models.DateRange

	// Force refetches days that are already synced. Existing records are
	// kept; only missing timestamps are inserted.
	Force bool
}

// Validate normalizes the symbol and checks the range.
func (r *UpdateRequest) Validate() error {
	symbol, err := models.NormalizeSymbol(r.Symbol)
	if err != nil {
		return err
	}
	r.Symbol = symbol
	return r.Range.Validate()
}

// UpdateReport summarizes one Update call.
type UpdateReport struct {
	Symbol          string
	Range           models.DateRange
	DaysRequested   int
	DaysSkipped     int // already synced and not forced
	DaysFetched     int
	DaysUnavailable int // no archive at the provider
	Unavailable     []time.Time
	TradesFetched   int
	RecordsInserted int
	Duration        time.Duration
}

// Updater fetches missing days from a TradeSource and writes them to a Store.
type Updater struct {
	store    Store
	source   exchange.TradeSource
	detector *gaps.Detector
	logger   *slog.Logger
}

// New creates an updater.
func New(store Store, source exchange.TradeSource, log *slog.Logger) *Updater {
	if log == nil {
		log = slog.Default()
	}
	return &Updater{
		store:    store,
		source:   source,
		detector: gaps.NewDetector(store, log),
		logger:   log,
	}
}

// Update ensures the store holds every raw record the provider has for the
// request's days. Days are committed one at a time, so a failure part way
// through leaves the earlier days synced and nothing partial.
func (u *Updater) Update(ctx context.Context, req UpdateRequest) (*UpdateReport, error) {
	startTime := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx = logger.WithSymbol(ctx, req.Symbol)
	days := req.Range.Days()
	report := &UpdateReport{
		Symbol:        req.Symbol,
		Range:         req.Range,
		DaysRequested: len(days),
	}

	u.logger.InfoContext(ctx, "starting update",
		"range", req.Range.String(),
		"days", len(days),
		"force", req.Force)

	missing, err := u.detector.MissingDays(ctx, req.Symbol, days)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "updater", "coverage")
	}
	previouslySynced := len(days) - len(missing)

	toFetch := missing
	if req.Force {
		toFetch = days
	}
	report.DaysSkipped = len(days) - len(toFetch)

	if len(missing) > 0 {
		for _, g := range gaps.Collapse(missing) {
			u.logger.DebugContext(ctx, "unsynced range", "gap", g.String())
		}
	}

	for i, day := range toFetch {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		dayCtx := logger.WithDay(ctx, day)
		inserted, trades, err := u.syncDay(dayCtx, req.Symbol, day)
		if errors.Is(err, exchange.ErrDayNotFound) {
			u.logger.WarnContext(dayCtx, "no archive for day, skipping")
			report.DaysUnavailable++
			report.Unavailable = append(report.Unavailable, day)
			continue
		}
		if err != nil {
			report.Duration = time.Since(startTime)
			return report, err
		}

		report.DaysFetched++
		report.TradesFetched += trades
		report.RecordsInserted += inserted

		u.logger.InfoContext(dayCtx, "day synced",
			"progress", fmt.Sprintf("%d/%d", i+1, len(toFetch)),
			"trades", trades,
			"inserted", inserted)
	}

	report.Duration = time.Since(startTime)

	if len(toFetch) > 0 && report.DaysUnavailable == len(toFetch) && previouslySynced == 0 {
		return report, apperrors.InvalidArgument(
			"unknown symbol %s: the provider has no data for %s", req.Symbol, req.Range)
	}

	u.logger.InfoContext(ctx, "update completed",
		"days_fetched", report.DaysFetched,
		"days_skipped", report.DaysSkipped,
		"days_unavailable", report.DaysUnavailable,
		"records_inserted", report.RecordsInserted,
		"duration", report.Duration)

	return report, nil
}

// syncDay downloads, aggregates and stores one day.
func (u *Updater) syncDay(ctx context.Context, symbol string, day time.Time) (inserted, trades int, err error) {
	fetched, err := u.source.FetchTrades(ctx, symbol, day)
	if err != nil {
		if errors.Is(err, exchange.ErrDayNotFound) {
			return 0, 0, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, 0, ctxErr
		}
		if !errors.Is(err, apperrors.ErrDataProvider) {
			err = apperrors.Wrap(err, apperrors.ErrorTypeDataProvider, "updater", "fetch")
		}
		return 0, 0, fmt.Errorf("fetch %s: %w", day.Format(models.DateLayout), err)
	}

	candles, err := aggregate.FromTrades(symbol, fetched)
	if err != nil {
		return 0, 0, apperrors.Wrap(fmt.Errorf("aggregate %s: %w", day.Format(models.DateLayout), err),
			apperrors.ErrorTypeDataProvider, "updater", "aggregate")
	}

	err = logger.LogOperation(ctx, u.logger, "store_day", func(ctx context.Context) error {
		var storeErr error
		inserted, storeErr = u.store.StoreDay(ctx, symbol, day, candles)
		return storeErr
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, 0, ctxErr
		}
		return 0, 0, fmt.Errorf("store %s: %w", day.Format(models.DateLayout), err)
	}

	return inserted, len(fetched), nil
}
