package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/models"
	"github.com/johnayoung/tamagoyaki/internal/storage"
)

// Detector compares requested days against the synced-day ledger.
type Detector struct {
	ledger storage.SyncLedger
	logger *slog.Logger
}

// NewDetector creates a detector over the given ledger.
func NewDetector(ledger storage.SyncLedger, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		ledger: ledger,
		logger: logger.With("component", "gap_detector"),
	}
}

// MissingDays returns the days of days that have no ledger entry for symbol,
// in ascending order.
func (d *Detector) MissingDays(ctx context.Context, symbol string, days []time.Time) ([]time.Time, error) {
	if len(days) == 0 {
		return nil, nil
	}

	first, last := days[0], days[0]
	for _, day := range days[1:] {
		if day.Before(first) {
			first = day
		}
		if day.After(last) {
			last = day
		}
	}

	synced, err := d.ledger.SyncedDays(ctx, symbol, models.TruncateDay(first), models.TruncateDay(last).Add(models.Day))
	if err != nil {
		return nil, fmt.Errorf("failed to read synced days: %w", err)
	}

	covered := make(map[int64]bool, len(synced))
	for _, sd := range synced {
		covered[sd.Day.Unix()] = true
	}

	var missing []time.Time
	for _, g := range Collapse(days) {
		for day := g.Start; !day.After(g.End); day = day.Add(models.Day) {
			if !covered[day.Unix()] {
				missing = append(missing, day)
			}
		}
	}

	d.logger.DebugContext(ctx, "coverage checked",
		"symbol", symbol,
		"requested", len(days),
		"synced", len(days)-len(missing),
		"missing", len(missing))

	return missing, nil
}

// Gaps returns the unsynced ranges of r for symbol.
func (d *Detector) Gaps(ctx context.Context, symbol string, r models.DateRange) ([]Gap, error) {
	missing, err := d.MissingDays(ctx, symbol, r.Days())
	if err != nil {
		return nil, err
	}
	return Collapse(missing), nil
}
