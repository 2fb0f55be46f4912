// Package exporter resamples stored raw records into fixed-width candlesticks
// and writes them to a CSV file.
package exporter

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/aggregate"
	apperrors "github.com/johnayoung/tamagoyaki/internal/errors"
	"github.com/johnayoung/tamagoyaki/internal/logger"
	"github.com/johnayoung/tamagoyaki/internal/models"
	"github.com/johnayoung/tamagoyaki/internal/storage"
)

const secondsPerDay = 86400

// Header is the first row of every export.
var Header = []string{"timestamp", "open", "high", "low", "close", "volume", "buy_volume", "sell_volume", "trades"}

// GenerateRequest describes one export.
type GenerateRequest struct {
	Symbol        string
	Range         models.DateRange
	BucketSeconds int
	OutputDir     string
	EmptyBuckets  aggregate.EmptyPolicy
}

// Validate normalizes the symbol and policy and checks the bucket width. A
// bucket must divide a day evenly so that buckets line up with day boundaries.
func (r *GenerateRequest) Validate() error {
	symbol, err := models.NormalizeSymbol(r.Symbol)
	if err != nil {
		return err
	}
	r.Symbol = symbol

	if err := r.Range.Validate(); err != nil {
		return err
	}

	if r.BucketSeconds <= 0 {
		return apperrors.InvalidArgument("bucket must be a positive number of seconds, got %d", r.BucketSeconds)
	}
	if secondsPerDay%r.BucketSeconds != 0 {
		return apperrors.InvalidArgument("bucket %ds does not divide a day (86400s) evenly", r.BucketSeconds)
	}

	policy, err := aggregate.ParseEmptyPolicy(string(r.EmptyBuckets))
	if err != nil {
		return err
	}
	r.EmptyBuckets = policy
	return nil
}

// Bucket returns the bucket width as a duration.
func (r *GenerateRequest) Bucket() time.Duration {
	return time.Duration(r.BucketSeconds) * time.Second
}

// FileName is the deterministic export name:
// <SYMBOL>_<YYYYMMDD>_<YYYYMMDD>_<BUCKET>s.csv
func (r *GenerateRequest) FileName() string {
	return fmt.Sprintf("%s_%s_%s_%ds.csv", r.Symbol,
		r.Range.First.Format(models.DateLayout), r.Range.Last.Format(models.DateLayout), r.BucketSeconds)
}

// ExportResult describes a written export.
type ExportResult struct {
	Path     string
	Rows     int // candlesticks written
	Records  int // raw records read
	Carried  bool
	Duration time.Duration
}

// Exporter reads raw records and writes candlestick CSVs. It never writes to
// the store.
type Exporter struct {
	store  storage.CandleReader
	logger *slog.Logger
}

// New creates an exporter over a candle reader.
func New(store storage.CandleReader, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{store: store, logger: log}
}

// Generate writes one CSV for the request. When the range holds no stored
// records it returns an error matching apperrors.ErrNoData and leaves no file.
func (e *Exporter) Generate(ctx context.Context, req GenerateRequest) (*ExportResult, error) {
	startTime := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = logger.WithSymbol(ctx, req.Symbol)

	dir := req.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeInvalidArgument, "exporter", "generate",
			"cannot create output directory %s: %v", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tamagoyaki-*.csv.tmp")
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeInvalidArgument, "exporter", "generate",
			"cannot write to output directory %s: %v", dir, err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := csv.NewWriter(tmp)
	if err := w.Write(Header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	result := &ExportResult{}
	resampler, err := aggregate.NewResampler(req.Symbol, req.Bucket(), req.EmptyBuckets, func(c models.Candle) error {
		return w.Write(formatRow(c))
	})
	if err != nil {
		return nil, err
	}

	if req.EmptyBuckets == aggregate.EmptyCarry {
		prev, err := e.store.LatestBefore(ctx, req.Symbol, req.Range.Start())
		if err != nil {
			return nil, fmt.Errorf("failed to read previous close: %w", err)
		}
		if prev != nil {
			resampler.Seed(prev.Close, req.Range.Start())
			result.Carried = true
		}
	}

	for _, day := range req.Range.Days() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.store.Query(ctx, storage.QueryRequest{
			Symbol: req.Symbol,
			Start:  day,
			End:    day.Add(models.Day),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", day.Format(models.DateLayout), err)
		}

		for _, c := range resp.Candles {
			if err := resampler.Add(c); err != nil {
				return nil, fmt.Errorf("failed to resample %s: %w", day.Format(models.DateLayout), err)
			}
		}
		result.Records += len(resp.Candles)

		e.logger.DebugContext(logger.WithDay(ctx, day), "day resampled",
			"records", len(resp.Candles),
			"rows", resampler.Emitted())
	}

	if result.Records == 0 {
		return nil, apperrors.New(apperrors.ErrorTypeNoData, "exporter", "generate",
			"no stored records for %s in %s; run update first", req.Symbol, req.Range)
	}

	if err := resampler.Finish(req.Range.End()); err != nil {
		return nil, fmt.Errorf("failed to finish resampling: %w", err)
	}
	result.Rows = resampler.Emitted()

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}

	path := filepath.Join(dir, req.FileName())
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to move export into place: %w", err)
	}
	committed = true

	result.Path = path
	result.Duration = time.Since(startTime)

	e.logger.InfoContext(ctx, "export written",
		"path", path,
		"bucket_seconds", req.BucketSeconds,
		"empty_buckets", string(req.EmptyBuckets),
		"records", result.Records,
		"rows", result.Rows,
		"duration", result.Duration)

	return result, nil
}

func formatRow(c models.Candle) []string {
	return []string{
		c.Timestamp.UTC().Format(time.RFC3339),
		c.Open.String(),
		c.High.String(),
		c.Low.String(),
		c.Close.String(),
		c.Volume.String(),
		c.BuyVolume.String(),
		c.SellVolume.String(),
		strconv.FormatInt(c.Trades, 10),
	}
}
