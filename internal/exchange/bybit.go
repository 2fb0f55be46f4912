package exchange

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/johnayoung/tamagoyaki/internal/config"
	apperrors "github.com/johnayoung/tamagoyaki/internal/errors"
	"github.com/johnayoung/tamagoyaki/internal/models"
)

const (
	// DefaultBaseURL is Bybit's public trade archive.
	DefaultBaseURL = "https://public.bybit.com/trading"

	archiveDateLayout = "2006-01-02"

	retryMultiplier = 2.0
	retryJitter     = 0.5

	// Upper bound on a single archive, compressed.
	maxArchiveBytes = 512 << 20
)

var requiredColumns = []string{"timestamp", "side", "size", "price"}

// BybitArchive implements TradeSource over the daily gzip CSV files published
// at <base>/<SYMBOL>/<SYMBOL><YYYY-MM-DD>.csv.gz.
type BybitArchive struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	limits      RateLimit
	baseURL     string
	userAgent   string
	maxAttempts int
	initDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
}

// NewBybitArchive builds an archive client from the exchange configuration.
func NewBybitArchive(cfg config.ExchangeConfig, logger *slog.Logger) *BybitArchive {
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	limits := RateLimit{RequestsPerMinute: cfg.RateLimit, Burst: 1}
	limiter := rate.NewLimiter(rate.Inf, limits.Burst)
	if interval := limits.Interval(); interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), limits.Burst)
	}

	initDelay, maxDelay := cfg.RetryPolicy.Delays()
	attempts := cfg.RetryPolicy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &BybitArchive{
		httpClient: &http.Client{
			Timeout: cfg.TimeoutDuration(),
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: limiter,
		limits:      limits,
		baseURL:     baseURL,
		userAgent:   cfg.UserAgent,
		maxAttempts: attempts,
		initDelay:   initDelay,
		maxDelay:    maxDelay,
		logger:      logger.With("component", "bybit"),
	}
}

// GetLimits returns the configured request budget.
func (b *BybitArchive) GetLimits() RateLimit {
	return b.limits
}

// ArchiveURL returns the download location of one day's trades.
func (b *BybitArchive) ArchiveURL(symbol string, day time.Time) string {
	return fmt.Sprintf("%s/%s/%s%s.csv.gz", b.baseURL, symbol, symbol, day.UTC().Format(archiveDateLayout))
}

// FetchTrades implements TradeSource.
func (b *BybitArchive) FetchTrades(ctx context.Context, symbol string, day time.Time) ([]models.Trade, error) {
	if symbol == "" {
		return nil, apperrors.InvalidArgument("symbol is required")
	}
	day = day.UTC()
	if !day.Equal(models.TruncateDay(day)) {
		return nil, apperrors.InvalidArgument("day %s is not a UTC midnight", day.Format(time.RFC3339))
	}

	url := b.ArchiveURL(symbol, day)
	b.logger.DebugContext(ctx, "downloading trade archive", "url", url)

	body, err := b.download(ctx, url)
	if err != nil {
		if errors.Is(err, ErrDayNotFound) {
			return nil, fmt.Errorf("%s %s: %w", symbol, day.Format(archiveDateLayout), ErrDayNotFound)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDataProvider, "bybit", "fetch_trades")
	}

	trades, err := ParseArchive(bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(fmt.Errorf("failed to parse %s: %w", url, err),
			apperrors.ErrorTypeDataProvider, "bybit", "parse_archive")
	}

	archiveDay := models.DateRange{First: day, Last: day}
	kept := trades[:0]
	for _, t := range trades {
		if archiveDay.Contains(t.Timestamp) {
			kept = append(kept, t)
		}
	}
	if dropped := len(trades) - len(kept); dropped > 0 {
		b.logger.WarnContext(ctx, "dropped trades outside archive day", "dropped", dropped)
	}

	b.logger.DebugContext(ctx, "parsed trade archive", "trades", len(kept), "bytes", len(body))
	return kept, nil
}

// download GETs url with rate limiting and exponential backoff. Network
// errors, timeouts, 429 and 5xx are retried; 404 maps to ErrDayNotFound.
func (b *BybitArchive) download(ctx context.Context, url string) ([]byte, error) {
	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = b.initDelay
	backoffConfig.MaxInterval = b.maxDelay
	backoffConfig.Multiplier = retryMultiplier
	backoffConfig.RandomizationFactor = retryJitter
	backoffConfig.MaxElapsedTime = 0 // bounded by attempts and the context

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoffConfig, uint64(b.maxAttempts-1)), ctx)

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		if err := b.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if b.userAgent != "" {
			req.Header.Set("User-Agent", b.userAgent)
		}

		resp, err := b.httpClient.Do(req)
		if err != nil {
			classified := apperrors.Classify(fmt.Errorf("request failed: %w", err), "bybit", "download")
			if !classified.Retryable {
				return backoff.Permanent(classified)
			}
			b.logger.WarnContext(ctx, "request failed, retrying", "attempt", attempt, "error", err)
			return classified
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrDayNotFound)
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			b.logger.WarnContext(ctx, "rate limited", "attempt", attempt, "retry_after", retryAfter)
			if retryAfter > 0 {
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return apperrors.Classify(fmt.Errorf("rate limited: status %d", resp.StatusCode), "bybit", "download")
		case resp.StatusCode >= 500:
			b.logger.WarnContext(ctx, "server error, retrying", "attempt", attempt, "status", resp.StatusCode)
			return apperrors.Classify(fmt.Errorf("server error %d", resp.StatusCode), "bybit", "download")
		default:
			return backoff.Permanent(apperrors.Classify(
				fmt.Errorf("client error %d", resp.StatusCode), "bybit", "download"))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes))
		if err != nil {
			return apperrors.Classify(fmt.Errorf("failed to read response body: %w", err), "bybit", "download")
		}
		body = data
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

// ParseArchive decodes a Bybit trade archive. The input may be gzip
// compressed or plain CSV; columns are located by header name.
func ParseArchive(r io.Reader) ([]models.Trade, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	reader := csv.NewReader(src)
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("archive is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idx := make([]int, len(requiredColumns))
	for i, name := range requiredColumns {
		pos, ok := columns[name]
		if !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
		idx[i] = pos
	}

	var trades []models.Trade
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		trade, err := parseTrade(record, idx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		trades = append(trades, trade)
	}

	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})
	return trades, nil
}

func parseTrade(record []string, idx []int) (models.Trade, error) {
	field := func(i int) (string, error) {
		if idx[i] >= len(record) {
			return "", fmt.Errorf("missing %s", requiredColumns[i])
		}
		return strings.TrimSpace(record[idx[i]]), nil
	}

	var t models.Trade

	raw, err := field(0)
	if err != nil {
		return t, err
	}
	ts, err := parseUnixSeconds(raw)
	if err != nil {
		return t, err
	}
	t.Timestamp = ts

	if raw, err = field(1); err != nil {
		return t, err
	}
	switch models.Side(raw) {
	case models.SideBuy, models.SideSell:
		t.Side = models.Side(raw)
	default:
		return t, fmt.Errorf("unknown side %q", raw)
	}

	if raw, err = field(2); err != nil {
		return t, err
	}
	if t.Size, err = decimal.NewFromString(raw); err != nil {
		return t, fmt.Errorf("invalid size %q: %w", raw, err)
	}

	if raw, err = field(3); err != nil {
		return t, err
	}
	if t.Price, err = decimal.NewFromString(raw); err != nil {
		return t, fmt.Errorf("invalid price %q: %w", raw, err)
	}

	return t, t.Validate()
}

// parseUnixSeconds reads a fractional unix timestamp like "1704067200.5234"
// without going through float64.
func parseUnixSeconds(s string) (time.Time, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	nanos := d.Shift(9).IntPart()
	return time.Unix(0, nanos).UTC(), nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}

	return 0
}

var _ TradeSource = (*BybitArchive)(nil)
