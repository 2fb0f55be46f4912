// tamagoyaki keeps a local store of 1-second OHLCV records built from the
// Bybit public trade archive and exports them as candlestick CSV files.
//
// Usage:
//
//	tamagoyaki update   BTCUSDT 20240101 20240103
//	tamagoyaki generate BTCUSDT 20240101 20240103 60
//	tamagoyaki status   BTCUSDT
//
// For detailed help on any command, use: tamagoyaki help <command>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnayoung/tamagoyaki/internal/aggregate"
	"github.com/johnayoung/tamagoyaki/internal/config"
	apperrors "github.com/johnayoung/tamagoyaki/internal/errors"
	"github.com/johnayoung/tamagoyaki/internal/exchange"
	"github.com/johnayoung/tamagoyaki/internal/exporter"
	"github.com/johnayoung/tamagoyaki/internal/gaps"
	"github.com/johnayoung/tamagoyaki/internal/logger"
	"github.com/johnayoung/tamagoyaki/internal/models"
	"github.com/johnayoung/tamagoyaki/internal/storage"
	"github.com/johnayoung/tamagoyaki/internal/updater"
)

// CLI version information
const (
	Version = "0.1.0"
	AppName = "tamagoyaki"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitProviderError = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// CLI holds everything one invocation needs. It is built after the arguments
// are validated and released by close on every exit path.
type CLI struct {
	config *config.AppConfig
	logs   *logger.LoggerManager
	logger *slog.Logger
	store  storage.Store
	source exchange.TradeSource
	stdout io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return runContext(ctx, args, stdout, stderr)
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return ExitUsageError
	}

	command, rest := args[0], args[1:]

	var (
		configPath string
		execute    func(context.Context, *CLI) error
	)

	switch command {
	case "update":
		parsed, err := parseUpdateArgs(rest)
		if err != nil {
			return usageFailure(stdout, stderr, command, err)
		}
		configPath = parsed.ConfigPath
		execute = func(ctx context.Context, cli *CLI) error { return cli.handleUpdate(ctx, parsed) }
	case "generate":
		parsed, err := parseGenerateArgs(rest)
		if err != nil {
			return usageFailure(stdout, stderr, command, err)
		}
		configPath = parsed.ConfigPath
		execute = func(ctx context.Context, cli *CLI) error { return cli.handleGenerate(ctx, parsed) }
	case "status":
		parsed, err := parseStatusArgs(rest)
		if err != nil {
			return usageFailure(stdout, stderr, command, err)
		}
		configPath = parsed.ConfigPath
		execute = func(ctx context.Context, cli *CLI) error { return cli.handleStatus(ctx, parsed) }
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "--help", "-h", "help":
		if len(rest) > 0 {
			if !printCommandHelp(stdout, rest[0]) {
				fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", rest[0])
				printUsage(stderr)
				return ExitUsageError
			}
			return ExitSuccess
		}
		printUsage(stdout)
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	cli, err := newCLI(ctx, configPath, stdout)
	if err != nil {
		code := exitCode(ctx, err)
		if code == ExitInterrupt {
			fmt.Fprintln(stderr, "Interrupted")
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return code
	}
	defer cli.close()

	ctx = logger.WithRunID(ctx, logger.NewRunID())
	ctx = logger.WithCommand(ctx, command)

	cli.logger.InfoContext(ctx, "command started", "args", describeArgs(command, rest), "version", Version)
	start := time.Now()

	if err := execute(ctx, cli); err != nil {
		code := exitCode(ctx, err)
		if code == ExitInterrupt {
			cli.logger.WarnContext(ctx, "command interrupted", "duration", time.Since(start))
			fmt.Fprintln(stderr, "Interrupted")
		} else {
			cli.logger.ErrorContext(ctx, "command failed", "error", err, "exit_code", code, "duration", time.Since(start))
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return code
	}

	cli.logger.InfoContext(ctx, "command completed", "duration", time.Since(start))
	return ExitSuccess
}

func usageFailure(stdout, stderr io.Writer, command string, err error) int {
	if errors.Is(err, errHelp) {
		printCommandHelp(stdout, command)
		return ExitSuccess
	}
	fmt.Fprintf(stderr, "Error: %v\n\nRun '%s help %s' for usage.\n", err, AppName, command)
	return ExitUsageError
}

// exitCode maps an error to the documented exit codes.
func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return ExitInterrupt
	case errors.Is(err, apperrors.ErrConfiguration):
		return ExitConfigError
	case errors.Is(err, apperrors.ErrDataProvider):
		return ExitProviderError
	case errors.Is(err, apperrors.ErrNoData), errors.Is(err, apperrors.ErrStorage):
		return ExitDataError
	case errors.Is(err, apperrors.ErrInvalidArgument), errors.Is(err, apperrors.ErrRange):
		return ExitUsageError
	default:
		return ExitDataError
	}
}

// newCLI loads configuration, sets up logging and opens the store.
func newCLI(ctx context.Context, configPath string, stdout io.Writer) (*CLI, error) {
	cfg, err := config.NewConfigManager(configPath, nil).LoadConfig()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeConfiguration, "cli", "load_config")
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeConfiguration, "cli", "setup_logging")
	}

	cli := &CLI{
		config: cfg,
		logs:   logs,
		logger: logs.GetLogger(),
		stdout: stdout,
	}

	store, err := storage.New(cfg.Storage, logs.GetComponentLogger("storage").Logger)
	if err != nil {
		cli.close()
		return nil, err
	}
	cli.store = store

	if err := store.Initialize(ctx); err != nil {
		cli.close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	cli.logger.Debug("configuration loaded", "config", cfg.String())

	source := exchange.NewBybitArchive(cfg.Exchange, logs.GetComponentLogger("exchange").Logger)
	limits := source.GetLimits()
	cli.logger.Debug("trade source ready",
		"base_url", cfg.Exchange.BaseURL,
		"requests_per_minute", limits.RequestsPerMinute,
		"min_interval", limits.Interval())
	cli.source = source
	return cli, nil
}

// close releases the store and the log writer. Safe to call on a partially
// built CLI.
func (cli *CLI) close() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil && cli.logger != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
		cli.store = nil
	}
	if cli.logs != nil {
		_ = cli.logs.Close()
		cli.logs = nil
	}
}

// handleUpdate handles the 'update' command
func (cli *CLI) handleUpdate(ctx context.Context, args *UpdateArgs) error {
	u := updater.New(cli.store, cli.source, cli.logs.GetComponentLogger("updater").Logger)

	report, err := u.Update(ctx, updater.UpdateRequest{
		Symbol: args.Symbol,
		Range:  args.Range,
		Force:  args.Force,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.stdout, "Updated %s %s: %d days fetched, %d already synced, %d unavailable, %d records inserted (%s)\n",
		report.Symbol, report.Range,
		report.DaysFetched, report.DaysSkipped, report.DaysUnavailable,
		report.RecordsInserted, report.Duration.Round(time.Millisecond))
	for _, g := range gaps.Collapse(report.Unavailable) {
		fmt.Fprintf(cli.stdout, "  no archive: %s\n", g)
	}
	return nil
}

// handleGenerate handles the 'generate' command
func (cli *CLI) handleGenerate(ctx context.Context, args *GenerateArgs) error {
	req := exporter.GenerateRequest{
		Symbol:        args.Symbol,
		Range:         args.Range,
		BucketSeconds: args.BucketSeconds,
		OutputDir:     args.OutputDir,
		EmptyBuckets:  args.EmptyBuckets,
	}
	if req.OutputDir == "" {
		req.OutputDir = cli.config.Export.OutputDir
	}
	if req.EmptyBuckets == "" {
		req.EmptyBuckets = aggregate.EmptyPolicy(cli.config.Export.EmptyBuckets)
	}

	exp := exporter.New(cli.store, cli.logs.GetComponentLogger("exporter").Logger)
	result, err := exp.Generate(ctx, req)
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.stdout, "Wrote %s: %d rows from %d records\n", result.Path, result.Rows, result.Records)
	return nil
}

// handleStatus handles the 'status' command
func (cli *CLI) handleStatus(ctx context.Context, args *StatusArgs) error {
	var r models.DateRange
	if args.Range != nil {
		r = *args.Range
	} else {
		synced, err := cli.store.SyncedDays(ctx, args.Symbol, time.Unix(0, 0).UTC(), models.TruncateDay(time.Now()).Add(models.Day))
		if err != nil {
			return err
		}
		if len(synced) == 0 {
			fmt.Fprintf(cli.stdout, "%s: no synced days\n", args.Symbol)
			return nil
		}
		r = models.DateRange{First: synced[0].Day, Last: synced[len(synced)-1].Day}
	}

	synced, err := cli.store.SyncedDays(ctx, args.Symbol, r.Start(), r.End())
	if err != nil {
		return err
	}
	var records int64
	for _, sd := range synced {
		records += sd.Records
	}

	detector := gaps.NewDetector(cli.store, cli.logs.GetComponentLogger("gaps").Logger)
	missing, err := detector.Gaps(ctx, args.Symbol, r)
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.stdout, "%s %s: %d of %d days synced, %d records\n",
		args.Symbol, r, len(synced), len(r.Days()), records)
	if len(missing) == 0 {
		fmt.Fprintln(cli.stdout, "  no gaps")
	}
	for _, g := range missing {
		fmt.Fprintf(cli.stdout, "  missing: %s\n", g)
	}

	if err := cli.store.HealthCheck(ctx); err != nil {
		return err
	}
	stats, err := cli.store.GetStats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout, "store: %s (healthy), %d records across %d symbols, %d synced days\n",
		stats.Backend, stats.TotalCandles, stats.TotalSymbols, stats.SyncedDays)
	return nil
}
