// Package logger provides structured logging with context propagation for tamagoyaki.
// This module implements context-aware logging using the standard library's slog package,
// with per-invocation run ids, component-specific loggers, and rotating file output.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/tamagoyaki/internal/config"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// RunIDKey identifies one CLI invocation
	RunIDKey ContextKey = "run_id"
	// CommandKey is the context key for the subcommand name
	CommandKey ContextKey = "command"
	// OperationKey is the context key for operation name
	OperationKey ContextKey = "operation"
	// SymbolKey is the context key for the instrument symbol
	SymbolKey ContextKey = "symbol"
	// DayKey is the context key for the UTC day being processed
	DayKey ContextKey = "day"
)

var contextKeys = []ContextKey{RunIDKey, CommandKey, OperationKey, SymbolKey, DayKey}

// LoggerManager manages structured logging for the application
type LoggerManager struct {
	baseLogger     *slog.Logger
	config         config.LoggingConfig
	writer         io.WriteCloser
	componentCache map[string]*slog.Logger
}

// ComponentLogger represents a logger for a specific component
type ComponentLogger struct {
	*slog.Logger
}

// NewLoggerManager creates a new logger manager with the specified configuration
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return NewLoggerManagerWithWriter(cfg, writer), nil
}

// NewLoggerManagerWithWriter builds a manager on an existing writer. The
// manager takes ownership and closes it on Close.
func NewLoggerManagerWithWriter(cfg config.LoggingConfig, writer io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Level),
		AddSource: strings.EqualFold(cfg.Level, "debug"),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &LoggerManager{
		baseLogger:     slog.New(&contextHandler{Handler: handler}),
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}
}

// createWriter creates the appropriate writer based on configuration
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stdout":
		return nopWriteCloser{os.Stdout}, nil
	case "stderr", "":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}

		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
}

// nopWriteCloser wraps an io.Writer to provide a Close method
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NopCloser adapts a plain writer, such as a test buffer, for NewLoggerManagerWithWriter.
func NopCloser(w io.Writer) io.WriteCloser {
	return nopWriteCloser{w}
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler copies the run-scoped context values onto every record
// logged through the *Context methods.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		for _, key := range contextKeys {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				r.AddAttrs(slog.String(string(key), v))
			}
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// GetLogger returns the base logger instance
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.baseLogger
}

// GetComponentLogger returns a logger for the specified component
func (lm *LoggerManager) GetComponentLogger(component string) *ComponentLogger {
	if cached, exists := lm.componentCache[component]; exists {
		return &ComponentLogger{Logger: cached}
	}

	componentLogger := lm.baseLogger.With(slog.String("component", component))
	lm.componentCache[component] = componentLogger

	return &ComponentLogger{Logger: componentLogger}
}

// Close closes the logger and any associated resources
func (lm *LoggerManager) Close() error {
	if lm.writer != nil {
		return lm.writer.Close()
	}
	return nil
}

// NewRunID returns a fresh identifier for one invocation.
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithCommand adds the subcommand name to the context
func WithCommand(ctx context.Context, command string) context.Context {
	return context.WithValue(ctx, CommandKey, command)
}

// WithOperation adds an operation name to the context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// WithSymbol adds a symbol to the context
func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, SymbolKey, symbol)
}

// WithDay adds a UTC day, formatted YYYY-MM-DD, to the context
func WithDay(ctx context.Context, day time.Time) context.Context {
	return context.WithValue(ctx, DayKey, day.UTC().Format(time.DateOnly))
}

// LogOperation runs fn with the operation name attached to its context and
// logs the outcome with timing. Failures are logged at error level and
// returned unchanged.
func LogOperation(ctx context.Context, log *slog.Logger, operation string, fn func(ctx context.Context) error) error {
	ctx = WithOperation(ctx, operation)
	start := time.Now()
	log.DebugContext(ctx, "operation started")

	err := fn(ctx)
	duration := time.Since(start)

	if err != nil {
		log.ErrorContext(ctx, "operation failed",
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return err
	}

	log.InfoContext(ctx, "operation completed", slog.Duration("duration", duration))
	return nil
}
