// Package log provides structured logging utilities for the bridgepool services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// Context keys read by WithContext.
const (
	RequestIDKey ctxKey = "request_id"
	TransferKey  ctxKey = "transfer_id"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests and
// by library callers that pass a nil logger.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "nop", "", "error", "json")
}

// ParseLevel maps a config string onto a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Service returns the service name the logger was built for
func (l *Logger) Service() string { return l.service }

// WithContext returns a logger with request-scoped fields from ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With("request_id", reqID)
	}
	if id := ctx.Value(TransferKey); id != nil {
		logger = logger.With("transfer_id", id)
	}
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithTransfer returns a logger scoped to one bridge transfer
func (l *Logger) WithTransfer(transferID string, sourceChain, destChain uint32) *Logger {
	return l.WithFields("transfer_id", transferID, "source_chain", sourceChain, "dest_chain", destChain)
}

// WithValidator returns a logger scoped to one validator
func (l *Logger) WithValidator(validatorID string) *Logger {
	return l.WithFields("validator_id", validatorID)
}

// WithChain returns a logger scoped to one chain
func (l *Logger) WithChain(chainID uint32) *Logger {
	return l.WithFields("chain_id", chainID)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(minerID string) *Logger {
	return l.WithFields("miner_id", minerID)
}

// WithPeriod returns a logger scoped to one reward period
func (l *Logger) WithPeriod(periodID uint64) *Logger {
	return l.WithFields("period_id", periodID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", d.Nanoseconds(),
		"duration_ms", float64(d.Nanoseconds())/1e6,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, d time.Duration) {
	if d <= 0 {
		return
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", d.Nanoseconds(),
		"throughput_ops_sec", float64(count)/d.Seconds(),
	)
}

// LogTransition logs a transfer status change
func (l *Logger) LogTransition(transferID, from, to string) {
	l.Info("transfer transition",
		"transfer_id", transferID,
		"from", from,
		"to", to,
	)
}

// LogShareSubmission logs share submissions
func (l *Logger) LogShareSubmission(minerID, jobID string, difficulty float64, status string) {
	l.Debug("share submission",
		"miner_id", minerID,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogDistribution logs the outcome of a period payout
func (l *Logger) LogDistribution(periodID uint64, paid, carried int, fee uint64) {
	l.Info("period distributed",
		"period_id", periodID,
		"paid_miners", paid,
		"carried_miners", carried,
		"fee", fee,
	)
}

// LogJobAnnouncement logs a job published for share validation
func (l *Logger) LogJobAnnouncement(jobID string, blockHeight int64, cleanJobs bool, txCount int) {
	l.Info("job announced",
		"job_id", jobID,
		"block_height", blockHeight,
		"clean_jobs", cleanJobs,
		"tx_count", txCount,
	)
}
