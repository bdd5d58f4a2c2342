package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/autoflow/internal/config"
)

type (
	loggerKey      struct{}
	requestInfoKey struct{}
)

// RequestInfo carries the caller identity and correlation id of an API call.
type RequestInfo struct {
	UserID        string
	CorrelationID string
}

// NewLogger builds the process logger: JSON to stdout, ISO8601 timestamps,
// and a service field when one is configured. Unknown levels fall back to
// info.
//
// Levels: error for store failures and panics, warn for 4xx and open
// breakers, info for lifecycle and transitions, debug for guard and step
// detail.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		level = parsed
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder

	var opts []zap.Option
	if cfg.ServiceName != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.ServiceName)))
	}
	return zc.Build(opts...)
}

// WithLogger returns ctx carrying logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// WithRequestInfo returns ctx carrying info.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the RequestInfo in ctx.
func RequestInfoFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}

// RequestLogger tags the context logger with the caller, correlation id and
// trace id. Without RequestInfo it returns the logger unchanged.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	info, ok := RequestInfoFrom(ctx)
	if !ok {
		return logger
	}

	fields := make([]zap.Field, 0, 3)
	fields = append(fields,
		zap.String("user_id", info.UserID),
		zap.String("correlation_id", info.CorrelationID),
	)
	if id := TraceIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("trace_id", id))
	}
	return logger.With(fields...)
}
