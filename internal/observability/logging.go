package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/jornada/internal/config"
	"github.com/pitabwire/jornada/model"
)

// ServiceName tags every log line and the tracing resource.
const ServiceName = "jornada"

// NewLogger builds the process logger: JSON on stdout, ISO-8601 timestamps,
// tagged with the service name and build version. An unknown level falls back
// to info.
//
// Engine code logs at info for instance and plan lifecycle changes, warn for
// billing rule errors, undelivered notifications and per-plan sweep failures,
// and error for infrastructure failures only.
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

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", ServiceName), zap.String("version", Version)), nil
}

// RequestFields returns the attribution fields carried by ctx: actor,
// correlation id and, when sampled, the trace id.
func RequestFields(ctx context.Context) []zap.Field {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 3)
	if rctx.ActorID != "" {
		fields = append(fields, zap.String("actor_id", rctx.ActorID))
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}
