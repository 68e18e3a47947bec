package observability

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	// RunIDKey is the context key for the invocation ID
	RunIDKey contextKey = "run-id"

	// PluginKeyKey is the context key for the plugin currently executing
	PluginKeyKey contextKey = "plugin-key"
)

// RunIDHeader carries the invocation ID on outbound requests
const RunIDHeader = "X-Hostwatch-Run-Id"

// WithRunID adds an invocation ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the invocation ID from the context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// WithPluginKey adds the executing plugin's record key to the context
func WithPluginKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, PluginKeyKey, key)
}

// GetPluginKey retrieves the executing plugin's record key from the context
func GetPluginKey(ctx context.Context) string {
	if key, ok := ctx.Value(PluginKeyKey).(string); ok {
		return key
	}
	return ""
}

// GenerateRunID generates a new invocation ID
func GenerateRunID() string {
	return uuid.New().String()
}

// ContextLogger returns a logger annotated with the IDs found in ctx
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if runID := GetRunID(ctx); runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	if key := GetPluginKey(ctx); key != "" {
		fields = append(fields, zap.String("plugin", key))
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		fields = append(fields, zap.String("trace_id", span.SpanContext().TraceID().String()))
	}

	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
