package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldJobType   = "job_type"
	FieldWorkerID  = "worker_id"
	FieldClientID  = "client_id"
	FieldRequestID = "request_id"

	// Generation
	FieldSection     = "section"
	FieldOrderIndex  = "order_index"
	FieldFingerprint = "fingerprint"
	FieldModel       = "model"
	FieldProvider    = "provider"

	// Ledger
	FieldScope  = "scope"
	FieldTokens = "tokens"
	FieldCost   = "cost"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts and status
	FieldCount   = "count"
	FieldAttempt = "attempt"
	FieldStatus  = "status"

	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with job_id, request_id and component
// from ctx. A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	pool := &WorkerPool{logger: logger.ComponentLogger("pulse.worker")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
