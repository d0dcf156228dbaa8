// Package logctx carries a zerolog logger through context.Context.
//
// Each command attaches a run-scoped logger once:
//
//	ctx = logctx.WithRun(ctx, logging.WithPhase("bundle"))
//
// and units of work enrich it before fanning out:
//
//	dctx := logctx.WithDataset(ctx, "000003")
//	log := logctx.FromContext(dctx)
//	log.Info().Msg("summarizing")
package logctx

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type loggerKey struct{}

type runIDKey struct{}

var (
	defaultLogger     zerolog.Logger
	defaultLoggerOnce sync.Once
)

func initDefaultLogger() {
	defaultLoggerOnce.Do(func() {
		defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
}

// DefaultLogger returns the logger used when the context carries none.
// It writes JSON to stderr with timestamps.
func DefaultLogger() zerolog.Logger {
	initDefaultLogger()
	return defaultLogger
}

// SetDefaultLogger overrides the default logger. Call it only during
// initialization; it is not safe to call concurrently with FromContext.
func SetDefaultLogger(l zerolog.Logger) {
	initDefaultLogger()
	defaultLogger = l
}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context, falling back to the
// default logger. It never returns a zero-value logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// WithRun attaches logger to ctx with a freshly generated run_id field.
// The run id is also retrievable through RunID.
func WithRun(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	ctx = context.WithValue(ctx, runIDKey{}, id)
	return WithLogger(ctx, logger.With().Str("run_id", id).Logger())
}

// RunID returns the run id attached by WithRun, or "" if none.
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// WithStr returns a new context whose logger has the string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithInt returns a new context whose logger has the int field added.
func WithInt(ctx context.Context, key string, value int) context.Context {
	logger := FromContext(ctx).With().Int(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithDataset tags the context logger with a dataset id.
func WithDataset(ctx context.Context, datasetID string) context.Context {
	return WithStr(ctx, "dataset", datasetID)
}

// WithObjectKey tags the context logger with an extraction object key.
func WithObjectKey(ctx context.Context, objectKey string) context.Context {
	return WithStr(ctx, "object_key", objectKey)
}
