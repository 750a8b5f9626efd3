package logging

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// Logger writes telemetry events through the logger carried by the context.
type Logger struct {
	logFn func(ctx context.Context, msg string, args ...any)
}

func NewLogger() *Logger {
	return &Logger{
		logFn: func(ctx context.Context, msg string, args ...any) {
			logr.FromContextOrDiscard(ctx).V(0).Info(msg, args...)
		},
	}
}

// NewLoggerWithBuild wraps a zap logger, tagging every entry with the build version when it is known.
func NewLoggerWithBuild(zl *zap.Logger, buildVersion string) logr.Logger {
	logger := zapr.NewLogger(zl)
	if buildVersion != "" {
		logger = logger.WithValues("serviceBuild", buildVersion)
	}
	return logger
}

func (l *Logger) Log(ctx context.Context, msg string, field ...any) {
	enrichedFields := []any{"timestamp", time.Now()}
	enrichedFields = append(enrichedFields, field...)
	l.logFn(ctx, msg, enrichedFields...)
}

func (l *Logger) WithLogFn(fn func(ctx context.Context, msg string, args ...any)) *Logger {
	l.logFn = fn
	return l
}
