// Package logging provides structured logging with trace/user context propagation.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	UserIDKey  ContextKey = "user_id"
	RoleKey    ContextKey = "role"
)

// Logger wraps logrus.Logger, tagging every entry with the owning service.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger for the given service, level, and format ("json" or "text").
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns an entry pre-populated with trace/user/role fields from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if userID, ok := ctx.Value(UserIDKey).(string); ok && userID != "" {
		entry = entry.WithField("user_id", userID)
	}
	if role, ok := ctx.Value(RoleKey).(string); ok && role != "" {
		entry = entry.WithField("role", role)
	}
	return entry
}

// WithFields returns an entry with the service tag plus the supplied fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError returns an entry carrying the service tag and the error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service}).WithError(err)
}

// WithTraceID adds a trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace id from the context, or "" if absent.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithUserID adds a user id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithRole adds a user role to the context.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}

// LogRequest logs a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogDatabaseQuery logs a database query outcome at debug (success) or error level.
func (l *Logger) LogDatabaseQuery(ctx context.Context, query string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"query":       query,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("database query failed")
		return
	}
	entry.Debug("database query executed")
}

// LogAudit records an audit-relevant action.
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit")
}

var defaultLogger *Logger

// InitDefault sets the process-wide default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the process-wide logger, initializing a fallback if needed.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("dragonfly-api", "info", "json")
	}
	return defaultLogger
}
