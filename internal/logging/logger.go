package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"go.opentelemetry.io/otel/trace"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	// FormatJSON outputs logs in JSON format
	FormatJSON LogFormat = "json"

	// FormatConsole outputs logs in a human-readable format
	FormatConsole LogFormat = "console"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Field names shared by every livesync log line
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldUserID    = "user_id"
	FieldRole      = "role"
	FieldResource  = "resource"
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"
)

// ServiceName is stamped on every line unless GlobalFields overrides it
const ServiceName = "livesync"

// Config contains logger configuration
type Config struct {
	// Logging level
	Level LogLevel

	// Output format (json or console)
	Format LogFormat

	// Whether to include caller information
	IncludeCaller bool

	// Whether to include stack traces for errors
	IncludeStacktrace bool

	// Whether request and context loggers carry trace_id and span_id
	IncludeTraceContext bool

	// Dashboard user the daemon refreshes for. Empty fields are omitted.
	UserID string
	Role   string

	// Output writer (defaults to os.Stdout)
	Output io.Writer

	// Additional global context fields
	GlobalFields map[string]string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Level:               LevelInfo,
		Format:              FormatJSON,
		IncludeCaller:       true,
		IncludeStacktrace:   true,
		IncludeTraceContext: true,
		Output:              os.Stdout,
		GlobalFields:        map[string]string{},
	}
}

var traceContext atomic.Bool

func init() {
	traceContext.Store(true)
}

// Setup configures global logging
func Setup(config Config) error {
	level, err := ParseLevel(string(config.Level))
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	if config.Format == FormatConsole {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	if config.IncludeStacktrace {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	}

	logger := zerolog.New(output).With().Timestamp()
	if config.IncludeCaller {
		logger = logger.Caller()
	}

	fields := map[string]string{FieldService: ServiceName}
	if config.UserID != "" {
		fields[FieldUserID] = config.UserID
	}
	if config.Role != "" {
		fields[FieldRole] = config.Role
	}
	for k, v := range config.GlobalFields {
		fields[k] = v
	}
	for k, v := range fields {
		logger = logger.Str(k, v)
	}

	log.Logger = logger.Logger()
	zerolog.SetGlobalLevel(level)
	traceContext.Store(config.IncludeTraceContext)

	return nil
}

// ParseLevel converts a level name to zerolog.Level. Empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch LogLevel(strings.ToLower(level)) {
	case "":
		return zerolog.InfoLevel, nil
	case LevelDebug:
		return zerolog.DebugLevel, nil
	case LevelInfo:
		return zerolog.InfoLevel, nil
	case LevelWarn:
		return zerolog.WarnLevel, nil
	case LevelError:
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// withTrace adds the span ids of ctx when trace context logging is on
func withTrace(ctx context.Context, c zerolog.Context) zerolog.Context {
	if !traceContext.Load() {
		return c
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		c = c.Str(FieldTraceID, sc.TraceID().String()).Str(FieldSpanID, sc.SpanID().String())
	}
	return c
}

// FromContext returns the context's logger with trace ids if available
func FromContext(ctx context.Context) zerolog.Logger {
	return withTrace(ctx, log.Ctx(ctx).With()).Logger()
}

// WithContext returns a context with the given logger attached
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// Component returns a logger with a component field
func Component(name string) zerolog.Logger {
	return log.With().Str(FieldComponent, name).Logger()
}

// ForResource returns the logger of one dashboard resource query
func ForResource(key string) zerolog.Logger {
	return log.With().Str(FieldComponent, "resource").Str(FieldResource, key).Logger()
}
