package config

import (
	"encoding/json"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/api/chi"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/backend"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/dashboard"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/liverefresh"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/logging"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/notifier"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/polling"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/storage"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/telemetry"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/transport"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// ToStorageFactoryConfig converts to storage factory config
func (c *Config) ToStorageFactoryConfig() storage.FactoryConfig {
	return storage.FactoryConfig{
		Type: storage.Type(c.Storage.Type),
		Config: storage.Config{
			DataDir:    c.Storage.DataDir,
			Capacity:   c.Storage.Capacity,
			Expiration: seconds(c.Storage.ExpirationSeconds),
			GCInterval: time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
			SyncWrites: c.Storage.SyncWrites,
		},
	}
}

// ToTransportConfig converts to push transport config
func (c *Config) ToTransportConfig() transport.Config {
	return transport.Config{
		URL:              c.Transport.URL,
		AppKey:           c.Transport.AppKey,
		AuthEndpoint:     c.Auth.Endpoint,
		HandshakeTimeout: millis(c.Transport.HandshakeTimeoutMs),
	}
}

// ToPollingConfig converts to polling fallback config
func (c *Config) ToPollingConfig() polling.Config {
	return polling.Config{
		Enabled:              c.LiveRefresh.PollingEnabled,
		Interval:             millis(c.LiveRefresh.PollIntervalMs),
		MaxConsecutiveErrors: c.LiveRefresh.MaxConsecutivePollErrors,
	}
}

// ToDashboardConfig converts to dashboard shell config
func (c *Config) ToDashboardConfig() dashboard.Config {
	return dashboard.Config{
		UserID:       c.User.ID,
		Role:         c.User.Role,
		SyncEnabled:  c.LiveRefresh.DashboardSyncEnabled,
		Transport:    c.ToTransportConfig(),
		AuthEndpoint: c.Auth.Endpoint,
		Event:        c.Transport.Event,
		Polling:      c.ToPollingConfig(),
		Registry: liverefresh.Config{
			DispatchTimeout: millis(c.LiveRefresh.DispatchTimeoutMs),
		},
	}
}

// ToBackendOptions converts to backend client options. The token source is
// added by the caller.
func (c *Config) ToBackendOptions() []backend.ClientOption {
	opts := []backend.ClientOption{backend.WithHeaders(c.Backend.Headers)}
	if c.Backend.TimeoutMs > 0 {
		opts = append(opts, backend.WithTimeout(millis(c.Backend.TimeoutMs)))
	}
	return opts
}

// Timeout returns the fetch timeout of a resource; zero means none
func (r ResourceConfig) Timeout() time.Duration {
	return millis(r.TimeoutMs)
}

// FallbackDocument returns the fallback as a JSON document, or nil
func (r ResourceConfig) FallbackDocument() *json.RawMessage {
	if r.Fallback == "" || !json.Valid([]byte(r.Fallback)) {
		return nil
	}
	doc := json.RawMessage(r.Fallback)
	return &doc
}

// ResourceKey returns the key, defaulting to the context name
func (r ResourceConfig) ResourceKey() string {
	if r.Key != "" {
		return r.Key
	}
	return r.Context
}

// ToNotifierConfig converts to notifier config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		MaxIdleTime:            seconds(c.Notifier.MaxIdleTime),
		HeartbeatInterval:      seconds(c.Notifier.HeartbeatInterval),
		BroadcastBufferSize:    c.Notifier.BroadcastBufferSize,
		BroadcastFlushInterval: millis(c.Notifier.BroadcastFlushIntervalMs),
		ClientBufferSize:       c.Notifier.ClientBufferSize,
		AllowedOrigins:         c.Server.AllowedOrigins,
	}
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() chi.Config {
	return chi.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    seconds(c.Server.ReadTimeout),
		WriteTimeout:   seconds(c.Server.WriteTimeout),
		IdleTimeout:    seconds(c.Server.IdleTimeout),
		RequestTimeout: seconds(c.Server.RequestTimeout),
		AllowedOrigins: c.Server.AllowedOrigins,
		DisableMetrics: !c.Metrics.Enabled,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "info":
		level = logging.LevelInfo
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	var format logging.LogFormat
	switch c.Logging.Format {
	case "json":
		format = logging.FormatJSON
	case "console":
		format = logging.FormatConsole
	default:
		format = logging.FormatJSON
	}

	return logging.Config{
		Level:               level,
		Format:              format,
		IncludeCaller:       c.Logging.IncludeCaller,
		IncludeStacktrace:   true,
		IncludeTraceContext: c.Logging.IncludeTrace,
		UserID:              c.User.ID,
		Role:                c.User.Role,
		GlobalFields:        c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
		UserID:        c.User.ID,
		Role:          c.User.Role,
	}
}
