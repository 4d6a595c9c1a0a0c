package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	User        UserConfig        `yaml:"user"`
	Auth        AuthConfig        `yaml:"auth"`
	Transport   TransportConfig   `yaml:"transport"`
	Backend     BackendConfig     `yaml:"backend"`
	LiveRefresh LiveRefreshConfig `yaml:"live_refresh"`
	Storage     StorageConfig     `yaml:"storage"`
	Resources   []ResourceConfig  `yaml:"resources"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig contains local HTTP server settings
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	RequestTimeout int      `yaml:"request_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// UserConfig identifies the signed-in dashboard user
type UserConfig struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
}

// AuthConfig contains the bearer token and the channel auth endpoint
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	Endpoint  string `yaml:"endpoint"`
}

// TransportConfig contains push server settings
type TransportConfig struct {
	URL                string `yaml:"url"`
	AppKey             string `yaml:"app_key"`
	Event              string `yaml:"event"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
}

// BackendConfig contains CAMS API settings
type BackendConfig struct {
	BaseURL   string            `yaml:"base_url"`
	TimeoutMs int               `yaml:"timeout_ms"`
	Headers   map[string]string `yaml:"headers"`
}

// LiveRefreshConfig contains the live refresh feature flags
type LiveRefreshConfig struct {
	PollingEnabled           bool `yaml:"polling_enabled"`
	PollIntervalMs           int  `yaml:"poll_interval_ms"`
	MaxConsecutivePollErrors int  `yaml:"max_consecutive_poll_errors"`
	DashboardSyncEnabled     bool `yaml:"dashboard_sync_enabled"`
	DispatchTimeoutMs        int  `yaml:"dispatch_timeout_ms"`
}

// StorageConfig contains snapshot store settings
type StorageConfig struct {
	Type              string `yaml:"type"`
	DataDir           string `yaml:"data_dir"`
	Capacity          int    `yaml:"capacity"`
	ExpirationSeconds int    `yaml:"expiration_seconds"`
	GCIntervalMinutes int    `yaml:"gc_interval_minutes"`
	SyncWrites        bool   `yaml:"sync_writes"`
}

// ResourceConfig binds one backend document to a live refresh context
type ResourceConfig struct {
	Context   string `yaml:"context"`
	Key       string `yaml:"key"`
	Path      string `yaml:"path"`
	TimeoutMs int    `yaml:"timeout_ms"`

	// Raw JSON served when a fetch times out; empty means none
	Fallback string `yaml:"fallback"`
}

// NotifierConfig contains local relay settings
type NotifierConfig struct {
	Enabled                  bool `yaml:"enabled"`
	MaxIdleTime              int  `yaml:"max_idle_time"`
	HeartbeatInterval        int  `yaml:"heartbeat_interval"`
	BroadcastBufferSize      int  `yaml:"broadcast_buffer_size"`
	BroadcastFlushIntervalMs int  `yaml:"broadcast_flush_interval_ms"`
	ClientBufferSize         int  `yaml:"client_buffer_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:8090",
			ReadTimeout:    5,
			WriteTimeout:   30,
			IdleTimeout:    120,
			RequestTimeout: 20,
		},
		User: UserConfig{
			Role: "parent",
		},
		Auth: AuthConfig{
			Endpoint: "http://localhost:8000/broadcasting/auth",
		},
		Transport: TransportConfig{
			URL:                "ws://localhost:6001",
			AppKey:             "cams-key",
			Event:              "live-refresh.invalidated",
			HandshakeTimeoutMs: 10000,
		},
		Backend: BackendConfig{
			BaseURL:   "http://localhost:8000/api/v1",
			TimeoutMs: 15000,
			Headers:   map[string]string{},
		},
		LiveRefresh: LiveRefreshConfig{
			PollingEnabled:           true,
			PollIntervalMs:           30000,
			MaxConsecutivePollErrors: 5,
			DashboardSyncEnabled:     true,
			DispatchTimeoutMs:        30000,
		},
		Storage: StorageConfig{
			Type:              "memory",
			DataDir:           "./data",
			Capacity:          512,
			ExpirationSeconds: 24 * 60 * 60,
			GCIntervalMinutes: 10,
		},
		Resources: []ResourceConfig{
			{Context: "bookings", Key: "bookings", Path: "/bookings"},
			{Context: "notifications", Key: "notifications", Path: "/notifications", TimeoutMs: 10000, Fallback: "[]"},
			{Context: "dashboard_stats", Key: "dashboard.stats", Path: "/dashboard/stats"},
		},
		Notifier: NotifierConfig{
			Enabled:                  true,
			MaxIdleTime:              30,
			HeartbeatInterval:        5,
			BroadcastBufferSize:      200,
			BroadcastFlushIntervalMs: 50,
			ClientBufferSize:         100,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "livesync",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Flags take priority
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	for i, r := range c.Resources {
		if r.Context == "" || r.Path == "" {
			return fmt.Errorf("resource %d: context and path are required", i)
		}
		if !livecontext.IsKnown(r.Context) {
			return fmt.Errorf("resource %d: unknown context %q", i, r.Context)
		}
	}
	return nil
}

// Token returns the configured bearer token, reading token_file when set.
// An unreadable file yields no token.
func (c *Config) Token() string {
	if c.Auth.TokenFile == "" {
		return c.Auth.Token
	}
	data, err := os.ReadFile(c.Auth.TokenFile)
	if err != nil {
		log.Warn().Err(err).Str("file", c.Auth.TokenFile).Msg("Failed to read token file")
		return ""
	}
	return strings.TrimSpace(string(data))
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	// Server
	if addr := os.Getenv("CAMS_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}

	// User and auth
	if id := os.Getenv("CAMS_USER_ID"); id != "" {
		config.User.ID = id
	}
	if role := os.Getenv("CAMS_USER_ROLE"); role != "" {
		config.User.Role = role
	}
	if token := os.Getenv("CAMS_AUTH_TOKEN"); token != "" {
		config.Auth.Token = token
	}
	if endpoint := os.Getenv("CAMS_AUTH_ENDPOINT"); endpoint != "" {
		config.Auth.Endpoint = endpoint
	}

	// Push transport and backend
	if url := os.Getenv("CAMS_TRANSPORT_URL"); url != "" {
		config.Transport.URL = url
	}
	if key := os.Getenv("CAMS_TRANSPORT_APP_KEY"); key != "" {
		config.Transport.AppKey = key
	}
	if baseURL := os.Getenv("CAMS_BACKEND_BASE_URL"); baseURL != "" {
		config.Backend.BaseURL = baseURL
	}

	// Live refresh flags
	if enabled := os.Getenv("CAMS_LIVE_REFRESH_POLLING_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			config.LiveRefresh.PollingEnabled = val
		}
	}
	if interval := os.Getenv("CAMS_POLL_INTERVAL_MS"); interval != "" {
		if val, err := strconv.Atoi(interval); err == nil && val > 0 {
			config.LiveRefresh.PollIntervalMs = val
		}
	}
	if maxErrors := os.Getenv("CAMS_MAX_CONSECUTIVE_POLL_ERRORS"); maxErrors != "" {
		if val, err := strconv.Atoi(maxErrors); err == nil && val > 0 {
			config.LiveRefresh.MaxConsecutivePollErrors = val
		}
	}
	if sync := os.Getenv("CAMS_DASHBOARD_SYNC_ENABLED"); sync != "" {
		if val, err := strconv.ParseBool(sync); err == nil {
			config.LiveRefresh.DashboardSyncEnabled = val
		}
	}

	// Storage
	if storageType := os.Getenv("CAMS_STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}
	if dataDir := os.Getenv("CAMS_STORAGE_DATA_DIR"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}

	// Logging
	if level := os.Getenv("CAMS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CAMS_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}
