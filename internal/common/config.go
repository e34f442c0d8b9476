package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Browser     BrowserConfig     `toml:"browser"`
	Dispatch    DispatchConfig    `toml:"dispatch"`
	Unblock     UnblockConfig     `toml:"unblock"`
	Storage     StorageConfig     `toml:"storage"`
	Retailers   RetailersConfig   `toml:"retailers"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Logging     LoggingConfig     `toml:"logging"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gte=1,lte=65535"`
	Host string `toml:"host"`
}

// BrowserConfig describes the shared remote-debugging browser session
type BrowserConfig struct {
	Endpoint          string        `toml:"endpoint" validate:"required"` // Remote-debugging URL, e.g. http://localhost:9222
	ConnectAttempts   int           `toml:"connect_attempts" validate:"gte=1"`
	ConnectDelay      time.Duration `toml:"connect_delay"`      // Delay between attach attempts
	NavigationTimeout time.Duration `toml:"navigation_timeout"` // Per-navigation deadline
	RenderWait        time.Duration `toml:"render_wait"`        // Settle time after navigation for JS rendering
	RequestDelay      time.Duration `toml:"request_delay"`      // Minimum spacing between navigations (politeness)
	SessionsDir       string        `toml:"sessions_dir"`       // Opaque session state (cookie dumps)
}

type DispatchConfig struct {
	PollInterval  time.Duration `toml:"poll_interval"`   // How often the worker polls for queued jobs
	MaxJobRetries int           `toml:"max_job_retries"` // Transient-error retries per job (separate from block attempts)
}

type UnblockConfig struct {
	PollInterval    time.Duration `toml:"poll_interval"`     // How often the blocked worker polls for the human done signal
	Timeout         time.Duration `toml:"timeout"`           // Wall-clock bound on a single unblock wait
	MaxBlockRetries int           `toml:"max_block_retries"` // Block-attempt ceiling before BLOCK_RETRY_LIMIT
}

type StorageConfig struct {
	SQLite       SQLiteConfig `toml:"sqlite"`
	Badger       BadgerConfig `toml:"badger"`
	ArtifactsDir string       `toml:"artifacts_dir"` // Screenshot/HTML/network captures
}

// SQLiteConfig represents job store database configuration
type SQLiteConfig struct {
	Path          string `toml:"path" validate:"required"`
	CacheSizeMB   int    `toml:"cache_size_mb"`
	WALMode       bool   `toml:"wal_mode"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// BadgerConfig represents the artifact index database configuration
type BadgerConfig struct {
	Path string `toml:"path"`
}

// RetailersConfig points at the retailer catalog file
type RetailersConfig struct {
	Catalog string `toml:"catalog"` // YAML file describing known retailers
}

type MaintenanceConfig struct {
	Enabled              bool          `toml:"enabled"`
	ArtifactRetention    time.Duration `toml:"artifact_retention"`     // Captures older than this are deleted
	ArtifactSchedule     string        `toml:"artifact_schedule"`      // Cron schedule for the retention sweep
	StaleRunningAge      time.Duration `toml:"stale_running_age"`      // RUNNING jobs older than this return to QUEUED
	StaleRunningSchedule string        `toml:"stale_running_schedule"` // Cron schedule for the stale-job sweep
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// WebSocketConfig contains configuration for the operator status/log stream
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`        // Minimum log level to broadcast
	ExcludePatterns []string `toml:"exclude_patterns"` // Log message patterns excluded from broadcast
	StatusThrottle  string   `toml:"status_throttle"`  // Max rate for status broadcasts, e.g. "500ms"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in mercor.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 9000,
			Host: "localhost",
		},
		Browser: BrowserConfig{
			Endpoint:          "http://localhost:9222",
			ConnectAttempts:   30,
			ConnectDelay:      2 * time.Second,
			NavigationTimeout: 45 * time.Second,
			RenderWait:        2 * time.Second,
			RequestDelay:      1 * time.Second,
			SessionsDir:       "./data/sessions",
		},
		Dispatch: DispatchConfig{
			PollInterval:  5 * time.Second,
			MaxJobRetries: 1,
		},
		Unblock: UnblockConfig{
			PollInterval:    3 * time.Second,
			Timeout:         15 * time.Minute,
			MaxBlockRetries: 2,
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/mercor.db",
				CacheSizeMB:   10,
				WALMode:       true,
				BusyTimeoutMS: 5000,
			},
			Badger: BadgerConfig{
				Path: "./data/artifacts-index",
			},
			ArtifactsDir: "./data/artifacts",
		},
		Retailers: RetailersConfig{
			Catalog: "retailers.yaml",
		},
		Maintenance: MaintenanceConfig{
			Enabled:              true,
			ArtifactRetention:    7 * 24 * time.Hour,
			ArtifactSchedule:     "0 0 3 * * *", // Daily at 03:00
			StaleRunningAge:      1 * time.Hour,
			StaleRunningSchedule: "0 */10 * * * *", // Every 10 minutes
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
			},
			StatusThrottle: "500ms",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files, later files overriding
// earlier ones. Priority: CLI flags > environment variables > last config file >
// ... > first config file > defaults.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for structural problems
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: MERCOR_ENV, fallback: GO_ENV)
	if env := os.Getenv("MERCOR_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("MERCOR_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("MERCOR_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Browser configuration
	if endpoint := os.Getenv("MERCOR_BROWSER_ENDPOINT"); endpoint != "" {
		config.Browser.Endpoint = endpoint
	}
	if attempts := os.Getenv("MERCOR_BROWSER_CONNECT_ATTEMPTS"); attempts != "" {
		if a, err := strconv.Atoi(attempts); err == nil {
			config.Browser.ConnectAttempts = a
		}
	}
	if delay := os.Getenv("MERCOR_BROWSER_CONNECT_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			config.Browser.ConnectDelay = d
		}
	}
	if timeout := os.Getenv("MERCOR_BROWSER_NAVIGATION_TIMEOUT"); timeout != "" {
		if t, err := time.ParseDuration(timeout); err == nil {
			config.Browser.NavigationTimeout = t
		}
	}
	if wait := os.Getenv("MERCOR_BROWSER_RENDER_WAIT"); wait != "" {
		if w, err := time.ParseDuration(wait); err == nil {
			config.Browser.RenderWait = w
		}
	}
	if delay := os.Getenv("MERCOR_BROWSER_REQUEST_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			config.Browser.RequestDelay = d
		}
	}
	if dir := os.Getenv("MERCOR_BROWSER_SESSIONS_DIR"); dir != "" {
		config.Browser.SessionsDir = dir
	}

	// Dispatch configuration
	if interval := os.Getenv("MERCOR_DISPATCH_POLL_INTERVAL"); interval != "" {
		if i, err := time.ParseDuration(interval); err == nil {
			config.Dispatch.PollInterval = i
		}
	}
	if retries := os.Getenv("MERCOR_DISPATCH_MAX_JOB_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			config.Dispatch.MaxJobRetries = r
		}
	}

	// Unblock configuration
	if interval := os.Getenv("MERCOR_UNBLOCK_POLL_INTERVAL"); interval != "" {
		if i, err := time.ParseDuration(interval); err == nil {
			config.Unblock.PollInterval = i
		}
	}
	if timeout := os.Getenv("MERCOR_UNBLOCK_TIMEOUT"); timeout != "" {
		if t, err := time.ParseDuration(timeout); err == nil {
			config.Unblock.Timeout = t
		}
	}
	if retries := os.Getenv("MERCOR_UNBLOCK_MAX_BLOCK_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			config.Unblock.MaxBlockRetries = r
		}
	}

	// Storage configuration
	if path := os.Getenv("MERCOR_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}
	if path := os.Getenv("MERCOR_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if dir := os.Getenv("MERCOR_ARTIFACTS_DIR"); dir != "" {
		config.Storage.ArtifactsDir = dir
	}

	// Retailers configuration
	if catalog := os.Getenv("MERCOR_RETAILERS_CATALOG"); catalog != "" {
		config.Retailers.Catalog = catalog
	}

	// Logging configuration
	if level := os.Getenv("MERCOR_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("MERCOR_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("MERCOR_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// IsProduction reports whether the service runs with production settings
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
