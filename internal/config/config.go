package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/apisync/internal/db"
	"github.com/livinlefevreloca/apisync/internal/fetch"
	"github.com/livinlefevreloca/apisync/internal/output"
)

// Config represents the application configuration
type Config struct {
	Output       OutputConfig       `toml:"output"`
	HTTP         HTTPConfig         `toml:"http"`
	Debug        DebugConfig        `toml:"debug"`
	Stats        StatsConfig        `toml:"stats"`
	Storage      StorageConfig      `toml:"storage"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Logging      LoggingConfig      `toml:"logging"`
	Integrations IntegrationsConfig `toml:"integrations"`
}

// OutputConfig holds the local output root. The queue always lives here, even
// when artifacts go to S3.
type OutputConfig struct {
	Dir string `toml:"dir"`
}

// HTTPConfig holds outbound API client settings
type HTTPConfig struct {
	MaxAttempts       int           `toml:"max_attempts"`
	InitialBackoff    time.Duration `toml:"initial_backoff"`
	MaxBackoff        time.Duration `toml:"max_backoff"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	Burst             int           `toml:"burst"`
	UserAgent         string        `toml:"user_agent"`
}

// DebugConfig controls recorded-response replay
type DebugConfig struct {
	UseMocks  bool   `toml:"use_mocks"`
	SaveMocks bool   `toml:"save_mocks"`
	MocksDir  string `toml:"mocks_dir"`
}

// StatsConfig holds the optional run statistics database
type StatsConfig struct {
	Enabled  bool      `toml:"enabled"`
	Database db.Config `toml:"database"`
}

// StorageConfig selects where artifacts and run logs are written
type StorageConfig struct {
	Backend string   `toml:"backend"`
	S3      S3Config `toml:"s3"`
}

// S3Config holds S3 sink settings
type S3Config struct {
	Bucket           string        `toml:"bucket"`
	Prefix           string        `toml:"prefix"`
	Region           string        `toml:"region"`
	Endpoint         string        `toml:"endpoint"`
	AccessKeyID      string        `toml:"access_key_id"`
	SecretAccessKey  string        `toml:"secret_access_key"`
	SessionToken     string        `toml:"session_token"`
	UsePathStyle     bool          `toml:"use_path_style"`
	OperationTimeout time.Duration `toml:"operation_timeout"`
}

// MetricsConfig holds the Prometheus textfile settings. An empty directory
// disables the export.
type MetricsConfig struct {
	TextfileDir string `toml:"textfile_dir"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// IntegrationsConfig holds per-integration credentials
type IntegrationsConfig struct {
	Wahoo WahooConfig `toml:"wahoo"`
}

// WahooConfig holds Wahoo OAuth credentials
type WahooConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
	TokenStore   string `toml:"token_store"`
}

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	fc := fetch.DefaultConfig()
	return &Config{
		Output: OutputConfig{
			Dir: "output",
		},
		HTTP: HTTPConfig{
			MaxAttempts:    fc.MaxAttempts,
			InitialBackoff: fc.InitialBackoff,
			MaxBackoff:     fc.MaxBackoff,
			Timeout:        fc.Timeout,
			Burst:          fc.Burst,
			UserAgent:      fc.UserAgent,
		},
		Debug: DebugConfig{
			MocksDir: fc.MocksDir,
		},
		Stats: StatsConfig{
			Enabled: false,
			Database: db.Config{
				Driver:          "sqlite3",
				DSN:             "apisync.db",
				MaxOpenConns:    1,
				MaxIdleConns:    1,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
		},
		Storage: StorageConfig{
			Backend: StorageLocal,
			S3: S3Config{
				OperationTimeout: 10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	config.ApplyEnv(os.LookupEnv)
	return config, nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	set("APISYNC_OUTPUT_DIR", &c.Output.Dir)
	set("APISYNC_LOG_LEVEL", &c.Logging.Level)
	set("WAHOO_AUTHORIZE_CLIENT_ID", &c.Integrations.Wahoo.ClientID)
	set("WAHOO_AUTHORIZE_CLIENT_SECRET", &c.Integrations.Wahoo.ClientSecret)
	set("WAHOO_REFRESH_TOKEN", &c.Integrations.Wahoo.RefreshToken)

	c.Logging.Level = strings.ToLower(c.Logging.Level)
}

// Fetch returns the API client settings for one integration
func (c *Config) Fetch(integration, baseURL string) fetch.Config {
	return fetch.Config{
		BaseURL:           baseURL,
		Integration:       integration,
		MaxAttempts:       c.HTTP.MaxAttempts,
		InitialBackoff:    c.HTTP.InitialBackoff,
		MaxBackoff:        c.HTTP.MaxBackoff,
		Timeout:           c.HTTP.Timeout,
		RequestsPerSecond: c.HTTP.RequestsPerSecond,
		Burst:             c.HTTP.Burst,
		UserAgent:         c.HTTP.UserAgent,
		MocksDir:          c.Debug.MocksDir,
		UseMocks:          c.Debug.UseMocks,
		SaveMocks:         c.Debug.SaveMocks,
	}
}

// S3Sink returns the S3 sink settings
func (c *Config) S3Sink() output.S3Config {
	s := c.Storage.S3
	return output.S3Config{
		Bucket:           s.Bucket,
		Prefix:           s.Prefix,
		Region:           s.Region,
		Endpoint:         s.Endpoint,
		AccessKeyID:      s.AccessKeyID,
		SecretAccessKey:  s.SecretAccessKey,
		SessionToken:     s.SessionToken,
		UsePathStyle:     s.UsePathStyle,
		OperationTimeout: s.OperationTimeout,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Output.Dir == "" {
		return fmt.Errorf("output dir must be specified")
	}

	// HTTP validation
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http max_attempts must be positive")
	}
	if c.HTTP.InitialBackoff <= 0 {
		return fmt.Errorf("http initial_backoff must be positive")
	}
	if c.HTTP.MaxBackoff < c.HTTP.InitialBackoff {
		return fmt.Errorf("http max_backoff must not be less than initial_backoff")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http timeout must be positive")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http requests_per_second must not be negative")
	}

	// Debug validation
	if (c.Debug.UseMocks || c.Debug.SaveMocks) && c.Debug.MocksDir == "" {
		return fmt.Errorf("debug mocks_dir must be specified when mocks are enabled")
	}

	// Stats validation
	if c.Stats.Enabled {
		if c.Stats.Database.Driver != "sqlite3" {
			return fmt.Errorf("unsupported stats database driver: %s (must be sqlite3)", c.Stats.Database.Driver)
		}
		if c.Stats.Database.DSN == "" {
			return fmt.Errorf("stats database DSN must be specified")
		}
	}

	// Storage validation
	switch c.Storage.Backend {
	case StorageLocal:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage s3 bucket must be specified")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be local or s3)", c.Storage.Backend)
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
