// Package config loads fieldsync settings from an optional YAML file and
// the environment. Environment variables (prefix FIELDSYNC_) win over the
// file; the file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "FIELDSYNC_"

// Config is the full application configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir" env:"DATA_DIR"`
	Backend     BackendConfig     `yaml:"backend" envPrefix:"BACKEND_"`
	Probe       ProbeConfig       `yaml:"probe" envPrefix:"PROBE_"`
	Sync        SyncConfig        `yaml:"sync" envPrefix:"SYNC_"`
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envPrefix:"OTEL_"`
	ObjectStore ObjectStoreConfig `yaml:"object_store" envPrefix:"OBJECT_STORE_"`
}

// BackendConfig points at the system of record.
type BackendConfig struct {
	URL     string        `yaml:"url" env:"URL"`
	Token   string        `yaml:"token" env:"TOKEN"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ProbeConfig drives the reachability probe. An empty URL falls back to
// the backend health endpoint.
type ProbeConfig struct {
	URL      string        `yaml:"url" env:"URL"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Disabled bool          `yaml:"disabled" env:"DISABLED"`
}

// SyncConfig tunes the engine and scheduler.
type SyncConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	ErrorHistory    int           `yaml:"error_history" env:"ERROR_HISTORY"`
}

// ServerConfig is the local UI API listener.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	Insecure    bool   `yaml:"insecure" env:"INSECURE"`
}

// ObjectStoreConfig routes photo uploads to S3-compatible storage when
// Bucket is set.
type ObjectStoreConfig struct {
	Provider  string `yaml:"provider" env:"PROVIDER"` // aws, r2, minio, or empty for a custom endpoint
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Region    string `yaml:"region" env:"REGION"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	PathStyle bool   `yaml:"path_style" env:"PATH_STYLE"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
}

// Enabled reports whether photos go to the object store.
func (o ObjectStoreConfig) Enabled() bool { return o.Bucket != "" }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: defaultDataDir(),
		Backend: BackendConfig{Timeout: 30 * time.Second},
		Probe:   ProbeConfig{Interval: 15 * time.Second},
		Sync: SyncConfig{
			RefreshInterval: 5 * time.Minute,
			ErrorHistory:    50,
		},
		Server:    ServerConfig{Addr: "127.0.0.1:8765"},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: "fieldsync"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fieldsync")
	}
	return ".fieldsync"
}

// DefaultPath is the config file read when no path is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads path (optional; a missing default file is fine), then the
// process environment, then validates.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// LoadWithEnv is Load with an explicit environment instead of os.Environ.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return load(path, environ)
}

func load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := cfg.readFile(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			logging.Debug("No config file, using defaults", map[string]interface{}{"path": path})
		} else {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "read config file", err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "parse env", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the services cannot run
// with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return apperrors.New(apperrors.ErrConfig, "data_dir is required")
	}
	if c.Backend.URL != "" {
		if u, err := url.Parse(c.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return apperrors.Newf(apperrors.ErrConfig, "invalid backend url %q", c.Backend.URL)
		}
	}
	if c.Backend.Timeout < 0 || c.Probe.Interval < 0 || c.Sync.RefreshInterval < 0 || c.Sync.SweepInterval < 0 {
		return apperrors.New(apperrors.ErrConfig, "intervals and timeouts must not be negative")
	}
	if c.Sync.MaxAttempts < 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.max_attempts must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return apperrors.Newf(apperrors.ErrConfig, "unknown log level %q", c.Log.Level)
	}
	if c.ObjectStore.Enabled() && c.ObjectStore.Provider == "" && c.ObjectStore.Endpoint == "" {
		return apperrors.New(apperrors.ErrConfig, "object_store needs a provider or an endpoint")
	}
	return nil
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "fieldsync.db")
}

// ProbeURL returns the URL probed for reachability.
func (c *Config) ProbeURL() string {
	if c.Probe.URL != "" {
		return c.Probe.URL
	}
	if c.Backend.URL == "" {
		return ""
	}
	return strings.TrimRight(c.Backend.URL, "/") + "/health"
}
