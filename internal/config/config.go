package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/soochol/exectrack/internal/repository"
)

// Config holds the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage"`
	Registry    RegistryConfig    `yaml:"registry" toml:"registry"`
	Tracker     TrackerConfig     `yaml:"tracker" toml:"tracker"`
	Signals     SignalsConfig     `yaml:"signals" toml:"signals"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string   `yaml:"host" toml:"host"`
	Port        int      `yaml:"port" toml:"port"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver       string      `yaml:"driver" toml:"driver"` // memory, file, sqlite, postgres, redis
	Path         string      `yaml:"path" toml:"path"`     // file dir or sqlite db
	DSN          string      `yaml:"dsn" toml:"dsn"`       // postgres or redis URL
	Prefix       string      `yaml:"prefix" toml:"prefix"` // redis key prefix
	WriteTimeout Duration    `yaml:"write_timeout" toml:"write_timeout"`
	Retry        RetryConfig `yaml:"retry" toml:"retry"`
}

// RetryConfig configures backoff for failed storage calls. MaxRetries 0
// disables retrying.
type RetryConfig struct {
	MaxRetries    int      `yaml:"max_retries" toml:"max_retries"`
	InitialDelay  Duration `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay" toml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor" toml:"backoff_factor"`
}

// RegistryConfig holds execution registry settings.
type RegistryConfig struct {
	Timeout             Duration `yaml:"timeout" toml:"timeout"`
	HistoryLimit        int      `yaml:"history_limit" toml:"history_limit"`
	SimilarityThreshold float64  `yaml:"similarity_threshold" toml:"similarity_threshold"`
	StorageKey          string   `yaml:"storage_key" toml:"storage_key"`
	HistoryTTL          Duration `yaml:"history_ttl" toml:"history_ttl"` // 0 keeps entries until evicted
}

// TrackerConfig holds completion tracker settings.
type TrackerConfig struct {
	HistoryLimit int      `yaml:"history_limit" toml:"history_limit"`
	StorageKey   string   `yaml:"storage_key" toml:"storage_key"`
	HistoryTTL   Duration `yaml:"history_ttl" toml:"history_ttl"`
}

// SignalsConfig configures the inbound signal paths.
type SignalsConfig struct {
	// Secret enables HS256 bearer token checks on POST /api/signals.
	Secret        string   `yaml:"secret" toml:"secret"`
	InboxDir      string   `yaml:"inbox_dir" toml:"inbox_dir"` // empty disables the inbox
	InboxDebounce Duration `yaml:"inbox_debounce" toml:"inbox_debounce"`
}

// MaintenanceConfig schedules periodic flush and pruning.
type MaintenanceConfig struct {
	FlushCron string `yaml:"flush_cron" toml:"flush_cron"`
}

// LogConfig configures the default slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text, json
}

// Duration is a time.Duration written as a Go duration string ("30m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver:       repository.DriverFile,
			Path:         "data",
			Prefix:       "exectrack:",
			WriteTimeout: Duration(5 * time.Second),
			Retry: RetryConfig{
				MaxRetries:    3,
				InitialDelay:  Duration(100 * time.Millisecond),
				MaxDelay:      Duration(2 * time.Second),
				BackoffFactor: 2.0,
			},
		},
		Registry: RegistryConfig{
			Timeout:             Duration(30 * time.Minute),
			HistoryLimit:        100,
			SimilarityThreshold: 0.4,
			StorageKey:          "executionRegistry.completedExecutions",
		},
		Tracker: TrackerConfig{
			HistoryLimit: 1000,
			StorageKey:   "executionTracker.completionHistory",
		},
		Signals: SignalsConfig{
			InboxDebounce: Duration(200 * time.Millisecond),
		},
		Maintenance: MaintenanceConfig{
			FlushCron: "0 */5 * * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file at path and returns a Config. Files
// ending in .toml are read as TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadDefault tries "config.yaml" and then "config.toml" in the current
// directory. If neither exists, it returns sensible defaults.
// Any other error (e.g. permission denied, malformed YAML) is returned.
func LoadDefault() (*Config, error) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		cfg, err := Load(name)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return defaults(), nil
}

// ApplyEnv overrides fields from EXECTRACK_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("EXECTRACK_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("EXECTRACK_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("EXECTRACK_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("EXECTRACK_SIGNAL_SECRET"); v != "" {
		c.Signals.Secret = v
	}
	if v := os.Getenv("EXECTRACK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("EXECTRACK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EXECTRACK_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !slices.Contains(repository.Drivers, strings.ToLower(c.Storage.Driver)) {
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of %v", c.Storage.Driver, repository.Drivers))
	}
	switch strings.ToLower(c.Storage.Driver) {
	case repository.DriverPostgres, repository.DriverRedis:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for %s", c.Storage.Driver))
		}
	case repository.DriverFile, repository.DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s", c.Storage.Driver))
		}
	}
	if c.Storage.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("storage.retry.max_retries must not be negative"))
	}
	if c.Registry.Timeout <= 0 {
		errs = append(errs, errors.New("registry.timeout must be positive"))
	}
	if c.Registry.HistoryLimit <= 0 {
		errs = append(errs, errors.New("registry.history_limit must be positive"))
	}
	if c.Tracker.HistoryLimit <= 0 {
		errs = append(errs, errors.New("tracker.history_limit must be positive"))
	}
	if t := c.Registry.SimilarityThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("registry.similarity_threshold %v must be in (0, 1]", t))
	}
	if c.Registry.StorageKey == "" || c.Tracker.StorageKey == "" {
		errs = append(errs, errors.New("storage keys must not be empty"))
	} else if c.Registry.StorageKey == c.Tracker.StorageKey {
		errs = append(errs, errors.New("registry and tracker storage keys must differ"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	return errors.Join(errs...)
}
