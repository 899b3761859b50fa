package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/chadmayfield/aqimport/pkg/fetch"
	"github.com/chadmayfield/aqimport/pkg/source"
)

// Config is the top-level configuration for aqimport.
type Config struct {
	ListenAddr string                  `mapstructure:"listen_addr"`
	LogFormat  string                  `mapstructure:"log_format"`
	LogLevel   string                  `mapstructure:"log_level"`
	TempDir    string                  `mapstructure:"temp_dir"`
	HTTP       HTTPConfig              `mapstructure:"http"`
	Storage    StorageConfig           `mapstructure:"storage"`
	Sources    map[string]SourceConfig `mapstructure:"sources"`
}

// HTTPConfig controls how artifacts are downloaded.
type HTTPConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	UserAgent          string        `mapstructure:"user_agent"`
	RequestsPerMinute  int           `mapstructure:"requests_per_minute"`
	BreakerThreshold   uint32        `mapstructure:"breaker_threshold"`
}

// SourceConfig overrides the endpoints of a built-in source.
type SourceConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	MetadataURL string `mapstructure:"metadata_url"`
}

// StorageConfig defines the database backend.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Load reads configuration from a .env file, the flag path, env vars, then
// default file paths.
// Precedence: flag → $AQIMPORT_CONFIG env → ~/.config/aqimport/config.yaml → /etc/aqimport/config.yaml
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")
	v.SetDefault("temp_dir", "")
	v.SetDefault("http.timeout", fetch.DefaultTimeout)
	v.SetDefault("http.insecure_skip_verify", false)
	v.SetDefault("http.user_agent", fetch.DefaultUserAgent)
	v.SetDefault("http.requests_per_minute", 0)
	v.SetDefault("http.breaker_threshold", fetch.DefaultBreakerThreshold)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "aqimport.db")
	v.SetDefault("storage.postgres.dsn", "")

	// Env var support: AQIMPORT_HTTP_TIMEOUT maps to http.timeout.
	v.SetEnvPrefix("AQIMPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("AQIMPORT_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		// Try ~/.config/aqimport/config.yaml first
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "aqimport"))
		}
		// Fall back to /etc/aqimport/config.yaml
		v.AddConfigPath("/etc/aqimport")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		// Warn if config file is world-readable; it may carry a database DSN.
		if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
			if info, err := os.Stat(cfgPath); err == nil {
				perm := info.Mode().Perm()
				if perm&0004 != 0 {
					slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout)
	}
	if c.HTTP.RequestsPerMinute < 0 {
		return fmt.Errorf("http.requests_per_minute must not be negative, got %d", c.HTTP.RequestsPerMinute)
	}

	if c.TempDir != "" {
		info, err := os.Stat(c.TempDir)
		if err != nil {
			return fmt.Errorf("temp_dir %q: %w", c.TempDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("temp_dir %q is not a directory", c.TempDir)
		}
	}

	for id, s := range c.Sources {
		for key, raw := range map[string]string{"base_url": s.BaseURL, "metadata_url": s.MetadataURL} {
			if raw == "" {
				continue
			}
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("sources.%s.%s %q is not an http(s) URL", id, key, raw)
			}
		}
	}
	if _, err := c.Registry(); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite driver")
		}
		dir := filepath.Dir(c.Storage.SQLite.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("creating storage directory %q: %w", dir, err)
			}
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'postgres', got %q", c.Storage.Driver)
	}

	// Validate listen_addr.
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not a valid address: %w", c.ListenAddr, err)
	}

	return nil
}

// DSN returns the appropriate DSN for the configured storage driver.
func (c *Config) DSN() string {
	switch c.Storage.Driver {
	case "sqlite":
		return c.Storage.SQLite.Path
	case "postgres":
		return c.Storage.Postgres.DSN
	default:
		return ""
	}
}

// Registry returns the source registry with the configured overrides.
func (c *Config) Registry() (*source.Registry, error) {
	overrides := make(map[string]source.Override, len(c.Sources))
	for id, s := range c.Sources {
		overrides[id] = source.Override{BaseURL: s.BaseURL, MetadataURL: s.MetadataURL}
	}
	return source.NewRegistry(overrides)
}

// FetchOptions maps the http section onto fetcher options.
func (c *Config) FetchOptions(logger *slog.Logger) fetch.Options {
	return fetch.Options{
		Timeout:            c.HTTP.Timeout,
		InsecureSkipVerify: c.HTTP.InsecureSkipVerify,
		UserAgent:          c.HTTP.UserAgent,
		TempDir:            c.TempDir,
		RequestsPerMinute:  c.HTTP.RequestsPerMinute,
		BreakerThreshold:   c.HTTP.BreakerThreshold,
		Logger:             logger,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", s)
}
