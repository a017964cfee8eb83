// Package config loads schedflow's configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"schedflow/internal/domain"
)

const envPrefix = "SCHEDFLOW"

// Config is the root configuration. It is read once at startup and never mutated.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Trigger  TriggerConfig  `mapstructure:"trigger"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Log      LogConfig      `mapstructure:"log"`
	Debug    DebugConfig    `mapstructure:"debug"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type AuthConfig struct {
	// Token authenticates inbound API calls and, unless dispatch.service_token
	// is set, outbound dispatch calls.
	Token string `mapstructure:"token"`
}

type TriggerConfig struct {
	MisfireGrace time.Duration `mapstructure:"misfire_grace"`
}

type DispatchConfig struct {
	Timeout          time.Duration     `mapstructure:"timeout"`
	Workers          int               `mapstructure:"workers"`
	QueueSize        int               `mapstructure:"queue_size"`
	RatePerSec       float64           `mapstructure:"rate_per_sec"`
	Burst            int               `mapstructure:"burst"`
	MaxResponseBytes int64             `mapstructure:"max_response_bytes"`
	ServiceToken     string            `mapstructure:"service_token"`
	Platforms        map[string]string `mapstructure:"platforms"`
}

// OutboundToken is the bearer credential sent to task handlers.
func (c Config) OutboundToken() string {
	if c.Dispatch.ServiceToken != "" {
		return c.Dispatch.ServiceToken
	}
	return c.Auth.Token
}

type LogConfig struct {
	// Level: trace, debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string     `mapstructure:"format"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig adds a rotating log file next to stdout.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DebugConfig struct {
	Pprof bool `mapstructure:"pprof"`
}

func Default() *Config {
	platforms := make(map[string]string, len(domain.Platforms))
	for _, p := range domain.Platforms {
		platforms[p] = ""
	}
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "data/schedflow.db", BusyTimeout: 5 * time.Second},
		Trigger:  TriggerConfig{MisfireGrace: time.Hour},
		Dispatch: DispatchConfig{
			Timeout:          30 * time.Second,
			Workers:          8,
			QueueSize:        256,
			Burst:            1,
			MaxResponseBytes: 1 << 20,
			Platforms:        platforms,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			File: FileConfig{
				Path:       "logs/schedflow.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads the YAML file at path (or $SCHEDFLOW_CONFIG, or schedflow.yaml in
// the usual places) and applies SCHEDFLOW_* environment overrides, where `.`
// in a key becomes `_`. Example: SCHEDFLOW_DISPATCH_PLATFORMS_EMAIL=http://mail:9000
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed every key so env-only configs work
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.busy_timeout", cfg.Database.BusyTimeout)
	v.SetDefault("auth.token", "")
	v.SetDefault("trigger.misfire_grace", cfg.Trigger.MisfireGrace)
	v.SetDefault("dispatch.timeout", cfg.Dispatch.Timeout)
	v.SetDefault("dispatch.workers", cfg.Dispatch.Workers)
	v.SetDefault("dispatch.queue_size", cfg.Dispatch.QueueSize)
	v.SetDefault("dispatch.rate_per_sec", cfg.Dispatch.RatePerSec)
	v.SetDefault("dispatch.burst", cfg.Dispatch.Burst)
	v.SetDefault("dispatch.max_response_bytes", cfg.Dispatch.MaxResponseBytes)
	v.SetDefault("dispatch.service_token", "")
	for _, p := range domain.Platforms {
		v.SetDefault("dispatch.platforms."+p, "")
	}
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file.enabled", cfg.Log.File.Enabled)
	v.SetDefault("log.file.path", cfg.Log.File.Path)
	v.SetDefault("log.file.max_size_mb", cfg.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", cfg.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", cfg.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", cfg.Log.File.Compress)
	v.SetDefault("debug.pprof", false)

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("schedflow")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".schedflow"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	case "warning":
		c.Log.Level = "warn"
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	if strings.TrimSpace(c.Auth.Token) == "" {
		return errors.New("auth.token is required")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if c.Trigger.MisfireGrace <= 0 {
		return fmt.Errorf("trigger.misfire_grace must be positive, got %s", c.Trigger.MisfireGrace)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive, got %s", c.Dispatch.Timeout)
	}
	if c.Dispatch.Workers <= 0 || c.Dispatch.QueueSize <= 0 {
		return errors.New("dispatch.workers and dispatch.queue_size must be positive")
	}
	if c.Dispatch.RatePerSec < 0 {
		return errors.New("dispatch.rate_per_sec must not be negative")
	}
	for p, u := range c.Dispatch.Platforms {
		if !domain.KnownPlatform(p) {
			return fmt.Errorf("dispatch.platforms: unknown platform %q", p)
		}
		c.Dispatch.Platforms[p] = strings.TrimSpace(u)
	}
	return nil
}
