// Package config loads client settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/and161185/techstore/internal/storage"
)

// EnvPrefix is prepended to environment overrides (TECHSTORE_API_URL, ...).
const EnvPrefix = "TECHSTORE"

// Config is the full client configuration.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
}

// APIConfig points at the REST backend.
type APIConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RealtimeConfig configures the chat channel.
type RealtimeConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// ChatConfig configures conversation views.
type ChatConfig struct {
	JoinDelay time.Duration `mapstructure:"join_delay"`
}

// StorageConfig selects where durable slots live.
type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	Dir       string `mapstructure:"dir"`
	DSN       string `mapstructure:"dsn"`
	RedisURL  string `mapstructure:"redis_url"`
	Namespace string `mapstructure:"namespace"`
	Seal      bool   `mapstructure:"seal"`
}

// Options converts the section into storage.Open options.
func (s StorageConfig) Options() storage.Options {
	return storage.Options{
		Driver:    s.Driver,
		Dir:       s.Dir,
		DSN:       s.DSN,
		RedisURL:  s.RedisURL,
		Namespace: s.Namespace,
		Seal:      s.Seal,
	}
}

// LogConfig configures zap.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Dev   bool   `mapstructure:"dev"`
}

// Dir returns the per-user config directory.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "techstore")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "techstore")
}

// SetDefaults registers every key so env overrides work without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "http://localhost:4500")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.reconnect_attempts", 5)
	v.SetDefault("realtime.reconnect_delay", time.Second)
	v.SetDefault("chat.join_delay", 300*time.Millisecond)
	v.SetDefault("storage.driver", storage.DriverFile)
	v.SetDefault("storage.dir", Dir())
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.namespace", "default")
	v.SetDefault("storage.seal", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)
}

// Load reads path (or config.yaml from Dir() and ".") into v and decodes it.
// A missing default config file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Realtime.URL == "" {
		cfg.Realtime.URL = DeriveRealtimeURL(cfg.API.URL)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// DeriveRealtimeURL maps http(s)://host to ws(s)://host/ws.
func DeriveRealtimeURL(apiURL string) string {
	u := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Validate checks the decoded values.
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return errors.New("api.url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("invalid api.timeout: %s", c.API.Timeout)
	}
	if c.Realtime.ReconnectAttempts < 1 {
		return fmt.Errorf("invalid realtime.reconnect_attempts: %d", c.Realtime.ReconnectAttempts)
	}
	if c.Realtime.ReconnectDelay <= 0 {
		return fmt.Errorf("invalid realtime.reconnect_delay: %s", c.Realtime.ReconnectDelay)
	}
	if c.Chat.JoinDelay <= 0 {
		return fmt.Errorf("invalid chat.join_delay: %s", c.Chat.JoinDelay)
	}
	switch c.Storage.Driver {
	case storage.DriverFile:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir is required for the file driver")
		}
	case storage.DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	case storage.DriverRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Seal && c.Storage.Dir == "" {
		return errors.New("storage.seal needs storage.dir for the key file")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}
