// Package config loads settings for the relay server and the agent from
// the environment, an optional config file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "COLLABINK"

// Transports the agent can run a session over.
const (
	TransportRelay = "relay"
	TransportRedis = "redis"
)

// Config is the merged configuration.
type Config struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	DatabaseURL  string        `mapstructure:"database_url"`
	Session      string        `mapstructure:"session"`
	ClientID     string        `mapstructure:"client_id"`
	Name         string        `mapstructure:"name"`
	Admin        bool          `mapstructure:"admin"`
	RelayURL     string        `mapstructure:"relay_url"`
	Transport    string        `mapstructure:"transport"`
	QueuePath    string        `mapstructure:"queue_path"`
	Debounce     time.Duration `mapstructure:"debounce"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	GuardWindow  time.Duration `mapstructure:"guard_window"`
	// HistoryLimit is the diagram undo depth; negative keeps every step.
	HistoryLimit int           `mapstructure:"history_limit"`
	Announce     bool          `mapstructure:"announce"`
	Log          Log           `mapstructure:"log"`
}

// Log selects the slog handler.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment binding.
// REDIS_ADDR and DATABASE_URL are honoured without the prefix.
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("listen_addr", ":8081")
	v.SetDefault("redis_addr", "")
	v.SetDefault("database_url", "")
	v.SetDefault("session", "")
	v.SetDefault("client_id", "")
	v.SetDefault("name", "")
	v.SetDefault("admin", false)
	v.SetDefault("relay_url", "http://localhost:8081")
	v.SetDefault("transport", TransportRelay)
	v.SetDefault("queue_path", "")
	v.SetDefault("debounce", 250*time.Millisecond)
	v.SetDefault("heartbeat", 5*time.Second)
	v.SetDefault("guard_window", 300*time.Millisecond)
	v.SetDefault("history_limit", 100)
	v.SetDefault("announce", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("redis_addr", EnvPrefix+"_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("database_url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	return v
}

// Load reads file, if set, and decodes the merged settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that do not depend on which program runs.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportRelay, TransportRedis:
	default:
		errs = append(errs, fmt.Errorf("transport %q: want %s or %s", c.Transport, TransportRelay, TransportRedis))
	}
	if c.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("debounce must be positive, got %s", c.Debounce))
	}
	if c.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat must be positive, got %s", c.Heartbeat))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (l Log) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// NewLogger builds the logger described by l, writing to w.
func (l Log) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
