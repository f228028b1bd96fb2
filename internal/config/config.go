package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botlock/internal/logger"
)

// BotConfig describes the supervised bot client.
type BotConfig struct {
	Name     string   `toml:"name" mapstructure:"name"`
	Command  string   `toml:"command" mapstructure:"command"`
	WorkDir  string   `toml:"workdir" mapstructure:"workdir"`
	Env      []string `toml:"env" mapstructure:"env"`
	TokenEnv string   `toml:"token_env" mapstructure:"token_env"`
}

// SupervisorConfig holds stop/retry policy knobs. The settle interval after
// stopping competitors is fixed by the remote API and deliberately absent.
type SupervisorConfig struct {
	GracePeriod    time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	AcquireTimeout time.Duration `toml:"acquire_timeout" mapstructure:"acquire_timeout"`
	Retries        int           `toml:"retries" mapstructure:"retries"`
}

// LockConfig locates the lease marker.
type LockConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig selects an event sink by DSN (sqlite path or postgres URL).
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Config is the top-level TOML structure.
type Config struct {
	Bot        BotConfig        `toml:"bot" mapstructure:"bot"`
	Lock       LockConfig       `toml:"lock" mapstructure:"lock"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
}

const (
	defaultName           = "bot"
	defaultTokenEnv       = "TELEGRAM_BOT_TOKEN"
	defaultGracePeriod    = 5 * time.Second
	defaultAcquireTimeout = 5 * time.Second
	defaultRetries        = 3
)

// Load reads and validates a TOML config file. Relative paths (lock marker,
// log dir) are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	c.resolvePaths(filepath.Dir(path))
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Bot.Name == "" {
		c.Bot.Name = defaultName
	}
	if c.Bot.TokenEnv == "" {
		c.Bot.TokenEnv = defaultTokenEnv
	}
	if c.Lock.Path == "" {
		c.Lock.Path = filepath.Join("run", c.Bot.Name+".lock")
	}
	if c.Supervisor.GracePeriod <= 0 {
		c.Supervisor.GracePeriod = defaultGracePeriod
	}
	if c.Supervisor.AcquireTimeout <= 0 {
		c.Supervisor.AcquireTimeout = defaultAcquireTimeout
	}
	if c.Supervisor.Retries <= 0 {
		c.Supervisor.Retries = defaultRetries
	}
}

func (c *Config) resolvePaths(base string) {
	if !filepath.IsAbs(c.Lock.Path) {
		c.Lock.Path = filepath.Join(base, c.Lock.Path)
	}
	if c.Log.Dir != "" && !filepath.IsAbs(c.Log.Dir) {
		c.Log.Dir = filepath.Join(base, c.Log.Dir)
	}
}

// Validate checks the parts that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Bot.Command == "" {
		return fmt.Errorf("bot.command is required")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}
