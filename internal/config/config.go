// Package config loads hookline configuration from an optional config
// file and HOOKLINE_-prefixed environment variables. Environment values
// win; nested keys map with underscores (HOOKLINE_DATABASE_URL,
// HOOKLINE_DISPATCHER_WORKERS, ...).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

type DispatcherConfig struct {
	Workers        int           `mapstructure:"workers"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
}

type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Factor      float64       `mapstructure:"factor"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type BreakerConfig struct {
	// Threshold: 0 disables the circuit breaker.
	Threshold int `mapstructure:"threshold"`
}

type ReconcilerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type JanitorConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"`
	Retention time.Duration `mapstructure:"retention"`
}

type AnalyticsConfig struct {
	Window    time.Duration `mapstructure:"window"`
	Retention time.Duration `mapstructure:"retention"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// Load reads configuration from the optional file at path, overlaid
// with HOOKLINE_ environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HOOKLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("queue.buffer_size", 1024)
	v.SetDefault("queue.enqueue_timeout", 5*time.Second)

	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.sweep_interval", 15*time.Second)
	v.SetDefault("dispatcher.sweep_batch_size", 100)
	v.SetDefault("dispatcher.drain_timeout", 30*time.Second)
	v.SetDefault("dispatcher.send_timeout", 10*time.Second)

	v.SetDefault("retry.base_delay", 30*time.Second)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.max_delay", time.Hour)
	v.SetDefault("retry.max_attempts", 6)

	v.SetDefault("breaker.threshold", 10)

	v.SetDefault("reconciler.interval", time.Minute)
	v.SetDefault("reconciler.claim_timeout", 5*time.Minute)
	v.SetDefault("reconciler.batch_size", 100)

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.schedule", "0 3 * * *")
	v.SetDefault("janitor.retention", 30*24*time.Hour)

	v.SetDefault("analytics.window", time.Hour)
	v.SetDefault("analytics.retention", 30*24*time.Hour)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
