// Package config loads Sentinel configuration from file, environment and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/log-zero/sentinel/internal/models"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	HMACSecret      string        `mapstructure:"hmac_secret"`
	AllowedOrigins  string        `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"` // requests per window per client; 0 disables
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres, sqlite
	Path     string `mapstructure:"path"`   // sqlite file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type QueueConfig struct {
	Eager        bool          `mapstructure:"eager"` // run tasks inline on submit
	Workers      int           `mapstructure:"workers"`
	BufferSize   int           `mapstructure:"buffer_size"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	ResultTTL    time.Duration `mapstructure:"result_ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ClassifierConfig struct {
	Backend   string        `mapstructure:"backend"` // keyword, onnx, openai
	ModelPath string        `mapstructure:"model_path"`
	VocabPath string        `mapstructure:"vocab_path"`
	Keywords  []string      `mapstructure:"keywords"`
	OpenAIKey string        `mapstructure:"openai_key"`
	Model     string        `mapstructure:"model"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type AlertsConfig struct {
	Recipients []string      `mapstructure:"recipients"`
	Channels   []string      `mapstructure:"channels"` // email, redis, log
	Retention  time.Duration `mapstructure:"retention"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	PatternInterval  time.Duration `mapstructure:"pattern_interval"`
	PatternWindowHrs int           `mapstructure:"pattern_window_hours"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

type AdminConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"` // bcrypt
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dev   bool   `mapstructure:"dev"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.hmac_secret", "")
	v.SetDefault("server.allowed_origins", "*")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_limit_window", time.Minute)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./sentinel.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "sentinel")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.host", "localhost")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.database", "sentinel")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")

	v.SetDefault("queue.eager", false)
	v.SetDefault("queue.workers", 8)
	v.SetDefault("queue.buffer_size", 1000)
	v.SetDefault("queue.task_timeout", 5*time.Minute)
	v.SetDefault("queue.result_ttl", time.Hour)
	v.SetDefault("queue.poll_interval", time.Second)

	v.SetDefault("classifier.backend", "keyword")
	v.SetDefault("classifier.model_path", "models/classifier.onnx")
	v.SetDefault("classifier.vocab_path", "models/vocab.txt")
	v.SetDefault("classifier.keywords", []string{})
	v.SetDefault("classifier.openai_key", "")
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.base_url", "")
	v.SetDefault("classifier.timeout", 30*time.Second)

	v.SetDefault("alerts.recipients", []string{"ops@example.com"})
	v.SetDefault("alerts.channels", []string{"log"})
	v.SetDefault("alerts.retention", 30*24*time.Hour)

	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "sentinel@example.com")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.pattern_interval", time.Hour)
	v.SetDefault("scheduler.pattern_window_hours", 24)
	v.SetDefault("scheduler.cleanup_interval", 24*time.Hour)

	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password_hash", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)
	v.SetDefault("log.file", "")
}

// Load reads configuration. An explicit path takes precedence over the search
// paths; SENTINEL_* environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sentinel/")
		v.AddConfigPath("$HOME/.sentinel")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Classifier.Backend {
	case "keyword", "onnx", "openai":
	default:
		return fmt.Errorf("unsupported classifier backend %q", c.Classifier.Backend)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive")
	}
	for _, r := range c.Alerts.Recipients {
		if !models.IsValidEmail(r) {
			return fmt.Errorf("alerts.recipients: invalid address %q", r)
		}
	}
	if c.Scheduler.PatternWindowHrs < 1 {
		return fmt.Errorf("scheduler.pattern_window_hours must be a positive integer")
	}
	return nil
}
