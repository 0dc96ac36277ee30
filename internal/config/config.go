// Package config loads and validates labelscan configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LABELSCAN_QUEUE_ADDR.
const EnvPrefix = "LABELSCAN"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Queue      QueueConfig      `mapstructure:"queue"`
	DB         DBConfig         `mapstructure:"db"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles and the default owner.
type AuthConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	APIKey         string `mapstructure:"api_key"`
	DefaultOwnerID int64  `mapstructure:"default_owner_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig selects the pending-job store.
type QueueConfig struct {
	Provider string `mapstructure:"provider"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig selects and tunes the image record store.
type DBConfig struct {
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// FetchConfig configures image downloads.
type FetchConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
	RatePerHost        float64       `mapstructure:"rate_per_host"`
	Burst              int           `mapstructure:"burst"`
}

// ClassifierConfig configures OCR.
type ClassifierConfig struct {
	Workers    int    `mapstructure:"workers"`
	TargetText string `mapstructure:"target_text"`
	Language   string `mapstructure:"language"`
}

// DispatcherConfig bounds unit scheduling.
type DispatcherConfig struct {
	MaxConcurrentUnits int           `mapstructure:"max_concurrent_units"`
	MaxTrackedTasks    int           `mapstructure:"max_tracked_tasks"`
	UnitTimeout        time.Duration `mapstructure:"unit_timeout"`
}

// ArchiveConfig selects where matched label images are copied.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	BaseDir  string `mapstructure:"base_dir"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for outcome notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig controls span export to Cloud Trace.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ProjectID   string  `mapstructure:"project_id"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.default_owner_id", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.addr", "localhost:6379")
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.db", 0)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "images")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.sqlite_path", "data/labelscan.db")
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.user_agent", "labelscan/0.1")
	v.SetDefault("fetch.insecure_skip_verify", true)
	v.SetDefault("fetch.max_body_bytes", 20<<20)
	v.SetDefault("fetch.rate_per_host", 0)
	v.SetDefault("fetch.burst", 4)
	v.SetDefault("classifier.workers", 0)
	v.SetDefault("classifier.target_text", "Nutrition Facts")
	v.SetDefault("classifier.language", "eng")
	v.SetDefault("dispatcher.max_concurrent_units", 64)
	v.SetDefault("dispatcher.max_tracked_tasks", 10000)
	v.SetDefault("dispatcher.unit_timeout", 5*time.Minute)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "data/labels")
	v.SetDefault("archive.prefix", "labels")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "label-outcomes")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.service_name", "labelscan")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Provider {
	case "memory":
	case "redis":
		if c.Queue.Addr == "" {
			return fmt.Errorf("queue.addr is required for the redis provider")
		}
	default:
		return fmt.Errorf("queue.provider %q is not one of memory, redis", c.Queue.Provider)
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres provider")
		}
	case "sqlite":
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("db.sqlite_path is required for the sqlite provider")
		}
	default:
		return fmt.Errorf("db.provider %q is not one of memory, postgres, sqlite", c.DB.Provider)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.RatePerHost < 0 {
		return fmt.Errorf("fetch.rate_per_host must be >= 0")
	}
	if c.Classifier.Workers < 0 {
		return fmt.Errorf("classifier.workers must be >= 0")
	}
	if strings.TrimSpace(c.Classifier.TargetText) == "" {
		return fmt.Errorf("classifier.target_text must not be empty")
	}
	if c.Dispatcher.MaxConcurrentUnits <= 0 {
		return fmt.Errorf("dispatcher.max_concurrent_units must be > 0")
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("archive.provider %q is not one of none, memory, local, gcs", c.Archive.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.Tracing.Enabled && c.Tracing.ProjectID == "" {
		return fmt.Errorf("tracing.project_id must be set when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
