package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Queue.Provider)
	require.Equal(t, "memory", cfg.DB.Provider)
	require.Equal(t, "images", cfg.DB.Table)
	require.True(t, cfg.Fetch.InsecureSkipVerify)
	require.Equal(t, 15*time.Second, cfg.Fetch.Timeout)
	require.Equal(t, "Nutrition Facts", cfg.Classifier.TargetText)
	require.Equal(t, 64, cfg.Dispatcher.MaxConcurrentUnits)
	require.Equal(t, int64(1), cfg.Auth.DefaultOwnerID)
	require.Equal(t, "none", cfg.Archive.Provider)
	require.False(t, cfg.Tracing.Enabled)
	require.InDelta(t, 1.0, cfg.Tracing.SampleRatio, 0)
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
  default_owner_id: 42
queue:
  provider: redis
  addr: redis:6379
  db: 2
db:
  provider: postgres
  dsn: postgres://labelscan@db/labelscan
  max_conns: 4
fetch:
  timeout: 5s
  insecure_skip_verify: false
  rate_per_host: 2.5
classifier:
  workers: 3
  target_text: Supplement Facts
dispatcher:
  max_concurrent_units: 8
  unit_timeout: 1m
archive:
  provider: gcs
  bucket: label-archive
pubsub:
  enabled: true
  project_id: proj
  topic: outcomes
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, int64(42), cfg.Auth.DefaultOwnerID)
	require.Equal(t, "redis", cfg.Queue.Provider)
	require.Equal(t, 2, cfg.Queue.DB)
	require.Equal(t, int32(4), cfg.DB.MaxConns)
	require.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	require.False(t, cfg.Fetch.InsecureSkipVerify)
	require.InDelta(t, 2.5, cfg.Fetch.RatePerHost, 0.0001)
	require.Equal(t, 3, cfg.Classifier.Workers)
	require.Equal(t, "Supplement Facts", cfg.Classifier.TargetText)
	require.Equal(t, time.Minute, cfg.Dispatcher.UnitTimeout)
	require.Equal(t, "label-archive", cfg.Archive.Bucket)
	require.Equal(t, "outcomes", cfg.PubSub.Topic)
	require.False(t, cfg.Logging.Development)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LABELSCAN_SERVER_PORT", "7070")
	t.Setenv("LABELSCAN_DB_PROVIDER", "sqlite")
	t.Setenv("LABELSCAN_DB_SQLITE_PATH", "/tmp/x.db")
	t.Setenv("LABELSCAN_CLASSIFIER_TARGET_TEXT", "Ingredients")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.DB.Provider)
	require.Equal(t, "/tmp/x.db", cfg.DB.SQLitePath)
	require.Equal(t, "Ingredients", cfg.Classifier.TargetText)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func validConfig() Config {
	return Config{
		Server:     ServerConfig{Port: 8080},
		Queue:      QueueConfig{Provider: "memory"},
		DB:         DBConfig{Provider: "memory"},
		Fetch:      FetchConfig{Timeout: time.Second},
		Classifier: ClassifierConfig{TargetText: "Nutrition Facts"},
		Dispatcher: DispatcherConfig{MaxConcurrentUnits: 1},
		Archive:    ArchiveConfig{Provider: "none"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "auth key", mutate: func(c *Config) { c.Auth.Enabled = true }, wantErr: "auth.api_key"},
		{name: "queue provider", mutate: func(c *Config) { c.Queue.Provider = "kafka" }, wantErr: "queue.provider"},
		{name: "redis addr", mutate: func(c *Config) { c.Queue = QueueConfig{Provider: "redis"} }, wantErr: "queue.addr"},
		{name: "db provider", mutate: func(c *Config) { c.DB.Provider = "mysql" }, wantErr: "db.provider"},
		{name: "postgres dsn", mutate: func(c *Config) { c.DB.Provider = "postgres" }, wantErr: "db.dsn"},
		{name: "sqlite path", mutate: func(c *Config) { c.DB.Provider = "sqlite" }, wantErr: "db.sqlite_path"},
		{name: "fetch timeout", mutate: func(c *Config) { c.Fetch.Timeout = 0 }, wantErr: "fetch.timeout"},
		{name: "negative rate", mutate: func(c *Config) { c.Fetch.RatePerHost = -1 }, wantErr: "fetch.rate_per_host"},
		{name: "workers", mutate: func(c *Config) { c.Classifier.Workers = -1 }, wantErr: "classifier.workers"},
		{name: "target", mutate: func(c *Config) { c.Classifier.TargetText = "  " }, wantErr: "classifier.target_text"},
		{name: "units", mutate: func(c *Config) { c.Dispatcher.MaxConcurrentUnits = 0 }, wantErr: "dispatcher.max_concurrent_units"},
		{name: "archive provider", mutate: func(c *Config) { c.Archive.Provider = "s3" }, wantErr: "archive.provider"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Archive.Provider = "gcs" }, wantErr: "archive.bucket"},
		{name: "local dir", mutate: func(c *Config) { c.Archive.Provider = "local" }, wantErr: "archive.base_dir"},
		{name: "tracing project", mutate: func(c *Config) { c.Tracing.Enabled = true }, wantErr: "tracing.project_id"},
		{name: "sample ratio", mutate: func(c *Config) { c.Tracing.SampleRatio = 2 }, wantErr: "tracing.sample_ratio"},
		{name: "pubsub", mutate: func(c *Config) { c.PubSub.Enabled = true }, wantErr: "pubsub.project_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
