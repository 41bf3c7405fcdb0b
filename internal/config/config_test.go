package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "festdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("FESTDB_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Source)
	assert.Equal(t, Default().Replication, cfg.Replication)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
primary:
  driver: postgres
  dsn: postgres://fest@localhost/fest
replication:
  workers: 8
  retention: 30d
  base_delay: 500ms
server:
  cors_allowed_origins: [https://fest.example]
log:
  format: text
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, DriverPostgres, cfg.Primary.Driver)
	assert.Equal(t, "postgres://fest@localhost/fest", cfg.Primary.DSN)
	assert.Equal(t, 8, cfg.Replication.Workers)
	assert.Equal(t, 30*24*time.Hour, cfg.Replication.Retention.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Replication.BaseDelay.Std())
	assert.Equal(t, []string{"https://fest.example"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, "text", cfg.Log.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Backup, cfg.Backup)
	assert.Equal(t, 5, cfg.Replication.MaxAttempts)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "replication:\n  workers: 8\n")
	t.Setenv("FESTDB_WORKERS", "2")
	t.Setenv("FESTDB_LEASE", "1m")
	t.Setenv("FESTDB_ADMIN_TOKEN", "s3cret")
	t.Setenv("FESTDB_CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("FESTDB_BACKUP_DRIVER", "sqlite3")
	t.Setenv("FESTDB_WEBHOOK_URL", "https://hooks.example/festdb")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Replication.Workers)
	assert.Equal(t, time.Minute, cfg.Replication.Lease.Std())
	assert.Equal(t, "s3cret", cfg.Server.AdminToken)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, DriverSQLite3, cfg.Backup.Driver)
	assert.Equal(t, "https://hooks.example/festdb", cfg.Webhook.URL)
}

func TestConfigEnvLocatesFile(t *testing.T) {
	path := writeFile(t, "log:\n  level: debug\n")
	t.Setenv("FESTDB_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestBadEnvValuesAreReported(t *testing.T) {
	t.Setenv("FESTDB_CONFIG", "")
	t.Chdir(t.TempDir())
	t.Setenv("FESTDB_WORKERS", "many")
	t.Setenv("FESTDB_RETENTION", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FESTDB_WORKERS")
	assert.Contains(t, err.Error(), "FESTDB_RETENTION")
}

func TestBadFileDuration(t *testing.T) {
	path := writeFile(t, "replication:\n  lease: forever\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid duration "forever"`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Primary.Driver = "mongo" }, "primary.driver"},
		{"missing dsn", func(c *Config) { c.Backup.DSN = "" }, "backup.dsn"},
		{"journal shares store file", func(c *Config) { c.Journal.Path = c.Backup.DSN }, "journal.path"},
		{"no workers", func(c *Config) { c.Replication.Workers = 0 }, "replication.workers"},
		{"max below base", func(c *Config) { c.Replication.MaxDelay = Duration(time.Millisecond) }, "replication.max_delay"},
		{"jitter too big", func(c *Config) { c.Replication.Jitter = 1 }, "replication.jitter"},
		{"apply outlives lease", func(c *Config) { c.Replication.ApplyTimeout = c.Replication.Lease }, "replication.apply_timeout"},
		{"burst missing", func(c *Config) { c.Server.Burst = 0 }, "server.burst"},
		{"webhook scheme", func(c *Config) { c.Webhook.URL = "ftp://hooks.example" }, "webhook.url"},
		{"webhook batch", func(c *Config) { c.Webhook.URL = "https://hooks.example"; c.Webhook.BatchSize = 0 }, "webhook.batch_size"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	cfg.Server.RateLimit = 0
	cfg.Server.Burst = 0
	assert.NoError(t, cfg.Validate(), "burst is irrelevant when rate limiting is off")
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
		ok    bool
	}{
		{"90d", 90 * 24 * time.Hour, true},
		{"0d", 0, true},
		{"1h30m", 90 * time.Minute, true},
		{" 5s ", 5 * time.Second, true},
		{"d", 0, false},
		{"-1d", 0, false},
		{"week", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "festdb.yaml")
	cfg := Default()
	cfg.Replication.Retention = Duration(3 * 24 * time.Hour)
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	got.Source = ""
	assert.Equal(t, cfg, got)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
