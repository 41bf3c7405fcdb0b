// Package config loads festdb settings: defaults, then an optional YAML
// file, then FESTDB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "festdb.yaml"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
)

// Duration is a time.Duration that reads Go syntax or whole days ("7d").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// StoreConfig selects a store adapter.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a Postgres connection string or a SQLite path.
	DSN string `yaml:"dsn"`
}

// JournalConfig locates the replication journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// ReplicationConfig tunes the sync coordinator.
type ReplicationConfig struct {
	Workers       int      `yaml:"workers"`
	MaxAttempts   int      `yaml:"max_attempts"`
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	Jitter        float64  `yaml:"jitter"`
	Lease         Duration `yaml:"lease"`
	PollInterval  Duration `yaml:"poll_interval"`
	ApplyTimeout  Duration `yaml:"apply_timeout"`
	Retention     Duration `yaml:"retention"`
	PurgeInterval Duration `yaml:"purge_interval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr         string   `yaml:"listen_addr"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	RequestTimeout     Duration `yaml:"request_timeout"`
	RateLimit          float64  `yaml:"rate_limit"` // requests per second per client IP, 0 disables
	Burst              int      `yaml:"burst"`
	AdminToken         string   `yaml:"admin_token,omitempty"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins,omitempty"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`
}

// WebhookConfig posts committed changes to an external URL. An empty URL
// disables it.
type WebhookConfig struct {
	URL           string   `yaml:"url,omitempty"`
	Secret        string   `yaml:"secret,omitempty"` // HMAC-SHA256 key for X-Festdb-Signature
	Tables        []string `yaml:"tables,omitempty"` // empty means every table
	BatchInterval Duration `yaml:"batch_interval"`
	BatchSize     int      `yaml:"batch_size"`
	Timeout       Duration `yaml:"timeout"`
}

// LogConfig configures slog.
type LogConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
}

// Config is the full festdb configuration.
type Config struct {
	Primary     StoreConfig       `yaml:"primary"`
	Backup      StoreConfig       `yaml:"backup"`
	Journal     JournalConfig     `yaml:"journal"`
	Replication ReplicationConfig `yaml:"replication"`
	Server      ServerConfig      `yaml:"server"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Log         LogConfig         `yaml:"log"`

	// Source is the file the config was read from, if any.
	Source string `yaml:"-"`
}

// Default returns the built-in configuration: a local SQLite primary and
// backup under ./data.
func Default() Config {
	return Config{
		Primary: StoreConfig{Driver: DriverSQLite, DSN: "./data/primary.db"},
		Backup:  StoreConfig{Driver: DriverSQLite, DSN: "./data/backup.db"},
		Journal: JournalConfig{Path: "./data/journal.db"},
		Replication: ReplicationConfig{
			Workers:       4,
			MaxAttempts:   5,
			BaseDelay:     Duration(time.Second),
			MaxDelay:      Duration(time.Minute),
			Jitter:        0.2,
			Lease:         Duration(30 * time.Second),
			PollInterval:  Duration(time.Second),
			ApplyTimeout:  Duration(10 * time.Second),
			Retention:     Duration(7 * 24 * time.Hour),
			PurgeInterval: Duration(time.Hour),
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: Duration(30 * time.Second),
			RequestTimeout:  Duration(5 * time.Second),
			RateLimit:       20,
			Burst:           40,
			MaxBodyBytes:    1 << 20,
		},
		Webhook: WebhookConfig{
			BatchInterval: Duration(time.Second),
			BatchSize:     100,
			Timeout:       Duration(10 * time.Second),
		},
		Log: LogConfig{Format: "json", Level: "info"},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// FESTDB_CONFIG and then ./festdb.yaml are tried, and a missing default
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if v := os.Getenv("FESTDB_CONFIG"); v != "" {
			path, explicit = v, true
		} else {
			path = DefaultFile
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Source = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("FESTDB_PRIMARY_DRIVER", &cfg.Primary.Driver)
	str("FESTDB_PRIMARY_DSN", &cfg.Primary.DSN)
	str("FESTDB_BACKUP_DRIVER", &cfg.Backup.Driver)
	str("FESTDB_BACKUP_DSN", &cfg.Backup.DSN)
	str("FESTDB_JOURNAL_PATH", &cfg.Journal.Path)

	num("FESTDB_WORKERS", &cfg.Replication.Workers)
	num("FESTDB_MAX_ATTEMPTS", &cfg.Replication.MaxAttempts)
	dur("FESTDB_BASE_DELAY", &cfg.Replication.BaseDelay)
	dur("FESTDB_MAX_DELAY", &cfg.Replication.MaxDelay)
	float("FESTDB_JITTER", &cfg.Replication.Jitter)
	dur("FESTDB_LEASE", &cfg.Replication.Lease)
	dur("FESTDB_POLL_INTERVAL", &cfg.Replication.PollInterval)
	dur("FESTDB_APPLY_TIMEOUT", &cfg.Replication.ApplyTimeout)
	dur("FESTDB_RETENTION", &cfg.Replication.Retention)
	dur("FESTDB_PURGE_INTERVAL", &cfg.Replication.PurgeInterval)

	str("FESTDB_LISTEN_ADDR", &cfg.Server.ListenAddr)
	dur("FESTDB_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	dur("FESTDB_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	float("FESTDB_RATE_LIMIT", &cfg.Server.RateLimit)
	num("FESTDB_RATE_BURST", &cfg.Server.Burst)
	str("FESTDB_ADMIN_TOKEN", &cfg.Server.AdminToken)
	if v := os.Getenv("FESTDB_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FESTDB_MAX_BODY_BYTES: %w", err))
		} else {
			cfg.Server.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("FESTDB_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.CORSAllowedOrigins = append(cfg.Server.CORSAllowedOrigins, o)
			}
		}
	}

	str("FESTDB_WEBHOOK_URL", &cfg.Webhook.URL)
	str("FESTDB_WEBHOOK_SECRET", &cfg.Webhook.Secret)

	str("FESTDB_LOG_FORMAT", &cfg.Log.Format)
	str("FESTDB_LOG_LEVEL", &cfg.Log.Level)

	return errors.Join(errs...)
}

// Validate rejects settings the stores, coordinator or server cannot use.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	for _, s := range []struct {
		name string
		sc   StoreConfig
	}{{"primary", c.Primary}, {"backup", c.Backup}} {
		switch s.sc.Driver {
		case DriverPostgres, DriverSQLite, DriverSQLite3:
		default:
			errs = append(errs, fmt.Errorf("%s.driver: unknown driver %q", s.name, s.sc.Driver))
		}
		check(s.sc.DSN != "", "%s.dsn: required", s.name)
	}
	check(c.Journal.Path != "", "journal.path: required")
	if c.Journal.Path != "" && c.Journal.Path != ":memory:" {
		check(c.Journal.Path != c.Primary.DSN && c.Journal.Path != c.Backup.DSN,
			"journal.path: must not share a file with a store")
	}

	r := c.Replication
	check(r.Workers > 0, "replication.workers: must be positive")
	check(r.MaxAttempts > 0, "replication.max_attempts: must be positive")
	check(r.BaseDelay > 0, "replication.base_delay: must be positive")
	check(r.MaxDelay >= r.BaseDelay, "replication.max_delay: must be at least base_delay")
	check(r.Jitter >= 0 && r.Jitter < 1, "replication.jitter: must be in [0, 1)")
	check(r.Lease > 0, "replication.lease: must be positive")
	check(r.ApplyTimeout > 0 && r.ApplyTimeout < r.Lease, "replication.apply_timeout: must be positive and shorter than lease")
	check(r.PollInterval > 0, "replication.poll_interval: must be positive")
	check(r.Retention > 0, "replication.retention: must be positive")
	check(r.PurgeInterval > 0, "replication.purge_interval: must be positive")

	s := c.Server
	check(s.ListenAddr != "", "server.listen_addr: required")
	check(s.RateLimit >= 0, "server.rate_limit: must not be negative")
	check(s.RateLimit == 0 || s.Burst > 0, "server.burst: must be positive when rate_limit is set")
	check(s.MaxBodyBytes > 0, "server.max_body_bytes: must be positive")

	if w := c.Webhook; w.URL != "" {
		u, err := url.Parse(w.URL)
		check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
			"webhook.url: must be an http(s) URL")
		check(w.BatchInterval > 0, "webhook.batch_interval: must be positive")
		check(w.BatchSize > 0, "webhook.batch_size: must be positive")
		check(w.Timeout > 0, "webhook.timeout: must be positive")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// ParseDuration parses a Go duration or a whole number of days such as
// "90d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Save writes cfg as YAML using an atomic write (temp file + rename).
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "festdb-*.yaml.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
