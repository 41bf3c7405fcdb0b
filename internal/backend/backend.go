// Package backend assembles the stores, journal, coordinator and facade
// from a Config and owns their lifecycle.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/facade"
	"github.com/techfest/festdb/internal/replication"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
	"github.com/techfest/festdb/internal/store/pgstore"
	"github.com/techfest/festdb/internal/store/sqlitestore"
)

// schemaTimeout bounds table creation on a Postgres store at startup.
const schemaTimeout = 10 * time.Second

// Backend is a fully wired festdb data layer.
type Backend struct {
	Config      config.Config
	Registry    *schema.Registry
	Primary     store.Store
	Backup      store.Store
	Journal     *replication.Journal
	Coordinator *replication.Coordinator
	Facade      *facade.Facade

	logger *slog.Logger
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *schema.Registry
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry replaces the tech-fest registry.
func WithRegistry(r *schema.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Open builds every component. Workers are not started; call Start.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Backend, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = schema.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Backend{Config: cfg, Registry: o.registry, logger: o.logger}
	var err error
	if b.Primary, err = openStore(ctx, "primary", cfg.Primary, o.registry, o.logger); err != nil {
		return nil, err
	}
	if b.Backup, err = openStore(ctx, "backup", cfg.Backup, o.registry, o.logger); err != nil {
		b.Primary.Close()
		return nil, err
	}

	r := cfg.Replication
	b.Journal, err = replication.OpenJournal(cfg.Journal.Path,
		replication.WithMaxAttempts(r.MaxAttempts),
		replication.WithBackoff(replication.Backoff{
			Base:   r.BaseDelay.Std(),
			Max:    r.MaxDelay.Std(),
			Factor: 2,
			Jitter: r.Jitter,
		}),
	)
	if err != nil {
		b.Primary.Close()
		b.Backup.Close()
		return nil, err
	}

	b.Coordinator = replication.NewCoordinator(b.Journal, b.Backup, replication.Config{
		Workers:       r.Workers,
		Lease:         r.Lease.Std(),
		PollInterval:  r.PollInterval.Std(),
		ApplyTimeout:  r.ApplyTimeout.Std(),
		Retention:     r.Retention.Std(),
		PurgeInterval: r.PurgeInterval.Std(),
	}, replication.WithLogger(o.logger))

	b.Facade = facade.New(o.registry, b.Primary, b.Backup, b.Journal,
		facade.WithNotifier(b.Coordinator),
		facade.WithTimeout(cfg.Server.RequestTimeout.Std()),
		facade.WithLogger(o.logger),
	)
	return b, nil
}

// openStore opens one adapter. A Postgres server that cannot be reached is
// not fatal: the store reports unavailable until it comes back, and its
// tables are created by the first call that reaches it.
func openStore(ctx context.Context, name string, sc config.StoreConfig, reg *schema.Registry, logger *slog.Logger) (store.Store, error) {
	switch sc.Driver {
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, sc.DSN, reg, pgstore.WithName(name))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		sctx, cancel := context.WithTimeout(ctx, schemaTimeout)
		defer cancel()
		if err := s.EnsureSchema(sctx); err != nil {
			if !store.IsUnavailable(err) {
				s.Close()
				return nil, fmt.Errorf("prepare %s schema: %w", name, err)
			}
			logger.Warn("store unreachable at startup", "store", name, "err", err)
		}
		return s, nil
	case config.DriverSQLite, config.DriverSQLite3:
		s, err := sqlitestore.Open(sc.DSN, reg, sqlitestore.WithName(name), sqlitestore.WithDriver(sc.Driver))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("open %s: unknown driver %q", name, sc.Driver)
	}
}

// Start launches the replication workers.
func (b *Backend) Start(ctx context.Context) error {
	return b.Coordinator.Start(ctx)
}

// Close stops the workers, waiting until ctx is done for replays in
// progress, and closes the journal and both stores.
func (b *Backend) Close(ctx context.Context) error {
	var errs []error
	if err := b.Coordinator.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop replication: %w", err))
	}
	if err := b.Journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	if err := b.Primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close primary: %w", err))
	}
	if err := b.Backup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backup: %w", err))
	}
	return errors.Join(errs...)
}
