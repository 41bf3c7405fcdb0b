package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
	"golang.org/x/sync/errgroup"
)

// Config tunes the coordinator's workers.
type Config struct {
	Workers       int
	Lease         time.Duration
	PollInterval  time.Duration
	ApplyTimeout  time.Duration
	Retention     time.Duration
	PurgeInterval time.Duration
	LockTimeout   time.Duration
}

// DefaultConfig returns the stock worker settings.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		Lease:         30 * time.Second,
		PollInterval:  time.Second,
		ApplyTimeout:  10 * time.Second,
		Retention:     7 * 24 * time.Hour,
		PurgeInterval: time.Hour,
		LockTimeout:   2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = d.ApplyTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = d.PurgeInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	return c
}

// Stats are cumulative replay counters since the coordinator was created.
type Stats struct {
	Replayed  int64 `json:"replayed"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
}

// DrainResult reports what one DrainOnce pass did.
type DrainResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Coordinator replays journal tasks against the backup store.
type Coordinator struct {
	journal *Journal
	backup  store.Store
	cfg     Config
	logger  *slog.Logger
	owner   string
	lock    *ownerLock
	wake    chan struct{}

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc // stops claiming
	abort   context.CancelFunc // cancels replays in progress
	group   *errgroup.Group

	replayed  atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator builds a coordinator over j that replays into backup.
func NewCoordinator(j *Journal, backup store.Store, cfg Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		journal: j,
		backup:  backup,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		owner:   uuid.NewString(),
		wake:    make(chan struct{}, 1),
	}
	if j.Path() != ":memory:" {
		c.lock = newOwnerLock(j.Path())
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Journal returns the coordinator's journal.
func (c *Coordinator) Journal() *Journal { return c.journal }

// Stats returns the replay counters.
func (c *Coordinator) Stats() Stats {
	return Stats{Replayed: c.replayed.Load(), Failed: c.failed.Load(), Abandoned: c.abandoned.Load()}
}

// Running reports whether the workers are started.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Notify wakes a sleeping worker without blocking.
func (c *Coordinator) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Start takes the journal owner lock, returns tasks orphaned by a previous
// crash to pending, and launches the workers and janitor.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("coordinator already running")
	}
	if c.lock != nil {
		if err := c.lock.acquire(c.cfg.LockTimeout); err != nil {
			return err
		}
	}
	n, err := c.journal.RecoverInFlight(ctx)
	if err != nil {
		c.releaseLock()
		return fmt.Errorf("recover in-flight tasks: %w", err)
	}
	if n > 0 {
		c.logger.Info("recovered in-flight tasks", "count", n)
	}

	replayCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, stop := context.WithCancel(ctx)
	g := new(errgroup.Group)
	for i := range c.cfg.Workers {
		owner := fmt.Sprintf("%s/%d", c.owner, i)
		g.Go(func() error {
			c.work(loopCtx, replayCtx, owner)
			return nil
		})
	}
	g.Go(func() error {
		c.janitor(loopCtx)
		return nil
	})

	c.running, c.stop, c.abort, c.group = true, stop, abort, g
	c.logger.Info("replication started", "workers", c.cfg.Workers, "journal", c.journal.Path())
	c.Notify()
	return nil
}

// Stop stops claiming and waits for replays in progress until ctx is done.
// Replays still running at the deadline are cancelled and their tasks go
// back to pending without spending an attempt.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	stop, abort, g := c.stop, c.abort, c.group
	c.running = false
	c.mu.Unlock()

	stop()
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		abort()
		<-done
		err = ctx.Err()
	}
	abort()

	c.mu.Lock()
	c.releaseLock()
	c.mu.Unlock()
	c.logger.Info("replication stopped")
	return err
}

func (c *Coordinator) releaseLock() {
	if c.lock != nil {
		c.lock.release()
	}
}

// DrainOnce replays everything claimable right now and returns when
// nothing is left. Tasks that fail wait out their backoff and are not
// retried within the same pass. Without running workers it takes the owner
// lock for the duration and recovers orphaned tasks first.
func (c *Coordinator) DrainOnce(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	if !c.Running() {
		if c.lock != nil {
			if err := c.lock.acquire(c.cfg.LockTimeout); err != nil {
				return res, err
			}
			defer c.lock.release()
		}
		if _, err := c.journal.RecoverInFlight(ctx); err != nil {
			return res, fmt.Errorf("recover in-flight tasks: %w", err)
		}
	}

	owner := c.owner + "/drain"
	for {
		tasks, err := c.journal.Claim(ctx, owner, c.cfg.Workers, c.cfg.Lease)
		if err != nil {
			return res, err
		}
		if len(tasks) == 0 {
			return res, nil
		}
		for _, t := range tasks {
			if c.process(ctx, owner, t) {
				res.Replayed++
			} else {
				res.Failed++
			}
		}
	}
}

func (c *Coordinator) work(ctx, replayCtx context.Context, owner string) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for ctx.Err() == nil {
			tasks, err := c.journal.Claim(ctx, owner, 1, c.cfg.Lease)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("claim tasks", "err", err)
				}
				break
			}
			if len(tasks) == 0 {
				break
			}
			// Other tables may have work too.
			c.Notify()
			c.process(replayCtx, owner, tasks[0])
		}
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// process replays one claimed task and records the outcome. It reports
// whether the replay succeeded.
func (c *Coordinator) process(ctx context.Context, owner string, t Task) bool {
	applyCtx, cancel := context.WithTimeout(ctx, c.cfg.ApplyTimeout)
	err := c.apply(applyCtx, t)
	cancel()

	// Bookkeeping outlives the replay deadline.
	bookCtx := context.WithoutCancel(ctx)
	log := c.logger.With("task", t.ID, "table", t.Table, "op", string(t.Op), "id", t.RecordID)

	if err == nil {
		if cerr := c.journal.Complete(bookCtx, t.ID, owner); cerr != nil {
			log.Warn("complete task", "err", cerr)
			return false
		}
		c.replayed.Add(1)
		log.Debug("task replayed", "attempt", t.Attempts+1)
		return true
	}

	if ctx.Err() != nil {
		// Interrupted by shutdown, not refused by the backup.
		if rerr := c.journal.Release(bookCtx, t.ID, owner, "interrupted"); rerr != nil {
			log.Warn("release interrupted task", "err", rerr)
		} else {
			log.Info("replay interrupted, task released", "err", err)
		}
		return false
	}

	c.failed.Add(1)
	var updated Task
	var ferr error
	if schema.IsValidation(err) || errors.Is(err, store.ErrUnknownTable) {
		updated, ferr = c.journal.Abandon(bookCtx, t.ID, owner, err)
	} else {
		updated, ferr = c.journal.Fail(bookCtx, t.ID, owner, err)
	}
	if ferr != nil {
		log.Warn("record task failure", "err", ferr, "cause", err)
		return false
	}
	if updated.Status == StatusFailedFinal {
		c.abandoned.Add(1)
		log.Error("task failed permanently", "attempt", updated.Attempts, "err", err)
	} else {
		log.Warn("task failed, will retry", "attempt", updated.Attempts,
			"retry_in", time.Until(updated.AvailableAt).Round(time.Millisecond), "err", err)
	}
	return false
}

func (c *Coordinator) apply(ctx context.Context, t Task) error {
	switch t.Op {
	case OpInsert, OpUpdate:
		if t.Payload == nil {
			return &store.ValidationError{Table: t.Table, Reason: "task has no payload"}
		}
		_, err := c.backup.Upsert(ctx, t.Table, t.Payload)
		return err
	case OpDelete:
		_, err := c.backup.Remove(ctx, t.Table, t.RecordID)
		return err
	}
	return fmt.Errorf("unknown op %q", t.Op)
}

func (c *Coordinator) janitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.journal.Purge(ctx, c.cfg.Retention)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("purge tasks", "err", err)
				}
				continue
			}
			if n > 0 {
				c.logger.Info("purged succeeded tasks", "count", n)
			}
		}
	}
}
