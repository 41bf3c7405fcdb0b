// Package facade is the single entry point for record access. Reads go to
// the primary store and fall back to the backup when the primary is
// unavailable; writes go to the primary and are queued for replication.
package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/techfest/festdb/internal/replication"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
)

// Notifier is told when new replication work was enqueued.
type Notifier interface {
	Notify()
}

// Result is the outcome of a multi-record read.
type Result struct {
	Records  []store.Record `json:"records"`
	Degraded bool           `json:"degraded"`
	Source   string         `json:"source"`
}

// RecordResult is the outcome of a single-record read.
type RecordResult struct {
	Record   store.Record `json:"record"`
	Degraded bool         `json:"degraded"`
	Source   string       `json:"source"`
}

// Facade routes record operations across the primary and backup stores.
type Facade struct {
	reg      *schema.Registry
	primary  store.Store
	backup   store.Store
	journal  *replication.Journal
	notifier Notifier
	hub      *Hub
	keys     *keyLocks
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Facade.
type Option func(*Facade)

// WithNotifier wakes the replication workers after each enqueue.
func WithNotifier(n Notifier) Option {
	return func(f *Facade) { f.notifier = n }
}

// WithTimeout bounds each store call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(f *Facade) { f.timeout = d }
}

// WithLogger sets the facade's logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// WithHub publishes committed changes to h.
func WithHub(h *Hub) Option {
	return func(f *Facade) { f.hub = h }
}

// WithClock overrides the time source used for health ages.
func WithClock(now func() time.Time) Option {
	return func(f *Facade) { f.now = now }
}

// New builds a facade.
func New(reg *schema.Registry, primary, backup store.Store, journal *replication.Journal, opts ...Option) *Facade {
	f := &Facade{
		reg:     reg,
		primary: primary,
		backup:  backup,
		journal: journal,
		hub:     NewHub(),
		keys:    newKeyLocks(),
		logger:  slog.Default(),
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Registry returns the schema registry.
func (f *Facade) Registry() *schema.Registry { return f.reg }

// Hub returns the change hub.
func (f *Facade) Hub() *Hub { return f.hub }

// Journal returns the replication journal.
func (f *Facade) Journal() *replication.Journal { return f.journal }

func (f *Facade) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}

func (f *Facade) checkTable(table string) error {
	if !f.reg.Has(table) {
		return fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	return nil
}

// Read returns the records of table matching q. When the primary is
// unavailable the backup answers and the result is marked degraded.
func (f *Facade) Read(ctx context.Context, table string, q store.Query) (Result, error) {
	if err := f.checkTable(table); err != nil {
		return Result{}, err
	}
	pctx, cancel := f.bounded(ctx)
	recs, err := f.primary.Read(pctx, table, q)
	cancel()
	if err == nil {
		return Result{Records: orEmpty(recs), Source: f.primary.Name()}, nil
	}
	if !store.IsUnavailable(err) {
		return Result{}, err
	}

	f.logger.Warn("primary read failed, using backup", "table", table, "err", err)
	bctx, cancel := f.bounded(ctx)
	defer cancel()
	recs, berr := f.backup.Read(bctx, table, q)
	if berr != nil {
		return Result{}, fallbackError(f.backup.Name(), err, berr)
	}
	return Result{Records: orEmpty(recs), Degraded: true, Source: f.backup.Name()}, nil
}

// ReadOne returns one record by id, falling back like Read.
func (f *Facade) ReadOne(ctx context.Context, table, id string) (RecordResult, error) {
	if err := f.checkTable(table); err != nil {
		return RecordResult{}, err
	}
	pctx, cancel := f.bounded(ctx)
	rec, err := f.primary.ReadOne(pctx, table, id)
	cancel()
	if err == nil {
		return RecordResult{Record: rec, Source: f.primary.Name()}, nil
	}
	if !store.IsUnavailable(err) {
		return RecordResult{}, err
	}

	f.logger.Warn("primary read failed, using backup", "table", table, "id", id, "err", err)
	bctx, cancel := f.bounded(ctx)
	defer cancel()
	rec, berr := f.backup.ReadOne(bctx, table, id)
	if errors.Is(berr, store.ErrNotFound) {
		return RecordResult{Degraded: true, Source: f.backup.Name()}, berr
	}
	if berr != nil {
		return RecordResult{}, fallbackError(f.backup.Name(), err, berr)
	}
	return RecordResult{Record: rec, Degraded: true, Source: f.backup.Name()}, nil
}

// fallbackError reports both failures and keeps ErrUnavailable matchable.
func fallbackError(backupName string, primaryErr, backupErr error) error {
	return store.Unavailable(backupName, fmt.Errorf("primary: %v; backup: %w", primaryErr, backupErr))
}

func orEmpty(recs []store.Record) []store.Record {
	if recs == nil {
		return []store.Record{}
	}
	return recs
}

// Insert writes a new record to the primary and queues its replication.
// If the primary write succeeds but the task cannot be persisted, the
// record is returned together with an error wrapping ErrEnqueue.
func (f *Facade) Insert(ctx context.Context, table string, fields store.Record) (store.Record, error) {
	if err := f.checkTable(table); err != nil {
		return nil, err
	}
	unlock := f.keys.lock(table, fields.ID())
	defer unlock()
	pctx, cancel := f.bounded(ctx)
	rec, err := f.primary.Insert(pctx, table, fields)
	cancel()
	if err != nil {
		return nil, err
	}
	_, qerr := f.enqueue(ctx, table, replication.OpInsert, rec.ID(), rec)
	f.publish(table, replication.OpInsert, rec.ID(), rec)
	return rec, qerr
}

// Update applies a partial update on the primary and queues the resulting
// snapshot.
func (f *Facade) Update(ctx context.Context, table, id string, fields store.Record) (store.Record, error) {
	if err := f.checkTable(table); err != nil {
		return nil, err
	}
	unlock := f.keys.lock(table, id)
	defer unlock()
	pctx, cancel := f.bounded(ctx)
	rec, err := f.primary.Update(pctx, table, id, fields)
	cancel()
	if err != nil {
		return nil, err
	}
	_, qerr := f.enqueue(ctx, table, replication.OpUpdate, id, rec)
	f.publish(table, replication.OpUpdate, id, rec)
	return rec, qerr
}

// Remove deletes a record from the primary and queues the delete. A remove
// of a missing id still queues a delete so the backup converges.
func (f *Facade) Remove(ctx context.Context, table, id string) (store.RemoveResult, error) {
	if err := f.checkTable(table); err != nil {
		return store.RemoveResult{}, err
	}
	unlock := f.keys.lock(table, id)
	defer unlock()
	pctx, cancel := f.bounded(ctx)
	res, err := f.primary.Remove(pctx, table, id)
	cancel()
	if err != nil {
		return store.RemoveResult{}, err
	}
	_, qerr := f.enqueue(ctx, table, replication.OpDelete, id, nil)
	if !res.Noop {
		f.publish(table, replication.OpDelete, id, nil)
	}
	return res, qerr
}

// enqueue persists a task under a context detached from the caller, so a
// client that hangs up after the primary write cannot lose the task.
func (f *Facade) enqueue(ctx context.Context, table string, op replication.Op, id string, rec store.Record) (replication.Task, error) {
	task, err := f.journal.Enqueue(context.WithoutCancel(ctx), table, op, id, rec)
	if err != nil {
		f.logger.Error("enqueue replication task", "table", table, "id", id, "op", string(op), "err", err)
		return replication.Task{}, fmt.Errorf("%w: %s %s/%s: %w", replication.ErrEnqueue, op, table, id, err)
	}
	if f.notifier != nil {
		f.notifier.Notify()
	}
	return task, nil
}

func (f *Facade) publish(table string, op replication.Op, id string, rec store.Record) {
	if f.hub == nil {
		return
	}
	f.hub.Publish(Change{Table: table, Op: op, ID: id, Record: f.reg.Redact(table, rec), At: f.now().UTC()})
}
