package facade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/techfest/festdb/internal/replication"
	"github.com/techfest/festdb/internal/store"
)

// Health summarizes store reachability and replication backlog.
type Health struct {
	PrimaryReachable        bool  `json:"primaryReachable"`
	BackupReachable         bool  `json:"backupReachable"`
	PendingReplicationCount int   `json:"pendingReplicationCount"`
	FailedFinalCount        int   `json:"failedFinalCount"`
	OldestPendingAgeSeconds int64 `json:"oldestPendingAgeSeconds"`

	PrimaryRevision  int64 `json:"primaryRevision"`
	BackupRevision   int64 `json:"backupRevision"`
	InFlightCount    int   `json:"inFlightCount"`
	FailedRetryCount int   `json:"failedRetryCount"`

	PrimaryError string `json:"primaryError,omitempty"`
	BackupError  string `json:"backupError,omitempty"`
}

// Healthy reports whether both stores answer and nothing is parked.
func (h Health) Healthy() bool {
	return h.PrimaryReachable && h.BackupReachable && h.FailedFinalCount == 0
}

// Health probes both stores and reads the journal counters.
func (f *Facade) Health(ctx context.Context) (Health, error) {
	var h Health
	pctx, cancel := f.bounded(ctx)
	if err := f.primary.Ping(pctx); err != nil {
		h.PrimaryError = err.Error()
	} else {
		h.PrimaryReachable = true
	}
	cancel()

	bctx, cancel := f.bounded(ctx)
	if err := f.backup.Ping(bctx); err != nil {
		h.BackupError = err.Error()
	} else {
		h.BackupReachable = true
	}
	cancel()

	h.PrimaryRevision = f.primary.Revision()
	h.BackupRevision = f.backup.Revision()

	counts, err := f.journal.Counts(ctx)
	if err != nil {
		return h, fmt.Errorf("journal counts: %w", err)
	}
	h.PendingReplicationCount = counts.Outstanding()
	h.FailedFinalCount = counts.FailedFinal
	h.InFlightCount = counts.InFlight
	h.FailedRetryCount = counts.FailedRetry
	if counts.OldestPending != nil {
		age := int64(f.now().Sub(*counts.OldestPending) / time.Second)
		h.OldestPendingAgeSeconds = max(age, 0)
	}
	return h, nil
}

// Resync queues a task that brings the backup copy of one record in line
// with the primary: an upsert of the current primary snapshot, or a delete
// when the primary no longer has the record.
func (f *Facade) Resync(ctx context.Context, table, id string) (replication.Task, error) {
	if err := f.checkTable(table); err != nil {
		return replication.Task{}, err
	}
	return f.resync(ctx, table, id)
}

// resync reads and enqueues under the record's lock so a concurrent write
// cannot slip a newer snapshot in ahead of the one read here.
func (f *Facade) resync(ctx context.Context, table, id string) (replication.Task, error) {
	unlock := f.keys.lock(table, id)
	defer unlock()
	pctx, cancel := f.bounded(ctx)
	rec, err := f.primary.ReadOne(pctx, table, id)
	cancel()
	switch {
	case errors.Is(err, store.ErrNotFound):
		return f.enqueue(ctx, table, replication.OpDelete, id, nil)
	case err != nil:
		return replication.Task{}, err
	}
	return f.enqueue(ctx, table, replication.OpUpdate, id, rec)
}

// Backfill resyncs every primary record of table and returns how many
// tasks were queued. Each record is re-read under its lock, so the listing
// only supplies ids.
func (f *Facade) Backfill(ctx context.Context, table string) (int, error) {
	if err := f.checkTable(table); err != nil {
		return 0, err
	}
	pctx, cancel := f.bounded(ctx)
	recs, err := f.primary.Read(pctx, table, store.Query{})
	cancel()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if _, err := f.resync(ctx, table, rec.ID()); err != nil {
			return n, err
		}
		n++
	}
	f.logger.Info("backfill queued", "table", table, "count", n)
	return n, nil
}

// TaskDetail is a task with its transition history.
type TaskDetail struct {
	replication.Task
	History []replication.Transition `json:"history"`
}

// Tasks lists replication tasks.
func (f *Facade) Tasks(ctx context.Context, filter replication.Filter) ([]replication.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &store.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	tasks, err := f.journal.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []replication.Task{}
	}
	return tasks, nil
}

// Task returns one task and its history.
func (f *Facade) Task(ctx context.Context, id string) (TaskDetail, error) {
	t, err := f.journal.Get(ctx, id)
	if err != nil {
		return TaskDetail{}, err
	}
	hist, err := f.journal.History(ctx, id)
	if err != nil {
		return TaskDetail{}, err
	}
	return TaskDetail{Task: t, History: hist}, nil
}

// Requeue repairs a parked task by resyncing its record. The parked task
// itself stays failed_final; the returned task is the fresh one.
func (f *Facade) Requeue(ctx context.Context, id string) (replication.Task, error) {
	t, err := f.journal.Get(ctx, id)
	if err != nil {
		return replication.Task{}, err
	}
	if t.Status != replication.StatusFailedFinal {
		return replication.Task{}, &store.ValidationError{
			Table:  t.Table,
			Reason: fmt.Sprintf("task %s is %s; only failed_final tasks can be requeued", id, t.Status),
		}
	}
	return f.Resync(ctx, t.Table, t.RecordID)
}

// Purge removes succeeded tasks older than retention.
func (f *Facade) Purge(ctx context.Context, retention time.Duration) (int, error) {
	return f.journal.Purge(ctx, retention)
}
