package replication

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
	"github.com/techfest/festdb/internal/store/sqlitestore"
	"github.com/techfest/festdb/internal/store/storetest"
)

const institutions = schema.TableInstitutions

func newTestBackup(t *testing.T) *storetest.Faulty {
	t.Helper()
	s, err := sqlitestore.Open(":memory:", schema.Default(), sqlitestore.WithName("backup"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return storetest.NewFaulty(s)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, cfg Config, opts ...JournalOption) (*Coordinator, *storetest.Faulty, *fakeClock) {
	t.Helper()
	j, clock := newTestJournal(t, opts...)
	backup := newTestBackup(t)
	c := NewCoordinator(j, backup, cfg, WithLogger(quietLogger()))
	return c, backup, clock
}

func TestDrainOnceReplaysIntoBackup(t *testing.T) {
	ctx := context.Background()
	c, backup, _ := newTestCoordinator(t, Config{})

	snap := snapshot("inst-1", "NIT")
	task, err := c.Journal().Enqueue(ctx, institutions, OpInsert, "inst-1", snap)
	require.NoError(t, err)

	res, err := c.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Replayed: 1}, res)

	got, err := backup.ReadOne(ctx, institutions, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	done, err := c.Journal().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, int64(1), c.Stats().Replayed)
}

func TestDrainOnceKeepsTableOrder(t *testing.T) {
	ctx := context.Background()
	c, backup, _ := newTestCoordinator(t, Config{})
	j := c.Journal()

	first := snapshot("inst-1", "NIT")
	second := snapshot("inst-1", "NIT Trichy")
	second["updated_at"] = "2025-03-01T10:00:00.000000Z"
	_, err := j.Enqueue(ctx, institutions, OpInsert, "inst-1", first)
	require.NoError(t, err)
	_, err = j.Enqueue(ctx, institutions, OpUpdate, "inst-1", second)
	require.NoError(t, err)
	_, err = j.Enqueue(ctx, institutions, OpDelete, "inst-1", nil)
	require.NoError(t, err)
	_, err = j.Enqueue(ctx, institutions, OpInsert, "inst-1", first)
	require.NoError(t, err)

	res, err := c.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Replayed)

	got, err := backup.ReadOne(ctx, institutions, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, backup, _ := newTestCoordinator(t, Config{})

	snap := snapshot("inst-1", "NIT")
	task := Task{Table: institutions, Op: OpInsert, RecordID: "inst-1", Payload: snap}

	require.NoError(t, c.apply(ctx, task))
	once, err := backup.Read(ctx, institutions, store.Query{})
	require.NoError(t, err)

	require.NoError(t, c.apply(ctx, task))
	twice, err := backup.Read(ctx, institutions, store.Query{})
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	del := Task{Table: institutions, Op: OpDelete, RecordID: "inst-1"}
	require.NoError(t, c.apply(ctx, del))
	require.NoError(t, c.apply(ctx, del))
	_, err = backup.ReadOne(ctx, institutions, "inst-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateForRecordMissingFromBackupUpserts(t *testing.T) {
	ctx := context.Background()
	c, backup, _ := newTestCoordinator(t, Config{})

	snap := snapshot("inst-7", "IIIT")
	_, err := c.Journal().Enqueue(ctx, institutions, OpUpdate, "inst-7", snap)
	require.NoError(t, err)

	res, err := c.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)

	got, err := backup.ReadOne(ctx, institutions, "inst-7")
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestBackupOfflineThreeAttemptsThenRecovers(t *testing.T) {
	ctx := context.Background()
	c, backup, clock := newTestCoordinator(t, Config{})
	j := c.Journal()

	snap := snapshot("inst-1", "NIT")
	task, err := j.Enqueue(ctx, institutions, OpInsert, "inst-1", snap)
	require.NoError(t, err)
	backup.FailNext(3)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		res, err := c.DrainOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{Failed: 1}, res, "attempt %d", attempt)

		got, err := j.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailedRetry, got.Status)
		assert.Equal(t, attempt, got.Attempts)
		delay := got.AvailableAt.Sub(clock.Now())
		delays = append(delays, delay)

		// Nothing is claimable before the backoff elapses.
		res, err = c.DrainOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{}, res)
		clock.Advance(delay)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	res, err := c.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Replayed: 1}, res)
	assert.Equal(t, 4, backup.Calls("upsert"))

	got, err := backup.ReadOne(ctx, institutions, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	hist, err := j.History(ctx, task.ID)
	require.NoError(t, err)
	var path []Status
	for _, h := range hist {
		path = append(path, h.To)
	}
	assert.Equal(t, []Status{
		StatusPending,
		StatusInFlight, StatusFailedRetry, StatusPending,
		StatusInFlight, StatusFailedRetry, StatusPending,
		StatusInFlight, StatusFailedRetry, StatusPending,
		StatusInFlight, StatusSucceeded,
	}, path)

	counts, err := j.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Outstanding())
	assert.Equal(t, 1, counts.Succeeded)
}

func TestExhaustedTaskIsParked(t *testing.T) {
	ctx := context.Background()
	c, backup, clock := newTestCoordinator(t, Config{}, WithMaxAttempts(2))
	backup.SetDown(true)

	task, err := c.Journal().Enqueue(ctx, institutions, OpInsert, "inst-1", snapshot("inst-1", "NIT"))
	require.NoError(t, err)

	_, err = c.DrainOnce(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = c.DrainOnce(ctx)
	require.NoError(t, err)

	got, err := c.Journal().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedFinal, got.Status)
	assert.Contains(t, got.LastError, storetest.ErrInjected.Error())
	assert.Equal(t, int64(1), c.Stats().Abandoned)

	// Recovery of the backup does not revive a parked task.
	backup.SetDown(false)
	clock.Advance(time.Hour)
	res, err := c.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)

	counts, err := c.Journal().Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.FailedFinal)
	assert.Equal(t, 0, counts.Outstanding())
}

func TestInvalidSnapshotIsParkedWithoutRetry(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t, Config{})

	bad := store.Record{"id": "inst-1", "type": "college"}
	task, err := c.Journal().Enqueue(ctx, institutions, OpInsert, "inst-1", bad)
	require.NoError(t, err)

	res, err := c.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, res)

	got, err := c.Journal().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedFinal, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestWorkersReplayInBackground(t *testing.T) {
	ctx := context.Background()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	backup := newTestBackup(t)

	// A task orphaned by a crashed worker.
	orphan, err := j.Enqueue(ctx, institutions, OpInsert, "inst-0", snapshot("inst-0", "Old"))
	require.NoError(t, err)
	_, err = j.Claim(ctx, "crashed", 1, time.Hour)
	require.NoError(t, err)

	c := NewCoordinator(j, backup, Config{Workers: 2, PollInterval: 10 * time.Millisecond}, WithLogger(quietLogger()))
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.Running())

	for _, id := range []string{"inst-1", "inst-2"} {
		_, err := j.Enqueue(ctx, institutions, OpInsert, id, snapshot(id, id))
		require.NoError(t, err)
		c.Notify()
	}

	require.Eventually(t, func() bool {
		all, err := backup.Read(ctx, institutions, store.Query{})
		return err == nil && len(all) == 3
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
	assert.False(t, c.Running())

	got, err := j.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
}

func TestSecondCoordinatorIsLockedOut(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { j1.Close() })
	j2, err := OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { j2.Close() })

	backup := newTestBackup(t)
	c1 := NewCoordinator(j1, backup, Config{}, WithLogger(quietLogger()))
	c2 := NewCoordinator(j2, backup, Config{LockTimeout: 50 * time.Millisecond}, WithLogger(quietLogger()))

	require.NoError(t, c1.Start(ctx))
	assert.ErrorIs(t, c2.Start(ctx), ErrJournalLocked)
	_, err = c2.DrainOnce(ctx)
	assert.ErrorIs(t, err, ErrJournalLocked)

	require.NoError(t, c1.Stop(ctx))
	require.NoError(t, c2.Start(ctx))
	require.NoError(t, c2.Stop(ctx))
}

// hangingStore blocks every upsert until the caller gives up.
type hangingStore struct {
	store.Store
	started chan struct{}
}

func (h *hangingStore) Upsert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	select {
	case h.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, store.Unavailable("backup", ctx.Err())
}

func TestStopDeadlineReleasesTaskWithoutSpendingAttempt(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJournal(t)
	backup := &hangingStore{Store: newTestBackup(t), started: make(chan struct{}, 1)}

	task, err := j.Enqueue(ctx, institutions, OpInsert, "inst-1", snapshot("inst-1", "NIT"))
	require.NoError(t, err)

	c := NewCoordinator(j, backup, Config{Workers: 1, PollInterval: 10 * time.Millisecond},
		WithLogger(quietLogger()))
	require.NoError(t, c.Start(ctx))
	<-backup.started

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(stopCtx), context.DeadlineExceeded)

	got, err := j.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.Equal(t, int64(0), c.Stats().Failed)

	history, err := j.History(ctx, task.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, StatusInFlight, last.From)
	assert.Equal(t, StatusPending, last.To)
	assert.Equal(t, "interrupted", last.Reason)

	// The next owner replays it normally.
	next := NewCoordinator(j, newTestBackup(t), Config{}, WithLogger(quietLogger()))
	res, err := next.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Replayed: 1}, res)
}
