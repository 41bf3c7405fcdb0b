package replication

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techfest/festdb/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// steadyBackoff has no jitter so delays are exact.
func steadyBackoff() Backoff {
	b := DefaultBackoff()
	b.rand = func() float64 { return 0.5 }
	return b
}

func newTestJournal(t *testing.T, opts ...JournalOption) (*Journal, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]JournalOption{WithJournalClock(clock.Now), WithBackoff(steadyBackoff())}, opts...)
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, clock
}

func snapshot(id, name string) store.Record {
	return store.Record{
		"id": id, "name": name, "type": "college", "is_active": true,
		"student_count": float64(0), "order": float64(1),
		"created_at": "2025-03-01T09:00:00.000000Z", "updated_at": "2025-03-01T09:00:00.000000Z",
	}
}

func TestEnqueueAndGet(t *testing.T) {
	ctx := context.Background()
	j, clock := newTestJournal(t)

	task, err := j.Enqueue(ctx, "participating_institutions", OpInsert, "inst-1", snapshot("inst-1", "NIT"))
	require.NoError(t, err)
	assert.Len(t, task.ID, 26)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, defaultMaxAttempts, task.MaxAttempts)

	got, err := j.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Seq, got.Seq)
	assert.Equal(t, "participating_institutions", got.Table)
	assert.Equal(t, OpInsert, got.Op)
	assert.Equal(t, "inst-1", got.RecordID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, clock.Now(), got.CreatedAt)
	assert.Equal(t, "NIT", got.Payload["name"])
	assert.Equal(t, true, got.Payload["is_active"])
	assert.Equal(t, float64(1), got.Payload["order"])

	hist, err := j.History(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, Status(""), hist[0].From)
	assert.Equal(t, StatusPending, hist[0].To)

	_, err = j.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJournal(t)

	_, err := j.Enqueue(ctx, "events", Op("merge"), "e1", nil)
	assert.Error(t, err)
	_, err = j.Enqueue(ctx, "events", OpInsert, "", nil)
	assert.Error(t, err)
}

func TestEnqueueDeleteHasNoPayload(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJournal(t)

	task, err := j.Enqueue(ctx, "events", OpDelete, "e1", store.Record{"id": "e1"})
	require.NoError(t, err)
	got, err := j.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
}

func TestClaimTakesHeadOfEachTable(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJournal(t)

	a1, _ := j.Enqueue(ctx, "events", OpInsert, "a1", snapshot("a1", "x"))
	a2, _ := j.Enqueue(ctx, "events", OpUpdate, "a1", snapshot("a1", "y"))
	b1, _ := j.Enqueue(ctx, "news_updates", OpDelete, "b1", nil)

	claimed, err := j.Claim(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, a1.ID, claimed[0].ID)
	assert.Equal(t, b1.ID, claimed[1].ID)
	assert.Equal(t, StatusInFlight, claimed[0].Status)
	assert.Equal(t, "w1", claimed[0].LeaseOwner)
	require.NotNil(t, claimed[0].LeaseExpiresAt)

	// The second events task waits behind the in-flight head.
	claimed, err = j.Claim(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, j.Complete(ctx, a1.ID, "w1"))
	claimed, err = j.Claim(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, a2.ID, claimed[0].ID)
}

func TestFailRetriesWithBackoffThenParks(t *testing.T) {
	ctx := context.Background()
	j, clock := newTestJournal(t, WithMaxAttempts(2))

	first, _ := j.Enqueue(ctx, "events", OpInsert, "e1", snapshot("e1", "x"))
	second, _ := j.Enqueue(ctx, "events", OpInsert, "e2", snapshot("e2", "y"))

	claimed, err := j.Claim(ctx, "w", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	failed, err := j.Fail(ctx, first.ID, "w", errors.New("backup down"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailedRetry, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, clock.Now().Add(time.Second), failed.AvailableAt)

	// Not due yet, and it still blocks the table.
	claimed, err = j.Claim(ctx, "w", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clock.Advance(time.Second)
	claimed, err = j.Claim(ctx, "w", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)

	failed, err = j.Fail(ctx, first.ID, "w", errors.New("still down"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailedFinal, failed.Status)
	assert.Equal(t, 2, failed.Attempts)

	got, err := j.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "still down", got.LastError)
	assert.NotNil(t, got.FinishedAt)

	counts, err := j.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.FailedFinal)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Outstanding())

	// A parked task no longer blocks its table.
	claimed, err = j.Claim(ctx, "w", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, second.ID, claimed[0].ID)
}

func TestAbandonParksImmediately(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJournal(t)

	task, _ := j.Enqueue(ctx, "events", OpInsert, "e1", snapshot("e1", "x"))
	_, err := j.Claim(ctx, "w", 1, time.Minute)
	require.NoError(t, err)

	got, err := j.Abandon(ctx, task.ID, "w", errors.New("invalid snapshot"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailedFinal, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestLeaseOwnership(t *testing.T) {
	ctx := context.Background()
	j, clock := newTestJournal(t)

	task, _ := j.Enqueue(ctx, "events", OpInsert, "e1", snapshot("e1", "x"))
	_, err := j.Claim(ctx, "a", 1, 30*time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, j.Complete(ctx, task.ID, "b"), ErrLeaseLost)
	_, err = j.Fail(ctx, task.ID, "b", errors.New("x"))
	assert.ErrorIs(t, err, ErrLeaseLost)

	// An expired lease is reclaimable by another worker.
	clock.Advance(31 * time.Second)
	claimed, err := j.Claim(ctx, "b", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "b", claimed[0].LeaseOwner)

	assert.ErrorIs(t, j.Complete(ctx, task.ID, "a"), ErrLeaseLost)
	require.NoError(t, j.Complete(ctx, task.ID, "b"))

	// Succeeded is terminal.
	assert.ErrorIs(t, j.Complete(ctx, task.ID, "b"), ErrLeaseLost)
	got, err := j.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 0, got.Attempts)

	hist, err := j.History(ctx, task.ID)
	require.NoError(t, err)
	var reasons []string
	for _, h := range hist {
		reasons = append(reasons, h.Reason)
	}
	assert.Equal(t, []string{"enqueued", "claimed", "lease expired", "claimed", "replayed"}, reasons)
}

func TestRecoverInFlight(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJournal(t)

	task, _ := j.Enqueue(ctx, "events", OpInsert, "e1", snapshot("e1", "x"))
	_, err := j.Claim(ctx, "dead-worker", 1, time.Hour)
	require.NoError(t, err)

	n, err := j.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := j.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.LeaseOwner)
	assert.Nil(t, got.LeaseExpiresAt)

	claimed, err := j.Claim(ctx, "w", 1, time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestPurgeRemovesOldSucceededTasks(t *testing.T) {
	ctx := context.Background()
	j, clock := newTestJournal(t)

	done, _ := j.Enqueue(ctx, "events", OpInsert, "e1", snapshot("e1", "x"))
	_, err := j.Claim(ctx, "w", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, j.Complete(ctx, done.ID, "w"))
	open, _ := j.Enqueue(ctx, "events", OpInsert, "e2", snapshot("e2", "y"))

	n, err := j.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(25 * time.Hour)
	n, err = j.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = j.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	hist, err := j.History(ctx, done.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)

	_, err = j.Get(ctx, open.ID)
	assert.NoError(t, err)
}

func TestCountsAndList(t *testing.T) {
	ctx := context.Background()
	j, clock := newTestJournal(t)

	counts, err := j.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)

	first, _ := j.Enqueue(ctx, "events", OpInsert, "e1", snapshot("e1", "x"))
	clock.Advance(time.Minute)
	j.Enqueue(ctx, "news_updates", OpInsert, "n1", snapshot("n1", "y"))
	_, err = j.Claim(ctx, "w", 1, time.Minute)
	require.NoError(t, err)

	counts, err = j.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.InFlight)
	assert.Equal(t, 2, counts.Outstanding())
	require.NotNil(t, counts.OldestPending)
	assert.Equal(t, first.CreatedAt, *counts.OldestPending)

	list, err := j.List(ctx, Filter{Status: StatusInFlight})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	list, err = j.List(ctx, Filter{Table: "news_updates"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = j.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, canTransition(StatusPending, StatusInFlight))
	assert.True(t, canTransition(StatusFailedRetry, StatusPending))
	assert.False(t, canTransition(StatusSucceeded, StatusPending))
	assert.False(t, canTransition(StatusFailedFinal, StatusPending))
	assert.False(t, canTransition(StatusPending, StatusSucceeded))
	assert.True(t, StatusFailedFinal.Terminal())
	assert.False(t, StatusFailedRetry.Terminal())
}

func TestJournalWithMattnDriver(t *testing.T) {
	ctx := context.Background()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), WithJournalDriver("sqlite3"))
	require.NoError(t, err)
	defer j.Close()

	task, err := j.Enqueue(ctx, "events", OpInsert, "e1", snapshot("e1", "x"))
	require.NoError(t, err)
	claimed, err := j.Claim(ctx, "w", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, j.Complete(ctx, task.ID, "w"))
}

func TestBackoffDelay(t *testing.T) {
	b := steadyBackoff()
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, time.Minute, b.Delay(7))
	assert.Equal(t, time.Minute, b.Delay(30))

	b.rand = func() float64 { return 0 }
	assert.Equal(t, 800*time.Millisecond, b.Delay(1))
	b.rand = func() float64 { return 1 }
	assert.Equal(t, 1200*time.Millisecond, b.Delay(1))

	// Real jitter stays within bounds.
	jittered := DefaultBackoff()
	for i := 0; i < 100; i++ {
		d := jittered.Delay(2)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}
