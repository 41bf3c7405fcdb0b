package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"
	"github.com/techfest/festdb/internal/store"
	_ "modernc.org/sqlite"
)

const (
	journalSchemaVersion = 1
	defaultMaxAttempts   = 5
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS replication_tasks (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	tbl              TEXT NOT NULL,
	op               TEXT NOT NULL,
	record_id        TEXT NOT NULL,
	payload          BLOB,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_expires_at INTEGER,
	available_at     INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	finished_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON replication_tasks(status, available_at);
CREATE INDEX IF NOT EXISTS idx_tasks_tbl_status ON replication_tasks(tbl, status, seq);

CREATE TABLE IF NOT EXISTS replication_task_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	state_from TEXT NOT NULL DEFAULT '',
	state_to   TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON replication_task_events(task_id, id);
`

const taskColumns = `seq, id, tbl, op, record_id, payload, status, attempts, max_attempts, last_error,
	lease_owner, lease_expires_at, available_at, created_at, updated_at, finished_at`

var cborDec = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Journal is the durable replication queue, kept in its own SQLite file.
// All state changes are compare-and-set updates recorded in
// replication_task_events.
type Journal struct {
	conn        *sql.DB
	path        string
	driver      string
	now         func() time.Time
	maxAttempts int
	backoff     Backoff
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithJournalClock overrides the journal's time source.
func WithJournalClock(now func() time.Time) JournalOption {
	return func(j *Journal) { j.now = now }
}

// WithMaxAttempts sets the replay budget stamped on new tasks.
func WithMaxAttempts(n int) JournalOption {
	return func(j *Journal) {
		if n > 0 {
			j.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry schedule.
func WithBackoff(b Backoff) JournalOption {
	return func(j *Journal) { j.backoff = b }
}

// WithJournalDriver selects the database/sql driver ("sqlite" or "sqlite3").
func WithJournalDriver(driver string) JournalOption {
	return func(j *Journal) { j.driver = driver }
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string, opts ...JournalOption) (*Journal, error) {
	j := &Journal{
		path:        path,
		driver:      "sqlite",
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		backoff:     DefaultBackoff(),
	}
	for _, o := range opts {
		o(j)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	conn, err := sql.Open(j.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(journalSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema_info: %w", err)
	}
	if _, err := conn.Exec(`INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", journalSchemaVersion)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set schema version: %w", err)
	}
	j.conn = conn
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close checkpoints the WAL and closes the journal.
func (j *Journal) Close() error {
	j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return j.conn.Close()
}

// Ping checks the journal is usable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.conn.PingContext(ctx)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Enqueue durably records a pending task. Delete tasks carry no payload.
func (j *Journal) Enqueue(ctx context.Context, table string, op Op, recordID string, payload store.Record) (Task, error) {
	if !op.Valid() {
		return Task{}, fmt.Errorf("enqueue: unknown op %q", op)
	}
	if table == "" || recordID == "" {
		return Task{}, fmt.Errorf("enqueue: table and record id are required")
	}
	var blob []byte
	if op != OpDelete {
		b, err := cbor.Marshal(map[string]any(payload))
		if err != nil {
			return Task{}, fmt.Errorf("encode payload: %w", err)
		}
		blob = b
	} else {
		payload = nil
	}

	now := j.now()
	t := Task{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Table:       table,
		Op:          op,
		RecordID:    recordID,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: j.maxAttempts,
		AvailableAt: fromMillis(millis(now)),
		CreatedAt:   fromMillis(millis(now)),
		UpdatedAt:   fromMillis(millis(now)),
	}

	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO replication_tasks (id, tbl, op, record_id, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		t.ID, table, string(op), recordID, blob, string(StatusPending), t.MaxAttempts,
		millis(now), millis(now), millis(now))
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	if t.Seq, err = res.LastInsertId(); err != nil {
		return Task{}, fmt.Errorf("task seq: %w", err)
	}
	if err := j.appendEventTx(ctx, tx, t.ID, "", StatusPending, 0, "enqueued", now); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit enqueue: %w", err)
	}
	return t, nil
}

// Claim leases up to limit claimable tasks to owner. Only the head task of
// each table is claimable, so one table's tasks replay strictly in order
// while different tables proceed independently. Due retries and expired
// leases are returned to pending first.
func (j *Journal) Claim(ctx context.Context, owner string, limit int, lease time.Duration) ([]Task, error) {
	if limit <= 0 {
		limit = 1
	}
	now := j.now()

	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	if err := j.promoteTx(ctx, tx, now); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM replication_tasks t
		WHERE t.status = 'pending' AND t.available_at <= ?
		  AND t.seq = (
			SELECT MIN(u.seq) FROM replication_tasks u
			WHERE u.tbl = t.tbl AND u.status IN ('pending', 'in_flight', 'failed_retry'))
		ORDER BY t.seq
		LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	candidates, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	expires := now.Add(lease)
	var claimed []Task
	for _, t := range candidates {
		ok, err := j.transitionTx(ctx, tx, t, StatusPending, StatusInFlight, "claimed", now,
			`lease_owner = ?, lease_expires_at = ?`, owner, millis(expires))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		t.Status = StatusInFlight
		t.LeaseOwner = owner
		exp := fromMillis(millis(expires))
		t.LeaseExpiresAt = &exp
		t.UpdatedAt = fromMillis(millis(now))
		claimed = append(claimed, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// promoteTx returns due failed_retry tasks and expired in_flight leases to
// pending.
func (j *Journal) promoteTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM replication_tasks
		WHERE (status = 'failed_retry' AND available_at <= ?)
		   OR (status = 'in_flight' AND lease_expires_at <= ?)
		ORDER BY seq`, millis(now), millis(now))
	if err != nil {
		return fmt.Errorf("select promotable: %w", err)
	}
	due, err := scanTasks(rows)
	if err != nil {
		return err
	}
	for _, t := range due {
		reason := "retry due"
		if t.Status == StatusInFlight {
			reason = "lease expired"
		}
		if _, err := j.transitionTx(ctx, tx, t, t.Status, StatusPending, reason, now,
			`lease_owner = '', lease_expires_at = NULL`); err != nil {
			return err
		}
	}
	return nil
}

// Complete marks a leased task succeeded.
func (j *Journal) Complete(ctx context.Context, id, owner string) error {
	now := j.now()
	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback()

	t, err := j.leasedTx(ctx, tx, id, owner)
	if err != nil {
		return err
	}
	ok, err := j.transitionTx(ctx, tx, t, StatusInFlight, StatusSucceeded, "replayed", now,
		`lease_owner = '', lease_expires_at = NULL, finished_at = ?, last_error = ''`, millis(now))
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return tx.Commit()
}

// Release hands a leased task back to pending without counting an attempt.
// It is used when the replay was interrupted rather than refused.
func (j *Journal) Release(ctx context.Context, id, owner, reason string) error {
	now := j.now()
	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	t, err := j.leasedTx(ctx, tx, id, owner)
	if err != nil {
		return err
	}
	ok, err := j.transitionTx(ctx, tx, t, StatusInFlight, StatusPending, reason, now,
		`lease_owner = '', lease_expires_at = NULL`)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return tx.Commit()
}

// Fail records a failed replay. The task goes back to failed_retry with a
// backoff delay while attempts remain, otherwise to failed_final.
func (j *Journal) Fail(ctx context.Context, id, owner string, cause error) (Task, error) {
	return j.fail(ctx, id, owner, cause, false)
}

// Abandon records a failure that retrying cannot fix and parks the task in
// failed_final regardless of remaining attempts.
func (j *Journal) Abandon(ctx context.Context, id, owner string, cause error) (Task, error) {
	return j.fail(ctx, id, owner, cause, true)
}

func (j *Journal) fail(ctx context.Context, id, owner string, cause error, final bool) (Task, error) {
	now := j.now()
	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback()

	t, err := j.leasedTx(ctx, tx, id, owner)
	if err != nil {
		return Task{}, err
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	t.Attempts++
	t.LastError = msg
	t.LeaseOwner = ""
	t.LeaseExpiresAt = nil

	var ok bool
	if !final && t.Attempts < t.MaxAttempts {
		next := now.Add(j.backoff.Delay(t.Attempts))
		ok, err = j.transitionTx(ctx, tx, t, StatusInFlight, StatusFailedRetry, msg, now,
			`attempts = ?, last_error = ?, lease_owner = '', lease_expires_at = NULL, available_at = ?`,
			t.Attempts, msg, millis(next))
		t.Status = StatusFailedRetry
		t.AvailableAt = fromMillis(millis(next))
	} else {
		ok, err = j.transitionTx(ctx, tx, t, StatusInFlight, StatusFailedFinal, msg, now,
			`attempts = ?, last_error = ?, lease_owner = '', lease_expires_at = NULL, finished_at = ?`,
			t.Attempts, msg, millis(now))
		t.Status = StatusFailedFinal
		fin := fromMillis(millis(now))
		t.FinishedAt = &fin
	}
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, ErrLeaseLost
	}
	t.UpdatedAt = fromMillis(millis(now))
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit fail: %w", err)
	}
	return t, nil
}

// leasedTx loads a task and checks owner still holds its lease.
func (j *Journal) leasedTx(ctx context.Context, tx *sql.Tx, id, owner string) (Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM replication_tasks WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("load task: %w", err)
	}
	if t.Status != StatusInFlight || t.LeaseOwner != owner {
		return Task{}, fmt.Errorf("%s: %w", id, ErrLeaseLost)
	}
	return t, nil
}

// RecoverInFlight returns every in_flight task to pending. It runs once at
// startup, after the owner lock is held, so no live worker holds a lease.
func (j *Journal) RecoverInFlight(ctx context.Context) (int, error) {
	now := j.now()
	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM replication_tasks WHERE status = 'in_flight' ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("select in_flight: %w", err)
	}
	stuck, err := scanTasks(rows)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range stuck {
		ok, err := j.transitionTx(ctx, tx, t, StatusInFlight, StatusPending, "recovered", now,
			`lease_owner = '', lease_expires_at = NULL`)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover: %w", err)
	}
	return n, nil
}

// Purge deletes succeeded tasks, and their history, finished before
// now minus retention.
func (j *Journal) Purge(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := millis(j.now().Add(-retention))
	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM replication_task_events WHERE task_id IN (
			SELECT id FROM replication_tasks WHERE status = 'succeeded' AND finished_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM replication_tasks WHERE status = 'succeeded' AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return int(n), nil
}

// Counts tallies tasks by status.
func (j *Journal) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	rows, err := j.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM replication_tasks GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("scan count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusInFlight:
			c.InFlight = n
		case StatusFailedRetry:
			c.FailedRetry = n
		case StatusFailedFinal:
			c.FailedFinal = n
		case StatusSucceeded:
			c.Succeeded = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, err
	}

	var oldest sql.NullInt64
	if err := j.conn.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM replication_tasks
		WHERE status IN ('pending', 'in_flight', 'failed_retry')`).Scan(&oldest); err != nil {
		return c, fmt.Errorf("oldest pending: %w", err)
	}
	if oldest.Valid {
		t := fromMillis(oldest.Int64)
		c.OldestPending = &t
	}
	return c, nil
}

// Get loads one task.
func (j *Journal) Get(ctx context.Context, id string) (Task, error) {
	t, err := scanTask(j.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM replication_tasks WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

// List returns tasks in creation order.
func (j *Journal) List(ctx context.Context, f Filter) ([]Task, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Table != "" {
		where = append(where, "tbl = ?")
		args = append(args, f.Table)
	}
	q := `SELECT ` + taskColumns + ` FROM replication_tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := j.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}

// History returns a task's transitions, oldest first.
func (j *Journal) History(ctx context.Context, id string) ([]Transition, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT task_id, state_from, state_to, attempt, reason, at
		FROM replication_task_events WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("task history: %w", err)
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		var at int64
		if err := rows.Scan(&tr.TaskID, &from, &to, &tr.Attempt, &tr.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From, tr.To, tr.At = Status(from), Status(to), fromMillis(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// transitionTx moves t from one status to another with a compare-and-set
// update, applying extra SET clauses, and records the transition. It
// reports false when the row was no longer in the expected state.
func (j *Journal) transitionTx(ctx context.Context, tx *sql.Tx, t Task, from, to Status, reason string, now time.Time, set string, args ...any) (bool, error) {
	if !canTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	q := `UPDATE replication_tasks SET status = ?, updated_at = ?`
	if set != "" {
		q += ", " + set
	}
	q += ` WHERE id = ? AND status = ?`
	all := append([]any{string(to), millis(now)}, args...)
	all = append(all, t.ID, string(from))
	res, err := tx.ExecContext(ctx, q, all...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	attempt := t.Attempts
	if err := j.appendEventTx(ctx, tx, t.ID, from, to, attempt, reason, now); err != nil {
		return false, err
	}
	return true, nil
}

func (j *Journal) appendEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to Status, attempt int, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO replication_task_events (task_id, state_from, state_to, attempt, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)`, taskID, string(from), string(to), attempt, reason, millis(now))
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(scan func(dest ...any) error) (Task, error) {
	var t Task
	var op, status string
	var payload []byte
	var leaseExpires, finished sql.NullInt64
	var available, created, updated int64
	if err := scan(&t.Seq, &t.ID, &t.Table, &op, &t.RecordID, &payload, &status, &t.Attempts, &t.MaxAttempts,
		&t.LastError, &t.LeaseOwner, &leaseExpires, &available, &created, &updated, &finished); err != nil {
		return Task{}, err
	}
	t.Op, t.Status = Op(op), Status(status)
	t.AvailableAt, t.CreatedAt, t.UpdatedAt = fromMillis(available), fromMillis(created), fromMillis(updated)
	if leaseExpires.Valid {
		v := fromMillis(leaseExpires.Int64)
		t.LeaseExpiresAt = &v
	}
	if finished.Valid {
		v := fromMillis(finished.Int64)
		t.FinishedAt = &v
	}
	if len(payload) > 0 {
		var m map[string]any
		if err := cborDec.Unmarshal(payload, &m); err != nil {
			return Task{}, fmt.Errorf("decode payload of %s: %w", t.ID, err)
		}
		t.Payload = m
	}
	return t, nil
}
