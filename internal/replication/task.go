package replication

import (
	"errors"
	"strings"
	"time"

	"github.com/techfest/festdb/internal/store"
)

var (
	// ErrLeaseLost is returned when a worker completes or fails a task whose
	// lease it no longer holds.
	ErrLeaseLost = errors.New("replication lease lost")
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("replication task not found")
	// ErrJournalLocked means another coordinator owns the journal.
	ErrJournalLocked = errors.New("journal locked by another coordinator")
	// ErrEnqueue wraps failures to persist a task after a primary write.
	ErrEnqueue = errors.New("replication enqueue failed")
)

// Status is a task's position in the replication state machine.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInFlight    Status = "in_flight"
	StatusSucceeded   Status = "succeeded"
	StatusFailedRetry Status = "failed_retry"
	StatusFailedFinal Status = "failed_final"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether the coordinator will never move the task again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedFinal
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusInFlight: {},
	},
	StatusInFlight: {
		StatusSucceeded:   {},
		StatusFailedRetry: {},
		StatusFailedFinal: {},
		StatusPending:     {}, // lease expiry, release on shutdown, crash recovery
	},
	StatusFailedRetry: {
		StatusPending: {},
	},
	StatusSucceeded:   {},
	StatusFailedFinal: {},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Op is the mutation a task replays.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether o is a known op.
func (o Op) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// ParseOp maps an op name or a common synonym (create, remove, ...) to its
// canonical Op.
func ParseOp(s string) (Op, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "create", "add":
		return OpInsert, true
	case "update", "edit", "upsert":
		return OpUpdate, true
	case "delete", "remove", "rm":
		return OpDelete, true
	default:
		return "", false
	}
}

// Task is one unit of replication work: bring the backup copy of a record
// in line with a primary snapshot.
type Task struct {
	ID             string       `json:"id"`
	Seq            int64        `json:"seq"`
	Table          string       `json:"table"`
	Op             Op           `json:"op"`
	RecordID       string       `json:"record_id"`
	Payload        store.Record `json:"payload,omitempty"`
	Status         Status       `json:"status"`
	Attempts       int          `json:"attempts"`
	MaxAttempts    int          `json:"max_attempts"`
	LastError      string       `json:"last_error,omitempty"`
	LeaseOwner     string       `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	AvailableAt    time.Time    `json:"available_at"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
}

// Transition is one entry in a task's status history.
type Transition struct {
	TaskID  string    `json:"task_id"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Counts summarizes the journal for health reporting.
type Counts struct {
	Pending     int `json:"pending"`
	InFlight    int `json:"in_flight"`
	FailedRetry int `json:"failed_retry"`
	FailedFinal int `json:"failed_final"`
	Succeeded   int `json:"succeeded"`
	// OldestPending is the creation time of the oldest unfinished task.
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Outstanding is the number of tasks still owed to the backup. Parked
// failed_final tasks are not included.
func (c Counts) Outstanding() int {
	return c.Pending + c.InFlight + c.FailedRetry
}

// Filter narrows a task listing.
type Filter struct {
	Status Status
	Table  string
	Limit  int
}
