// Package store defines the capability set shared by the primary and backup
// datastores, the query model used to filter them, and the error taxonomy
// every adapter maps its failures onto.
package store

import (
	"context"
	"sync/atomic"

	"github.com/techfest/festdb/internal/schema"
)

// Record is a keyed bag of fields belonging to one table.
type Record map[string]any

// ID returns the record id, or "" if it has none.
func (r Record) ID() string {
	id, _ := r[schema.FieldID].(string)
	return id
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RemoveResult reports the outcome of an idempotent remove.
type RemoveResult struct {
	// Noop is true when the id did not exist.
	Noop bool `json:"noop"`
}

// Store is the operation contract implemented by every datastore adapter.
type Store interface {
	// Name identifies the adapter in logs and health reports.
	Name() string

	Read(ctx context.Context, table string, q Query) ([]Record, error)
	ReadOne(ctx context.Context, table, id string) (Record, error)
	Insert(ctx context.Context, table string, fields Record) (Record, error)
	Update(ctx context.Context, table, id string, fields Record) (Record, error)
	// Upsert inserts or replaces a complete snapshot by id. Replication
	// replays through Upsert so applying the same snapshot twice is harmless.
	Upsert(ctx context.Context, table string, rec Record) (Record, error)
	Remove(ctx context.Context, table, id string) (RemoveResult, error)

	Ping(ctx context.Context) error
	// Revision counts successful mutations since the adapter was opened.
	Revision() int64
	Close() error
}

// RevisionCounter is embedded by adapters to track mutations.
type RevisionCounter struct {
	n atomic.Int64
}

// Bump records one successful mutation.
func (c *RevisionCounter) Bump() {
	c.n.Add(1)
}

// Revision returns the number of recorded mutations.
func (c *RevisionCounter) Revision() int64 {
	return c.n.Load()
}
