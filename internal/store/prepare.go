package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/techfest/festdb/internal/schema"
)

// NewID generates a record id.
func NewID() string {
	return uuid.NewString()
}

// PrepareInsert validates fields for a new record and fills in the system
// fields: a generated id when none was supplied, and both timestamps.
func PrepareInsert(reg *schema.Registry, table string, fields Record, now time.Time) (Record, error) {
	out, err := reg.ValidateInsert(table, fields, now)
	if err != nil {
		return nil, err
	}
	if _, ok := out[schema.FieldID]; !ok {
		out[schema.FieldID] = NewID()
	}
	stamp := schema.FormatTime(now)
	out[schema.FieldCreatedAt] = stamp
	out[schema.FieldUpdatedAt] = stamp
	return out, nil
}

// PrepareUpdate validates a partial update and stamps updated_at. A nil value
// in the result means the field is cleared.
func PrepareUpdate(reg *schema.Registry, table, id string, fields Record, now time.Time) (Record, error) {
	out, err := reg.ValidateUpdate(table, id, fields)
	if err != nil {
		return nil, err
	}
	out[schema.FieldUpdatedAt] = schema.FormatTime(now)
	return out, nil
}

// PrepareSnapshot validates a complete replicated record. Timestamps the
// snapshot lacks are filled from now.
func PrepareSnapshot(reg *schema.Registry, table string, rec Record, now time.Time) (Record, error) {
	out, err := reg.ValidateSnapshot(table, rec)
	if err != nil {
		return nil, err
	}
	stamp := schema.FormatTime(now)
	if _, ok := out[schema.FieldCreatedAt]; !ok {
		out[schema.FieldCreatedAt] = stamp
	}
	if _, ok := out[schema.FieldUpdatedAt]; !ok {
		out[schema.FieldUpdatedAt] = stamp
	}
	return out, nil
}

// Merge applies a prepared update to an existing record. Nil values delete
// the field.
func Merge(existing, changes Record) Record {
	out := existing.Clone()
	for k, v := range changes {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
