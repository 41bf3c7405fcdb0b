package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/techfest/festdb/internal/schema"
)

var (
	// ErrNotFound is returned by ReadOne and Update for ids that do not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable marks a transient store failure: connection loss,
	// driver failure or timeout.
	ErrUnavailable = errors.New("store unavailable")
	// ErrUnknownTable is returned before any I/O for unregistered tables.
	ErrUnknownTable = schema.ErrUnknownTable
)

// ValidationError is a caller-fixable problem with a record or query.
type ValidationError = schema.ValidationError

// unavailableError keeps the driver error visible while matching ErrUnavailable.
type unavailableError struct {
	store string
	err   error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.store, ErrUnavailable, e.err)
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.err}
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(storeName string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &unavailableError{store: storeName, err: err}
}

// IsUnavailable reports whether err should be treated as a store outage.
// Deadline expiry counts as an outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// NotFound wraps ErrNotFound with the table and id.
func NotFound(table, id string) error {
	return fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
}
