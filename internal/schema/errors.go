package schema

import (
	"errors"
	"fmt"
)

// ErrUnknownTable is returned for table names that are not registered.
var ErrUnknownTable = errors.New("unknown table")

// ValidationError reports a caller-fixable problem with a record or query.
type ValidationError struct {
	Table  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.Table, e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
