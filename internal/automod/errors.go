package automod

import (
	"errors"
	"fmt"
)

// ErrCorruptConfig is returned when a stored guild config cannot be decoded.
var ErrCorruptConfig = errors.New("automod: stored config is corrupt")

// PersistError reports a failed write to storage. The in-memory state has
// already changed; the write can be retried by persisting the key again.
type PersistError struct {
	Collection string
	Key        string
	Err        error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("automod: persist %s/%s: %v", e.Collection, e.Key, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Retryable is always true: storage failures are infrastructure faults.
func (e *PersistError) Retryable() bool { return true }

// IsPersistError reports whether err wraps a *PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}
