package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrValidation  = errors.New("invalid task")
	ErrConflict    = errors.New("operation not valid for current task state")
	ErrCancelled   = errors.New("task cancelled")
	ErrQueuePaused = errors.New("queue is paused")
)

// FatalError marks a failure that must not consume retry budget: the task
// goes straight to failed. Anything else returned by an executor is treated
// as transient and retried while attempts remain.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// StorageError wraps a persistence-layer failure. These are logged and
// isolated: they degrade durability, never the in-memory queue.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
