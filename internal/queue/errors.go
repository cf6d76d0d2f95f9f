package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is recorded as last_error when a job is cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrReplaceProcessing is returned by Enqueue when ReplaceAlways targets
	// a row that is currently processing. Superseding a live run is not
	// supported; cancel it first.
	ErrReplaceProcessing = errors.New("cannot replace a job that is currently processing")

	// ErrLeaseLost is returned from JobContext methods once the worker no
	// longer owns the job. Handlers should stop promptly; the commit path
	// skips its write either way.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrStagesInitialized is returned by InitStages when the job already
	// has stages.
	ErrStagesInitialized = errors.New("stages already initialized")

	// ErrUnknownStage is returned for stage operations naming a stage that
	// was never added.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrClientClosed is returned by client operations after Close.
	ErrClientClosed = errors.New("queue client is closed")
)

/*
Handler errors fall into two classes. A PermanentError fails the job
immediately; a RetryableError (and any unclassified error) consumes an
attempt and backs off until max_attempts is reached.
*/

type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks an error as transient. Equivalent to returning the error
// unwrapped; it exists so handlers can be explicit about intent.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Retryablef is shorthand for Retryable(fmt.Errorf(...)).
func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as non-retryable: the job fails on this attempt
// regardless of attempts remaining.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
