package engine

import (
	"context"
	"errors"
	"fmt"

	"trailhead/api/internal/store"
)

// ErrIdempotentReplay marks a request id that was already fully
// applied. Not a failure; processing short-circuits to completed.
var ErrIdempotentReplay = errors.New("intent already applied")

// TransientError wraps infrastructure failures (store or cache
// temporarily unreachable) that are worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IntegrityError wraps a constraint violation on the authoritative
// store. The transaction was rolled back; a bounded retry may succeed
// once the conflicting writer commits.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string { return fmt.Sprintf("integrity: %v", e.Err) }
func (e *IntegrityError) Unwrap() error { return e.Err }

// MaxRetriesError is terminal: the processor exhausted its retry
// budget. It is surfaced on the status record, never re-raised past
// the queue boundary.
type MaxRetriesError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
}
func (e *MaxRetriesError) Unwrap() error { return e.Last }

// classifyStoreError buckets an apply failure into the retry taxonomy.
// Context cancellation is passed through untouched so shutdown is not
// retried against.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if store.IsConstraintViolation(err) {
		return &IntegrityError{Err: err}
	}
	return &TransientError{Err: err}
}

// retryable reports whether the processor should attempt the mutation
// again.
func retryable(err error) bool {
	var transient *TransientError
	var integrity *IntegrityError
	return errors.As(err, &transient) || errors.As(err, &integrity)
}
