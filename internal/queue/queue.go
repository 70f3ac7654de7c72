package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrFatal marks a handler error as not productively retryable. Jobs failing
// with a fatal error are dead-lettered immediately, attempts notwithstanding.
var ErrFatal = errors.New("queue: fatal job error")

// ErrClosed is returned when operating on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Fatal wraps err so the dispatcher skips further retries.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Job is one unit of asynchronous work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Queue abstracts the durable job transport. Implementations provide
// at-least-once delivery per job type.
type Queue interface {
	// Enqueue makes the job available for dispatch.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks until a job of the given type is available or ctx is
	// done.
	Dequeue(ctx context.Context, jobType string) (*Job, error)
	// Requeue schedules the job for redelivery after the delay.
	Requeue(ctx context.Context, job *Job, delay time.Duration) error
	// DeadLetter parks a job that exhausted its retry budget.
	DeadLetter(ctx context.Context, job *Job) error
}
