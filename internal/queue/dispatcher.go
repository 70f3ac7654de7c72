package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
)

// Handler processes one job payload. Returning an error triggers redelivery
// unless the error is wrapped with Fatal.
type Handler func(ctx context.Context, payload json.RawMessage) error

// DeadLetterFunc fires once when a job is parked for good.
type DeadLetterFunc func(job *Job, err error)

// Options tune one registered job type.
type Options struct {
	// Concurrency is the number of pool workers pulling this type.
	Concurrency int
	// MaxAttempts bounds deliveries before dead-lettering.
	MaxAttempts int
	// Timeout bounds a single handler invocation. Zero means no limit.
	Timeout time.Duration
	// OnDeadLetter is invoked after the job is parked.
	OnDeadLetter DeadLetterFunc
}

type registration struct {
	handler Handler
	opts    Options
}

// Dispatcher pulls jobs from a Queue and runs registered handlers with
// per-type worker pools, exponential backoff and bounded attempts.
type Dispatcher struct {
	queue       Queue
	logger      *slog.Logger
	backoffBase time.Duration
	backoffMax  time.Duration
	metrics     *metrics

	mu       sync.Mutex
	handlers map[string]registration
	running  bool
}

// NewDispatcher constructs a Dispatcher on the given queue.
func NewDispatcher(q Queue, logger *slog.Logger, backoffBase, backoffMax time.Duration) *Dispatcher {
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 5 * time.Minute
	}
	return &Dispatcher{
		queue:       q,
		logger:      logger,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		metrics:     newMetrics(),
		handlers:    make(map[string]registration),
	}
}

// Register binds a handler to a job type. Must be called before Run.
func (d *Dispatcher) Register(jobType string, handler Handler, opts Options) error {
	if jobType == "" {
		return errors.New("job type required")
	}
	if handler == nil {
		return errors.New("handler required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dispatcher already running")
	}
	if _, exists := d.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for %s", jobType)
	}
	d.handlers[jobType] = registration{handler: handler, opts: opts}
	return nil
}

// Enqueue wraps the payload in a Job and hands it to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	d.mu.Lock()
	reg, ok := d.handlers[jobType]
	d.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no handler registered for %s", jobType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     body,
		MaxAttempts: reg.opts.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	d.metrics.enqueued(jobType)
	return job.ID, nil
}

// Run starts all worker pools and blocks until ctx is done and every worker
// has drained its in-flight job.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.running = true
	handlers := make(map[string]registration, len(d.handlers))
	for jobType, reg := range d.handlers {
		handlers[jobType] = reg
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for jobType, reg := range handlers {
		for i := 0; i < reg.opts.Concurrency; i++ {
			wg.Add(1)
			go func(jobType string, reg registration) {
				defer wg.Done()
				d.worker(ctx, jobType, reg)
			}(jobType, reg)
		}
		d.logger.Info("worker pool started", "job_type", jobType, "concurrency", reg.opts.Concurrency)
	}
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, jobType string, reg registration) {
	for {
		job, err := d.queue.Dequeue(ctx, jobType)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("dequeue failed", "job_type", jobType, "error", err)
			continue
		}
		d.process(ctx, job, reg)
	}
}

func (d *Dispatcher) process(ctx context.Context, job *Job, reg registration) {
	job.Attempts++

	runCtx := ctx
	var cancel context.CancelFunc
	if reg.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, reg.opts.Timeout)
	}
	err := d.invoke(runCtx, reg.handler, job)
	if cancel != nil {
		cancel()
	}
	if err == nil {
		d.metrics.processed(job.Type, "success")
		return
	}

	job.LastError = err.Error()
	fatal := errors.Is(err, ErrFatal)
	if fatal || job.Attempts >= job.MaxAttempts {
		d.logger.Error("job dead-lettered",
			"job_type", job.Type,
			"job_id", job.ID,
			"attempts", job.Attempts,
			"fatal", fatal,
			"error", err,
		)
		// detach from ctx so a shutdown does not lose the job
		dlCtx, dlCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dlCancel()
		if dlErr := d.queue.DeadLetter(dlCtx, job); dlErr != nil {
			d.logger.Error("dead-letter write failed", "job_id", job.ID, "error", dlErr)
		}
		d.metrics.processed(job.Type, "dead_letter")
		if reg.opts.OnDeadLetter != nil {
			reg.opts.OnDeadLetter(job, err)
		}
		return
	}

	delay := d.backoff(job.Attempts)
	d.logger.Warn("job failed, scheduling retry",
		"job_type", job.Type,
		"job_id", job.ID,
		"attempt", job.Attempts,
		"retry_in", delay,
		"error", err,
	)
	rqCtx, rqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rqCancel()
	if rqErr := d.queue.Requeue(rqCtx, job, delay); rqErr != nil {
		d.logger.Error("requeue failed", "job_id", job.ID, "error", rqErr)
	}
	d.metrics.processed(job.Type, "retry")
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job.Payload)
}

// backoff computes the exponential delay before the next attempt.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.backoffMax {
			return d.backoffMax
		}
	}
	if delay > d.backoffMax {
		return d.backoffMax
	}
	return delay
}
