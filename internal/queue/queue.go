package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/outreach/config"
	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/fault"
)

// Options are the retry, lease and dedup knobs.
type Options struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LeaseDuration time.Duration
	DedupBucket   time.Duration
}

// OptionsFromConfig maps the queue config section.
func OptionsFromConfig(c config.QueueConfig) Options {
	c = c.Normalize()
	return Options{
		MaxRetries:    c.MaxRetries,
		BackoffBase:   c.BackoffBase,
		BackoffMax:    c.BackoffMax,
		LeaseDuration: c.LeaseDuration,
		DedupBucket:   c.DedupBucket,
	}
}

// Queue applies retry and lease policy on top of a Backend.
type Queue struct {
	backend Backend
	clock   clock.Clock
	opts    Options
	alerts  AlertSink
	logger  *log.Logger

	enqueued    otelmetric.Int64Counter
	deadLetters otelmetric.Int64Counter
}

// New constructs a Queue. alerts and meter may be nil.
func New(backend Backend, clk clock.Clock, opts Options, alerts AlertSink, logger *log.Logger, meter otelmetric.Meter) *Queue {
	q := &Queue{backend: backend, clock: clk, opts: opts, alerts: alerts, logger: logger}
	if q.alerts == nil {
		q.alerts = LogSink{Logger: logger}
	}
	if meter != nil {
		var err error
		q.enqueued, err = meter.Int64Counter("queue_jobs_enqueued")
		if err != nil {
			logger.Printf("warn: create enqueue counter failed: %v", err)
		}
		q.deadLetters, err = meter.Int64Counter("queue_dead_letters_total")
		if err != nil {
			logger.Printf("warn: create dead letter counter failed: %v", err)
		}
	}
	return q
}

// Options returns the active queue options.
func (q *Queue) Options() Options { return q.opts }

// Enqueue schedules an action. If a live job with the same dedup key exists
// its id is returned and nothing new is stored.
func (q *Queue) Enqueue(ctx context.Context, contractorID, actionType string, payload map[string]any, scheduledAt time.Time) (string, error) {
	const op = "queue.enqueue"
	contractorID = strings.TrimSpace(contractorID)
	actionType = strings.TrimSpace(actionType)
	if contractorID == "" || actionType == "" {
		return "", fault.New(fault.InvalidInput, op, "contractor id and action type are required")
	}
	now := q.clock.Now()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	job := Job{
		ID:           uuid.NewString(),
		ContractorID: contractorID,
		ActionType:   actionType,
		Payload:      payload,
		ScheduledAt:  scheduledAt.UTC(),
		Status:       StatusPending,
		DedupKey:     DedupKey(contractorID, actionType, scheduledAt, q.opts.DedupBucket),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	id, created, err := q.backend.Insert(ctx, job)
	if err != nil {
		return "", fault.Wrap(fault.TransientInfra, op, err)
	}
	if created && q.enqueued != nil {
		q.enqueued.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("action_type", actionType)))
	}
	return id, nil
}

// Claim leases one due job. lease <= 0 uses the configured lease duration.
// A job whose previous lease expired is charged a failed attempt through Fail
// instead of being returned, and Claim moves on to the next due job.
func (q *Queue) Claim(ctx context.Context, workerID string, lease time.Duration) (Job, bool, error) {
	if lease <= 0 {
		lease = q.opts.LeaseDuration
	}
	for {
		job, ok, err := q.backend.Claim(ctx, workerID, q.clock.Now(), lease)
		if err != nil {
			return Job{}, false, fault.Wrap(fault.TransientInfra, "queue.claim", err)
		}
		if !ok || !job.Reclaimed {
			return job, ok, nil
		}
		// The previous owner died mid-run. That run counts as a failed
		// attempt, so a job that keeps killing its worker ends up dead.
		q.logger.Printf("warn: job %s lease expired on attempt %d, reclaimed by %s", job.ID, job.Attempt, workerID)
		if _, err := q.Fail(ctx, job.ID, workerID, errLeaseExpired); err != nil {
			return Job{}, false, err
		}
	}
}

// Complete marks a claimed job done. Completing a job the worker no longer
// owns is an invariant violation.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	return q.mapErr("queue.complete", q.backend.Complete(ctx, jobID, workerID, q.clock.Now()))
}

// Backoff is the delay before retry n (1-based): base * 2^(n-1), capped.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.BackoffMax || d <= 0 {
			return q.opts.BackoffMax
		}
	}
	if d > q.opts.BackoffMax {
		return q.opts.BackoffMax
	}
	return d
}

// Fail records a failed attempt. The attempt count increases; the job goes
// back to pending with backoff while attempts stay within MaxRetries, and to
// dead otherwise or when cause is permanent.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error) (Job, error) {
	const op = "queue.fail"
	job, err := q.backend.Get(ctx, jobID)
	if err != nil {
		return Job{}, q.mapErr(op, err)
	}
	if job.Status != StatusClaimed || job.LeaseOwner != workerID {
		return job, q.mapErr(op, ErrConflict)
	}
	now := q.clock.Now()
	next := job.Attempt + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if fault.IsPermanent(cause) || next > q.opts.MaxRetries {
		if err := q.backend.Kill(ctx, jobID, workerID, job.Attempt, msg, now); err != nil {
			return job, q.mapErr(op, err)
		}
		job.Status, job.Attempt, job.LastError = StatusDead, next, msg
		job.LeaseOwner, job.LeaseExpiry, job.UpdatedAt = "", time.Time{}, now
		q.deadLetter(ctx, job)
		return job, nil
	}
	runAt := now.Add(q.Backoff(next))
	if err := q.backend.Retry(ctx, jobID, workerID, job.Attempt, runAt, msg, now); err != nil {
		return job, q.mapErr(op, err)
	}
	job.Status, job.Attempt, job.LastError, job.ScheduledAt = StatusPending, next, msg, runAt
	job.LeaseOwner, job.LeaseExpiry, job.UpdatedAt = "", time.Time{}, now
	return job, nil
}

func (q *Queue) deadLetter(ctx context.Context, job Job) {
	if q.deadLetters != nil {
		q.deadLetters.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("action_type", job.ActionType)))
	}
	if err := q.alerts.DeadLetter(ctx, job); err != nil {
		q.logger.Printf("warn: dead letter alert for job %s failed: %v", job.ID, err)
	}
}

// Cancel moves a pending job to cancelled. Any other state is a conflict.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.mapErr("queue.cancel", q.backend.Cancel(ctx, jobID, q.clock.Now()))
}

// Requeue is manual dead-letter remediation: dead -> pending, attempts reset.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	if err := q.mapErr("queue.requeue", q.backend.Requeue(ctx, jobID, q.clock.Now())); err != nil {
		return err
	}
	q.logger.Printf("requeued dead job %s", jobID)
	return nil
}

func (q *Queue) Get(ctx context.Context, jobID string) (Job, error) {
	job, err := q.backend.Get(ctx, jobID)
	return job, q.mapErr("queue.get", err)
}

func (q *Queue) ListDead(ctx context.Context, limit int) ([]Job, error) {
	jobs, err := q.backend.ListDead(ctx, limit)
	return jobs, q.mapErr("queue.list_dead", err)
}

func (q *Queue) ListPending(ctx context.Context, contractorID string) ([]Job, error) {
	jobs, err := q.backend.ListPending(ctx, contractorID)
	return jobs, q.mapErr("queue.list_pending", err)
}

// CountLive reports pending plus claimed jobs for a contractor.
func (q *Queue) CountLive(ctx context.Context, contractorID string) (int, error) {
	n, err := q.backend.CountLive(ctx, contractorID)
	return n, q.mapErr("queue.count_live", err)
}

// Seen reports whether a job for the same dedup bucket was ever enqueued,
// whatever became of it.
func (q *Queue) Seen(ctx context.Context, contractorID, actionType string, scheduledAt time.Time) (bool, error) {
	ok, err := q.backend.Seen(ctx, DedupKey(contractorID, actionType, scheduledAt, q.opts.DedupBucket))
	return ok, q.mapErr("queue.seen", err)
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	s, err := q.backend.Stats(ctx)
	return s, q.mapErr("queue.stats", err)
}

// mapErr classifies backend errors: unknown ids are invalid input, lost CAS
// races are invariant violations, everything else is infrastructure.
func (q *Queue) mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return fault.Wrap(fault.InvalidInput, op, err)
	case errors.Is(err, ErrConflict):
		return fault.Wrap(fault.InvariantViolation, op, err)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.TransientInfra, op, fmt.Errorf("backend: %w", err))
}

// LogSink is the default AlertSink.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) DeadLetter(_ context.Context, job Job) error {
	if s.Logger != nil {
		s.Logger.Printf("dead letter job=%s contractor=%s action=%s attempts=%d error=%q",
			job.ID, job.ContractorID, job.ActionType, job.Attempt, job.LastError)
	}
	return nil
}
