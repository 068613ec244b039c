// Package queue is the durable scheduled-action queue. Jobs are claimed under a
// time-limited lease, at most one live claim per contractor, and every state
// change is a single-record compare-and-set in the backend.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusDone      Status = "done"
	StatusDead      Status = "dead"
	StatusCancelled Status = "cancelled"
)

// Scheduled action types produced by the heartbeat, the goal engine and the
// schedule_followup tool.
const (
	ActionSendFollowup        = "send_followup"
	ActionGoalCheckin         = "goal_checkin"
	ActionDeadlineReminder    = "deadline_reminder"
	ActionReengagement        = "reengagement"
	ActionScheduledTouchpoint = "scheduled_touchpoint"
)

// Live reports whether the job still occupies its dedup key.
func (s Status) Live() bool { return s == StatusPending || s == StatusClaimed }

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("queue: job not found")
	// ErrConflict is returned when a compare-and-set lost: the job is not in
	// the expected state or is leased by someone else.
	ErrConflict = errors.New("queue: state conflict")

	errLeaseExpired = errors.New("lease expired before the job finished")
)

// Job is a scheduled action.
type Job struct {
	ID           string         `json:"id"`
	ContractorID string         `json:"contractor_id"`
	ActionType   string         `json:"action_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	Status       Status         `json:"status"`
	Attempt      int            `json:"attempt"`
	LeaseOwner   string         `json:"lease_owner,omitempty"`
	LeaseExpiry  time.Time      `json:"lease_expiry"`
	DedupKey     string         `json:"dedup_key"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// Reclaimed is set by Backend.Claim when the job was taken over from an
	// expired lease rather than from pending.
	Reclaimed bool `json:"-"`
}

func (j Job) clone() Job {
	if j.Payload != nil {
		p := make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			p[k] = v
		}
		j.Payload = p
	}
	return j
}

// DedupKey builds contractor|action|bucket where bucket is scheduledAt
// truncated to the bucket size.
func DedupKey(contractorID, actionType string, scheduledAt time.Time, bucket time.Duration) string {
	b := scheduledAt.UTC()
	if bucket > 0 {
		b = b.Truncate(bucket)
	}
	return fmt.Sprintf("%s|%s|%s", contractorID, strings.ToLower(actionType), b.Format(time.RFC3339))
}

// Stats summarises queue occupancy for the health endpoint.
type Stats struct {
	Pending   int `json:"queue_depth"`
	Claimed   int `json:"claimed"`
	Dead      int `json:"dead_letters"`
	Done      int `json:"done"`
	Cancelled int `json:"cancelled"`
}

// Backend persists jobs. Every mutating method is a single-record CAS and
// returns ErrConflict when the expected state does not hold.
type Backend interface {
	// Insert stores job unless a live job with the same dedup key exists, in
	// which case the existing id is returned with created=false.
	Insert(ctx context.Context, job Job) (id string, created bool, err error)
	// Claim leases the earliest due job whose contractor has no other live
	// lease. Pending jobs and claimed jobs with an expired lease qualify.
	Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (Job, bool, error)
	Complete(ctx context.Context, jobID, workerID string, now time.Time) error
	Retry(ctx context.Context, jobID, workerID string, fromAttempt int, runAt time.Time, lastErr string, now time.Time) error
	Kill(ctx context.Context, jobID, workerID string, fromAttempt int, lastErr string, now time.Time) error
	Cancel(ctx context.Context, jobID string, now time.Time) error
	Requeue(ctx context.Context, jobID string, runAt time.Time) error
	Get(ctx context.Context, jobID string) (Job, error)
	ListDead(ctx context.Context, limit int) ([]Job, error)
	ListPending(ctx context.Context, contractorID string) ([]Job, error)
	CountLive(ctx context.Context, contractorID string) (int, error)
	// Seen reports whether any job, in any status, ever held dedupKey.
	Seen(ctx context.Context, dedupKey string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
}

// AlertSink receives dead-letter signals.
type AlertSink interface {
	DeadLetter(ctx context.Context, job Job) error
}
