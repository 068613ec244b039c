package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/outreach/internal/queue"
)

var _ queue.Backend = (*Jobs)(nil)

// Jobs is the Postgres queue backend. Every transition is a single UPDATE
// guarded by the expected status, owner and attempt. A partial unique index
// on (contractor_id) WHERE status='claimed' makes per-contractor exclusivity
// structural, and another on (dedup_key) for live rows backs deduplication.
type Jobs struct {
	DB *sql.DB
}

const jobColumns = `id, contractor_id, action_type, payload, scheduled_at, status, attempt,
  lease_owner, lease_expiry, dedup_key, last_error, created_at, updated_at`

const claimReturning = `j.id, j.contractor_id, j.action_type, j.payload, j.scheduled_at, j.status, j.attempt,
  j.lease_owner, j.lease_expiry, j.dedup_key, j.last_error, j.created_at, j.updated_at, p.prev_status = 'claimed'`

// scanJob reads jobColumns followed by any extra destinations.
func scanJob(row rowScanner, extra ...any) (queue.Job, error) {
	var (
		j       queue.Job
		status  string
		payload []byte
		expiry  sql.NullTime
	)
	dest := append([]any{&j.ID, &j.ContractorID, &j.ActionType, &payload, &j.ScheduledAt, &status, &j.Attempt,
		&j.LeaseOwner, &expiry, &j.DedupKey, &j.LastError, &j.CreatedAt, &j.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return queue.Job{}, err
	}
	j.Status = queue.Status(status)
	j.Payload = unmarshalMap(payload)
	j.LeaseExpiry = timeOf(expiry)
	j.ScheduledAt = j.ScheduledAt.UTC()
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]queue.Job, error) {
	defer rows.Close()
	var out []queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (b *Jobs) Insert(ctx context.Context, job queue.Job) (string, bool, error) {
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}
	// A finished job can free the key between the two statements, so try twice.
	for i := 0; i < 2; i++ {
		var id string
		err = b.DB.QueryRowContext(ctx, `
INSERT INTO jobs (id, contractor_id, action_type, payload, scheduled_at, status, attempt, lease_owner, dedup_key, last_error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,'pending',0,'',$6,'',$7,$8)
ON CONFLICT (dedup_key) WHERE status IN ('pending','claimed') DO NOTHING
RETURNING id`, job.ID, job.ContractorID, job.ActionType, payload, job.ScheduledAt, job.DedupKey, job.CreatedAt, job.UpdatedAt).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, err
		}
		err = b.DB.QueryRowContext(ctx, `SELECT id FROM jobs WHERE dedup_key=$1 AND status IN ('pending','claimed')`, job.DedupKey).Scan(&id)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, err
		}
	}
	return "", false, fmt.Errorf("insert job %s: dedup key %s kept changing", job.ID, job.DedupKey)
}

// Claim leases the earliest due job of a contractor that holds no claim. An
// expired claim is itself a candidate, so a crashed worker's job is the one
// picked back up; the returned job is flagged Reclaimed in that case.
func (b *Jobs) Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (queue.Job, bool, error) {
	var reclaimed bool
	j, err := scanJob(b.DB.QueryRowContext(ctx, `
WITH picked AS (
  SELECT c.id, c.status AS prev_status FROM jobs c
  WHERE ((c.status='pending' AND c.scheduled_at <= $2) OR (c.status='claimed' AND c.lease_expiry <= $2))
    AND NOT EXISTS (
      SELECT 1 FROM jobs o
      WHERE o.contractor_id = c.contractor_id AND o.status='claimed' AND o.id <> c.id
    )
  ORDER BY c.scheduled_at, c.created_at, c.id
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
UPDATE jobs j SET status='claimed', lease_owner=$1, lease_expiry=$3, updated_at=$2
FROM picked p
WHERE j.id = p.id
RETURNING `+claimReturning, workerID, now, now.Add(lease)), &reclaimed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return queue.Job{}, false, nil
	case pqCode(err) == codeUniqueViolation:
		// Another worker claimed a job for the same contractor first.
		countConflict(ctx, "claim")
		return queue.Job{}, false, nil
	case err != nil:
		return queue.Job{}, false, err
	}
	j.Reclaimed = reclaimed
	return j, true, nil
}

// cas finishes a guarded UPDATE: no row touched means either an unknown id or
// a lost race.
func (b *Jobs) cas(ctx context.Context, op, jobID string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := b.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id=$1)`, jobID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return queue.ErrNotFound
	}
	countConflict(ctx, op)
	return queue.ErrConflict
}

func (b *Jobs) Complete(ctx context.Context, jobID, workerID string, now time.Time) error {
	res, err := b.DB.ExecContext(ctx, `
UPDATE jobs SET status='done', lease_owner='', lease_expiry=NULL, updated_at=$3
WHERE id=$1 AND status='claimed' AND lease_owner=$2`, jobID, workerID, now)
	return b.cas(ctx, "complete", jobID, res, err)
}

func (b *Jobs) Retry(ctx context.Context, jobID, workerID string, fromAttempt int, runAt time.Time, lastErr string, now time.Time) error {
	res, err := b.DB.ExecContext(ctx, `
UPDATE jobs SET status='pending', attempt=$3+1, scheduled_at=$4, last_error=$5, lease_owner='', lease_expiry=NULL, updated_at=$6
WHERE id=$1 AND status='claimed' AND lease_owner=$2 AND attempt=$3`, jobID, workerID, fromAttempt, runAt, lastErr, now)
	return b.cas(ctx, "retry", jobID, res, err)
}

func (b *Jobs) Kill(ctx context.Context, jobID, workerID string, fromAttempt int, lastErr string, now time.Time) error {
	res, err := b.DB.ExecContext(ctx, `
UPDATE jobs SET status='dead', attempt=$3+1, last_error=$4, lease_owner='', lease_expiry=NULL, updated_at=$5
WHERE id=$1 AND status='claimed' AND lease_owner=$2 AND attempt=$3`, jobID, workerID, fromAttempt, lastErr, now)
	return b.cas(ctx, "kill", jobID, res, err)
}

func (b *Jobs) Cancel(ctx context.Context, jobID string, now time.Time) error {
	res, err := b.DB.ExecContext(ctx, `UPDATE jobs SET status='cancelled', updated_at=$2 WHERE id=$1 AND status='pending'`, jobID, now)
	return b.cas(ctx, "cancel", jobID, res, err)
}

// Requeue revives a dead job unless its dedup key is live again.
func (b *Jobs) Requeue(ctx context.Context, jobID string, runAt time.Time) error {
	res, err := b.DB.ExecContext(ctx, `
UPDATE jobs SET status='pending', attempt=0, scheduled_at=$2, updated_at=$2
WHERE id=$1 AND status='dead'
  AND NOT EXISTS (
    SELECT 1 FROM jobs o WHERE o.dedup_key = jobs.dedup_key AND o.id <> jobs.id AND o.status IN ('pending','claimed')
  )`, jobID, runAt)
	return b.cas(ctx, "requeue", jobID, res, err)
}

func (b *Jobs) Get(ctx context.Context, jobID string) (queue.Job, error) {
	j, err := scanJob(b.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Job{}, queue.ErrNotFound
	}
	return j, err
}

func (b *Jobs) ListDead(ctx context.Context, limit int) ([]queue.Job, error) {
	rows, err := b.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status='dead' ORDER BY updated_at DESC LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// ListPending lists pending jobs in due order. An empty contractorID lists all.
func (b *Jobs) ListPending(ctx context.Context, contractorID string) ([]queue.Job, error) {
	rows, err := b.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE status='pending' AND ($1 = '' OR contractor_id = $1)
ORDER BY scheduled_at`, contractorID)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (b *Jobs) CountLive(ctx context.Context, contractorID string) (int, error) {
	var n int
	err := b.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE contractor_id=$1 AND status IN ('pending','claimed')`, contractorID).Scan(&n)
	return n, err
}

func (b *Jobs) Seen(ctx context.Context, dedupKey string) (bool, error) {
	var ok bool
	err := b.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE dedup_key=$1)`, dedupKey).Scan(&ok)
	return ok, err
}

func (b *Jobs) Stats(ctx context.Context) (queue.Stats, error) {
	rows, err := b.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return queue.Stats{}, err
	}
	defer rows.Close()
	var s queue.Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return queue.Stats{}, err
		}
		switch queue.Status(status) {
		case queue.StatusPending:
			s.Pending = n
		case queue.StatusClaimed:
			s.Claimed = n
		case queue.StatusDone:
			s.Done = n
		case queue.StatusDead:
			s.Dead = n
		case queue.StatusCancelled:
			s.Cancelled = n
		}
	}
	return s, rows.Err()
}
