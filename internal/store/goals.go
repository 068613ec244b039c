package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/outreach/internal/engagement"
)

const goalColumns = `id, contractor_id, description, status, priority, target_date, last_checkin_at,
  checkin_count, positive_outcomes, negative_outcomes, created_at, updated_at`

func scanGoal(row rowScanner) (engagement.Goal, error) {
	var (
		g                   engagement.Goal
		status              string
		target, lastCheckin sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.ContractorID, &g.Description, &status, &g.Priority, &target, &lastCheckin,
		&g.CheckinCount, &g.PositiveOutcomes, &g.NegativeOutcomes, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return engagement.Goal{}, err
	}
	g.Status = engagement.GoalStatus(status)
	g.TargetDate = timeOf(target)
	g.LastCheckinAt = timeOf(lastCheckin)
	return g, nil
}

func scanGoals(rows *sql.Rows) ([]engagement.Goal, error) {
	defer rows.Close()
	var out []engagement.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertGoalEvent(ctx context.Context, db execer, ev engagement.GoalEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO goal_events (id, goal_id, contractor_id, from_status, to_status, actor, reason, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, ev.ID, ev.GoalID, ev.ContractorID, string(ev.From), string(ev.To), ev.Actor, ev.Reason, ev.At)
	return err
}

// CreateGoal inserts the goal and its creation event.
func (s *Store) CreateGoal(ctx context.Context, g engagement.Goal) (engagement.Goal, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = engagement.GoalProposed
	}
	g.Priority = engagement.ClampPriority(g.Priority)
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = g.CreatedAt
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return engagement.Goal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO goals (id, contractor_id, description, status, priority, target_date, last_checkin_at,
  checkin_count, positive_outcomes, negative_outcomes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		g.ID, g.ContractorID, g.Description, string(g.Status), g.Priority, nullTime(g.TargetDate), nullTime(g.LastCheckinAt),
		g.CheckinCount, g.PositiveOutcomes, g.NegativeOutcomes, g.CreatedAt, g.UpdatedAt)
	if pqCode(err) == codeForeignKeyViolation {
		return engagement.Goal{}, engagement.ErrNotFound
	}
	if err != nil {
		return engagement.Goal{}, err
	}
	if err := insertGoalEvent(ctx, tx, engagement.GoalEvent{
		GoalID: g.ID, ContractorID: g.ContractorID, To: g.Status, Actor: "create", At: g.CreatedAt,
	}); err != nil {
		return engagement.Goal{}, err
	}
	return g, tx.Commit()
}

func (s *Store) GetGoal(ctx context.Context, goalID string) (engagement.Goal, error) {
	g, err := scanGoal(s.DB.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=$1`, goalID))
	if errors.Is(err, sql.ErrNoRows) {
		return engagement.Goal{}, engagement.ErrNotFound
	}
	return g, err
}

func (s *Store) ListGoals(ctx context.Context, contractorID string) ([]engagement.Goal, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals
WHERE contractor_id=$1
ORDER BY priority DESC, created_at, id`, contractorID)
	if err != nil {
		return nil, err
	}
	return scanGoals(rows)
}

// ListGoalsForReview pages through non-terminal goals in id order, starting
// after afterID.
func (s *Store) ListGoalsForReview(ctx context.Context, afterID string, limit int) ([]engagement.Goal, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals
WHERE status NOT IN ('completed','abandoned') AND id > $1
ORDER BY id
LIMIT $2`, afterID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return scanGoals(rows)
}

func (s *Store) UpdateGoal(ctx context.Context, goalID string, patch engagement.GoalPatch, now time.Time) (engagement.Goal, error) {
	var (
		desc     sql.NullString
		priority sql.NullInt64
		target   sql.NullTime
	)
	if patch.Description != nil {
		desc = sql.NullString{String: *patch.Description, Valid: true}
	}
	if patch.Priority != nil {
		priority = sql.NullInt64{Int64: int64(engagement.ClampPriority(*patch.Priority)), Valid: true}
	}
	if patch.TargetDate != nil {
		target = nullTime(*patch.TargetDate)
	}
	g, err := scanGoal(s.DB.QueryRowContext(ctx, `
UPDATE goals SET
  description = COALESCE($2, description),
  priority = COALESCE($3, priority),
  target_date = COALESCE($4, target_date),
  updated_at = $5
WHERE id=$1
RETURNING `+goalColumns, goalID, desc, priority, target, now))
	if errors.Is(err, sql.ErrNoRows) {
		return engagement.Goal{}, engagement.ErrNotFound
	}
	return g, err
}

// TransitionGoal moves a goal along a legal edge and appends the event in the
// same transaction.
func (s *Store) TransitionGoal(ctx context.Context, goalID string, to engagement.GoalStatus, actor, reason string, now time.Time) (engagement.Goal, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return engagement.Goal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	g, err := scanGoal(tx.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=$1 FOR UPDATE`, goalID))
	if errors.Is(err, sql.ErrNoRows) {
		return engagement.Goal{}, engagement.ErrNotFound
	}
	if err != nil {
		return engagement.Goal{}, err
	}
	if !engagement.CanTransition(g.Status, to) {
		return engagement.Goal{}, engagement.ErrIllegalTransition{GoalID: goalID, From: g.Status, To: to}
	}
	from := g.Status
	if _, err := tx.ExecContext(ctx, `UPDATE goals SET status=$2, updated_at=$3 WHERE id=$1`, goalID, string(to), now); err != nil {
		return engagement.Goal{}, err
	}
	if err := insertGoalEvent(ctx, tx, engagement.GoalEvent{
		GoalID: goalID, ContractorID: g.ContractorID, From: from, To: to, Actor: actor, Reason: reason, At: now,
	}); err != nil {
		return engagement.Goal{}, err
	}
	g.Status = to
	g.UpdatedAt = now
	return g, tx.Commit()
}

// RecordCheckin stores the check-in, bumps the goal counters and moves an
// open goal to in_progress.
func (s *Store) RecordCheckin(ctx context.Context, c engagement.Checkin) (engagement.Goal, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return engagement.Goal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	g, err := scanGoal(tx.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=$1 FOR UPDATE`, c.GoalID))
	if errors.Is(err, sql.ErrNoRows) {
		return engagement.Goal{}, engagement.ErrNotFound
	}
	if err != nil {
		return engagement.Goal{}, err
	}
	if g.Status.Terminal() {
		return engagement.Goal{}, engagement.ErrGoalClosed
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.ContractorID = g.ContractorID
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkins (id, goal_id, contractor_id, summary, outcome, at)
VALUES ($1,$2,$3,$4,$5,$6)`, c.ID, c.GoalID, c.ContractorID, c.Summary, string(c.Outcome), c.At); err != nil {
		return engagement.Goal{}, err
	}
	g = engagement.ApplyCheckin(g, c)
	if g.Status == engagement.GoalOpen {
		if err := insertGoalEvent(ctx, tx, engagement.GoalEvent{
			GoalID: g.ID, ContractorID: g.ContractorID, From: engagement.GoalOpen, To: engagement.GoalInProgress,
			Actor: "check_in", At: c.At,
		}); err != nil {
			return engagement.Goal{}, err
		}
		g.Status = engagement.GoalInProgress
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE goals SET status=$2, checkin_count=$3, last_checkin_at=$4, positive_outcomes=$5, negative_outcomes=$6, updated_at=$7
WHERE id=$1`, g.ID, string(g.Status), g.CheckinCount, nullTime(g.LastCheckinAt), g.PositiveOutcomes, g.NegativeOutcomes, g.UpdatedAt); err != nil {
		return engagement.Goal{}, err
	}
	return g, tx.Commit()
}

func (s *Store) GoalEvents(ctx context.Context, goalID string) ([]engagement.GoalEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, goal_id, contractor_id, from_status, to_status, actor, reason, at
FROM goal_events WHERE goal_id=$1
ORDER BY at, id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engagement.GoalEvent
	for rows.Next() {
		var (
			ev       engagement.GoalEvent
			from, to string
		)
		if err := rows.Scan(&ev.ID, &ev.GoalID, &ev.ContractorID, &from, &to, &ev.Actor, &ev.Reason, &ev.At); err != nil {
			return nil, err
		}
		ev.From, ev.To = engagement.GoalStatus(from), engagement.GoalStatus(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}
