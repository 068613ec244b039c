package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/queue"
)

var now = time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

var (
	goalCols = []string{"id", "contractor_id", "description", "status", "priority", "target_date", "last_checkin_at",
		"checkin_count", "positive_outcomes", "negative_outcomes", "created_at", "updated_at"}
	jobCols = []string{"id", "contractor_id", "action_type", "payload", "scheduled_at", "status", "attempt",
		"lease_owner", "lease_expiry", "dedup_key", "last_error", "created_at", "updated_at"}
	claimCols = append(append([]string{}, jobCols...), "reclaimed")
	stateCols = []string{"contractor_id", "name", "email", "phone", "channel_preference", "stage", "last_contact_at",
		"outstanding_actions", "opted_out", "paused_until", "pause_reason", "trust_score", "engagement_score",
		"cadence", "focus", "profile", "created_at", "updated_at"}
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func verify(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetStateNotFound(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(q("FROM contractors WHERE contractor_id=$1")).
		WithArgs("c-missing").
		WillReturnRows(sqlmock.NewRows(stateCols))

	_, err := st.GetState(context.Background(), "c-missing")
	if !errors.Is(err, engagement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestGetStateScansNullsAndArrays(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(q("FROM contractors WHERE contractor_id=$1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(stateCols).AddRow(
			"c1", "Dana", "dana@example.com", "", "sms", "active", nil,
			2, false, now.Add(time.Hour), "ignored_streak", 70, 42.5,
			"0 9 * * 1", []byte("{roofing,solar}"), []byte(`{"trade":"roofing"}`), now.Add(-time.Hour), now))

	s, err := st.GetState(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !s.LastContactAt.IsZero() {
		t.Fatalf("expected zero last contact, got %v", s.LastContactAt)
	}
	if !s.Paused(now) || s.PauseReason != "ignored_streak" {
		t.Fatalf("expected paused state, got %+v", s)
	}
	if len(s.Focus) != 2 || s.Focus[1] != "solar" {
		t.Fatalf("unexpected focus %v", s.Focus)
	}
	if s.Profile["trade"] != "roofing" || s.Stage != engagement.StageActive || s.Channel() != "sms" {
		t.Fatalf("unexpected state %+v", s)
	}
	verify(t, mock)
}

func TestTouchContactUnknownContractor(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(q("SET last_contact_at = GREATEST(")).
		WithArgs("c9", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.TouchContact(context.Background(), "c9", now); !errors.Is(err, engagement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestCreateGoalUnknownContractor(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO goals")).
		WillReturnError(&pq.Error{Code: codeForeignKeyViolation})
	mock.ExpectRollback()

	_, err := st.CreateGoal(context.Background(), engagement.Goal{ContractorID: "c9", Description: "ten reviews", CreatedAt: now})
	if !errors.Is(err, engagement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestTransitionGoalRejectsIllegalEdge(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM goals WHERE id=$1 FOR UPDATE")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(goalCols).AddRow(
			"g1", "c1", "ten reviews", "completed", 5, nil, nil, 1, 1, 0, now.Add(-48*time.Hour), now.Add(-time.Hour)))
	mock.ExpectRollback()

	_, err := st.TransitionGoal(context.Background(), "g1", engagement.GoalInProgress, "admin", "", now)
	var illegal engagement.ErrIllegalTransition
	if !errors.As(err, &illegal) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if illegal.From != engagement.GoalCompleted {
		t.Fatalf("unexpected from %s", illegal.From)
	}
	verify(t, mock)
}

func TestListGoalsForReviewPagesByID(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(q("WHERE status NOT IN ('completed','abandoned') AND id > $1")).
		WithArgs("g1", 1).
		WillReturnRows(sqlmock.NewRows(goalCols).AddRow(
			"g2", "c2", "book a trade show", "proposed", 1, nil, nil, 0, 0, 0, now.Add(-time.Hour), now.Add(-time.Hour)))

	goals, err := st.ListGoalsForReview(context.Background(), "g1", 1)
	if err != nil {
		t.Fatalf("ListGoalsForReview: %v", err)
	}
	if len(goals) != 1 || goals[0].ID != "g2" || goals[0].Status != engagement.GoalProposed {
		t.Fatalf("unexpected page %+v", goals)
	}
	verify(t, mock)
}

func TestRecordCheckinMovesOpenGoal(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM goals WHERE id=$1 FOR UPDATE")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(goalCols).AddRow(
			"g1", "c1", "ten reviews", "open", 5, nil, nil, 0, 0, 0, now.Add(-48*time.Hour), now.Add(-48*time.Hour)))
	mock.ExpectExec(q("INSERT INTO checkins")).
		WithArgs(sqlmock.AnyArg(), "g1", "c1", "asked two clients", "positive", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO goal_events")).
		WithArgs(sqlmock.AnyArg(), "g1", "c1", "open", "in_progress", "check_in", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE goals SET status=$2, checkin_count=$3")).
		WithArgs("g1", "in_progress", 1, sqlmock.AnyArg(), 1, 0, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g, err := st.RecordCheckin(context.Background(), engagement.Checkin{
		GoalID: "g1", Summary: "asked two clients", Outcome: engagement.OutcomePositive, At: now,
	})
	if err != nil {
		t.Fatalf("RecordCheckin: %v", err)
	}
	if g.Status != engagement.GoalInProgress || g.CheckinCount != 1 || !g.LastCheckinAt.Equal(now) {
		t.Fatalf("unexpected goal %+v", g)
	}
	verify(t, mock)
}

func TestIgnoredStreakCountsFromNewest(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(q("SELECT ignored FROM messages")).
		WithArgs("c1", ignoredWindow).
		WillReturnRows(sqlmock.NewRows([]string{"ignored"}).AddRow(true).AddRow(true).AddRow(false).AddRow(true))

	n, err := st.IgnoredStreak(context.Background(), "c1")
	if err != nil {
		t.Fatalf("IgnoredStreak: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected streak 2, got %d", n)
	}
	verify(t, mock)
}

func TestHasRecentActionSkipsEmptyTarget(t *testing.T) {
	st, mock := newMock(t)
	ok, err := st.HasRecentAction(context.Background(), "c1", "message_send", "", now)
	if err != nil || ok {
		t.Fatalf("expected no match without a query, got %v %v", ok, err)
	}
	verify(t, mock)
}

func TestCountAllowed(t *testing.T) {
	st, mock := newMock(t)
	since := now.Add(-24 * time.Hour)
	mock.ExpectQuery(q("SELECT COUNT(*) FROM tool_audit")).
		WithArgs("c1", "message_send", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := st.CountAllowed(context.Background(), "c1", "message_send", since)
	if err != nil || n != 3 {
		t.Fatalf("expected 3, got %d %v", n, err)
	}
	verify(t, mock)
}

func TestJobsInsertReturnsLiveDuplicate(t *testing.T) {
	st, mock := newMock(t)
	jobs := st.Jobs()
	mock.ExpectQuery(q("INSERT INTO jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("SELECT id FROM jobs WHERE dedup_key=$1")).
		WithArgs("c1|goal_checkin|2025-06-02T09:00:00Z").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-existing"))

	id, created, err := jobs.Insert(context.Background(), queue.Job{
		ID: "job-new", ContractorID: "c1", ActionType: "goal_checkin", ScheduledAt: now,
		DedupKey: "c1|goal_checkin|2025-06-02T09:00:00Z", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if created || id != "job-existing" {
		t.Fatalf("expected existing job, got %s created=%v", id, created)
	}
	verify(t, mock)
}

func TestJobsClaim(t *testing.T) {
	st, mock := newMock(t)
	jobs := st.Jobs()
	lease := 2 * time.Minute
	mock.ExpectQuery(q("UPDATE jobs j SET status='claimed'")).
		WithArgs("w1", now, now.Add(lease)).
		WillReturnRows(sqlmock.NewRows(claimCols).AddRow(
			"job-1", "c1", "goal_checkin", []byte(`{"goal_id":"g1"}`), now.Add(-time.Minute), "claimed", 0,
			"w1", now.Add(lease), "c1|goal_checkin|2025-06-02T09:00:00Z", "", now.Add(-time.Hour), now, false))

	job, ok, err := jobs.Claim(context.Background(), "w1", now, lease)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if job.Reclaimed {
		t.Fatalf("job claimed from pending must not be flagged reclaimed")
	}
	if job.Status != queue.StatusClaimed || job.LeaseOwner != "w1" || job.Payload["goal_id"] != "g1" {
		t.Fatalf("unexpected job %+v", job)
	}
	if !job.LeaseExpiry.Equal(now.Add(lease)) {
		t.Fatalf("unexpected lease expiry %v", job.LeaseExpiry)
	}
	verify(t, mock)
}

func TestJobsClaimFlagsExpiredLease(t *testing.T) {
	st, mock := newMock(t)
	lease := 2 * time.Minute
	mock.ExpectQuery(q("WITH picked AS")).
		WithArgs("w2", now, now.Add(lease)).
		WillReturnRows(sqlmock.NewRows(claimCols).AddRow(
			"job-1", "c1", "goal_checkin", []byte(`{}`), now.Add(-time.Hour), "claimed", 1,
			"w2", now.Add(lease), "c1|goal_checkin|2025-06-02T08:00:00Z", "", now.Add(-2*time.Hour), now, true))

	job, ok, err := st.Jobs().Claim(context.Background(), "w2", now, lease)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if !job.Reclaimed || job.Attempt != 1 {
		t.Fatalf("expected reclaimed job at attempt 1, got %+v", job)
	}
	verify(t, mock)
}

func TestJobsClaimLosesContractorRace(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(q("UPDATE jobs j SET status='claimed'")).
		WillReturnError(&pq.Error{Code: codeUniqueViolation})

	_, ok, err := st.Jobs().Claim(context.Background(), "w2", now, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected no job and no error, got ok=%v err=%v", ok, err)
	}
	verify(t, mock)
}

func TestJobsCompleteDistinguishesConflictFromMissing(t *testing.T) {
	st, mock := newMock(t)
	jobs := st.Jobs()
	mock.ExpectExec(q("UPDATE jobs SET status='done'")).
		WithArgs("job-1", "w1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS (SELECT 1 FROM jobs WHERE id=$1)")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(q("UPDATE jobs SET status='done'")).
		WithArgs("job-2", "w1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS (SELECT 1 FROM jobs WHERE id=$1)")).
		WithArgs("job-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := jobs.Complete(context.Background(), "job-1", "w1", now); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := jobs.Complete(context.Background(), "job-2", "w1", now); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestJobsRetryGuardsAttempt(t *testing.T) {
	st, mock := newMock(t)
	runAt := now.Add(time.Minute)
	mock.ExpectExec(q("WHERE id=$1 AND status='claimed' AND lease_owner=$2 AND attempt=$3")).
		WithArgs("job-1", "w1", 1, runAt, "relay 503", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.Jobs().Retry(context.Background(), "job-1", "w1", 1, runAt, "relay 503", now); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	verify(t, mock)
}

func TestJobsStats(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(q("SELECT status, COUNT(*) FROM jobs GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 4).AddRow("claimed", 1).AddRow("dead", 2))

	s, err := st.Jobs().Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Pending != 4 || s.Claimed != 1 || s.Dead != 2 || s.Done != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
	verify(t, mock)
}
