package engagement

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a contractor, goal or message does not exist.
var ErrNotFound = errors.New("engagement: not found")

// ProfilePatch is a partial update applied by update_profile.
type ProfilePatch struct {
	Fields            map[string]string
	OptedOut          *bool
	ChannelPreference *string
	Stage             *Stage
	Cadence           *string
	Focus             []string
	TrustScore        *int
	EngagementScore   *float64
}

// GoalPatch is a partial update to a goal's descriptive fields.
type GoalPatch struct {
	Description *string
	Priority    *int
	TargetDate  *time.Time
}

// HistoryReader is the read side consulted by the guard.
type HistoryReader interface {
	GetState(ctx context.Context, contractorID string) (State, error)
	CountAllowed(ctx context.Context, contractorID, class string, since time.Time) (int, error)
	HasRecentAction(ctx context.Context, contractorID, class, target string, since time.Time) (bool, error)
	LastProactiveMessage(ctx context.Context, contractorID string) (time.Time, error)
	IgnoredStreak(ctx context.Context, contractorID string) (int, error)
}

// Auditor appends tool invocation records.
type Auditor interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
}

// Store is the full persistence contract shared by the memory and Postgres
// implementations.
type Store interface {
	HistoryReader
	Auditor

	UpsertState(ctx context.Context, s State) error
	ListActive(ctx context.Context, afterID string, limit int) ([]State, error)
	UpdateProfile(ctx context.Context, contractorID string, patch ProfilePatch, now time.Time) (State, error)
	SetPause(ctx context.Context, contractorID string, until time.Time, reason string, now time.Time) error
	TouchContact(ctx context.Context, contractorID string, at time.Time) error

	CreateGoal(ctx context.Context, g Goal) (Goal, error)
	GetGoal(ctx context.Context, goalID string) (Goal, error)
	ListGoals(ctx context.Context, contractorID string) ([]Goal, error)
	ListGoalsForReview(ctx context.Context, afterID string, limit int) ([]Goal, error)
	UpdateGoal(ctx context.Context, goalID string, patch GoalPatch, now time.Time) (Goal, error)
	TransitionGoal(ctx context.Context, goalID string, to GoalStatus, actor, reason string, now time.Time) (Goal, error)
	RecordCheckin(ctx context.Context, c Checkin) (Goal, error)
	GoalEvents(ctx context.Context, goalID string) ([]GoalEvent, error)

	AddNote(ctx context.Context, n Note) (Note, error)
	RecordMessage(ctx context.Context, m Message) (Message, error)
	MarkMessage(ctx context.Context, messageID string, replied bool) error

	ListAudit(ctx context.Context, contractorID string, limit int) ([]AuditRecord, error)
}
