package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
)

type captureNote struct {
	store engagement.Store
	clock clock.Clock
}

func (t *captureNote) Spec() Spec {
	return Spec{
		Name:        NameCaptureNote,
		Description: "Record an observation about the contractor for later follow-up.",
		Mutating:    true,
		ActionClass: ClassNoteCapture,
		Schema: `{
  "type": "object",
  "required": ["contractor_id", "text"],
  "additionalProperties": false,
  "properties": {
    "contractor_id": {"type": "string", "minLength": 1},
    "text": {"type": "string", "minLength": 1, "maxLength": 4000},
    "note_type": {"type": "string", "enum": ["general", "concern", "win", "request", "feedback"]},
    "requires_followup": {"type": "boolean"}
  }
}`,
	}
}

func (t *captureNote) Execute(ctx context.Context, inv Invocation) (Output, error) {
	var in struct {
		ContractorID     string `json:"contractor_id"`
		Text             string `json:"text"`
		NoteType         string `json:"note_type"`
		RequiresFollowup bool   `json:"requires_followup"`
	}
	if err := decode(inv.Input, &in); err != nil {
		return nil, err
	}
	if in.NoteType == "" {
		in.NoteType = "general"
	}
	note, err := t.store.AddNote(ctx, engagement.Note{
		ContractorID:     in.ContractorID,
		Text:             strings.TrimSpace(in.Text),
		NoteType:         in.NoteType,
		RequiresFollowup: in.RequiresFollowup,
		CreatedAt:        t.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	return Output{"note_id": note.ID, "requires_followup": note.RequiresFollowup}, nil
}

type manageGoal struct {
	store engagement.Store
	clock clock.Clock
}

type manageGoalInput struct {
	ContractorID string     `json:"contractor_id"`
	Action       string     `json:"action"`
	GoalID       string     `json:"goal_id"`
	Description  string     `json:"description"`
	Priority     *int       `json:"priority"`
	TargetDate   *time.Time `json:"target_date"`
	Reason       string     `json:"reason"`
}

// goalActions maps manage_goal actions that change status to their target.
var goalActions = map[string]engagement.GoalStatus{
	"open":     engagement.GoalOpen,
	"start":    engagement.GoalInProgress,
	"complete": engagement.GoalCompleted,
	"abandon":  engagement.GoalAbandoned,
	"reopen":   engagement.GoalOpen,
}

func (t *manageGoal) Spec() Spec {
	return Spec{
		Name:        NameManageGoal,
		Description: "Create a contractor goal, move it through its lifecycle, or edit it.",
		Mutating:    true,
		ActionClass: ClassGoalUpdate,
		Schema: `{
  "type": "object",
  "required": ["contractor_id", "action"],
  "additionalProperties": false,
  "properties": {
    "contractor_id": {"type": "string", "minLength": 1},
    "action": {"type": "string", "enum": ["create", "open", "start", "complete", "abandon", "reopen", "update"]},
    "goal_id": {"type": "string"},
    "description": {"type": "string", "maxLength": 1000},
    "priority": {"type": "integer", "minimum": 1, "maximum": 10},
    "target_date": {"type": "string", "format": "date-time"},
    "reason": {"type": "string", "maxLength": 500}
  }
}`,
	}
}

// Target makes repeated creation of the same goal a duplicate.
func (t *manageGoal) Target(in Input) string {
	if in["action"] != "create" {
		return ""
	}
	desc, _ := in["description"].(string)
	return "create:" + truncate(normalize(desc), 120)
}

func (t *manageGoal) Execute(ctx context.Context, inv Invocation) (Output, error) {
	const op = "tools.manage_goal"
	var in manageGoalInput
	if err := decode(inv.Input, &in); err != nil {
		return nil, err
	}
	now := t.clock.Now()
	if in.Action == "create" {
		if strings.TrimSpace(in.Description) == "" {
			return nil, fault.New(fault.InvalidInput, op, "description required to create a goal")
		}
		g := engagement.Goal{
			ContractorID: in.ContractorID,
			Description:  strings.TrimSpace(in.Description),
			Status:       engagement.GoalProposed,
			CreatedAt:    now,
		}
		if in.Priority != nil {
			g.Priority = *in.Priority
		}
		if in.TargetDate != nil {
			g.TargetDate = in.TargetDate.UTC()
		}
		created, err := t.store.CreateGoal(ctx, g)
		if err != nil {
			return nil, err
		}
		return toOutput("goal", created), nil
	}

	if in.GoalID == "" {
		return nil, fault.Newf(fault.InvalidInput, op, "goal_id required for %s", in.Action)
	}
	current, err := t.store.GetGoal(ctx, in.GoalID)
	if err != nil {
		return nil, err
	}
	if current.ContractorID != in.ContractorID {
		return nil, fault.Newf(fault.InvalidInput, op, "goal %s does not belong to contractor %s", in.GoalID, in.ContractorID)
	}

	if in.Action == "update" {
		patch := engagement.GoalPatch{Priority: in.Priority}
		if d := strings.TrimSpace(in.Description); d != "" {
			patch.Description = &d
		}
		if in.TargetDate != nil {
			td := in.TargetDate.UTC()
			patch.TargetDate = &td
		}
		updated, err := t.store.UpdateGoal(ctx, in.GoalID, patch, now)
		if err != nil {
			return nil, err
		}
		return toOutput("goal", updated), nil
	}

	to := goalActions[in.Action]
	switch {
	case in.Action == "open" && current.Status != engagement.GoalProposed:
		return nil, fault.Newf(fault.InvalidInput, op, "open applies to proposed goals, goal is %s", current.Status)
	case in.Action == "reopen" && !current.Status.Terminal():
		return nil, fault.Newf(fault.InvalidInput, op, "reopen applies to completed or abandoned goals, goal is %s", current.Status)
	}
	updated, err := t.store.TransitionGoal(ctx, in.GoalID, to, string(inv.Caller), in.Reason, now)
	if err != nil {
		return nil, err
	}
	return toOutput("goal", updated), nil
}

type checkInOnGoal struct {
	store engagement.Store
	clock clock.Clock
}

func (t *checkInOnGoal) Spec() Spec {
	return Spec{
		Name:        NameCheckInOnGoal,
		Description: "Record progress on a goal. The first check-in moves an open goal to in progress.",
		Mutating:    true,
		ActionClass: ClassGoalUpdate,
		Schema: `{
  "type": "object",
  "required": ["contractor_id", "goal_id"],
  "additionalProperties": false,
  "properties": {
    "contractor_id": {"type": "string", "minLength": 1},
    "goal_id": {"type": "string", "minLength": 1},
    "summary": {"type": "string", "maxLength": 2000},
    "outcome": {"type": "string", "enum": ["positive", "negative"]}
  }
}`,
	}
}

func (t *checkInOnGoal) Execute(ctx context.Context, inv Invocation) (Output, error) {
	var in struct {
		ContractorID string `json:"contractor_id"`
		GoalID       string `json:"goal_id"`
		Summary      string `json:"summary"`
		Outcome      string `json:"outcome"`
	}
	if err := decode(inv.Input, &in); err != nil {
		return nil, err
	}
	g, err := t.store.GetGoal(ctx, in.GoalID)
	if err != nil {
		return nil, err
	}
	if g.ContractorID != in.ContractorID {
		return nil, fault.Newf(fault.InvalidInput, "tools.check_in_on_goal", "goal %s does not belong to contractor %s", in.GoalID, in.ContractorID)
	}
	updated, err := t.store.RecordCheckin(ctx, engagement.Checkin{
		GoalID:       in.GoalID,
		ContractorID: in.ContractorID,
		Summary:      strings.TrimSpace(in.Summary),
		Outcome:      engagement.Outcome(in.Outcome),
		At:           t.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	return toOutput("goal", updated), nil
}

type updateProfile struct {
	store engagement.Store
	clock clock.Clock
}

func (t *updateProfile) Spec() Spec {
	return Spec{
		Name:        NameUpdateProfile,
		Description: "Merge profile fields, preferences and scores into the contractor record.",
		Mutating:    true,
		ActionClass: ClassProfileUpdate,
		Schema: `{
  "type": "object",
  "required": ["contractor_id"],
  "additionalProperties": false,
  "properties": {
    "contractor_id": {"type": "string", "minLength": 1},
    "fields": {"type": "object", "additionalProperties": {"type": "string", "maxLength": 500}},
    "opted_out": {"type": "boolean"},
    "channel_preference": {"type": "string", "enum": ["email", "sms"]},
    "stage": {"type": "string", "enum": ["onboarding", "active", "dormant", "churned"]},
    "cadence": {"type": "string", "maxLength": 100},
    "focus": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 20},
    "trust_score": {"type": "integer", "minimum": 0, "maximum": 100},
    "engagement_score": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`,
	}
}

func (t *updateProfile) Execute(ctx context.Context, inv Invocation) (Output, error) {
	var in struct {
		ContractorID      string            `json:"contractor_id"`
		Fields            map[string]string `json:"fields"`
		OptedOut          *bool             `json:"opted_out"`
		ChannelPreference *string           `json:"channel_preference"`
		Stage             *string           `json:"stage"`
		Cadence           *string           `json:"cadence"`
		Focus             []string          `json:"focus"`
		TrustScore        *int              `json:"trust_score"`
		EngagementScore   *float64          `json:"engagement_score"`
	}
	if err := decode(inv.Input, &in); err != nil {
		return nil, err
	}
	if in.Cadence != nil && strings.TrimSpace(*in.Cadence) != "" {
		if _, err := cronexpr.Parse(*in.Cadence); err != nil {
			return nil, fault.Wrap(fault.InvalidInput, "tools.update_profile", fmt.Errorf("cadence: %w", err))
		}
	}
	patch := engagement.ProfilePatch{
		Fields:            in.Fields,
		OptedOut:          in.OptedOut,
		ChannelPreference: in.ChannelPreference,
		Cadence:           in.Cadence,
		Focus:             in.Focus,
		TrustScore:        in.TrustScore,
		EngagementScore:   in.EngagementScore,
	}
	if in.Stage != nil {
		st := engagement.Stage(*in.Stage)
		patch.Stage = &st
	}
	state, err := t.store.UpdateProfile(ctx, in.ContractorID, patch, t.clock.Now())
	if err != nil {
		return nil, err
	}
	return toOutput("state", state), nil
}
