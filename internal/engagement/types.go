// Package engagement holds the contractor-facing records the outreach service
// reads and mutates: engagement state, goals, notes, check-ins, outbound
// messages and the append-only tool audit trail.
package engagement

import (
	"strings"
	"time"
)

// DefaultTrustScore is assigned to newly registered contractors.
const DefaultTrustScore = 50

// Stage is the contractor lifecycle stage.
type Stage string

const (
	StageOnboarding Stage = "onboarding"
	StageActive     Stage = "active"
	StageDormant    Stage = "dormant"
	StageChurned    Stage = "churned"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageOnboarding, StageActive, StageDormant, StageChurned:
		return true
	}
	return false
}

// State is the per-contractor engagement record. It is only mutated through
// tools and is never deleted.
type State struct {
	ContractorID       string            `json:"contractor_id"`
	Name               string            `json:"name"`
	Email              string            `json:"email,omitempty"`
	Phone              string            `json:"phone,omitempty"`
	ChannelPreference  string            `json:"channel_preference"`
	Stage              Stage             `json:"stage"`
	LastContactAt      time.Time         `json:"last_contact_at"`
	OutstandingActions int               `json:"outstanding_actions"`
	OptedOut           bool              `json:"opted_out"`
	PausedUntil        time.Time         `json:"paused_until"`
	PauseReason        string            `json:"pause_reason,omitempty"`
	TrustScore         int               `json:"trust_score"`
	EngagementScore    float64           `json:"engagement_score"`
	Cadence            string            `json:"cadence,omitempty"`
	Focus              []string          `json:"focus,omitempty"`
	Profile            map[string]string `json:"profile,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Paused reports whether outreach is suspended at now.
func (s State) Paused(now time.Time) bool {
	return !s.PausedUntil.IsZero() && now.Before(s.PausedUntil)
}

// Reachable reports whether the heartbeat should consider this contractor at all.
func (s State) Reachable() bool {
	return !s.OptedOut && s.Stage != StageChurned
}

// Channel returns the preferred outbound channel, defaulting to email.
func (s State) Channel() string {
	if c := strings.TrimSpace(s.ChannelPreference); c != "" {
		return c
	}
	return "email"
}

// Note is a free-text observation captured during a conversation.
type Note struct {
	ID               string    `json:"id"`
	ContractorID     string    `json:"contractor_id"`
	Text             string    `json:"text"`
	NoteType         string    `json:"note_type"`
	RequiresFollowup bool      `json:"requires_followup"`
	CreatedAt        time.Time `json:"created_at"`
}

// Outcome labels the result of a check-in or outreach attempt.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomePositive Outcome = "positive"
	OutcomeNegative Outcome = "negative"
)

// Checkin records a goal progress check.
type Checkin struct {
	ID           string    `json:"id"`
	GoalID       string    `json:"goal_id"`
	ContractorID string    `json:"contractor_id"`
	Summary      string    `json:"summary"`
	Outcome      Outcome   `json:"outcome,omitempty"`
	At           time.Time `json:"at"`
}

// Message is the outbound message log. Replied and Ignored are set later by the
// channel callback and feed the proactive safeguards.
type Message struct {
	ID           string    `json:"id"`
	ContractorID string    `json:"contractor_id"`
	Channel      string    `json:"channel"`
	Content      string    `json:"content"`
	ActionType   string    `json:"action_type,omitempty"`
	GoalID       string    `json:"goal_id,omitempty"`
	Proactive    bool      `json:"proactive"`
	ReceiptID    string    `json:"receipt_id,omitempty"`
	SentAt       time.Time `json:"sent_at"`
	Replied      bool      `json:"replied"`
	Ignored      bool      `json:"ignored"`
}

// CallerKind identifies who invoked a tool.
type CallerKind string

const (
	CallerAssistant CallerKind = "assistant"
	CallerEngine    CallerKind = "engine"
	CallerWorker    CallerKind = "worker"
	CallerAdmin     CallerKind = "admin"
)

// Proactive reports whether actions from this caller originate from the
// system rather than a conversation the contractor started.
func (c CallerKind) Proactive() bool {
	return c == CallerEngine || c == CallerWorker
}

// AuditRecord is the append-only trace of a tool invocation, including
// denials and invalid input.
type AuditRecord struct {
	ID           string         `json:"id"`
	ToolName     string         `json:"tool_name"`
	ContractorID string         `json:"contractor_id,omitempty"`
	ActionClass  string         `json:"action_class,omitempty"`
	Target       string         `json:"target,omitempty"`
	Caller       CallerKind     `json:"caller"`
	Input        map[string]any `json:"input,omitempty"`
	Evaluated    bool           `json:"evaluated"`
	Allowed      bool           `json:"allowed"`
	Reason       string         `json:"reason,omitempty"`
	PolicyID     string         `json:"policy_id,omitempty"`
	Success      bool           `json:"success"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Error        string         `json:"error,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	At           time.Time      `json:"at"`
}
