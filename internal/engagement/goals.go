package engagement

import (
	"fmt"
	"time"
)

// GoalStatus is the lifecycle status of a goal.
type GoalStatus string

const (
	GoalProposed   GoalStatus = "proposed"
	GoalOpen       GoalStatus = "open"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalAbandoned  GoalStatus = "abandoned"
)

// Terminal reports whether no automated transition leaves this status.
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalAbandoned
}

// Valid reports whether s is a known status.
func (s GoalStatus) Valid() bool {
	switch s {
	case GoalProposed, GoalOpen, GoalInProgress, GoalCompleted, GoalAbandoned:
		return true
	}
	return false
}

// transitions lists every allowed edge. Reopen is the only way back.
var transitions = map[GoalStatus][]GoalStatus{
	GoalProposed:   {GoalOpen, GoalAbandoned},
	GoalOpen:       {GoalInProgress, GoalCompleted, GoalAbandoned},
	GoalInProgress: {GoalCompleted, GoalAbandoned},
	GoalCompleted:  {GoalOpen},
	GoalAbandoned:  {GoalOpen},
}

// CanTransition reports whether from -> to is a legal goal transition.
func CanTransition(from, to GoalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a goal status change is not allowed.
type ErrIllegalTransition struct {
	GoalID string
	From   GoalStatus
	To     GoalStatus
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("goal %s: illegal transition %s -> %s", e.GoalID, e.From, e.To)
}

// Goal is a contractor objective tracked by the goal engine.
type Goal struct {
	ID               string     `json:"id"`
	ContractorID     string     `json:"contractor_id"`
	Description      string     `json:"description"`
	Status           GoalStatus `json:"status"`
	Priority         int        `json:"priority"`
	TargetDate       time.Time  `json:"target_date"`
	LastCheckinAt    time.Time  `json:"last_checkin_at"`
	CheckinCount     int        `json:"checkin_count"`
	PositiveOutcomes int        `json:"positive_outcomes"`
	NegativeOutcomes int        `json:"negative_outcomes"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ClampPriority keeps a priority within 1..10, defaulting to 5.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return 5
	case p < 1:
		return 1
	case p > 10:
		return 10
	}
	return p
}

// LastActivity is the most recent of the last check-in and the last update.
func (g Goal) LastActivity() time.Time {
	if g.LastCheckinAt.After(g.UpdatedAt) {
		return g.LastCheckinAt
	}
	return g.UpdatedAt
}

// GoalEvent is the audit entry written for every goal status change.
type GoalEvent struct {
	ID           string     `json:"id"`
	GoalID       string     `json:"goal_id"`
	ContractorID string     `json:"contractor_id"`
	From         GoalStatus `json:"from"`
	To           GoalStatus `json:"to"`
	Actor        string     `json:"actor"`
	Reason       string     `json:"reason,omitempty"`
	At           time.Time  `json:"at"`
}
