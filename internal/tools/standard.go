package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/guard"
	"github.com/mohammad-safakhou/outreach/internal/matcher"
	"github.com/mohammad-safakhou/outreach/internal/provider"
)

// Tool names. These are stable wire names shared with the assistant.
const (
	NameCaptureNote      = "capture_note"
	NameManageGoal       = "manage_goal"
	NameCheckInOnGoal    = "check_in_on_goal"
	NameMatchPartner     = "match_partner"
	NameMatchSession     = "match_session"
	NameScheduleFollowup = "schedule_followup"
	NameUpdateProfile    = "update_profile"
	NameWebSearch        = "web_search"
	NameSendMessage      = "send_message"
)

// Action classes used by the guard's rate limits.
const (
	ClassNoteCapture   = "note_capture"
	ClassGoalUpdate    = "goal_update"
	ClassProfileUpdate = "profile_update"
	ClassFollowup      = guard.ClassFollowupSchedule
	ClassMessageSend   = guard.ClassMessageSend
)

const defaultMatchResults = 3

// Scheduler is the queue side used by schedule_followup.
type Scheduler interface {
	Enqueue(ctx context.Context, contractorID, actionType string, payload map[string]any, scheduledAt time.Time) (string, error)
}

// Matcher ranks partners and sessions.
type Matcher interface {
	Partners(terms []string, k int) ([]matcher.Match, error)
	Sessions(terms []string, k int, now time.Time) ([]matcher.Match, error)
}

// ContentChecker vets text produced after the guard decision.
type ContentChecker interface {
	CheckContent(text string) guard.Decision
}

// Deps wires the canonical tool set.
type Deps struct {
	Store      engagement.Store
	Clock      clock.Clock
	Queue      Scheduler
	Matcher    Matcher
	MatchLimit int
	Searcher   provider.Searcher
	Completer  provider.Completer
	Channel    provider.Channel
	Content    ContentChecker
}

// Standard returns the canonical tools. Tools whose dependency is missing
// are left out.
func Standard(d Deps) []Tool {
	if d.MatchLimit <= 0 {
		d.MatchLimit = defaultMatchResults
	}
	out := []Tool{
		&captureNote{store: d.Store, clock: d.Clock},
		&manageGoal{store: d.Store, clock: d.Clock},
		&checkInOnGoal{store: d.Store, clock: d.Clock},
		&updateProfile{store: d.Store, clock: d.Clock},
	}
	if d.Queue != nil {
		out = append(out, &scheduleFollowup{queue: d.Queue, clock: d.Clock})
	}
	if d.Matcher != nil {
		out = append(out,
			&matchPartner{store: d.Store, matcher: d.Matcher, limit: d.MatchLimit},
			&matchSession{store: d.Store, matcher: d.Matcher, limit: d.MatchLimit, clock: d.Clock},
		)
	}
	if d.Searcher != nil {
		out = append(out, &webSearch{searcher: d.Searcher})
	}
	if d.Channel != nil {
		out = append(out, &sendMessage{
			store:     d.Store,
			clock:     d.Clock,
			channel:   d.Channel,
			completer: d.Completer,
			content:   d.Content,
		})
	}
	return out
}

// toOutput renders a value as a JSON object.
func toOutput(key string, v any) Output {
	raw, err := json.Marshal(v)
	if err != nil {
		return Output{key: nil}
	}
	var doc any
	_ = json.Unmarshal(raw, &doc)
	return Output{key: doc}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
