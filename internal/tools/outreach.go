package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
	"github.com/mohammad-safakhou/outreach/internal/provider"
	"github.com/mohammad-safakhou/outreach/internal/queue"
)

type scheduleFollowup struct {
	queue Scheduler
	clock clock.Clock
}

type followupInput struct {
	ContractorID string     `json:"contractor_id"`
	ActionType   string     `json:"action_type"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
	DelayHours   float64    `json:"delay_hours"`
	GoalID       string     `json:"goal_id"`
	Message      string     `json:"message"`
	Reason       string     `json:"reason"`
}

func (t *scheduleFollowup) Spec() Spec {
	return Spec{
		Name:        NameScheduleFollowup,
		Description: "Schedule a future outreach action for the contractor.",
		Mutating:    true,
		ActionClass: ClassFollowup,
		Schema: `{
  "type": "object",
  "required": ["contractor_id"],
  "additionalProperties": false,
  "properties": {
    "contractor_id": {"type": "string", "minLength": 1},
    "action_type": {"type": "string", "enum": ["send_followup", "goal_checkin", "deadline_reminder", "reengagement", "scheduled_touchpoint"]},
    "scheduled_at": {"type": "string", "format": "date-time"},
    "delay_hours": {"type": "number", "minimum": 0, "maximum": 2160},
    "goal_id": {"type": "string"},
    "message": {"type": "string", "maxLength": 2000},
    "reason": {"type": "string", "maxLength": 500}
  }
}`,
	}
}

func (t *scheduleFollowup) parse(in Input) (followupInput, time.Time, error) {
	var f followupInput
	if err := decode(in, &f); err != nil {
		return f, time.Time{}, err
	}
	if f.ActionType == "" {
		f.ActionType = queue.ActionSendFollowup
	}
	now := t.clock.Now()
	at := now.Add(time.Duration(f.DelayHours * float64(time.Hour)))
	if f.ScheduledAt != nil {
		at = f.ScheduledAt.UTC()
	}
	if at.Before(now) {
		at = now
	}
	return f, at, nil
}

// Target keys duplicates on action, goal and day.
func (t *scheduleFollowup) Target(in Input) string {
	f, at, err := t.parse(in)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s|%s|%s", f.ActionType, f.GoalID, at.Format("2006-01-02"))
}

func (t *scheduleFollowup) Content(in Input) string {
	msg, _ := in["message"].(string)
	return msg
}

func (t *scheduleFollowup) Execute(ctx context.Context, inv Invocation) (Output, error) {
	f, at, err := t.parse(inv.Input)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if f.GoalID != "" {
		payload["goal_id"] = f.GoalID
	}
	if m := strings.TrimSpace(f.Message); m != "" {
		payload["content"] = m
	}
	if f.Reason != "" {
		payload["reason"] = f.Reason
	}
	id, err := t.queue.Enqueue(ctx, f.ContractorID, f.ActionType, payload, at)
	if err != nil {
		return nil, err
	}
	return Output{"job_id": id, "action_type": f.ActionType, "scheduled_at": at.Format(time.RFC3339)}, nil
}

const matchSchema = `{
  "type": "object",
  "required": ["contractor_id"],
  "additionalProperties": false,
  "properties": {
    "contractor_id": {"type": "string", "minLength": 1},
    "focus": {"type": "array", "items": {"type": "string"}, "maxItems": 20},
    "limit": {"type": "integer", "minimum": 1, "maximum": 10}
  }
}`

type matchInput struct {
	ContractorID string   `json:"contractor_id"`
	Focus        []string `json:"focus"`
	Limit        int      `json:"limit"`
}

// matchTerms falls back to the stored focus areas and trade when the caller
// gave none.
func matchTerms(ctx context.Context, store engagement.Store, op string, in matchInput) ([]string, error) {
	if len(in.Focus) > 0 {
		return in.Focus, nil
	}
	st, err := store.GetState(ctx, in.ContractorID)
	if err != nil {
		return nil, err
	}
	terms := append([]string(nil), st.Focus...)
	if trade := st.Profile["trade"]; trade != "" {
		terms = append(terms, trade)
	}
	if len(terms) == 0 {
		return nil, fault.Newf(fault.InvalidInput, op, "contractor %s has no focus areas to match on", in.ContractorID)
	}
	return terms, nil
}

type matchPartner struct {
	store   engagement.Store
	matcher Matcher
	limit   int
}

func (t *matchPartner) Spec() Spec {
	return Spec{
		Name:        NameMatchPartner,
		Description: "Find strategic partners relevant to the contractor's focus areas.",
		Schema:      matchSchema,
	}
}

func (t *matchPartner) Execute(ctx context.Context, inv Invocation) (Output, error) {
	var in matchInput
	if err := decode(inv.Input, &in); err != nil {
		return nil, err
	}
	terms, err := matchTerms(ctx, t.store, "tools.match_partner", in)
	if err != nil {
		return nil, err
	}
	k := in.Limit
	if k <= 0 {
		k = t.limit
	}
	hits, err := t.matcher.Partners(terms, k)
	if err != nil {
		return nil, fault.Wrap(fault.TransientInfra, "tools.match_partner", err)
	}
	return toOutput("matches", hits), nil
}

type matchSession struct {
	store   engagement.Store
	matcher Matcher
	limit   int
	clock   clock.Clock
}

func (t *matchSession) Spec() Spec {
	return Spec{
		Name:        NameMatchSession,
		Description: "Find upcoming event sessions relevant to the contractor's focus areas.",
		Schema:      matchSchema,
	}
}

func (t *matchSession) Execute(ctx context.Context, inv Invocation) (Output, error) {
	var in matchInput
	if err := decode(inv.Input, &in); err != nil {
		return nil, err
	}
	terms, err := matchTerms(ctx, t.store, "tools.match_session", in)
	if err != nil {
		return nil, err
	}
	k := in.Limit
	if k <= 0 {
		k = t.limit
	}
	hits, err := t.matcher.Sessions(terms, k, t.clock.Now())
	if err != nil {
		return nil, fault.Wrap(fault.TransientInfra, "tools.match_session", err)
	}
	return toOutput("matches", hits), nil
}

type webSearch struct {
	searcher provider.Searcher
}

func (t *webSearch) Spec() Spec {
	return Spec{
		Name:        NameWebSearch,
		Description: "Search the web for information relevant to the conversation.",
		Schema: `{
  "type": "object",
  "required": ["query"],
  "additionalProperties": false,
  "properties": {
    "query": {"type": "string", "minLength": 1, "maxLength": 300},
    "contractor_id": {"type": "string"}
  }
}`,
	}
}

func (t *webSearch) Execute(ctx context.Context, inv Invocation) (Output, error) {
	q, _ := inv.Input["query"].(string)
	results, err := t.searcher.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return toOutput("results", results), nil
}

// sendMessage delivers one message through the outbound channel. When no
// content is given the body is produced by the completer, or by a fixed
// template when no completer is configured.
type sendMessage struct {
	store     engagement.Store
	clock     clock.Clock
	channel   provider.Channel
	completer provider.Completer
	content   ContentChecker
}

// ActionGoalKickoff is the goal engine's first message for a freshly opened goal.
const ActionGoalKickoff = "goal_kickoff"

var messagePrompts = map[string]string{
	ActionGoalKickoff:               "Congratulate the contractor on setting a new goal and ask what the first step will be.",
	queue.ActionSendFollowup:        "Write a brief follow-up to the contractor about what was discussed last time.",
	queue.ActionGoalCheckin:         "Ask the contractor how progress on their goal is going and offer help.",
	queue.ActionDeadlineReminder:    "Remind the contractor that the target date for their goal is close and ask what is left.",
	queue.ActionReengagement:        "Reconnect with a contractor who has been quiet for a while. Keep it low pressure.",
	queue.ActionScheduledTouchpoint: "Send a short, friendly routine check-in.",
}

var messageTemplates = map[string]string{
	ActionGoalKickoff:               "Hi %s, great to see you set a new goal%s. What is the first step you want to take?",
	queue.ActionSendFollowup:        "Hi %s, following up on our last conversation%s. Anything I can help with this week?",
	queue.ActionGoalCheckin:         "Hi %s, checking in on your progress%s. How is it going?",
	queue.ActionDeadlineReminder:    "Hi %s, a quick reminder that your target date is coming up%s. What is left to get there?",
	queue.ActionReengagement:        "Hi %s, it has been a little while. How is business going%s?",
	queue.ActionScheduledTouchpoint: "Hi %s, just checking in%s. Anything on your plate I can help with?",
}

func (t *sendMessage) Spec() Spec {
	return Spec{
		Name:        NameSendMessage,
		Description: "Send a message to the contractor on their preferred channel.",
		Mutating:    true,
		ActionClass: ClassMessageSend,
		Proactive:   true,
		Schema: `{
  "type": "object",
  "required": ["contractor_id"],
  "properties": {
    "contractor_id": {"type": "string", "minLength": 1},
    "content": {"type": "string", "maxLength": 4000},
    "prompt": {"type": "string", "maxLength": 2000},
    "goal_id": {"type": "string"},
    "action_type": {"type": "string"},
    "channel": {"type": "string", "enum": ["email", "sms"]}
  }
}`,
	}
}

// Target is the normalized text, or the action and goal for generated text.
func (t *sendMessage) Target(in Input) string {
	if c := t.Content(in); c != "" {
		return "text:" + truncate(normalize(c), 120)
	}
	action, _ := in["action_type"].(string)
	goal, _ := in["goal_id"].(string)
	return "auto:" + action + ":" + goal
}

func (t *sendMessage) Content(in Input) string {
	c, _ := in["content"].(string)
	return strings.TrimSpace(c)
}

func (t *sendMessage) Execute(ctx context.Context, inv Invocation) (Output, error) {
	const op = "tools.send_message"
	in := inv.Input
	contractorID, _ := in["contractor_id"].(string)
	actionType, _ := in["action_type"].(string)
	goalID, _ := in["goal_id"].(string)

	state, err := t.store.GetState(ctx, contractorID)
	if err != nil {
		return nil, err
	}
	var goal engagement.Goal
	if goalID != "" {
		if goal, err = t.store.GetGoal(ctx, goalID); err != nil {
			return nil, err
		}
		if goal.ContractorID != contractorID {
			return nil, fault.Newf(fault.InvalidInput, op, "goal %s does not belong to contractor %s", goalID, contractorID)
		}
	}

	text := t.Content(in)
	if text == "" {
		if text, err = t.compose(ctx, in, state, goal, actionType); err != nil {
			return nil, err
		}
		if t.content != nil {
			if d := t.content.CheckContent(text); !d.Allowed {
				return nil, fault.Wrap(fault.GuardDenied, op, &ContentDenial{Decision: d})
			}
		}
	}

	channel, _ := in["channel"].(string)
	if channel == "" {
		channel = state.Channel()
	}
	receipt, err := t.channel.Send(ctx, contractorID, channel, text)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	msg, err := t.store.RecordMessage(ctx, engagement.Message{
		ContractorID: contractorID,
		Channel:      channel,
		Content:      text,
		ActionType:   actionType,
		GoalID:       goalID,
		Proactive:    inv.Caller.Proactive(),
		ReceiptID:    receipt.ID,
		SentAt:       now,
	})
	if err != nil {
		return nil, err
	}
	if err := t.store.TouchContact(ctx, contractorID, now); err != nil {
		return nil, err
	}
	return Output{"message_id": msg.ID, "receipt_id": receipt.ID, "channel": channel}, nil
}

func (t *sendMessage) compose(ctx context.Context, in Input, state engagement.State, goal engagement.Goal, actionType string) (string, error) {
	if t.completer == nil {
		return templateMessage(state, goal, actionType), nil
	}
	prompt, _ := in["prompt"].(string)
	if prompt == "" {
		prompt = messagePrompts[actionType]
	}
	if prompt == "" {
		prompt = messagePrompts[queue.ActionScheduledTouchpoint]
	}
	vars := map[string]any{
		"contractor_name": state.Name,
		"stage":           string(state.Stage),
	}
	if len(state.Focus) > 0 {
		vars["focus"] = strings.Join(state.Focus, ", ")
	}
	if goal.ID != "" {
		vars["goal"] = goal.Description
		vars["goal_status"] = string(goal.Status)
		if !goal.TargetDate.IsZero() {
			vars["goal_target_date"] = goal.TargetDate.Format("2006-01-02")
		}
	}
	for k, v := range in {
		switch k {
		case "contractor_id", "content", "prompt", "goal_id", "channel":
			continue
		}
		vars[k] = v
	}
	text, err := t.completer.Complete(ctx, prompt, vars)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fault.New(fault.ExternalProviderError, "tools.send_message", "completion returned no text")
	}
	return strings.TrimSpace(text), nil
}

func templateMessage(state engagement.State, goal engagement.Goal, actionType string) string {
	tmpl, ok := messageTemplates[actionType]
	if !ok {
		tmpl = messageTemplates[queue.ActionScheduledTouchpoint]
	}
	name := state.Name
	if name == "" {
		name = "there"
	}
	about := ""
	if goal.Description != "" {
		about = fmt.Sprintf(" on \"%s\"", goal.Description)
	}
	return fmt.Sprintf(tmpl, name, about)
}
