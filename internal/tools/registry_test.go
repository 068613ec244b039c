package tools

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/outreach/config"
	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
	"github.com/mohammad-safakhou/outreach/internal/guard"
	"github.com/mohammad-safakhou/outreach/internal/matcher"
	"github.com/mohammad-safakhou/outreach/internal/provider"
	"github.com/mohammad-safakhou/outreach/internal/queue"
)

var t0 = time.Date(2025, 5, 5, 9, 0, 0, 0, time.UTC)

type fakeChannel struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (f *fakeChannel) Send(_ context.Context, contractorID, channel, content string) (provider.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return provider.Receipt{}, f.err
	}
	f.sends = append(f.sends, content)
	return provider.Receipt{ID: "r-" + contractorID, Channel: channel, AcceptedAt: t0}, nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fakeCompleter struct {
	prompt string
	vars   map[string]any
	text   string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string, vars map[string]any) (string, error) {
	f.prompt, f.vars = prompt, vars
	return f.text, nil
}

type fakeSearcher struct{}

func (fakeSearcher) Query(_ context.Context, text string) ([]provider.SearchResult, error) {
	return []provider.SearchResult{{Title: "About " + text, URL: "https://example.com"}}, nil
}

type harness struct {
	reg     *Registry
	store   *engagement.MemoryStore
	queue   *queue.Queue
	clock   *clock.Fake
	channel *fakeChannel
	llm     *fakeCompleter
}

func newHarness(t *testing.T, guardCfg config.GuardConfig, withLLM bool) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:   engagement.NewMemoryStore(),
		clock:   clock.NewFake(t0),
		channel: &fakeChannel{},
	}
	require.NoError(t, h.store.UpsertState(ctx, engagement.State{
		ContractorID: "c1", Name: "Ada", Stage: engagement.StageActive, TrustScore: 60,
		Focus: []string{"hiring"}, CreatedAt: t0,
	}))
	quiet := log.New(io.Discard, "", 0)
	h.queue = queue.New(queue.NewMemoryBackend(), h.clock, queue.Options{
		MaxRetries: 3, BackoffBase: 30 * time.Second, BackoffMax: time.Hour,
		LeaseDuration: 2 * time.Minute, DedupBucket: time.Hour,
	}, nil, quiet, nil)
	cfg := guardCfg.Normalize()
	policies := guard.PoliciesFromConfig(cfg, config.SafeguardsConfig{MinTrustScore: 20}.Normalize())
	ev := guard.NewEvaluator(h.store, policies, h.clock, guard.WithLiveCounter(h.queue), guard.WithLogger(quiet))

	m, err := matcher.New(matcher.Catalog{Partners: []matcher.Partner{
		{ID: "p1", Name: "CrewFinder", Description: "hiring and recruiting", Categories: []string{"hiring"}},
		{ID: "p2", Name: "LeadLift", Description: "marketing", Categories: []string{"seo"}},
	}})
	require.NoError(t, err)

	deps := Deps{
		Store:    h.store,
		Clock:    h.clock,
		Queue:    h.queue,
		Matcher:  m,
		Searcher: fakeSearcher{},
		Channel:  h.channel,
		Content:  ev,
	}
	if withLLM {
		h.llm = &fakeCompleter{text: "Hi Ada, how is hiring going?"}
		deps.Completer = h.llm
	}
	h.reg, err = NewRegistry(ev, h.store, h.clock, Standard(deps)...)
	require.NoError(t, err)
	h.reg.SetLogger(quiet)
	return h
}

func (h *harness) lastAudit(t *testing.T) engagement.AuditRecord {
	t.Helper()
	recs, err := h.store.ListAudit(context.Background(), "", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

type stubTool struct{ name string }

func (s stubTool) Spec() Spec { return Spec{Name: s.name} }
func (s stubTool) Execute(context.Context, Invocation) (Output, error) {
	return Output{}, nil
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	store := engagement.NewMemoryStore()
	_, err := NewRegistry(nil, store, clock.NewFake(t0), stubTool{"a"}, stubTool{"a"})
	require.Error(t, err)

	_, err = NewRegistry(nil, store, clock.NewFake(t0), stubTool{"a"}, stubTool{"b"})
	require.NoError(t, err)
}

func TestUnknownToolIsInvalidInputAndAudited(t *testing.T) {
	h := newHarness(t, config.GuardConfig{}, false)
	res := h.reg.Invoke(context.Background(), "launch_rocket", map[string]any{"contractor_id": "c1"}, engagement.CallerAssistant)
	assert.False(t, res.Success)
	assert.Equal(t, fault.InvalidInput, res.ErrorKind)

	rec := h.lastAudit(t)
	assert.Equal(t, "launch_rocket", rec.ToolName)
	assert.False(t, rec.Evaluated)
}

func TestSchemaViolationSkipsGuard(t *testing.T) {
	h := newHarness(t, config.GuardConfig{}, false)
	res := h.reg.Invoke(context.Background(), NameCaptureNote, map[string]any{"contractor_id": "c1"}, engagement.CallerAssistant)
	assert.Equal(t, fault.InvalidInput, res.ErrorKind)
	assert.Nil(t, res.Decision)
	assert.Empty(t, h.store.Notes("c1"))

	rec := h.lastAudit(t)
	assert.False(t, rec.Evaluated)
	assert.Equal(t, string(fault.InvalidInput), rec.ErrorKind)
}

func TestCaptureNote(t *testing.T) {
	h := newHarness(t, config.GuardConfig{}, false)
	res := h.reg.Invoke(context.Background(), NameCaptureNote, map[string]any{
		"contractor_id": "c1", "text": "Wants to hire two techs before summer", "requires_followup": true,
	}, engagement.CallerAssistant)
	require.True(t, res.Success, res.Error)
	notes := h.store.Notes("c1")
	require.Len(t, notes, 1)
	assert.Equal(t, "general", notes[0].NoteType)
	assert.True(t, notes[0].RequiresFollowup)

	rec := h.lastAudit(t)
	assert.True(t, rec.Evaluated)
	assert.True(t, rec.Allowed)
	assert.True(t, rec.Success)
	assert.Equal(t, ClassNoteCapture, rec.ActionClass)
}

func TestOptedOutFollowupIsDeniedWithoutJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)
	optOut := true
	_, err := h.store.UpdateProfile(ctx, "c1", engagement.ProfilePatch{OptedOut: &optOut}, t0)
	require.NoError(t, err)

	res := h.reg.Invoke(ctx, NameScheduleFollowup, map[string]any{"contractor_id": "c1", "delay_hours": 24}, engagement.CallerAssistant)
	assert.False(t, res.Success)
	assert.Equal(t, fault.GuardDenied, res.ErrorKind)
	require.NotNil(t, res.Decision)
	assert.Equal(t, guard.ReasonOptOut, res.Decision.Reason)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)

	rec := h.lastAudit(t)
	assert.True(t, rec.Evaluated)
	assert.False(t, rec.Allowed)
	assert.Equal(t, guard.ReasonOptOut, rec.Reason)
}

func TestScheduleFollowupEnqueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)
	res := h.reg.Invoke(ctx, NameScheduleFollowup, map[string]any{
		"contractor_id": "c1", "action_type": queue.ActionGoalCheckin, "delay_hours": 48, "message": "How did the interviews go?",
	}, engagement.CallerAssistant)
	require.True(t, res.Success, res.Error)

	job, err := h.queue.Get(ctx, res.Output["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, queue.ActionGoalCheckin, job.ActionType)
	assert.True(t, job.ScheduledAt.Equal(t0.Add(48*time.Hour)))
	assert.Equal(t, "How did the interviews go?", job.Payload["content"])

	again := h.reg.Invoke(ctx, NameScheduleFollowup, map[string]any{
		"contractor_id": "c1", "action_type": queue.ActionGoalCheckin, "delay_hours": 48, "message": "How did the interviews go?",
	}, engagement.CallerAssistant)
	assert.Equal(t, fault.GuardDenied, again.ErrorKind)
	assert.Equal(t, guard.ReasonDuplicate, again.Decision.Reason)
}

func TestDeniedSendWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{BannedPhrases: []string{"guaranteed income"}}, false)
	res := h.reg.Invoke(ctx, NameSendMessage, map[string]any{
		"contractor_id": "c1", "content": "Join now for GUARANTEED income!",
	}, engagement.CallerAssistant)
	assert.Equal(t, fault.GuardDenied, res.ErrorKind)
	assert.Equal(t, guard.ReasonContentPolicy, res.Decision.Reason)
	assert.Zero(t, h.channel.count())
	assert.Empty(t, h.store.Messages("c1"))

	st, err := h.store.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, st.LastContactAt.IsZero())
}

func TestGeneratedTextDenialSpendsNoRateSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{
		RateLimits:    map[string]int{"message_send": 1},
		BannedPhrases: []string{"guaranteed"},
	}, true)
	h.llm.text = "Hi Ada, hiring is GUARANTEED to pick up!"

	res := h.reg.Invoke(ctx, NameSendMessage, map[string]any{"contractor_id": "c1", "action_type": queue.ActionReengagement}, engagement.CallerAssistant)
	assert.Equal(t, fault.GuardDenied, res.ErrorKind)
	require.NotNil(t, res.Decision)
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, guard.ReasonContentPolicy, res.Decision.Reason)
	assert.Zero(t, h.channel.count())

	rec := h.lastAudit(t)
	assert.True(t, rec.Evaluated)
	assert.False(t, rec.Allowed)
	assert.Equal(t, guard.ReasonContentPolicy, rec.Reason)
	assert.Equal(t, guard.PolicyContent, rec.PolicyID)

	h.llm.text = "Hi Ada, how is hiring going?"
	res = h.reg.Invoke(ctx, NameSendMessage, map[string]any{"contractor_id": "c1", "action_type": queue.ActionReengagement}, engagement.CallerAssistant)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, h.channel.count())
}

func TestProactiveSendSpacing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)

	res := h.reg.Invoke(ctx, NameSendMessage, map[string]any{"contractor_id": "c1", "content": "First touch"}, engagement.CallerWorker)
	require.True(t, res.Success, res.Error)
	msgs := h.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Proactive)
	assert.Equal(t, "r-c1", msgs[0].ReceiptID)
	assert.Equal(t, "email", msgs[0].Channel)

	h.clock.Advance(24 * time.Hour)
	res = h.reg.Invoke(ctx, NameSendMessage, map[string]any{"contractor_id": "c1", "content": "Second touch"}, engagement.CallerWorker)
	assert.Equal(t, fault.GuardDenied, res.ErrorKind)
	assert.Equal(t, guard.ReasonSpacing, res.Decision.Reason)

	res = h.reg.Invoke(ctx, NameSendMessage, map[string]any{"contractor_id": "c1", "content": "Reply in conversation"}, engagement.CallerAssistant)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, h.channel.count())

	st, err := h.store.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, st.LastContactAt.Equal(t0.Add(24*time.Hour)))
}

func TestGeneratedMessageUsesGoalContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, true)
	g, err := h.store.CreateGoal(ctx, engagement.Goal{ContractorID: "c1", Description: "Hire two techs", Status: engagement.GoalOpen, CreatedAt: t0})
	require.NoError(t, err)

	res := h.reg.Invoke(ctx, NameSendMessage, map[string]any{
		"contractor_id": "c1", "goal_id": g.ID, "action_type": queue.ActionGoalCheckin, "urgency": "overdue",
	}, engagement.CallerWorker)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, messagePrompts[queue.ActionGoalCheckin], h.llm.prompt)
	assert.Equal(t, "Hire two techs", h.llm.vars["goal"])
	assert.Equal(t, "overdue", h.llm.vars["urgency"])
	assert.Equal(t, []string{"Hi Ada, how is hiring going?"}, h.channel.sends)

	rec := h.lastAudit(t)
	assert.Equal(t, "auto:"+queue.ActionGoalCheckin+":"+g.ID, rec.Target)
}

func TestTemplateMessageWithoutCompleter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)
	res := h.reg.Invoke(ctx, NameSendMessage, map[string]any{"contractor_id": "c1", "action_type": queue.ActionReengagement}, engagement.CallerWorker)
	require.True(t, res.Success, res.Error)
	require.Len(t, h.channel.sends, 1)
	assert.Contains(t, h.channel.sends[0], "Hi Ada")
}

func TestChannelFailureIsReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)
	h.channel.err = fault.Wrap(fault.ExternalProviderError, "relay", errors.New("503"))
	res := h.reg.Invoke(ctx, NameSendMessage, map[string]any{"contractor_id": "c1", "content": "hello"}, engagement.CallerAssistant)
	assert.Equal(t, fault.ExternalProviderError, res.ErrorKind)
	assert.False(t, res.Permanent)
	assert.Empty(t, h.store.Messages("c1"))
	assert.True(t, fault.Retryable(res.Err()))
}

func TestManageGoalLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)

	res := h.reg.Invoke(ctx, NameManageGoal, map[string]any{
		"contractor_id": "c1", "action": "create", "description": "Launch a referral program", "priority": 8,
	}, engagement.CallerAssistant)
	require.True(t, res.Success, res.Error)
	goalID := res.Output["goal"].(map[string]any)["id"].(string)

	step := func(action string) Result {
		return h.reg.Invoke(ctx, NameManageGoal, map[string]any{"contractor_id": "c1", "action": action, "goal_id": goalID}, engagement.CallerAssistant)
	}
	bad := step("start")
	assert.Equal(t, fault.InvalidInput, bad.ErrorKind, "proposed goals cannot start directly")

	for _, action := range []string{"open", "start", "complete"} {
		r := step(action)
		require.True(t, r.Success, "%s: %s", action, r.Error)
	}
	assert.Equal(t, fault.InvalidInput, step("open").ErrorKind)
	require.True(t, step("reopen").Success)

	g, err := h.store.GetGoal(ctx, goalID)
	require.NoError(t, err)
	assert.Equal(t, engagement.GoalOpen, g.Status)
	assert.Equal(t, 8, g.Priority)

	events, err := h.store.GoalEvents(ctx, goalID)
	require.NoError(t, err)
	assert.Len(t, events, 5)
	assert.Equal(t, string(engagement.CallerAssistant), events[1].Actor)
}

func TestManageGoalRejectsForeignGoal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)
	require.NoError(t, h.store.UpsertState(ctx, engagement.State{ContractorID: "c2", Name: "Bo", TrustScore: 50}))
	g, err := h.store.CreateGoal(ctx, engagement.Goal{ContractorID: "c2", Description: "x", CreatedAt: t0})
	require.NoError(t, err)

	res := h.reg.Invoke(ctx, NameManageGoal, map[string]any{"contractor_id": "c1", "action": "abandon", "goal_id": g.ID}, engagement.CallerAssistant)
	assert.Equal(t, fault.InvalidInput, res.ErrorKind)
}

func TestCheckInMovesOpenGoalToInProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)
	g, err := h.store.CreateGoal(ctx, engagement.Goal{ContractorID: "c1", Description: "Hire", Status: engagement.GoalOpen, CreatedAt: t0})
	require.NoError(t, err)

	res := h.reg.Invoke(ctx, NameCheckInOnGoal, map[string]any{
		"contractor_id": "c1", "goal_id": g.ID, "summary": "Posted two job ads", "outcome": "positive",
	}, engagement.CallerAssistant)
	require.True(t, res.Success, res.Error)

	got, err := h.store.GetGoal(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, engagement.GoalInProgress, got.Status)
	assert.Equal(t, 1, got.CheckinCount)
	assert.Equal(t, 1, got.PositiveOutcomes)
	assert.True(t, got.LastCheckinAt.Equal(t0))
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)

	res := h.reg.Invoke(ctx, NameUpdateProfile, map[string]any{"contractor_id": "c1", "cadence": "every tuesday"}, engagement.CallerAssistant)
	assert.Equal(t, fault.InvalidInput, res.ErrorKind)

	res = h.reg.Invoke(ctx, NameUpdateProfile, map[string]any{
		"contractor_id": "c1", "cadence": "@weekly", "channel_preference": "sms",
		"fields": map[string]any{"trade": "roofing"},
	}, engagement.CallerAssistant)
	require.True(t, res.Success, res.Error)

	st, err := h.store.GetState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "@weekly", st.Cadence)
	assert.Equal(t, "sms", st.Channel())
	assert.Equal(t, "roofing", st.Profile["trade"])
}

func TestRateLimitCountsAllowedOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{RateLimits: map[string]int{"note_capture": 2}}, false)
	note := func(text string) Result {
		return h.reg.Invoke(ctx, NameCaptureNote, map[string]any{"contractor_id": "c1", "text": text}, engagement.CallerAssistant)
	}
	require.True(t, note("one").Success)
	require.True(t, note("two").Success)
	third := note("three")
	assert.Equal(t, fault.GuardDenied, third.ErrorKind)
	assert.Equal(t, guard.ReasonRateLimited, third.Decision.Reason)

	h.clock.Advance(61 * time.Minute)
	assert.True(t, note("four").Success)
}

func TestReadOnlyToolsSkipGuard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.GuardConfig{}, false)
	optOut := true
	_, err := h.store.UpdateProfile(ctx, "c1", engagement.ProfilePatch{OptedOut: &optOut}, t0)
	require.NoError(t, err)

	res := h.reg.Invoke(ctx, NameMatchPartner, map[string]any{"contractor_id": "c1"}, engagement.CallerAssistant)
	require.True(t, res.Success, res.Error)
	matches := res.Output["matches"].([]any)
	require.NotEmpty(t, matches)
	assert.Equal(t, "p1", matches[0].(map[string]any)["id"])
	assert.False(t, h.lastAudit(t).Evaluated)

	res = h.reg.Invoke(ctx, NameWebSearch, map[string]any{"query": "roofing leads"}, engagement.CallerAssistant)
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Output["results"], 1)
}

func TestSpecsAreSorted(t *testing.T) {
	h := newHarness(t, config.GuardConfig{}, false)
	specs := h.reg.Specs()
	require.Len(t, specs, 9)
	for i := 1; i < len(specs); i++ {
		assert.Less(t, specs[i-1].Name, specs[i].Name)
	}
	assert.True(t, h.reg.Has(NameSendMessage))
}
