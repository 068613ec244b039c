package guard

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/outreach/config"
	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
)

var start = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func newEvaluator(t *testing.T) (*Evaluator, *engagement.MemoryStore, *clock.Fake) {
	t.Helper()
	store := engagement.NewMemoryStore()
	require.NoError(t, store.UpsertState(context.Background(), engagement.State{
		ContractorID: "c1", Name: "Ada", Stage: engagement.StageActive, TrustScore: 60,
	}))
	clk := clock.NewFake(start)
	policies := PoliciesFromConfig(config.GuardConfig{BannedPhrases: []string{"guaranteed returns"}}, config.SafeguardsConfig{MinTrustScore: 20})
	e := NewEvaluator(store, policies, clk, WithLogger(log.New(io.Discard, "", 0)))
	return e, store, clk
}

func TestConsentDenials(t *testing.T) {
	ctx := context.Background()
	e, store, clk := newEvaluator(t)

	d, err := e.Evaluate(ctx, Request{ActionClass: "note_capture", ContractorID: "ghost"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnknownContractor, d.Reason)

	optOut := true
	_, err = store.UpdateProfile(ctx, "c1", engagement.ProfilePatch{OptedOut: &optOut}, clk.Now())
	require.NoError(t, err)
	d, err = e.Evaluate(ctx, Request{ActionClass: ClassFollowupSchedule, ContractorID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: false, Reason: ReasonOptOut, PolicyID: PolicyConsent}, d)
}

func TestEmergencyStopAndResume(t *testing.T) {
	ctx := context.Background()
	e, _, clk := newEvaluator(t)

	until, err := e.EmergencyStop(ctx, "c1", "complaint", 0)
	require.NoError(t, err)
	assert.True(t, until.Equal(start.Add(30*24*time.Hour)))

	d, err := e.Evaluate(ctx, Request{ActionClass: "note_capture", ContractorID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, ReasonPaused, d.Reason)

	require.NoError(t, e.Resume(ctx, "c1"))
	d, err = e.Evaluate(ctx, Request{ActionClass: "note_capture", ContractorID: "c1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = e.EmergencyStop(ctx, "c1", "", 2)
	require.NoError(t, err)
	clk.Advance(49 * time.Hour)
	d, err = e.Evaluate(ctx, Request{ActionClass: "note_capture", ContractorID: "c1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "pause should lapse on its own")

	_, err = e.EmergencyStop(ctx, "ghost", "", 1)
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))
}

func TestRateLimitPerClass(t *testing.T) {
	ctx := context.Background()
	e, store, clk := newEvaluator(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendAudit(ctx, engagement.AuditRecord{
			ContractorID: "c1", ActionClass: ClassFollowupSchedule, Evaluated: true, Allowed: true, At: clk.Now(),
		}))
	}
	d, err := e.Evaluate(ctx, Request{ActionClass: ClassFollowupSchedule, ContractorID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	d, err = e.Evaluate(ctx, Request{ActionClass: "note_capture", ContractorID: "c1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "limits are tracked per class")

	clk.Advance(61 * time.Minute)
	d, err = e.Evaluate(ctx, Request{ActionClass: ClassFollowupSchedule, ContractorID: "c1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "window should roll over")
}

func TestDuplicateAndContent(t *testing.T) {
	ctx := context.Background()
	e, store, clk := newEvaluator(t)
	require.NoError(t, store.AppendAudit(ctx, engagement.AuditRecord{
		ContractorID: "c1", ActionClass: ClassMessageSend, Target: "goal:g1:kickoff",
		Evaluated: true, Allowed: true, Success: true, At: clk.Now(),
	}))

	d, err := e.Evaluate(ctx, Request{ActionClass: ClassMessageSend, ContractorID: "c1", Target: "goal:g1:kickoff"})
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, d.Reason)

	d, err = e.Evaluate(ctx, Request{ActionClass: ClassMessageSend, ContractorID: "c1", Content: "We promise GUARANTEED RETURNS"})
	require.NoError(t, err)
	assert.Equal(t, ReasonContentPolicy, d.Reason)

	long := make([]byte, 2001)
	for i := range long {
		long[i] = 'a'
	}
	d, err = e.Evaluate(ctx, Request{ActionClass: ClassMessageSend, ContractorID: "c1", Content: string(long)})
	require.NoError(t, err)
	assert.Equal(t, ReasonContentPolicy, d.Reason)
}

func TestProactiveSafeguards(t *testing.T) {
	ctx := context.Background()
	e, store, clk := newEvaluator(t)
	proactive := Request{ActionClass: ClassMessageSend, ContractorID: "c1", Proactive: true}

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := store.RecordMessage(ctx, engagement.Message{ContractorID: "c1", Proactive: true, SentAt: clk.Now()})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
		clk.Advance(49 * time.Hour)
	}
	d, err := e.Evaluate(ctx, proactive)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	for _, id := range ids {
		require.NoError(t, store.MarkMessage(ctx, id, false))
	}
	d, err = e.Evaluate(ctx, proactive)
	require.NoError(t, err)
	assert.Equal(t, ReasonIgnoredStreak, d.Reason)

	reactive := proactive
	reactive.Proactive = false
	d, err = e.Evaluate(ctx, reactive)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "safeguards only apply to proactive sends")

	clk.Advance(7 * 24 * time.Hour)
	d, err = e.Evaluate(ctx, proactive)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "ignored pause lapses after seven days")

	_, err = store.RecordMessage(ctx, engagement.Message{ContractorID: "c1", Proactive: true, SentAt: clk.Now()})
	require.NoError(t, err)
	clk.Advance(time.Hour)
	d, err = e.Evaluate(ctx, proactive)
	require.NoError(t, err)
	assert.Equal(t, ReasonSpacing, d.Reason)

	clk.Advance(48 * time.Hour)
	low := 10
	_, err = store.UpdateProfile(ctx, "c1", engagement.ProfilePatch{TrustScore: &low}, clk.Now())
	require.NoError(t, err)
	d, err = e.Evaluate(ctx, proactive)
	require.NoError(t, err)
	assert.Equal(t, ReasonLowTrust, d.Reason)
}

type stubLive int

func (s stubLive) CountLive(context.Context, string) (int, error) { return int(s), nil }

func TestOutstandingCap(t *testing.T) {
	ctx := context.Background()
	_, store, clk := newEvaluator(t)
	e := NewEvaluator(store, PoliciesFromConfig(config.GuardConfig{}, config.SafeguardsConfig{}), clk,
		WithLiveCounter(stubLive(25)), WithLogger(log.New(io.Discard, "", 0)))
	d, err := e.Evaluate(ctx, Request{ActionClass: ClassFollowupSchedule, ContractorID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, ReasonTooManyOutstanding, d.Reason)
}

type failingStore struct{ *engagement.MemoryStore }

func (failingStore) GetState(context.Context, string) (engagement.State, error) {
	return engagement.State{}, errors.New("connection reset")
}

func TestHistoryFailureIsTransient(t *testing.T) {
	e := NewEvaluator(failingStore{engagement.NewMemoryStore()}, Policies{}, clock.NewFake(start), WithLogger(log.New(io.Discard, "", 0)))
	_, err := e.Evaluate(context.Background(), Request{ActionClass: "note_capture", ContractorID: "c1"})
	require.Error(t, err)
	assert.Equal(t, fault.TransientInfra, fault.KindOf(err))
}

func TestStatusReportsEveryPolicy(t *testing.T) {
	ctx := context.Background()
	e, store, clk := newEvaluator(t)
	low := 5
	_, err := store.UpdateProfile(ctx, "c1", engagement.ProfilePatch{TrustScore: &low}, clk.Now())
	require.NoError(t, err)
	_, err = e.EmergencyStop(ctx, "c1", "complaint", 1)
	require.NoError(t, err)

	report, err := e.Status(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, report.CanSendProactive)
	require.Len(t, report.Verdicts, len(checks))
	denied := map[string]string{}
	for _, v := range report.Verdicts {
		if !v.Allowed {
			denied[v.PolicyID] = v.Reason
		}
	}
	assert.Equal(t, ReasonPaused, denied[PolicyConsent])
	assert.Equal(t, ReasonLowTrust, denied[PolicyTrust])
}

func TestParsePolicyOverlay(t *testing.T) {
	base := PoliciesFromConfig(config.GuardConfig{}, config.SafeguardsConfig{})
	doc := []byte(`
rate_limits:
  message_send: 5
duplicate_lookback: 12h
banned_phrases: ["Act Now"]
safeguards:
  min_hours_between_proactive: 72
  min_trust_score: 0
`)
	p, err := ParsePolicy(doc, base)
	require.NoError(t, err)
	assert.Equal(t, 5, p.RateLimits["message_send"])
	assert.Equal(t, 10, p.RateLimits["profile_update"])
	assert.Equal(t, 12*time.Hour, p.DuplicateLookback)
	assert.Equal(t, []string{"act now"}, p.BannedPhrases)
	assert.Equal(t, 72*time.Hour, p.MinProactiveSpacing)
	assert.Equal(t, 0, p.MinTrustScore)
	assert.Equal(t, 50, base.RateLimits["message_send"], "base must not be mutated")

	_, err = ParsePolicy([]byte("rate_window: soon"), base)
	assert.Error(t, err)
}
