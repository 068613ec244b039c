package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
	"github.com/mohammad-safakhou/outreach/internal/guard"
	"github.com/mohammad-safakhou/outreach/internal/queue"
	"github.com/mohammad-safakhou/outreach/internal/tools"
)

var t0 = time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

type call struct {
	tool   string
	input  map[string]any
	caller engagement.CallerKind
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []call
	result func(name string, input map[string]any) tools.Result
}

func (f *fakeInvoker) Has(name string) bool {
	switch name {
	case tools.NameSendMessage, tools.NameCaptureNote:
		return true
	}
	return false
}

func (f *fakeInvoker) Invoke(_ context.Context, name string, input map[string]any, caller engagement.CallerKind) tools.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call{tool: name, input: input, caller: caller})
	f.mu.Unlock()
	if f.result == nil {
		return tools.Result{Success: true}
	}
	return f.result(name, input)
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newPool(t *testing.T, inv *fakeInvoker, workers int) (*Pool, *queue.Queue, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	quiet := log.New(io.Discard, "", 0)
	q := queue.New(queue.NewMemoryBackend(), clk, queue.Options{
		MaxRetries: 3, BackoffBase: 30 * time.Second, BackoffMax: time.Hour,
		LeaseDuration: 2 * time.Minute, DedupBucket: time.Hour,
	}, nil, quiet, nil)
	p := NewPool(quiet, q, inv, NewRouter(inv, nil), clk, Options{
		Workers: workers, PollInterval: time.Second, ExecutionTimeout: 30 * time.Second, ID: "test",
	}, nil, nil)
	return p, q, clk
}

func TestRouterResolve(t *testing.T) {
	r := NewRouter(&fakeInvoker{}, map[string]string{"Partner_Intro": tools.NameSendMessage})

	name, ok := r.Resolve(queue.ActionGoalCheckin)
	assert.True(t, ok)
	assert.Equal(t, tools.NameSendMessage, name)

	name, ok = r.Resolve(tools.NameCaptureNote)
	assert.True(t, ok)
	assert.Equal(t, tools.NameCaptureNote, name)

	_, ok = r.Resolve("partner_intro")
	assert.True(t, ok)

	_, ok = r.Resolve("launch_rocket")
	assert.False(t, ok)

	in := r.Input(queue.Job{ContractorID: "c1", ActionType: queue.ActionGoalCheckin, Payload: map[string]any{"goal_id": "g1"}}, tools.NameSendMessage)
	assert.Equal(t, map[string]any{"contractor_id": "c1", "goal_id": "g1", "action_type": queue.ActionGoalCheckin}, in)
}

func TestRunOnceCompletesRoutedJob(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{}
	p, q, _ := newPool(t, inv, 1)
	id, err := q.Enqueue(ctx, "c1", queue.ActionGoalCheckin, map[string]any{"goal_id": "g1"}, t0)
	require.NoError(t, err)

	worked, err := p.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.True(t, worked)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, job.Status)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, tools.NameSendMessage, inv.calls[0].tool)
	assert.Equal(t, engagement.CallerWorker, inv.calls[0].caller)
	assert.Equal(t, "g1", inv.calls[0].input["goal_id"])

	worked, err = p.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestGuardDeniedCompletesJob(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{result: func(string, map[string]any) tools.Result {
		return tools.Result{ErrorKind: fault.GuardDenied, Error: "denied", Decision: &guard.Decision{Reason: guard.ReasonOptOut, PolicyID: guard.PolicyConsent}}
	}}
	p, q, _ := newPool(t, inv, 1)
	id, err := q.Enqueue(ctx, "c1", queue.ActionReengagement, nil, t0)
	require.NoError(t, err)

	_, err = p.RunOnce(ctx, "w1")
	require.NoError(t, err)
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, job.Status)
	assert.Zero(t, job.Attempt)
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{result: func(string, map[string]any) tools.Result {
		return tools.Result{ErrorKind: fault.ExternalProviderError, Error: "relay 503"}
	}}
	p, q, _ := newPool(t, inv, 1)
	id, err := q.Enqueue(ctx, "c1", queue.ActionSendFollowup, nil, t0)
	require.NoError(t, err)

	_, err = p.RunOnce(ctx, "w1")
	require.NoError(t, err)
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.True(t, job.ScheduledAt.Equal(t0.Add(30*time.Second)))
	assert.Contains(t, job.LastError, "relay 503")
}

func TestPermanentFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{result: func(string, map[string]any) tools.Result {
		return tools.Result{ErrorKind: fault.InvalidInput, Error: "goal not found", Permanent: true}
	}}
	p, q, _ := newPool(t, inv, 1)
	id, err := q.Enqueue(ctx, "c1", queue.ActionGoalCheckin, nil, t0)
	require.NoError(t, err)

	_, err = p.RunOnce(ctx, "w1")
	require.NoError(t, err)
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, job.Status)
}

func TestUnroutableJobDeadLetters(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{}
	p, q, _ := newPool(t, inv, 1)
	id, err := q.Enqueue(ctx, "c1", "launch_rocket", nil, t0)
	require.NoError(t, err)

	_, err = p.RunOnce(ctx, "w1")
	require.NoError(t, err)
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, job.Status)
	assert.Zero(t, inv.count())
}

func TestPanicIsContainedToJob(t *testing.T) {
	ctx := context.Background()
	inv := &fakeInvoker{result: func(_ string, input map[string]any) tools.Result {
		if input["contractor_id"] == "c1" {
			panic("nil map")
		}
		return tools.Result{Success: true}
	}}
	p, q, _ := newPool(t, inv, 1)
	bad, err := q.Enqueue(ctx, "c1", queue.ActionSendFollowup, nil, t0)
	require.NoError(t, err)
	good, err := q.Enqueue(ctx, "c2", queue.ActionSendFollowup, nil, t0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		worked, err := p.RunOnce(ctx, "w1")
		require.NoError(t, err)
		require.True(t, worked)
	}
	job, err := q.Get(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Contains(t, job.LastError, string(fault.InvariantViolation))

	job, err = q.Get(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, job.Status)
}

func TestPoolDrainsQueueConcurrently(t *testing.T) {
	inv := &fakeInvoker{}
	p, q, clk := newPool(t, inv, 4)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 12; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("c%d", i%6), queue.ActionSendFollowup, nil, t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	clk.Advance(12 * time.Hour)

	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	require.Eventually(t, func() bool {
		s, err := q.Stats(context.Background())
		return err == nil && s.Done == 12
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
	assert.Equal(t, 12, inv.count())
}
