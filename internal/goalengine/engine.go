// Package goalengine runs the internal goal engine: on its own cadence it
// reviews open goals, picks one next-best action per contractor and dispatches
// it through the tool registry, which applies the same guard as every other
// caller.
package goalengine

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/outreach/config"
	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
	"github.com/mohammad-safakhou/outreach/internal/queue"
	"github.com/mohammad-safakhou/outreach/internal/tools"
)

// Store is the read side the engine reviews.
type Store interface {
	ListGoalsForReview(ctx context.Context, afterID string, limit int) ([]engagement.Goal, error)
	GetState(ctx context.Context, contractorID string) (engagement.State, error)
	GetGoal(ctx context.Context, goalID string) (engagement.Goal, error)
}

// Invoker is the guarded tool path.
type Invoker interface {
	Invoke(ctx context.Context, name string, input map[string]any, caller engagement.CallerKind) tools.Result
}

// Queue is used to withdraw follow-ups that no longer have a purpose.
type Queue interface {
	ListPending(ctx context.Context, contractorID string) ([]queue.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

type Options struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	AbandonAfter time.Duration
	BatchSize    int
}

func OptionsFromConfig(c config.GoalsConfig) Options {
	c = c.Normalize()
	return Options{
		Interval:     c.Interval,
		StaleAfter:   c.StaleAfter,
		AbandonAfter: c.AbandonAfter,
		BatchSize:    c.BatchSize,
	}
}

// Plan is a chosen next-best action for one goal.
type Plan struct {
	GoalID       string
	ContractorID string
	Tool         string
	Input        map[string]any
	Score        float64
	Reason       string
}

// Summary counts what one cycle did.
type Summary struct {
	At        time.Time `json:"at"`
	Reviewed  int       `json:"reviewed"`
	Skipped   int       `json:"skipped"`
	Deferred  int       `json:"deferred"`
	Invoked   int       `json:"invoked"`
	Succeeded int       `json:"succeeded"`
	Denied    int       `json:"denied"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
}

// Engine is the goal engine loop.
type Engine struct {
	store   Store
	invoker Invoker
	queue   Queue
	clock   clock.Clock
	opts    Options
	logger  *log.Logger

	mu       sync.Mutex
	deferred map[string]time.Time
	last     Summary
}

// New builds an Engine. q may be nil, in which case follow-ups are never
// cancelled.
func New(store Store, inv Invoker, q Queue, clk clock.Clock, opts Options, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[IGE] ", log.LstdFlags)
	}
	return &Engine{
		store:    store,
		invoker:  inv,
		queue:    q,
		clock:    clk,
		opts:     opts,
		logger:   logger,
		deferred: make(map[string]time.Time),
	}
}

// Start runs a cycle every Interval until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Printf("goal engine started interval=%s", e.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("goal engine stopped")
			return nil
		case <-e.clock.After(e.opts.Interval):
		}
		if _, err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
			e.logger.Printf("cycle failed: %v", err)
		}
	}
}

// LastCycle returns the summary of the most recent cycle.
func (e *Engine) LastCycle() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// RunCycle reviews every open goal once, a page of BatchSize at a time, and
// dispatches at most one action per contractor.
func (e *Engine) RunCycle(ctx context.Context) (Summary, error) {
	now := e.clock.Now()
	sum := Summary{At: now}
	states := make(map[string]*engagement.State)
	var plans []Plan
	cursor := ""
	for {
		goals, err := e.store.ListGoalsForReview(ctx, cursor, e.opts.BatchSize)
		if err != nil {
			return sum, fault.Wrap(fault.TransientInfra, "goalengine.list_goals", err)
		}
		for _, g := range goals {
			if p, ok := e.review(ctx, g, states, now, &sum); ok {
				plans = append(plans, p)
			}
		}
		if len(goals) == 0 || len(goals) < e.opts.BatchSize || goals[len(goals)-1].ID <= cursor {
			break
		}
		cursor = goals[len(goals)-1].ID
	}

	sort.SliceStable(plans, func(i, j int) bool { return plans[i].Score > plans[j].Score })
	busy := make(map[string]bool)
	for _, p := range plans {
		if busy[p.ContractorID] {
			continue
		}
		busy[p.ContractorID] = true
		e.dispatch(ctx, p, now, &sum)
	}

	if e.queue != nil {
		n, err := e.cancelObsolete(ctx)
		sum.Cancelled = n
		if err != nil {
			e.logger.Printf("cancel obsolete follow-ups: %v", err)
		}
	}
	e.prune(now)

	if sum.Invoked > 0 || sum.Cancelled > 0 {
		e.logger.Printf("cycle reviewed=%d invoked=%d ok=%d denied=%d failed=%d deferred=%d cancelled=%d",
			sum.Reviewed, sum.Invoked, sum.Succeeded, sum.Denied, sum.Failed, sum.Deferred, sum.Cancelled)
	}
	e.mu.Lock()
	e.last = sum
	e.mu.Unlock()
	return sum, nil
}

// review plans the next action for g, if it is due and its contractor can be
// reached.
func (e *Engine) review(ctx context.Context, g engagement.Goal, states map[string]*engagement.State, now time.Time, sum *Summary) (Plan, bool) {
	if g.Status.Terminal() {
		return Plan{}, false
	}
	sum.Reviewed++
	if e.isDeferred(g.ID, now) {
		sum.Deferred++
		return Plan{}, false
	}
	st, ok := states[g.ContractorID]
	if !ok {
		s, err := e.store.GetState(ctx, g.ContractorID)
		if err != nil {
			e.logger.Printf("goal=%s load contractor %s: %v", g.ID, g.ContractorID, err)
		} else {
			st = &s
		}
		states[g.ContractorID] = st
	}
	if st == nil || !st.Reachable() || st.Paused(now) {
		sum.Skipped++
		return Plan{}, false
	}
	return e.Next(g, *st, now)
}

func (e *Engine) dispatch(ctx context.Context, p Plan, now time.Time, sum *Summary) {
	sum.Invoked++
	res := e.invoker.Invoke(ctx, p.Tool, p.Input, engagement.CallerEngine)
	switch {
	case res.Success:
		sum.Succeeded++
		// A message needs time to be answered before the goal is nudged again.
		if p.Tool == tools.NameSendMessage {
			e.deferUntil(p.GoalID, now.Add(e.opts.StaleAfter))
		}
	case res.ErrorKind == fault.GuardDenied:
		sum.Denied++
		reason := ""
		if res.Decision != nil {
			reason = res.Decision.Reason
		}
		e.logger.Printf("goal=%s %s denied reason=%s, deferred to next cycle", p.GoalID, p.Tool, reason)
		e.deferUntil(p.GoalID, now.Add(e.opts.Interval))
	default:
		sum.Failed++
		e.logger.Printf("goal=%s %s failed kind=%s: %s", p.GoalID, p.Tool, res.ErrorKind, res.Error)
	}
}

// Next picks the next-best action for g, if any.
func (e *Engine) Next(g engagement.Goal, st engagement.State, now time.Time) (Plan, bool) {
	p := Plan{GoalID: g.ID, ContractorID: g.ContractorID, Score: Score(g, st, now)}
	idle := now.Sub(g.LastActivity())
	switch g.Status {
	case engagement.GoalProposed:
		p.Tool = tools.NameManageGoal
		p.Reason = "proposed goal accepted"
		p.Input = map[string]any{"contractor_id": g.ContractorID, "goal_id": g.ID, "action": "open", "reason": p.Reason}
	case engagement.GoalOpen:
		if g.CheckinCount > 0 {
			// Reopened: progress already started, so nudge it like in_progress.
			if idle < e.opts.StaleAfter {
				return Plan{}, false
			}
			p.Tool = tools.NameSendMessage
			p.Reason = "reopened goal check-in overdue"
			p.Input = map[string]any{"contractor_id": g.ContractorID, "goal_id": g.ID, "action_type": queue.ActionGoalCheckin}
			break
		}
		p.Tool = tools.NameSendMessage
		p.Reason = "kickoff"
		p.Input = map[string]any{"contractor_id": g.ContractorID, "goal_id": g.ID, "action_type": tools.ActionGoalKickoff}
	case engagement.GoalInProgress:
		switch {
		case idle >= e.opts.AbandonAfter && g.NegativeOutcomes > g.PositiveOutcomes:
			p.Tool = tools.NameManageGoal
			p.Reason = "stale with negative outcomes"
			p.Input = map[string]any{"contractor_id": g.ContractorID, "goal_id": g.ID, "action": "abandon", "reason": p.Reason}
		case idle >= e.opts.StaleAfter:
			p.Tool = tools.NameSendMessage
			p.Reason = "check-in overdue"
			p.Input = map[string]any{"contractor_id": g.ContractorID, "goal_id": g.ID, "action_type": queue.ActionGoalCheckin}
		default:
			return Plan{}, false
		}
	default:
		return Plan{}, false
	}
	return p, true
}

// Score ranks goals competing for the same cycle. Priority dominates, idle
// time and engagement break ties, and past outcomes nudge either way.
func Score(g engagement.Goal, st engagement.State, now time.Time) float64 {
	idleDays := now.Sub(g.LastActivity()).Hours() / 24
	if idleDays < 0 {
		idleDays = 0
	}
	if idleDays > 60 {
		idleDays = 60
	}
	s := float64(engagement.ClampPriority(g.Priority)) * 10
	s += idleDays / 2
	s += st.EngagementScore / 10
	s += float64(g.PositiveOutcomes-g.NegativeOutcomes) * 2
	if g.Status == engagement.GoalProposed {
		s += 5
	}
	return s
}

// cancelObsolete cancels pending jobs that point at a goal that has since been
// completed.
func (e *Engine) cancelObsolete(ctx context.Context) (int, error) {
	jobs, err := e.queue.ListPending(ctx, "")
	if err != nil {
		return 0, err
	}
	status := make(map[string]engagement.GoalStatus)
	n := 0
	for _, j := range jobs {
		goalID, _ := j.Payload["goal_id"].(string)
		if goalID == "" {
			continue
		}
		s, ok := status[goalID]
		if !ok {
			g, err := e.store.GetGoal(ctx, goalID)
			if errors.Is(err, engagement.ErrNotFound) {
				status[goalID] = ""
				continue
			}
			if err != nil {
				return n, err
			}
			s = g.Status
			status[goalID] = s
		}
		if s != engagement.GoalCompleted {
			continue
		}
		if err := e.queue.Cancel(ctx, j.ID); err != nil {
			// Claimed in the meantime; the worker will run it.
			e.logger.Printf("cancel job=%s: %v", j.ID, err)
			continue
		}
		e.logger.Printf("cancelled job=%s action=%s, goal %s completed", j.ID, j.ActionType, goalID)
		n++
	}
	return n, nil
}

func (e *Engine) isDeferred(goalID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.deferred[goalID]
	return ok && until.After(now)
}

func (e *Engine) deferUntil(goalID string, until time.Time) {
	e.mu.Lock()
	e.deferred[goalID] = until
	e.mu.Unlock()
}

func (e *Engine) prune(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, until := range e.deferred {
		if !until.After(now) {
			delete(e.deferred, id)
		}
	}
}
