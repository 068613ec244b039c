// Package heartbeat is the time-driven scanner that turns due cadences into
// queued jobs. It only enqueues; every mutation happens later on the guarded
// tool path when a worker runs the job.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/outreach/config"
	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
	"github.com/mohammad-safakhou/outreach/internal/queue"
)

// Check-in urgency tiers carried in the goal_checkin payload.
const (
	UrgencyFirst    = "first_checkin"
	UrgencyOverdue  = "overdue"
	UrgencyUrgent   = "urgent"
	UrgencyCritical = "critical"
)

// Store is the read side the monitor scans.
type Store interface {
	ListActive(ctx context.Context, afterID string, limit int) ([]engagement.State, error)
	ListGoals(ctx context.Context, contractorID string) ([]engagement.Goal, error)
}

// Queue is where due actions go.
type Queue interface {
	Enqueue(ctx context.Context, contractorID, actionType string, payload map[string]any, scheduledAt time.Time) (string, error)
	Seen(ctx context.Context, contractorID, actionType string, scheduledAt time.Time) (bool, error)
}

// Options are the scan thresholds.
type Options struct {
	Interval           time.Duration
	CheckinOverdue     time.Duration
	CheckinUrgent      time.Duration
	CheckinCritical    time.Duration
	DeadlineWarning    time.Duration
	InactiveAfter      time.Duration
	EvaluationInterval time.Duration
	BatchSize          int
}

// OptionsFromConfig maps the heartbeat config section.
func OptionsFromConfig(c config.HeartbeatConfig) Options {
	c = c.Normalize()
	return Options{
		Interval:           c.Interval,
		CheckinOverdue:     c.CheckinOverdue,
		CheckinUrgent:      c.CheckinUrgent,
		CheckinCritical:    c.CheckinCritical,
		DeadlineWarning:    c.DeadlineWarning,
		InactiveAfter:      c.InactiveAfter,
		EvaluationInterval: c.EvaluationInterval,
		BatchSize:          c.BatchSize,
	}
}

// Summary counts what a single tick did.
type Summary struct {
	Scanned  int
	Skipped  int
	Enqueued int
	Failed   int
}

// due is one action whose cadence came due at At.
type due struct {
	Action  string
	At      time.Time
	Payload map[string]any
}

// Monitor scans active contractors on a fixed tick.
type Monitor struct {
	store  Store
	queue  Queue
	clock  clock.Clock
	opts   Options
	logger *log.Logger

	mu         sync.Mutex
	watermarks map[string]time.Time
	lastTick   time.Time

	enqueued otelmetric.Int64Counter
}

// New builds a Monitor. meter may be nil.
func New(store Store, q Queue, clk clock.Clock, opts Options, logger *log.Logger, meter otelmetric.Meter) *Monitor {
	if logger == nil {
		logger = log.New(log.Writer(), "[HEARTBEAT] ", log.LstdFlags)
	}
	m := &Monitor{
		store:      store,
		queue:      q,
		clock:      clk,
		opts:       opts,
		logger:     logger,
		watermarks: make(map[string]time.Time),
	}
	if meter != nil {
		var err error
		m.enqueued, err = meter.Int64Counter("heartbeat_jobs_enqueued")
		if err != nil {
			logger.Printf("warn: create heartbeat counter failed: %v", err)
		}
	}
	return m
}

// Start ticks until ctx is cancelled. The first tick runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Printf("heartbeat started interval=%s", m.opts.Interval)
	for {
		if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.logger.Printf("tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Printf("heartbeat stopped")
			return nil
		case <-m.clock.After(m.opts.Interval):
		}
	}
}

// LastTick is when the last completed tick started. Zero before the first.
func (m *Monitor) LastTick() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTick
}

// Tick runs one scan over every active contractor.
func (m *Monitor) Tick(ctx context.Context) (Summary, error) {
	now := m.clock.Now()
	var sum Summary
	after := ""
	for {
		page, err := m.store.ListActive(ctx, after, m.opts.BatchSize)
		if err != nil {
			return sum, fault.Wrap(fault.TransientInfra, "heartbeat.list_active", err)
		}
		for _, st := range page {
			sum.Scanned++
			if m.deferred(st.ContractorID, now) || st.Paused(now) {
				sum.Skipped++
				continue
			}
			n, err := m.evaluate(ctx, st, now)
			sum.Enqueued += n
			if err != nil {
				sum.Failed++
				m.logger.Printf("contractor=%s evaluation failed: %v", st.ContractorID, err)
				continue
			}
			m.mark(st.ContractorID, now.Add(m.opts.EvaluationInterval))
		}
		if len(page) == 0 || m.opts.BatchSize <= 0 || len(page) < m.opts.BatchSize {
			break
		}
		after = page[len(page)-1].ContractorID
	}

	m.mu.Lock()
	m.lastTick = now
	m.mu.Unlock()
	if sum.Enqueued > 0 || sum.Failed > 0 {
		m.logger.Printf("tick scanned=%d skipped=%d enqueued=%d failed=%d", sum.Scanned, sum.Skipped, sum.Enqueued, sum.Failed)
	}
	return sum, nil
}

func (m *Monitor) deferred(contractorID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watermarks[contractorID]
	return ok && w.After(now)
}

func (m *Monitor) mark(contractorID string, until time.Time) {
	m.mu.Lock()
	m.watermarks[contractorID] = until
	m.mu.Unlock()
}

// evaluate enqueues every due action for one contractor. A due moment that
// already produced a job, in any state, is not enqueued again.
func (m *Monitor) evaluate(ctx context.Context, st engagement.State, now time.Time) (int, error) {
	goals, err := m.store.ListGoals(ctx, st.ContractorID)
	if err != nil {
		return 0, fmt.Errorf("list goals: %w", err)
	}
	var todo []due
	for _, g := range goals {
		if d, ok := m.checkinDue(g, now); ok {
			todo = append(todo, d)
		}
		if d, ok := m.deadlineDue(g, now); ok {
			todo = append(todo, d)
		}
	}
	if d, ok := m.inactiveDue(st, now); ok {
		todo = append(todo, d)
	}
	if d, ok, err := cadenceDue(st, now); err != nil {
		m.logger.Printf("contractor=%s bad cadence %q: %v", st.ContractorID, st.Cadence, err)
	} else if ok {
		todo = append(todo, d)
	}

	n := 0
	for _, d := range todo {
		seen, err := m.queue.Seen(ctx, st.ContractorID, d.Action, d.At)
		if err != nil {
			return n, err
		}
		if seen {
			continue
		}
		if _, err := m.queue.Enqueue(ctx, st.ContractorID, d.Action, d.Payload, d.At); err != nil {
			return n, err
		}
		n++
		if m.enqueued != nil {
			m.enqueued.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("action_type", d.Action)))
		}
	}
	return n, nil
}

// checkinDue fires every CheckinOverdue after the last check-in, or after
// creation for a goal that never had one.
func (m *Monitor) checkinDue(g engagement.Goal, now time.Time) (due, bool) {
	if g.Status != engagement.GoalOpen && g.Status != engagement.GoalInProgress {
		return due{}, false
	}
	base := g.LastCheckinAt
	if base.IsZero() {
		base = g.CreatedAt
	}
	at, ok := periodic(base, now, m.opts.CheckinOverdue)
	if !ok {
		return due{}, false
	}
	elapsed := now.Sub(base)
	urgency := UrgencyOverdue
	switch {
	case g.LastCheckinAt.IsZero():
		urgency = UrgencyFirst
	case elapsed >= m.opts.CheckinCritical:
		urgency = UrgencyCritical
	case elapsed >= m.opts.CheckinUrgent:
		urgency = UrgencyUrgent
	}
	return due{
		Action: queue.ActionGoalCheckin,
		At:     at,
		Payload: map[string]any{
			"goal_id":      g.ID,
			"urgency":      urgency,
			"days_elapsed": int(elapsed / (24 * time.Hour)),
		},
	}, true
}

func (m *Monitor) deadlineDue(g engagement.Goal, now time.Time) (due, bool) {
	if g.Status.Terminal() || g.TargetDate.IsZero() {
		return due{}, false
	}
	at := g.TargetDate.Add(-m.opts.DeadlineWarning)
	if now.Before(at) || now.After(g.TargetDate) {
		return due{}, false
	}
	return due{
		Action: queue.ActionDeadlineReminder,
		At:     at,
		Payload: map[string]any{
			"goal_id":     g.ID,
			"target_date": g.TargetDate.UTC().Format(time.RFC3339),
			"hours_left":  int(g.TargetDate.Sub(now) / time.Hour),
		},
	}, true
}

func (m *Monitor) inactiveDue(st engagement.State, now time.Time) (due, bool) {
	base := st.LastContactAt
	if base.IsZero() {
		base = st.CreatedAt
	}
	at, ok := periodic(base, now, m.opts.InactiveAfter)
	if !ok {
		return due{}, false
	}
	return due{
		Action:  queue.ActionReengagement,
		At:      at,
		Payload: map[string]any{"days_inactive": int(now.Sub(base) / (24 * time.Hour))},
	}, true
}

// cadenceDue reports the most recent firing of the contractor's cron cadence
// that is not before the contractor was created.
func cadenceDue(st engagement.State, now time.Time) (due, bool, error) {
	if st.Cadence == "" {
		return due{}, false, nil
	}
	expr, err := cronexpr.Parse(st.Cadence)
	if err != nil {
		return due{}, false, err
	}
	at := lastFire(expr, now, st.CreatedAt)
	if at.IsZero() {
		return due{}, false, nil
	}
	return due{
		Action:  queue.ActionScheduledTouchpoint,
		At:      at,
		Payload: map[string]any{"cadence": st.Cadence},
	}, true, nil
}

// periodic returns the latest base+k*every (k >= 1) that is not after now.
func periodic(base, now time.Time, every time.Duration) (time.Time, bool) {
	if base.IsZero() || every <= 0 {
		return time.Time{}, false
	}
	elapsed := now.Sub(base)
	if elapsed < every {
		return time.Time{}, false
	}
	return base.Add(elapsed / every * every), true
}

// lookback windows, smallest first, so frequent cadences stay cheap.
var lookback = []time.Duration{time.Hour, 24 * time.Hour, 8 * 24 * time.Hour, 32 * 24 * time.Hour}

func lastFire(expr *cronexpr.Expression, now, floor time.Time) time.Time {
	for _, w := range lookback {
		from := now.Add(-w)
		clamped := false
		if !floor.IsZero() && from.Before(floor) {
			from, clamped = floor, true
		}
		t := expr.Next(from)
		if t.IsZero() || t.After(now) {
			if clamped {
				break
			}
			continue
		}
		for {
			n := expr.Next(t)
			if n.IsZero() || n.After(now) {
				return t
			}
			t = n
		}
	}
	return time.Time{}
}
