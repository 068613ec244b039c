// Package guard decides whether a proposed contractor-facing action may run.
// Every mutating tool call passes through Evaluator.Evaluate first.
package guard

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
)

// Request describes the action being vetted.
type Request struct {
	ActionClass  string
	ContractorID string
	Target       string
	Content      string
	Proactive    bool
}

// Decision is the ephemeral verdict. A denial is a normal result, not an error.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
}

// Store is what the evaluator needs from persistence.
type Store interface {
	engagement.HistoryReader
	SetPause(ctx context.Context, contractorID string, until time.Time, reason string, now time.Time) error
}

// LiveCounter reports the number of pending or claimed jobs for a contractor.
type LiveCounter interface {
	CountLive(ctx context.Context, contractorID string) (int, error)
}

// Evaluator runs the ordered policy checks.
type Evaluator struct {
	store    Store
	live     LiveCounter
	clock    clock.Clock
	logger   *log.Logger
	mu       sync.RWMutex
	policies Policies
}

// Option customises an Evaluator.
type Option func(*Evaluator)

// WithLiveCounter enables the outstanding follow-up cap.
func WithLiveCounter(c LiveCounter) Option { return func(e *Evaluator) { e.live = c } }

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option { return func(e *Evaluator) { e.logger = l } }

// NewEvaluator builds an Evaluator.
func NewEvaluator(store Store, policies Policies, clk clock.Clock, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:    store,
		clock:    clk,
		policies: policies,
		logger:   log.New(os.Stdout, "[GUARD] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	initMetrics()
	return e
}

// Policies returns the active thresholds.
func (e *Evaluator) Policies() Policies {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policies
}

// SetPolicies swaps thresholds, e.g. after reloading the policy file.
func (e *Evaluator) SetPolicies(p Policies) {
	e.mu.Lock()
	e.policies = p
	e.mu.Unlock()
}

// Evaluate runs every check in order and returns the first denial, or an
// allow decision. A failure to read history is a TransientInfra fault.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	p := e.Policies()
	now := e.clock.Now()
	h, err := e.history(ctx, req, p, now)
	if err != nil {
		return Decision{}, err
	}
	for _, c := range checks {
		if reason, ok := c.run(req, h, p, now); !ok {
			d := Decision{Allowed: false, Reason: reason, PolicyID: c.id}
			e.logger.Printf("deny contractor=%s class=%s policy=%s reason=%s", req.ContractorID, req.ActionClass, c.id, reason)
			recordDenial(ctx, req.ActionClass, reason)
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// CheckContent runs only the content policy. Used for text produced after the
// main decision, e.g. personalized message bodies.
func (e *Evaluator) CheckContent(text string) Decision {
	if reason, ok := checkContent(Request{Content: text}, History{}, e.Policies(), time.Time{}); !ok {
		return Decision{Allowed: false, Reason: reason, PolicyID: PolicyContent}
	}
	return Decision{Allowed: true}
}

func (e *Evaluator) history(ctx context.Context, req Request, p Policies, now time.Time) (History, error) {
	const op = "guard.history"
	var h History
	state, err := e.store.GetState(ctx, req.ContractorID)
	if errors.Is(err, engagement.ErrNotFound) {
		return h, nil
	}
	if err != nil {
		return h, fault.Wrap(fault.TransientInfra, op, err)
	}
	h.Known = true
	h.State = state
	if !state.OptedOut && !state.Paused(now) {
		if h.AllowedInWindow, err = e.store.CountAllowed(ctx, req.ContractorID, req.ActionClass, now.Add(-p.RateWindow)); err != nil {
			return h, fault.Wrap(fault.TransientInfra, op, err)
		}
	}
	if req.Target != "" {
		if h.DuplicateInWindow, err = e.store.HasRecentAction(ctx, req.ContractorID, req.ActionClass, req.Target, now.Add(-p.DuplicateLookback)); err != nil {
			return h, fault.Wrap(fault.TransientInfra, op, err)
		}
	}
	if req.ActionClass == ClassFollowupSchedule && e.live != nil {
		if h.OutstandingActions, err = e.live.CountLive(ctx, req.ContractorID); err != nil {
			return h, fault.Wrap(fault.TransientInfra, op, err)
		}
	}
	if proactiveSend(req) {
		if h.LastProactive, err = e.store.LastProactiveMessage(ctx, req.ContractorID); err != nil {
			return h, fault.Wrap(fault.TransientInfra, op, err)
		}
		if h.IgnoredStreak, err = e.store.IgnoredStreak(ctx, req.ContractorID); err != nil {
			return h, fault.Wrap(fault.TransientInfra, op, err)
		}
	}
	return h, nil
}

var (
	metricsOnce  sync.Once
	guardDenials otelmetric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("outreach/guard")
		var err error
		guardDenials, err = meter.Int64Counter(
			"guard_denials_total",
			otelmetric.WithDescription("Number of actions denied by guard policies"),
		)
		if err != nil {
			log.Printf("guard metrics init: denials counter: %v", err)
		}
	})
}

func recordDenial(ctx context.Context, class, reason string) {
	if guardDenials == nil {
		return
	}
	guardDenials.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("action_class", class),
		attribute.String("reason", reason),
	))
}
