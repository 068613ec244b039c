package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
)

// Verdict is one policy's result in a status report.
type Verdict struct {
	PolicyID string `json:"policy_id"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
}

// StatusReport is the admin view of every safeguard for a contractor.
type StatusReport struct {
	ContractorID     string    `json:"contractor_id"`
	CanSendProactive bool      `json:"can_send_proactive"`
	PausedUntil      time.Time `json:"paused_until"`
	PauseReason      string    `json:"pause_reason,omitempty"`
	TrustScore       int       `json:"trust_score"`
	IgnoredStreak    int       `json:"ignored_streak"`
	LastProactive    time.Time `json:"last_proactive"`
	Verdicts         []Verdict `json:"verdicts"`
}

// Status evaluates every check for a proactive message without stopping at
// the first denial.
func (e *Evaluator) Status(ctx context.Context, contractorID string) (StatusReport, error) {
	req := Request{ActionClass: ClassMessageSend, ContractorID: contractorID, Proactive: true}
	p := e.Policies()
	now := e.clock.Now()
	h, err := e.history(ctx, req, p, now)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{
		ContractorID:     contractorID,
		CanSendProactive: true,
		PausedUntil:      h.State.PausedUntil,
		PauseReason:      h.State.PauseReason,
		TrustScore:       h.State.TrustScore,
		IgnoredStreak:    h.IgnoredStreak,
		LastProactive:    h.LastProactive,
	}
	for _, c := range checks {
		reason, ok := c.run(req, h, p, now)
		report.Verdicts = append(report.Verdicts, Verdict{PolicyID: c.id, Allowed: ok, Reason: reason})
		if !ok {
			report.CanSendProactive = false
		}
	}
	return report, nil
}

// EmergencyStop pauses all outreach to a contractor. A non-positive days uses
// the configured complaint pause.
func (e *Evaluator) EmergencyStop(ctx context.Context, contractorID, reason string, days int) (time.Time, error) {
	const op = "guard.emergency_stop"
	if contractorID == "" {
		return time.Time{}, fault.New(fault.InvalidInput, op, "contractor id required")
	}
	pause := e.Policies().ComplaintPause
	if days > 0 {
		pause = time.Duration(days) * 24 * time.Hour
	}
	if reason == "" {
		reason = "emergency_stop"
	}
	now := e.clock.Now()
	until := now.Add(pause)
	if err := e.setPause(ctx, op, contractorID, until, reason, now); err != nil {
		return time.Time{}, err
	}
	e.logger.Printf("emergency stop contractor=%s until=%s reason=%s", contractorID, until.Format(time.RFC3339), reason)
	return until, nil
}

// Resume lifts an emergency stop or ignored-message pause.
func (e *Evaluator) Resume(ctx context.Context, contractorID string) error {
	const op = "guard.resume"
	if err := e.setPause(ctx, op, contractorID, time.Time{}, "", e.clock.Now()); err != nil {
		return err
	}
	e.logger.Printf("resume contractor=%s", contractorID)
	return nil
}

func (e *Evaluator) setPause(ctx context.Context, op, contractorID string, until time.Time, reason string, now time.Time) error {
	err := e.store.SetPause(ctx, contractorID, until, reason, now)
	if errors.Is(err, engagement.ErrNotFound) {
		return fault.Wrap(fault.InvalidInput, op, fmt.Errorf("unknown contractor %s", contractorID))
	}
	if err != nil {
		return fault.Wrap(fault.TransientInfra, op, err)
	}
	return nil
}
