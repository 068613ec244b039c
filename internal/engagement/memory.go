package engagement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrGoalClosed is returned when recording progress on a completed or abandoned goal.
var ErrGoalClosed = errors.New("engagement: goal is closed")

// MemoryStore is an in-process Store used by tests and the memory driver.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]State
	goals    map[string]Goal
	events   []GoalEvent
	checkins []Checkin
	notes    []Note
	messages []Message
	audit    []AuditRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]State),
		goals:  make(map[string]Goal),
	}
}

func cloneState(s State) State {
	if s.Profile != nil {
		p := make(map[string]string, len(s.Profile))
		for k, v := range s.Profile {
			p[k] = v
		}
		s.Profile = p
	}
	if s.Focus != nil {
		s.Focus = append([]string(nil), s.Focus...)
	}
	return s
}

func (m *MemoryStore) GetState(_ context.Context, contractorID string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[contractorID]
	if !ok {
		return State{}, ErrNotFound
	}
	return cloneState(s), nil
}

func (m *MemoryStore) UpsertState(_ context.Context, s State) error {
	if strings.TrimSpace(s.ContractorID) == "" {
		return fmt.Errorf("upsert state: contractor id required")
	}
	if s.Stage == "" {
		s.Stage = StageOnboarding
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.states[s.ContractorID]; ok && s.CreatedAt.IsZero() {
		s.CreatedAt = prev.CreatedAt
	}
	m.states[s.ContractorID] = cloneState(s)
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context, afterID string, limit int) ([]State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id, s := range m.states {
		if id > afterID && s.Reachable() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneState(m.states[id]))
	}
	return out, nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, contractorID string, patch ProfilePatch, now time.Time) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[contractorID]
	if !ok {
		return State{}, ErrNotFound
	}
	s = cloneState(s)
	ApplyProfilePatch(&s, patch)
	s.UpdatedAt = now
	m.states[contractorID] = s
	return cloneState(s), nil
}

// ApplyProfilePatch applies patch to s in place.
func ApplyProfilePatch(s *State, patch ProfilePatch) {
	if len(patch.Fields) > 0 && s.Profile == nil {
		s.Profile = make(map[string]string, len(patch.Fields))
	}
	for k, v := range patch.Fields {
		s.Profile[k] = v
	}
	if patch.OptedOut != nil {
		s.OptedOut = *patch.OptedOut
	}
	if patch.ChannelPreference != nil {
		s.ChannelPreference = *patch.ChannelPreference
	}
	if patch.Stage != nil {
		s.Stage = *patch.Stage
	}
	if patch.Cadence != nil {
		s.Cadence = *patch.Cadence
	}
	if patch.Focus != nil {
		s.Focus = append([]string(nil), patch.Focus...)
	}
	if patch.TrustScore != nil {
		s.TrustScore = *patch.TrustScore
	}
	if patch.EngagementScore != nil {
		s.EngagementScore = *patch.EngagementScore
	}
}

func (m *MemoryStore) SetPause(_ context.Context, contractorID string, until time.Time, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[contractorID]
	if !ok {
		return ErrNotFound
	}
	s.PausedUntil = until
	s.PauseReason = reason
	s.UpdatedAt = now
	m.states[contractorID] = s
	return nil
}

func (m *MemoryStore) TouchContact(_ context.Context, contractorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[contractorID]
	if !ok {
		return ErrNotFound
	}
	if at.After(s.LastContactAt) {
		s.LastContactAt = at
	}
	s.UpdatedAt = at
	m.states[contractorID] = s
	return nil
}

func (m *MemoryStore) CreateGoal(_ context.Context, g Goal) (Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[g.ContractorID]; !ok {
		return Goal{}, ErrNotFound
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = GoalProposed
	}
	g.Priority = ClampPriority(g.Priority)
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = g.CreatedAt
	}
	m.goals[g.ID] = g
	m.events = append(m.events, GoalEvent{
		ID: uuid.NewString(), GoalID: g.ID, ContractorID: g.ContractorID,
		To: g.Status, Actor: "create", At: g.CreatedAt,
	})
	return g, nil
}

func (m *MemoryStore) GetGoal(_ context.Context, goalID string) (Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[goalID]
	if !ok {
		return Goal{}, ErrNotFound
	}
	return g, nil
}

func (m *MemoryStore) ListGoals(_ context.Context, contractorID string) ([]Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Goal
	for _, g := range m.goals {
		if g.ContractorID == contractorID {
			out = append(out, g)
		}
	}
	sortGoals(out)
	return out, nil
}

// ListGoalsForReview pages through non-terminal goals in id order, starting
// after afterID.
func (m *MemoryStore) ListGoalsForReview(_ context.Context, afterID string, limit int) ([]Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Goal
	for id, g := range m.goals {
		if id > afterID && !g.Status.Terminal() {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortGoals orders by priority desc, then creation asc, then id.
func sortGoals(goals []Goal) {
	sort.Slice(goals, func(i, j int) bool {
		a, b := goals[i], goals[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (m *MemoryStore) UpdateGoal(_ context.Context, goalID string, patch GoalPatch, now time.Time) (Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[goalID]
	if !ok {
		return Goal{}, ErrNotFound
	}
	if patch.Description != nil {
		g.Description = *patch.Description
	}
	if patch.Priority != nil {
		g.Priority = ClampPriority(*patch.Priority)
	}
	if patch.TargetDate != nil {
		g.TargetDate = *patch.TargetDate
	}
	g.UpdatedAt = now
	m.goals[goalID] = g
	return g, nil
}

func (m *MemoryStore) TransitionGoal(_ context.Context, goalID string, to GoalStatus, actor, reason string, now time.Time) (Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[goalID]
	if !ok {
		return Goal{}, ErrNotFound
	}
	if !CanTransition(g.Status, to) {
		return Goal{}, ErrIllegalTransition{GoalID: goalID, From: g.Status, To: to}
	}
	from := g.Status
	g.Status = to
	g.UpdatedAt = now
	m.goals[goalID] = g
	m.events = append(m.events, GoalEvent{
		ID: uuid.NewString(), GoalID: goalID, ContractorID: g.ContractorID,
		From: from, To: to, Actor: actor, Reason: reason, At: now,
	})
	return g, nil
}

func (m *MemoryStore) RecordCheckin(_ context.Context, c Checkin) (Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[c.GoalID]
	if !ok {
		return Goal{}, ErrNotFound
	}
	if g.Status.Terminal() {
		return Goal{}, ErrGoalClosed
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.ContractorID = g.ContractorID
	m.checkins = append(m.checkins, c)
	g = ApplyCheckin(g, c)
	if g.Status == GoalOpen {
		m.events = append(m.events, GoalEvent{
			ID: uuid.NewString(), GoalID: g.ID, ContractorID: g.ContractorID,
			From: GoalOpen, To: GoalInProgress, Actor: "check_in", At: c.At,
		})
		g.Status = GoalInProgress
	}
	m.goals[g.ID] = g
	return g, nil
}

// ApplyCheckin bumps the counters a check-in affects. The caller handles the
// open -> in_progress edge so it can record the event.
func ApplyCheckin(g Goal, c Checkin) Goal {
	g.CheckinCount++
	if c.At.After(g.LastCheckinAt) {
		g.LastCheckinAt = c.At
	}
	switch c.Outcome {
	case OutcomePositive:
		g.PositiveOutcomes++
	case OutcomeNegative:
		g.NegativeOutcomes++
	}
	g.UpdatedAt = c.At
	return g
}

func (m *MemoryStore) GoalEvents(_ context.Context, goalID string) ([]GoalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []GoalEvent
	for _, e := range m.events {
		if e.GoalID == goalID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) AddNote(_ context.Context, n Note) (Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[n.ContractorID]; !ok {
		return Note{}, ErrNotFound
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	m.notes = append(m.notes, n)
	return n, nil
}

// Notes returns captured notes for a contractor.
func (m *MemoryStore) Notes(contractorID string) []Note {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Note
	for _, n := range m.notes {
		if n.ContractorID == contractorID {
			out = append(out, n)
		}
	}
	return out
}

func (m *MemoryStore) RecordMessage(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

// Messages returns the outbound log for a contractor in send order.
func (m *MemoryStore) Messages(contractorID string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.ContractorID == contractorID {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MemoryStore) MarkMessage(_ context.Context, messageID string, replied bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == messageID {
			m.messages[i].Replied = replied
			m.messages[i].Ignored = !replied
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) AppendAudit(_ context.Context, rec AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.audit = append(m.audit, rec)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, contractorID string, limit int) ([]AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditRecord
	for i := len(m.audit) - 1; i >= 0; i-- {
		rec := m.audit[i]
		if contractorID != "" && rec.ContractorID != contractorID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CountAllowed(_ context.Context, contractorID, class string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.audit {
		if rec.ContractorID == contractorID && rec.ActionClass == class && rec.Evaluated && rec.Allowed && !rec.At.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) HasRecentAction(_ context.Context, contractorID, class, target string, since time.Time) (bool, error) {
	if target == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.audit {
		if rec.ContractorID == contractorID && rec.ActionClass == class && rec.Target == target &&
			rec.Allowed && rec.Success && !rec.At.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) LastProactiveMessage(_ context.Context, contractorID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	for _, msg := range m.messages {
		if msg.ContractorID == contractorID && msg.Proactive && msg.SentAt.After(last) {
			last = msg.SentAt
		}
	}
	return last, nil
}

func (m *MemoryStore) IgnoredStreak(_ context.Context, contractorID string) (int, error) {
	m.mu.RLock()
	var proactive []Message
	for _, msg := range m.messages {
		if msg.ContractorID == contractorID && msg.Proactive {
			proactive = append(proactive, msg)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(proactive, func(i, j int) bool { return proactive[i].SentAt.After(proactive[j].SentAt) })
	return IgnoredRun(proactive), nil
}

// IgnoredRun counts consecutive ignored messages from the newest backwards.
func IgnoredRun(newestFirst []Message) int {
	n := 0
	for _, msg := range newestFirst {
		if !msg.Ignored {
			break
		}
		n++
	}
	return n
}
