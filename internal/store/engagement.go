package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mohammad-safakhou/outreach/internal/engagement"
)

var _ engagement.Store = (*Store)(nil)

const stateColumns = `contractor_id, name, email, phone, channel_preference, stage, last_contact_at,
  outstanding_actions, opted_out, paused_until, pause_reason, trust_score, engagement_score,
  cadence, focus, profile, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (engagement.State, error) {
	var (
		s                        engagement.State
		stage                    string
		lastContact, pausedUntil sql.NullTime
		focus                    pq.StringArray
		profile                  []byte
	)
	err := row.Scan(&s.ContractorID, &s.Name, &s.Email, &s.Phone, &s.ChannelPreference, &stage, &lastContact,
		&s.OutstandingActions, &s.OptedOut, &pausedUntil, &s.PauseReason, &s.TrustScore, &s.EngagementScore,
		&s.Cadence, &focus, &profile, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return engagement.State{}, err
	}
	s.Stage = engagement.Stage(stage)
	s.LastContactAt = timeOf(lastContact)
	s.PausedUntil = timeOf(pausedUntil)
	if len(focus) > 0 {
		s.Focus = []string(focus)
	}
	if len(profile) > 0 {
		var p map[string]string
		if err := json.Unmarshal(profile, &p); err != nil {
			return engagement.State{}, fmt.Errorf("decode profile: %w", err)
		}
		if len(p) > 0 {
			s.Profile = p
		}
	}
	return s, nil
}

func (s *Store) GetState(ctx context.Context, contractorID string) (engagement.State, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM contractors WHERE contractor_id=$1`, contractorID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engagement.State{}, engagement.ErrNotFound
	}
	return st, err
}

// UpsertState writes the full record. created_at is kept on update.
func (s *Store) UpsertState(ctx context.Context, st engagement.State) error {
	if st.ContractorID == "" {
		return fmt.Errorf("upsert state: contractor id required")
	}
	if st.Stage == "" {
		st.Stage = engagement.StageOnboarding
	}
	profile, err := marshalJSON(st.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO contractors (contractor_id, name, email, phone, channel_preference, stage, last_contact_at,
  outstanding_actions, opted_out, paused_until, pause_reason, trust_score, engagement_score,
  cadence, focus, profile, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,COALESCE($17,NOW()),COALESCE($18,NOW()))
ON CONFLICT (contractor_id) DO UPDATE SET
  name = EXCLUDED.name,
  email = EXCLUDED.email,
  phone = EXCLUDED.phone,
  channel_preference = EXCLUDED.channel_preference,
  stage = EXCLUDED.stage,
  last_contact_at = EXCLUDED.last_contact_at,
  outstanding_actions = EXCLUDED.outstanding_actions,
  opted_out = EXCLUDED.opted_out,
  paused_until = EXCLUDED.paused_until,
  pause_reason = EXCLUDED.pause_reason,
  trust_score = EXCLUDED.trust_score,
  engagement_score = EXCLUDED.engagement_score,
  cadence = EXCLUDED.cadence,
  focus = EXCLUDED.focus,
  profile = EXCLUDED.profile,
  updated_at = EXCLUDED.updated_at;
`, st.ContractorID, st.Name, st.Email, st.Phone, st.ChannelPreference, string(st.Stage), nullTime(st.LastContactAt),
		st.OutstandingActions, st.OptedOut, nullTime(st.PausedUntil), st.PauseReason, st.TrustScore, st.EngagementScore,
		st.Cadence, pq.Array(st.Focus), profile, nullTime(st.CreatedAt), nullTime(st.UpdatedAt))
	return err
}

// ListActive pages reachable contractors in id order.
func (s *Store) ListActive(ctx context.Context, afterID string, limit int) ([]engagement.State, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+stateColumns+` FROM contractors
WHERE contractor_id > $1 AND NOT opted_out AND stage <> 'churned'
ORDER BY contractor_id
LIMIT $2`, afterID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engagement.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateProfile applies patch under a row lock.
func (s *Store) UpdateProfile(ctx context.Context, contractorID string, patch engagement.ProfilePatch, now time.Time) (engagement.State, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return engagement.State{}, err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := scanState(tx.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM contractors WHERE contractor_id=$1 FOR UPDATE`, contractorID))
	if errors.Is(err, sql.ErrNoRows) {
		return engagement.State{}, engagement.ErrNotFound
	}
	if err != nil {
		return engagement.State{}, err
	}
	engagement.ApplyProfilePatch(&st, patch)
	st.UpdatedAt = now
	profile, err := marshalJSON(st.Profile)
	if err != nil {
		return engagement.State{}, fmt.Errorf("marshal profile: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
UPDATE contractors SET opted_out=$2, channel_preference=$3, stage=$4, cadence=$5, focus=$6,
  trust_score=$7, engagement_score=$8, profile=$9, updated_at=$10
WHERE contractor_id=$1`, contractorID, st.OptedOut, st.ChannelPreference, string(st.Stage), st.Cadence,
		pq.Array(st.Focus), st.TrustScore, st.EngagementScore, profile, now)
	if err != nil {
		return engagement.State{}, err
	}
	return st, tx.Commit()
}

func (s *Store) SetPause(ctx context.Context, contractorID string, until time.Time, reason string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE contractors SET paused_until=$2, pause_reason=$3, updated_at=$4 WHERE contractor_id=$1`,
		contractorID, nullTime(until), reason, now)
	return expectOne(res, err, engagement.ErrNotFound)
}

// TouchContact only ever moves last_contact_at forward.
func (s *Store) TouchContact(ctx context.Context, contractorID string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE contractors
SET last_contact_at = GREATEST(COALESCE(last_contact_at, $2), $2), updated_at=$2
WHERE contractor_id=$1`, contractorID, at)
	return expectOne(res, err, engagement.ErrNotFound)
}

// expectOne maps "no row touched" to notFound.
func expectOne(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Notes and messages

func (s *Store) AddNote(ctx context.Context, n engagement.Note) (engagement.Note, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO notes (id, contractor_id, text, note_type, requires_followup, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, n.ID, n.ContractorID, n.Text, n.NoteType, n.RequiresFollowup, n.CreatedAt)
	if pqCode(err) == codeForeignKeyViolation {
		return engagement.Note{}, engagement.ErrNotFound
	}
	if err != nil {
		return engagement.Note{}, err
	}
	return n, nil
}

func (s *Store) RecordMessage(ctx context.Context, m engagement.Message) (engagement.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO messages (id, contractor_id, channel, content, action_type, goal_id, proactive, receipt_id, sent_at, replied, ignored)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.ContractorID, m.Channel, m.Content, m.ActionType, m.GoalID, m.Proactive, m.ReceiptID, m.SentAt, m.Replied, m.Ignored)
	if pqCode(err) == codeForeignKeyViolation {
		return engagement.Message{}, engagement.ErrNotFound
	}
	if err != nil {
		return engagement.Message{}, err
	}
	return m, nil
}

// MarkMessage records the channel callback: a reply clears ignored, no reply sets it.
func (s *Store) MarkMessage(ctx context.Context, messageID string, replied bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE messages SET replied=$2, ignored=NOT $2 WHERE id=$1`, messageID, replied)
	return expectOne(res, err, engagement.ErrNotFound)
}

func (s *Store) LastProactiveMessage(ctx context.Context, contractorID string) (time.Time, error) {
	var last sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(sent_at) FROM messages WHERE contractor_id=$1 AND proactive`, contractorID).Scan(&last)
	if err != nil {
		return time.Time{}, err
	}
	return timeOf(last), nil
}

// ignoredWindow bounds how far back the ignored streak looks.
const ignoredWindow = 50

func (s *Store) IgnoredStreak(ctx context.Context, contractorID string) (int, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT ignored FROM messages
WHERE contractor_id=$1 AND proactive
ORDER BY sent_at DESC
LIMIT $2`, contractorID, ignoredWindow)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var newestFirst []engagement.Message
	for rows.Next() {
		var m engagement.Message
		if err := rows.Scan(&m.Ignored); err != nil {
			return 0, err
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return engagement.IgnoredRun(newestFirst), nil
}

// Audit trail

func (s *Store) AppendAudit(ctx context.Context, rec engagement.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	input, err := marshalJSON(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal audit input: %w", err)
	}
	output, err := marshalJSON(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal audit output: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO tool_audit (id, tool_name, contractor_id, action_class, target, caller, input, evaluated, allowed,
  reason, policy_id, success, error_kind, error, output, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.ToolName, rec.ContractorID, rec.ActionClass, rec.Target, string(rec.Caller), input, rec.Evaluated, rec.Allowed,
		rec.Reason, rec.PolicyID, rec.Success, rec.ErrorKind, rec.Error, output, rec.At)
	return err
}

// ListAudit returns records newest first. An empty contractorID lists all.
func (s *Store) ListAudit(ctx context.Context, contractorID string, limit int) ([]engagement.AuditRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, tool_name, contractor_id, action_class, target, caller, input, evaluated, allowed,
  reason, policy_id, success, error_kind, error, output, at
FROM tool_audit
WHERE ($1 = '' OR contractor_id = $1)
ORDER BY at DESC, id DESC
LIMIT $2`, contractorID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engagement.AuditRecord
	for rows.Next() {
		var (
			rec           engagement.AuditRecord
			caller        string
			input, output []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ToolName, &rec.ContractorID, &rec.ActionClass, &rec.Target, &caller, &input,
			&rec.Evaluated, &rec.Allowed, &rec.Reason, &rec.PolicyID, &rec.Success, &rec.ErrorKind, &rec.Error, &output, &rec.At); err != nil {
			return nil, err
		}
		rec.Caller = engagement.CallerKind(caller)
		rec.Input = unmarshalMap(input)
		rec.Output = unmarshalMap(output)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountAllowed counts evaluated and allowed actions of a class since a time.
func (s *Store) CountAllowed(ctx context.Context, contractorID, class string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM tool_audit
WHERE contractor_id=$1 AND action_class=$2 AND evaluated AND allowed AND at >= $3`, contractorID, class, since).Scan(&n)
	return n, err
}

func (s *Store) HasRecentAction(ctx context.Context, contractorID, class, target string, since time.Time) (bool, error) {
	if target == "" {
		return false, nil
	}
	var ok bool
	err := s.DB.QueryRowContext(ctx, `
SELECT EXISTS (
  SELECT 1 FROM tool_audit
  WHERE contractor_id=$1 AND action_class=$2 AND target=$3 AND allowed AND success AND at >= $4
)`, contractorID, class, target, since).Scan(&ok)
	return ok, err
}
