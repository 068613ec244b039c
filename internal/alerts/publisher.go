// Package alerts publishes operator-facing signals (dead letters, emergency
// stops) to a Redis stream so on-call tooling can consume them.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/queue"
)

// Event types written to the alert stream.
const (
	EventDeadLetter    = "job.dead_letter"
	EventEmergencyStop = "contractor.emergency_stop"
)

// Envelope is the stream record wrapping every alert.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Validate ensures mandatory envelope fields are present.
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// DeadLetterPayload is the data of a job.dead_letter event.
type DeadLetterPayload struct {
	JobID        string `json:"job_id"`
	ContractorID string `json:"contractor_id"`
	ActionType   string `json:"action_type"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error"`
}

// EmergencyStopPayload is the data of a contractor.emergency_stop event.
type EmergencyStopPayload struct {
	ContractorID string    `json:"contractor_id"`
	Reason       string    `json:"reason"`
	Until        time.Time `json:"until"`
}

// Publisher appends alerts to a Redis stream.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	clock  clock.Clock
	logger *log.Logger
}

// NewPublisher creates a Publisher. maxLen <= 0 leaves the stream untrimmed.
func NewPublisher(client *redis.Client, stream string, maxLen int64, clk clock.Clock, logger *log.Logger) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen, clock: clk, logger: logger}
}

// Publish wraps payload in an envelope and XADDs it.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) (string, error) {
	if p.stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: p.clock.Now(),
		Data:       data,
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"event_type": eventType, "envelope": raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// DeadLetter implements queue.AlertSink.
func (p *Publisher) DeadLetter(ctx context.Context, job queue.Job) error {
	id, err := p.Publish(ctx, EventDeadLetter, DeadLetterPayload{
		JobID:        job.ID,
		ContractorID: job.ContractorID,
		ActionType:   job.ActionType,
		Attempts:     job.Attempt,
		LastError:    job.LastError,
	})
	if err != nil {
		return err
	}
	if p.logger != nil {
		p.logger.Printf("dead letter job=%s published as %s", job.ID, id)
	}
	return nil
}

// EmergencyStop announces a paused contractor.
func (p *Publisher) EmergencyStop(ctx context.Context, contractorID, reason string, until time.Time) error {
	_, err := p.Publish(ctx, EventEmergencyStop, EmergencyStopPayload{ContractorID: contractorID, Reason: reason, Until: until})
	return err
}

// Recent returns up to count envelopes from the stream, newest first.
func (p *Publisher) Recent(ctx context.Context, count int64) ([]Envelope, error) {
	msgs, err := p.client.XRevRangeN(ctx, p.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange: %w", err)
	}
	out := make([]Envelope, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["envelope"].(string)
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode envelope %s: %w", msg.ID, err)
		}
		out = append(out, env)
	}
	return out, nil
}
