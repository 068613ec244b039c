package alerts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/queue"
)

func newPublisher(t *testing.T) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := clock.NewFake(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewPublisher(client, "outreach:alerts", 100, clk, nil), mr
}

func TestDeadLetterPublishesEnvelope(t *testing.T) {
	ctx := context.Background()
	p, mr := newPublisher(t)

	job := queue.Job{ID: "job-1", ContractorID: "c1", ActionType: "send_followup", Attempt: 4, LastError: "timeout"}
	if err := p.DeadLetter(ctx, job); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	entries, err := mr.Stream("outreach:alerts")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(entries))
	}

	recent, err := p.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].EventType != EventDeadLetter {
		t.Fatalf("unexpected envelopes: %+v", recent)
	}
	var payload DeadLetterPayload
	if err := json.Unmarshal(recent[0].Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.JobID != "job-1" || payload.Attempts != 4 || payload.LastError != "timeout" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if !recent[0].OccurredAt.Equal(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected clock time on envelope, got %s", recent[0].OccurredAt)
	}
}

func TestRecentIsNewestFirst(t *testing.T) {
	ctx := context.Background()
	p, _ := newPublisher(t)
	if err := p.DeadLetter(ctx, queue.Job{ID: "job-1"}); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if err := p.EmergencyStop(ctx, "c9", "complaint", time.Now()); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}
	recent, err := p.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].EventType != EventEmergencyStop {
		t.Fatalf("expected emergency stop first, got %+v", recent)
	}
}

func TestPublishRequiresStream(t *testing.T) {
	p, _ := newPublisher(t)
	p.stream = ""
	if _, err := p.Publish(context.Background(), EventDeadLetter, map[string]string{"a": "b"}); err == nil {
		t.Fatalf("expected error for empty stream")
	}
}
