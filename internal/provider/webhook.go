package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/fault"
)

// Webhook delivers messages by POSTing JSON to a relay that owns the actual
// email/SMS wire protocol.
type Webhook struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	clock      clock.Clock
	limiter    *rate.Limiter
	httpClient *http.Client
}

type webhookRequest struct {
	MessageID    string `json:"message_id"`
	ContractorID string `json:"contractor_id"`
	Channel      string `json:"channel"`
	Content      string `json:"content"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

// NewWebhook creates the channel. rps <= 0 disables throttling.
func NewWebhook(url, apiKey string, timeout time.Duration, rps float64, clk clock.Clock) *Webhook {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Webhook{URL: url, APIKey: apiKey, Timeout: timeout, clock: clk, limiter: rate.NewLimiter(limit, 1), httpClient: &http.Client{}}
}

// Send posts the message. The same message id is reused across the retry so
// the relay can drop the duplicate.
func (w *Webhook) Send(ctx context.Context, contractorID, channel, content string) (Receipt, error) {
	const op = "provider.webhook.send"
	msgID := uuid.NewString()
	body, err := json.Marshal(webhookRequest{MessageID: msgID, ContractorID: contractorID, Channel: channel, Content: content})
	if err != nil {
		return Receipt{}, fault.Wrap(fault.InvalidInput, op, err)
	}
	var receipt Receipt
	err = Call(ctx, op, w.Timeout, func(ctx context.Context) error {
		if err := w.limiter.Wait(ctx); err != nil {
			return fault.Wrap(fault.TransientInfra, op, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return fault.Wrap(fault.InvalidInput, op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", msgID)
		if w.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+w.APIKey)
		}
		resp, err := w.httpClient.Do(req)
		if err != nil {
			return classifyTransport(op, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return classifyStatus(op, resp)
		}
		var parsed webhookResponse
		_ = json.NewDecoder(resp.Body).Decode(&parsed)
		if parsed.ID == "" {
			parsed.ID = msgID
		}
		receipt = Receipt{ID: parsed.ID, Channel: channel, AcceptedAt: w.clock.Now()}
		return nil
	})
	return receipt, err
}

// LogChannel is a Channel that only logs. Used with the memory driver and in
// development when no relay is configured.
type LogChannel struct {
	Logger *log.Logger
	Clock  clock.Clock
}

func (l LogChannel) Send(_ context.Context, contractorID, channel, content string) (Receipt, error) {
	if contractorID == "" {
		return Receipt{}, fault.New(fault.InvalidInput, "provider.log.send", "contractor id required")
	}
	id := uuid.NewString()
	if l.Logger != nil {
		l.Logger.Printf("send id=%s contractor=%s channel=%s bytes=%d", id, contractorID, channel, len(content))
	}
	return Receipt{ID: id, Channel: channel, AcceptedAt: l.Clock.Now()}, nil
}
