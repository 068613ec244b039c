// Package provider holds the outbound integrations: AI completion, web search
// and the messaging channel. Every call runs under a per-call timeout with a
// single retry on transient failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/outreach/internal/fault"
)

// Completer produces text from a prompt and structured context.
type Completer interface {
	Complete(ctx context.Context, prompt string, vars map[string]any) (string, error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs web searches.
type Searcher interface {
	Query(ctx context.Context, text string) ([]SearchResult, error)
}

// Receipt acknowledges an accepted outbound message.
type Receipt struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Channel delivers content to a contractor. Delivery is at-least-once.
type Channel interface {
	Send(ctx context.Context, contractorID, channel, content string) (Receipt, error)
}

// Call runs fn under timeout and retries once when the failure is transient.
func Call(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = callOnce(ctx, timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !fault.Retryable(err) || fault.KindOf(err) == fault.InvariantViolation {
			break
		}
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.TransientInfra, op, err)
}

func callOnce(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// classifyTransport maps a transport error to a fault kind.
func classifyTransport(op string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.TransientInfra, op, err)
	}
	return fault.Wrap(fault.ExternalProviderError, op, err)
}

// classifyStatus turns a non-2xx response into a fault. 429 and 5xx are
// retryable; other 4xx are permanent rejections.
func classifyStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fault.Wrap(fault.ExternalProviderError, op, err)
	}
	return fault.Permanent(fault.ExternalProviderError, op, err)
}
