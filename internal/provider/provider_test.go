package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/fault"
)

func TestCallRetriesOnceOnTransient(t *testing.T) {
	var calls int32
	err := Call(context.Background(), "test", time.Second, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return fault.Wrap(fault.ExternalProviderError, "test", errors.New("502"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestCallDoesNotRetryPermanent(t *testing.T) {
	var calls int32
	err := Call(context.Background(), "test", time.Second, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return fault.Permanent(fault.ExternalProviderError, "test", errors.New("400"))
	})
	if !fault.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestCallGivesUpAfterSecondFailure(t *testing.T) {
	var calls int32
	err := Call(context.Background(), "test", time.Second, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("connection refused")
	})
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if fault.KindOf(err) != fault.TransientInfra {
		t.Fatalf("expected transient infra, got %v", err)
	}
}

func TestCallAppliesTimeout(t *testing.T) {
	err := Call(context.Background(), "test", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return fault.FromContext("test", ctx.Err())
	})
	if fault.KindOf(err) != fault.TransientInfra {
		t.Fatalf("expected timeout to surface as transient infra, got %v", err)
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "gpt-test" || len(req.Messages) != 2 {
			t.Fatalf("unexpected request %+v", req)
		}
		if !strings.Contains(req.Messages[1].Content, "- goal: hire two techs") {
			t.Fatalf("expected context in prompt, got %q", req.Messages[1].Content)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  Hi Ada, how is hiring going?  "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-test", Timeout: time.Second})
	text, err := c.Complete(context.Background(), "Write a check-in", map[string]any{"goal": "hire two techs"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "Hi Ada, how is hiring going?" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestOpenAIClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{BaseURL: srv.URL, Model: "nope", Timeout: time.Second})
	_, err := c.Complete(context.Background(), "hi", nil)
	if !fault.IsPermanent(err) || fault.KindOf(err) != fault.ExternalProviderError {
		t.Fatalf("expected permanent provider error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestSerperQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "key" {
			t.Fatalf("missing api key header")
		}
		_, _ = w.Write([]byte(`{"organic":[
			{"title":"A","link":"https://a.example","snippet":"a"},
			{"title":"B","link":"https://b.example","snippet":"b"},
			{"title":"C","link":"https://c.example","snippet":"c"}]}`))
	}))
	defer srv.Close()

	s := NewSerper("key", 2, time.Second)
	s.Endpoint = srv.URL
	results, err := s.Query(context.Background(), "roofing marketing ideas")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 || results[1].URL != "https://b.example" {
		t.Fatalf("unexpected results %+v", results)
	}

	if _, err := s.Query(context.Background(), "  "); fault.KindOf(err) != fault.InvalidInput {
		t.Fatalf("expected invalid input for empty query, got %v", err)
	}
}

func TestWebhookRetriesServerErrorWithSameMessageID(t *testing.T) {
	var (
		calls int32
		keys  = make(chan string, 2)
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"relay-42"}`))
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	wh := NewWebhook(srv.URL, "", time.Second, 0, clk)
	receipt, err := wh.Send(context.Background(), "c1", "sms", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.ID != "relay-42" || receipt.Channel != "sms" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	first, second := <-keys, <-keys
	if first == "" || first != second {
		t.Fatalf("expected identical idempotency keys, got %q and %q", first, second)
	}
}
