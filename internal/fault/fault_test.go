package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Wrap(InvalidInput, "tools.invoke", errors.New("missing contractor_id"))
	if KindOf(err) != InvalidInput {
		t.Fatalf("expected invalid input, got %s", KindOf(err))
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != InvalidInput {
		t.Fatalf("expected kind to survive wrapping, got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != TransientInfra {
		t.Fatalf("untyped errors should default to transient infra")
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error has no kind")
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	err := fmt.Errorf("claim: %w", New(InvariantViolation, "queue.claim", "double claim"))
	if !errors.Is(err, Sentinel(InvariantViolation)) {
		t.Fatalf("expected sentinel match")
	}
	if errors.Is(err, Sentinel(GuardDenied)) {
		t.Fatalf("unexpected match on a different kind")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", Wrap(TransientInfra, "op", errors.New("timeout")), true},
		{"provider", Wrap(ExternalProviderError, "op", errors.New("502")), true},
		{"provider permanent", Permanent(ExternalProviderError, "op", errors.New("400")), false},
		{"invalid input", Wrap(InvalidInput, "op", errors.New("bad")), false},
		{"guard denied", Wrap(GuardDenied, "op", errors.New("opt_out")), false},
		{"invariant", Wrap(InvariantViolation, "op", errors.New("stale lease")), true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestFromContext(t *testing.T) {
	err := FromContext("send", context.DeadlineExceeded)
	if KindOf(err) != TransientInfra {
		t.Fatalf("deadline should map to transient infra")
	}
	other := errors.New("boom")
	if FromContext("send", other) != other {
		t.Fatalf("non-context errors pass through untouched")
	}
}
