package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDelaySequence(t *testing.T) {
	c := NewController(3, 5*time.Second, 3)
	want := []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	for i, w := range want {
		if got := c.Delay(i + 1); got != w {
			t.Fatalf("delay after attempt %d: got %s, want %s", i+1, got, w)
		}
	}
}

func TestDecideTransientWithinBudget(t *testing.T) {
	c := NewController(3, 5*time.Second, 3)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	d := c.Decide(errors.New("connection reset"), 1, now)
	if !d.Retry {
		t.Fatalf("expected retry: %s", d.Reason)
	}
	if !d.NextAttempt.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("first retry at %s", d.NextAttempt)
	}
	d = c.Decide(errors.New("connection reset"), 2, now)
	if !d.Retry || !d.NextAttempt.Equal(now.Add(15*time.Second)) {
		t.Fatalf("second retry at %s", d.NextAttempt)
	}
	// the third failure still has budget: three retries follow the first one
	d = c.Decide(errors.New("connection reset"), 3, now)
	if !d.Retry || !d.NextAttempt.Equal(now.Add(45*time.Second)) {
		t.Fatalf("third retry at %s", d.NextAttempt)
	}
}

func TestDecideBudgetExhausted(t *testing.T) {
	c := NewController(3, 5*time.Second, 3)
	d := c.Decide(errors.New("connection reset"), 4, time.Now())
	if d.Retry {
		t.Fatal("fourth failure must not retry")
	}
	if d.Reason != "retry budget exhausted" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestDecidePermanent(t *testing.T) {
	c := NewController(3, 5*time.Second, 3)
	d := c.Decide(Permanent(errors.New("boom")), 1, time.Now())
	if d.Retry {
		t.Fatal("permanent error must not retry")
	}
	if d.Reason != "permanent failure" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(errors.New("recipient not found")) {
		t.Fatal("marker match should be permanent")
	}
	if IsPermanent(errors.New("timeout talking to upstream")) {
		t.Fatal("plain error without marker should retry")
	}
	// explicit wrappers beat message markers
	if IsPermanent(Transient(errors.New("invalid checksum, will heal"))) {
		t.Fatal("transient wrapper must override marker")
	}
	if !IsPermanent(fmt.Errorf("dispatch: %w", Permanent(errors.New("boom")))) {
		t.Fatal("wrapped permanent error should unwrap")
	}
}
