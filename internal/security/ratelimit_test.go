package security

import (
	"errors"
	"strings"
	"testing"

	"github.com/hostbridge/agentd/internal/model"
)

func TestCheckAndRecordAllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(model.RateLimitConfig{"message": 3})
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if err := rl.CheckAndRecord("actor-1", "message"); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	err := rl.CheckAndRecord("actor-1", "message")
	if err == nil {
		t.Fatal("expected rate limit error on 4th call")
	}
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("err = %v, want *RateLimitError", err)
	}
	if rlErr.Action != "message" {
		t.Fatalf("action = %q, want message", rlErr.Action)
	}
	if !strings.Contains(rlErr.Error(), "Rate limit exceeded") {
		t.Fatalf("err = %q, want it to contain %q", rlErr.Error(), "Rate limit exceeded")
	}
}

func TestCheckAndRecordActorsDoNotCrossContaminate(t *testing.T) {
	rl := NewRateLimiter(model.RateLimitConfig{"message": 1})
	defer rl.Close()

	if err := rl.CheckAndRecord("actor-1", "message"); err != nil {
		t.Fatalf("actor-1 first call: %v", err)
	}
	if err := rl.CheckAndRecord("actor-2", "message"); err != nil {
		t.Fatalf("actor-2 should not be affected by actor-1's bucket: %v", err)
	}
}

func TestCheckAndRecordUnconfiguredActionIsUnlimited(t *testing.T) {
	rl := NewRateLimiter(model.RateLimitConfig{})
	defer rl.Close()

	for i := 0; i < 100; i++ {
		if err := rl.CheckAndRecord("actor-1", "command"); err != nil {
			t.Fatalf("call %d: unexpected error for unconfigured action: %v", i, err)
		}
	}
}
