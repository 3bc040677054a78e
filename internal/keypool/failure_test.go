package keypool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIs429Classification(t *testing.T) {
	cases := map[string]bool{
		"429 Too Many Requests":      true,
		"quota exceeded for project": true,
		"Too Many Requests":          true,
		"internal server error":      false,
		"":                           false,
	}
	for in, want := range cases {
		if got := Is429(in); got != want {
			t.Errorf("Is429(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHandleAPIFailureRotatesUntilRetriesExhausted(t *testing.T) {
	p := NewPool("test", []string{"a", "b"}, WithPolicy(PolicyConfig{
		MaxFailures: 10,
		MaxRetries:  2,
	}))

	key, err := p.HandleAPIFailure(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key == "" {
		t.Fatal("expected a next key while retries remain")
	}
	if p.FailCount("a") != 1 {
		t.Fatalf("expected fail count 1, got %d", p.FailCount("a"))
	}

	_, err = p.HandleAPIFailure(context.Background(), "a", 2)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
}

func TestHandle429FreezesWhenEnabled(t *testing.T) {
	p := NewPool("test", []string{"a"}, WithPolicy(PolicyConfig{
		FreezeOnRateLimit: true,
		FreezeDuration:    time.Minute,
	}))

	if !p.Handle429("a") {
		t.Fatal("expected Handle429 to report it froze the key")
	}
	if !p.IsFrozen("a") {
		t.Fatal("expected key frozen after Handle429")
	}
	if p.FailCount("a") != 0 {
		t.Fatal("Handle429 must not touch the failure count")
	}
}

func TestHandle429NoopWhenDisabled(t *testing.T) {
	p := NewPool("test", []string{"a"}, WithPolicy(PolicyConfig{FreezeOnRateLimit: false}))
	if p.Handle429("a") {
		t.Fatal("expected Handle429 to no-op when freeze-on-429 is disabled")
	}
	if p.IsFrozen("a") {
		t.Fatal("key should not be frozen when freeze-on-429 is disabled")
	}
}

func TestWithRetrySwitchesKeysOnFailure(t *testing.T) {
	p := NewPool("test", []string{"a", "b"}, WithPolicy(PolicyConfig{
		MaxFailures: 5,
		MaxRetries:  3,
	}))

	var seen []string
	err := p.WithRetry(context.Background(), "a", func(ctx context.Context, key string) error {
		seen = append(seen, key)
		if len(seen) < 2 {
			return errors.New("upstream unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected two attempts, got %d: %v", len(seen), seen)
	}
}

func TestWithRetryGivesUpAfterBudget(t *testing.T) {
	p := NewPool("test", []string{"a", "b"}, WithPolicy(PolicyConfig{
		MaxFailures: 5,
		MaxRetries:  2,
	}))

	callCount := 0
	err := p.WithRetry(context.Background(), "a", func(ctx context.Context, key string) error {
		callCount++
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected an error once the retry budget is exhausted")
	}
	if callCount != 2 {
		t.Fatalf("expected exactly MaxRetries attempts, got %d", callCount)
	}
}
