package keypool

import (
	"context"
	"testing"
)

// fakeValidator classifies keys from a fixed map, defaulting to valid for
// any key not listed.
type fakeValidator struct {
	outcomes map[string]ValidationOutcome
}

func (f *fakeValidator) Validate(ctx context.Context, key string) (ValidationOutcome, error) {
	if o, ok := f.outcomes[key]; ok {
		return o, nil
	}
	return ValidationValid, nil
}

func TestUpdatePrecheckConfigValidatesBounds(t *testing.T) {
	p := NewPool("test", []string{"a"})

	count := 5
	if err := p.UpdatePrecheckConfig(PrecheckConfigUpdate{Count: &count}); err == nil {
		t.Fatal("expected error for count below minimum")
	}

	ratio := 1.5
	if err := p.UpdatePrecheckConfig(PrecheckConfigUpdate{TriggerRatio: &ratio}); err == nil {
		t.Fatal("expected error for trigger ratio above maximum")
	}

	validCount := 100
	if err := p.UpdatePrecheckConfig(PrecheckConfigUpdate{Count: &validCount}); err != nil {
		t.Fatalf("unexpected error for valid count: %v", err)
	}
	if p.GetPrecheckConfig().Count != 100 {
		t.Fatalf("expected count updated to 100, got %d", p.GetPrecheckConfig().Count)
	}
}

func TestInitPrecheckFillsCurrentBatch(t *testing.T) {
	p := NewPool("test", []string{"a", "b", "c"},
		WithValidator(&fakeValidator{}),
		WithPrecheckConfig(PrecheckConfig{Enabled: true, Count: 3, TriggerRatio: 0.5}),
	)
	p.InitPrecheck(context.Background())

	snap := p.snapshotPrecheck()
	if snap.CurrentBatchCount != 3 {
		t.Fatalf("expected all 3 keys to validate into the current batch, got %d", snap.CurrentBatchCount)
	}
	if !snap.CurrentReady {
		t.Fatal("expected current batch ready after InitPrecheck")
	}
}

func TestInitPrecheckExcludesInvalidKeys(t *testing.T) {
	p := NewPool("test", []string{"good", "bad"},
		WithValidator(&fakeValidator{outcomes: map[string]ValidationOutcome{"bad": ValidationError}}),
		WithPrecheckConfig(PrecheckConfig{Enabled: true, Count: 10, TriggerRatio: 0.5}),
	)
	p.InitPrecheck(context.Background())

	snap := p.snapshotPrecheck()
	if snap.CurrentBatchCount != 1 {
		t.Fatalf("expected only the valid key in the batch, got count %d", snap.CurrentBatchCount)
	}
	if p.FailCount("bad") != 1 {
		t.Fatalf("expected the invalid key's fail count incremented, got %d", p.FailCount("bad"))
	}
}

func TestSelectFromPrecheckConsumesBatch(t *testing.T) {
	p := NewPool("test", []string{"a", "b"},
		WithValidator(&fakeValidator{}),
		WithPrecheckConfig(PrecheckConfig{Enabled: true, Count: 10, TriggerRatio: 0.9}),
	)
	p.InitPrecheck(context.Background())

	key, err := p.selectFromPrecheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "a" && key != "b" {
		t.Fatalf("expected a key from the current batch, got %q", key)
	}
}

func TestManualTriggerPrecheckRejectsWhenDisabled(t *testing.T) {
	p := NewPool("test", []string{"a"}, WithPrecheckConfig(PrecheckConfig{Enabled: false}))
	_, err := p.ManualTriggerPrecheck(context.Background())
	if err != ErrPrecheckDisabled {
		t.Fatalf("expected ErrPrecheckDisabled, got %v", err)
	}
}

func TestManualTriggerPrecheckFillsNextSlot(t *testing.T) {
	p := NewPool("test", []string{"a", "b"},
		WithValidator(&fakeValidator{}),
		WithPrecheckConfig(PrecheckConfig{Enabled: true, Count: 10, TriggerRatio: 0.9}),
	)
	p.InitPrecheck(context.Background())

	result, err := p.ManualTriggerPrecheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.After.NextReady {
		t.Fatal("expected the next slot to be ready after a manual trigger")
	}
}

func TestVerifyKeyAppliesStateTransitions(t *testing.T) {
	p := NewPool("test", []string{"a"}, WithValidator(&fakeValidator{
		outcomes: map[string]ValidationOutcome{"a": ValidationRateLimited},
	}), WithPolicy(PolicyConfig{FreezeOnRateLimit: true, FreezeDuration: 0}))

	outcome, err := p.VerifyKey(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != ValidationRateLimited {
		t.Fatalf("expected ValidationRateLimited, got %v", outcome)
	}
	if p.FailCount("a") != 0 {
		t.Fatalf("expected a rate-limited verify to leave the fail count at 0, got %d", p.FailCount("a"))
	}
}

func TestVerifySelectedRunsConcurrently(t *testing.T) {
	p := NewPool("test", []string{"a", "b", "c"}, WithValidator(&fakeValidator{
		outcomes: map[string]ValidationOutcome{"b": ValidationError},
	}))

	results := p.VerifySelected(context.Background(), []string{"a", "b", "c"})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results["b"] != ValidationError {
		t.Fatalf("expected b to be classified as error, got %v", results["b"])
	}
	if results["a"] != ValidationValid {
		t.Fatalf("expected a to be classified as valid, got %v", results["a"])
	}
}
