package keypool

import (
	"testing"
	"time"
)

func newTestPool(keys ...string) *Pool {
	return NewPool("test", keys)
}

func TestNextRawCyclesAndCounts(t *testing.T) {
	p := newTestPool("a", "b", "c")

	want := []string{"a", "b", "c", "a", "b"}
	for i, w := range want {
		got, err := p.NextRaw()
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		if got != w {
			t.Fatalf("iteration %d: got %q, want %q", i, got, w)
		}
	}
}

func TestNextRawEmptyPool(t *testing.T) {
	p := newTestPool()
	if _, err := p.NextRaw(); err != ErrPoolEmpty {
		t.Fatalf("expected ErrPoolEmpty, got %v", err)
	}
}

func TestCurrentPositionTracksLastHandedOut(t *testing.T) {
	p := newTestPool("a", "b", "c")
	p.NextRaw()
	p.NextRaw()
	if pos := p.CurrentPosition(); pos != 1 {
		t.Fatalf("expected position 1, got %d", pos)
	}
}

func TestIncrementAndResetFail(t *testing.T) {
	p := newTestPool("a")

	if fc := p.IncrementFail("a"); fc != 1 {
		t.Fatalf("expected fail count 1, got %d", fc)
	}
	if fc := p.IncrementFail("a"); fc != 2 {
		t.Fatalf("expected fail count 2, got %d", fc)
	}
	p.ResetFail("a")
	if fc := p.FailCount("a"); fc != 0 {
		t.Fatalf("expected fail count reset to 0, got %d", fc)
	}
}

func TestResetAllFail(t *testing.T) {
	p := newTestPool("a", "b")
	p.IncrementFail("a")
	p.IncrementFail("b")
	p.ResetAllFail()
	if p.FailCount("a") != 0 || p.FailCount("b") != 0 {
		t.Fatal("expected all fail counts reset")
	}
}

func TestFreezeExpiresLazily(t *testing.T) {
	now := time.Now()
	clock := now
	p := NewPool("test", []string{"a"}, WithClock(func() time.Time { return clock }))

	p.Freeze("a", time.Minute)
	if !p.IsFrozen("a") {
		t.Fatal("expected key frozen immediately after Freeze")
	}

	clock = now.Add(2 * time.Minute)
	if p.IsFrozen("a") {
		t.Fatal("expected freeze to have lazily expired")
	}
}

func TestManualFreezeDoesNotExpire(t *testing.T) {
	now := time.Now()
	clock := now
	p := NewPool("test", []string{"a"}, WithClock(func() time.Time { return clock }))

	p.ManuallyFreeze("a")
	clock = now.Add(24 * time.Hour)
	if !p.IsFrozen("a") {
		t.Fatal("manual freeze should never lazily expire")
	}

	p.ManuallyUnfreeze("a")
	if p.IsFrozen("a") {
		t.Fatal("expected key unfrozen after ManuallyUnfreeze")
	}
}

func TestEnableDisableAliases(t *testing.T) {
	p := newTestPool("a")
	p.Disable("a")
	if !p.IsFrozen("a") {
		t.Fatal("Disable should freeze the key")
	}
	p.Enable("a")
	if p.IsFrozen("a") {
		t.Fatal("Enable should unfreeze the key")
	}
}

func TestBatchEnableDisable(t *testing.T) {
	p := newTestPool("a", "b", "c")
	result := p.BatchDisable([]string{"a", "b"})
	if !result["a"] || !result["b"] {
		t.Fatalf("expected a and b reported as disabled: %v", result)
	}
	if !p.IsFrozen("a") || !p.IsFrozen("b") || p.IsFrozen("c") {
		t.Fatal("expected a and b disabled, c untouched")
	}
	p.BatchEnable([]string{"a"})
	if p.IsFrozen("a") || !p.IsFrozen("b") {
		t.Fatal("expected a re-enabled, b still disabled")
	}
}

func TestBatchEnableDisableSkipsUnknownKeys(t *testing.T) {
	p := newTestPool("a", "b")
	result := p.BatchDisable([]string{"a", "not-in-pool"})
	if !result["a"] {
		t.Fatal("expected a reported as disabled")
	}
	if result["not-in-pool"] {
		t.Fatal("expected not-in-pool reported as not found")
	}
	if p.IsFrozen("not-in-pool") {
		t.Fatal("expected not-in-pool to not be frozen")
	}
}

func TestGetFirstValidKey(t *testing.T) {
	p := NewPool("test", []string{"a", "b", "c"}, WithPolicy(PolicyConfig{MaxFailures: 2}))
	p.IncrementFail("a")
	p.IncrementFail("a")

	key, err := p.GetFirstValidKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "b" {
		t.Fatalf("expected b as first valid key, got %q", key)
	}
}

func TestGetFirstValidKeyFallsBackWhenAllExhausted(t *testing.T) {
	p := NewPool("test", []string{"a", "b"}, WithPolicy(PolicyConfig{MaxFailures: 1}))
	p.IncrementFail("a")
	p.IncrementFail("b")

	key, err := p.GetFirstValidKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "a" {
		t.Fatalf("expected fallback to first key in pool, got %q", key)
	}
}

func TestBatchSearch(t *testing.T) {
	p := newTestPool("a", "b", "c")
	found, notFound := p.BatchSearch("a,x,b")
	if len(found) != 2 || found[0] != "a" || found[1] != "b" {
		t.Fatalf("unexpected found list: %v", found)
	}
	if len(notFound) != 1 || notFound[0] != "x" {
		t.Fatalf("unexpected notFound list: %v", notFound)
	}
}

func TestConcurrentRotationHandsOutEveryCursorPosition(t *testing.T) {
	keys := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		keys = append(keys, string(rune('a'+i)))
	}
	p := newTestPool(keys...)

	const goroutines = 50
	const perGoroutine = 40

	done := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < perGoroutine; j++ {
				if _, err := p.NextRaw(); err != nil {
					t.Errorf("unexpected error from NextRaw: %v", err)
				}
			}
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}
	// run with -race to confirm no data races across cycleMu
}
