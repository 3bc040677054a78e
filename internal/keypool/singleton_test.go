package keypool

import "testing"

func newPoolFunc(name string, keys []string) *Pool {
	return NewPool(name, keys)
}

func TestManagerGetInstanceConstructsOnceIgnoresLaterKeys(t *testing.T) {
	m := NewManager(newPoolFunc)
	p1 := m.GetInstance("primary", []string{"a", "b"})
	p2 := m.GetInstance("primary", []string{"x", "y", "z"})
	if p1 != p2 {
		t.Fatal("expected the same pool instance across calls")
	}
	if p2.Len() != 2 {
		t.Fatalf("expected later keys to be ignored, got len %d", p2.Len())
	}
}

func TestManagerNamesAreIndependent(t *testing.T) {
	m := NewManager(newPoolFunc)
	primary := m.GetInstance("primary", []string{"a"})
	vertex := m.GetInstance("vertex", []string{"b"})
	if primary == vertex {
		t.Fatal("expected distinct pools for distinct names")
	}
}

func TestResetInstancePreservesFailCountsAndRotation(t *testing.T) {
	m := NewManager(newPoolFunc)
	p := m.GetInstance("primary", []string{"a", "b", "c"})

	p.IncrementFail("b")
	p.IncrementFail("b")
	p.NextRaw() // cursor -> a
	p.NextRaw() // cursor -> b, next call should yield c

	m.ResetInstance("primary")
	restored := m.GetInstance("primary", []string{"a", "b", "c"})

	if restored.FailCount("b") != 2 {
		t.Fatalf("expected preserved fail count 2 for b, got %d", restored.FailCount("b"))
	}

	next, err := restored.NextRaw()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != "c" {
		t.Fatalf("expected rotation to resume at c, got %q", next)
	}
}

func TestResetInstanceWalksForwardWhenNextKeyDropped(t *testing.T) {
	m := NewManager(newPoolFunc)
	p := m.GetInstance("primary", []string{"a", "b", "c"})
	p.NextRaw() // cursor -> a, next call would yield b

	m.ResetInstance("primary")
	// b is dropped from the new key list; c should be the first surviving
	// successor.
	restored := m.GetInstance("primary", []string{"a", "c"})

	next, err := restored.NextRaw()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != "c" {
		t.Fatalf("expected walk-forward to land on c, got %q", next)
	}
}

func TestResetInstanceNoopWithoutExistingInstance(t *testing.T) {
	m := NewManager(newPoolFunc)
	m.ResetInstance("nonexistent") // must not panic
}
