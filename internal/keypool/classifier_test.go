package keypool

import "testing"

func TestStatusSnapshotClassification(t *testing.T) {
	p := NewPool("test", []string{"valid1", "invalid1", "frozen1"}, WithPolicy(PolicyConfig{MaxFailures: 2}))
	p.IncrementFail("invalid1")
	p.IncrementFail("invalid1")
	p.ManuallyFreeze("frozen1")

	snap := p.StatusSnapshot()
	if _, ok := snap.Valid["valid1"]; !ok {
		t.Error("expected valid1 classified as valid")
	}
	if _, ok := snap.Invalid["invalid1"]; !ok {
		t.Error("expected invalid1 classified as invalid")
	}
	if _, ok := snap.Frozen["frozen1"]; !ok {
		t.Error("expected frozen1 classified as frozen")
	}
}

func TestStatusSnapshotFrozenTakesPrecedenceOverInvalid(t *testing.T) {
	p := NewPool("test", []string{"k"}, WithPolicy(PolicyConfig{MaxFailures: 1}))
	p.IncrementFail("k")
	p.ManuallyFreeze("k")

	snap := p.StatusSnapshot()
	if _, ok := snap.Frozen["k"]; !ok {
		t.Fatal("expected a frozen key with a high fail count to classify as frozen, not invalid")
	}
	if _, ok := snap.Invalid["k"]; ok {
		t.Fatal("key should not appear in both frozen and invalid")
	}
}

func TestPaginatedFiltersAndSorts(t *testing.T) {
	p := NewPool("test", []string{"charlie", "alpha", "bravo"})
	pg := p.Paginated(KindValid, 1, 10, "", nil)
	want := []string{"alpha", "bravo", "charlie"}
	if len(pg.Keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(pg.Keys))
	}
	for i, k := range want {
		if pg.Keys[i] != k {
			t.Fatalf("expected sorted order %v, got %v", want, pg.Keys)
		}
	}
}

func TestPaginatedSearchFilter(t *testing.T) {
	p := NewPool("test", []string{"alpha", "bravo", "alphabet"})
	pg := p.Paginated(KindValid, 1, 10, "alpha", nil)
	if len(pg.Keys) != 2 {
		t.Fatalf("expected 2 matches for substring 'alpha', got %d: %v", len(pg.Keys), pg.Keys)
	}
}

func TestPaginatedSearchFilterIsCaseInsensitive(t *testing.T) {
	p := NewPool("test", []string{"Alpha", "bravo", "ALPHAbet"})
	pg := p.Paginated(KindValid, 1, 10, "ALPHA", nil)
	if len(pg.Keys) != 2 {
		t.Fatalf("expected 2 case-insensitive matches for 'ALPHA', got %d: %v", len(pg.Keys), pg.Keys)
	}
}

func TestPaginatedPageBounds(t *testing.T) {
	keys := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		keys = append(keys, string(rune('a'+i)))
	}
	p := NewPool("test", keys)

	pg := p.Paginated(KindValid, 1, 2, "", nil)
	if pg.TotalCount != 5 || pg.TotalPages != 3 {
		t.Fatalf("expected total 5 pages 3, got total=%d pages=%d", pg.TotalCount, pg.TotalPages)
	}
	if !pg.HasNext || pg.HasPrev {
		t.Fatalf("expected first page to have next but not prev")
	}
	if len(pg.Keys) != 2 {
		t.Fatalf("expected page size 2, got %d", len(pg.Keys))
	}
}

func TestPaginatedFailCountThreshold(t *testing.T) {
	p := NewPool("test", []string{"a", "b"}, WithPolicy(PolicyConfig{MaxFailures: 100}))
	p.IncrementFail("a")
	p.IncrementFail("a")
	p.IncrementFail("a")

	threshold := 2
	pg := p.Paginated(KindValid, 1, 10, "", &threshold)
	if len(pg.Keys) != 1 || pg.Keys[0] != "a" {
		t.Fatalf("expected only 'a' to meet fail_count >= 2, got %v", pg.Keys)
	}
}
