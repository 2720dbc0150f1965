package catalog

import (
	"testing"
	"time"
)

func testEntries() []*Metadata {
	return []*Metadata{
		{Name: "c", Description: "Frontend component builder", Capabilities: []string{"react", "ui"}, Role: "builder", Plugin: "frontend"},
		{Name: "a", Description: "General purpose helper", Capabilities: []string{"misc"}, Plugin: "core"},
		{Name: "b", Description: "Runs database migrations and schema changes", Capabilities: []string{"database", "sql"}, Role: "migrator", Plugin: "data"},
	}
}

func TestDiscover_NoFiltersReturnsFullSet(t *testing.T) {
	idx := BuildIndex(testEntries())

	results, strategy := idx.Discover(Criteria{})
	if strategy != StrategyListAll {
		t.Errorf("expected strategy %q, got %q", StrategyListAll, strategy)
	}
	if len(results) != 3 {
		t.Fatalf("expected all 3 entries, got %d", len(results))
	}
	// Deterministic order regardless of insertion order.
	for i, want := range []string{"a", "b", "c"} {
		if results[i].Name != want {
			t.Errorf("position %d: expected %q, got %q", i, want, results[i].Name)
		}
	}
}

func TestDiscover_FreeText(t *testing.T) {
	idx := BuildIndex(testEntries())

	results, strategy := idx.Discover(Criteria{Query: "database"})
	if strategy != StrategyFreeText {
		t.Errorf("expected strategy %q, got %q", StrategyFreeText, strategy)
	}
	if len(results) != 1 || results[0].Name != "b" {
		t.Fatalf("expected [b], got %v", names(results))
	}
}

func TestDiscover_FreeTextCaseInsensitive(t *testing.T) {
	idx := BuildIndex(testEntries())

	results, _ := idx.Discover(Criteria{Query: "DATABASE"})
	if len(results) != 1 || results[0].Name != "b" {
		t.Fatalf("expected [b], got %v", names(results))
	}
}

func TestDiscover_FreeTextPartialTokenMatches(t *testing.T) {
	idx := BuildIndex(testEntries())

	// "data" is a substring of the indexed token "database".
	results, _ := idx.Discover(Criteria{Query: "data"})
	if len(results) != 1 || results[0].Name != "b" {
		t.Fatalf("expected [b], got %v", names(results))
	}

	// The query-only path and the tag-filtered path agree.
	withTag, _ := idx.Discover(Criteria{Query: "data", Tag: "database"})
	if len(withTag) != 1 || withTag[0].Name != "b" {
		t.Fatalf("expected [b] with tag filter, got %v", names(withTag))
	}
}

func TestDiscover_TagExactMembership(t *testing.T) {
	idx := BuildIndex(testEntries())

	results, strategy := idx.Discover(Criteria{Tag: "react"})
	if strategy != StrategyTag {
		t.Errorf("expected strategy %q, got %q", StrategyTag, strategy)
	}
	if len(results) != 1 || results[0].Name != "c" {
		t.Fatalf("expected [c], got %v", names(results))
	}

	// Substring of a tag is not membership.
	results, _ = idx.Discover(Criteria{Tag: "rea"})
	if len(results) != 0 {
		t.Fatalf("expected no match for partial tag, got %v", names(results))
	}
}

func TestDiscover_RoleExactEquality(t *testing.T) {
	idx := BuildIndex(testEntries())

	results, strategy := idx.Discover(Criteria{Role: "migrator"})
	if strategy != StrategyRole {
		t.Errorf("expected strategy %q, got %q", StrategyRole, strategy)
	}
	if len(results) != 1 || results[0].Name != "b" {
		t.Fatalf("expected [b], got %v", names(results))
	}
}

func TestDiscover_MultiCriteriaRequiresAll(t *testing.T) {
	idx := BuildIndex(testEntries())

	results, strategy := idx.Discover(Criteria{Tag: "database", Role: "migrator"})
	if strategy != StrategyMultiCriteria {
		t.Errorf("expected strategy %q, got %q", StrategyMultiCriteria, strategy)
	}
	if len(results) != 1 || results[0].Name != "b" {
		t.Fatalf("expected [b], got %v", names(results))
	}

	// Same tag, wrong role: must not match.
	results, _ = idx.Discover(Criteria{Tag: "database", Role: "builder"})
	if len(results) != 0 {
		t.Fatalf("expected empty result, got %v", names(results))
	}
}

func TestDiscover_EmptyResultIsNotAnError(t *testing.T) {
	idx := BuildIndex(testEntries())

	results, _ := idx.Discover(Criteria{Query: "kubernetes operator"})
	if len(results) != 0 {
		t.Fatalf("expected empty result, got %v", names(results))
	}
}

func TestDiscover_RankingAndTieBreak(t *testing.T) {
	idx := BuildIndex([]*Metadata{
		{Name: "zeta", Description: "database tools", Capabilities: []string{"database"}},
		{Name: "alpha", Description: "database tools", Capabilities: []string{"database"}},
		{Name: "mid", Description: "mentions database once"},
	})

	// Tag+query matches outrank query-only; equal scores tie-break by name.
	results, _ := idx.Discover(Criteria{Query: "database"})
	got := names(results)
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}

	results, _ = idx.Discover(Criteria{Query: "database", Tag: "database"})
	got = names(results)
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Fatalf("expected [alpha zeta], got %v", got)
	}
}

func TestDiscover_Limit(t *testing.T) {
	idx := BuildIndex(testEntries())

	results, _ := idx.Discover(Criteria{Limit: 2})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestStore_SwapPublishesNewSnapshot(t *testing.T) {
	store := NewStore(testEntries())
	old := store.Snapshot()

	store.Swap([]*Metadata{{Name: "only", Description: "replacement set"}})

	if store.Snapshot().Len() != 1 {
		t.Errorf("expected new snapshot with 1 entry, got %d", store.Snapshot().Len())
	}
	// Readers holding the old snapshot keep a consistent view.
	if old.Len() != 3 {
		t.Errorf("old snapshot mutated: len=%d", old.Len())
	}
}

func TestQueryCache_HitMissAndExpiry(t *testing.T) {
	qc := NewQueryCache(20 * time.Millisecond)
	key := qc.Key(Criteria{Query: "database"})

	if _, _, ok := qc.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	qc.Set(key, []*Metadata{{Name: "b"}}, StrategyFreeText)
	results, strategy, ok := qc.Get(key)
	if !ok || len(results) != 1 || strategy != StrategyFreeText {
		t.Fatalf("expected fresh hit, got ok=%v results=%v", ok, names(results))
	}

	time.Sleep(30 * time.Millisecond)
	if _, _, ok := qc.Get(key); ok {
		t.Fatal("expected expired entry to miss")
	}

	stats := qc.Stats()
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("expected 1 hit / 2 misses, got %+v", stats)
	}
}

func names(entries []*Metadata) []string {
	out := make([]string, len(entries))
	for i, m := range entries {
		out[i] = m.Name
	}
	return out
}
