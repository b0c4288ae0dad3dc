package config

import (
	"context"
	"path/filepath"
	"testing"

	"intraday-core/pkg/db"
)

func testBase() map[string]any {
	return map[string]any{
		"momentum_window":  20,
		"target_pct":       0.001,
		"use_vwap_filter":  true,
		"lunch_skip_start": "13:15",
		"best_windows":     [][]string{{"09:20", "13:15"}},
	}
}

var structural = []string{"momentum_window"}

func newTestStore(t *testing.T, database *db.Database) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), testBase(), structural, database)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestEffectiveMergesOverrides(t *testing.T) {
	s := newTestStore(t, nil)
	res, err := s.Apply(context.Background(), map[string]any{"target_pct": 0.002})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.RebuildRequired {
		t.Fatal("live-applicable change reported rebuild")
	}
	eff := s.Effective()
	if eff["target_pct"] != 0.002 {
		t.Fatalf("target_pct = %v, want 0.002", eff["target_pct"])
	}
	if eff["momentum_window"] != 20 {
		t.Fatalf("momentum_window = %v, want base 20", eff["momentum_window"])
	}
}

func TestApplyCoercesToBaseTypes(t *testing.T) {
	s := newTestStore(t, nil)
	res, err := s.Apply(context.Background(), map[string]any{
		"momentum_window": 25.0,    // JSON numbers arrive as float64
		"target_pct":      "0.003", // strings parse to the base type
		"use_vwap_filter": "false",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := res.Applied["momentum_window"]; got != 25 {
		t.Fatalf("momentum_window = %v (%T), want int 25", got, got)
	}
	if got := res.Applied["target_pct"]; got != 0.003 {
		t.Fatalf("target_pct = %v, want 0.003", got)
	}
	if got := res.Applied["use_vwap_filter"]; got != false {
		t.Fatalf("use_vwap_filter = %v, want false", got)
	}
}

func TestApplyDropsUnknownAndUncoercible(t *testing.T) {
	s := newTestStore(t, nil)
	res, err := s.Apply(context.Background(), map[string]any{
		"no_such_key":     1,
		"momentum_window": "abc",
		"target_pct":      0.005,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Dropped) != 2 {
		t.Fatalf("dropped = %v, want 2 keys", res.Dropped)
	}
	if _, ok := res.Applied["momentum_window"]; ok {
		t.Fatal("uncoercible value was applied")
	}
	eff := s.Effective()
	if _, ok := eff["no_such_key"]; ok {
		t.Fatal("unknown key leaked into effective config")
	}
}

func TestStructuralChangeReportsRebuild(t *testing.T) {
	s := newTestStore(t, nil)
	res, err := s.Apply(context.Background(), map[string]any{"momentum_window": 40})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.RebuildRequired {
		t.Fatal("structural change did not report rebuild")
	}

	// Re-applying the same value is not a change.
	res, err = s.Apply(context.Background(), map[string]any{"momentum_window": 40})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.RebuildRequired {
		t.Fatal("no-op structural apply reported rebuild")
	}
}

func TestResetClearsOverrides(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Apply(context.Background(), map[string]any{"target_pct": 0.01}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := s.Effective()["target_pct"]; got != 0.001 {
		t.Fatalf("target_pct after reset = %v, want base 0.001", got)
	}
	if len(s.Overrides()) != 0 {
		t.Fatal("overrides survived reset")
	}
}

func TestOverridesPersistAcrossStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")
	database, err := db.New(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	s1 := newTestStore(t, database)
	if _, err := s1.Apply(ctx, map[string]any{"momentum_window": 30, "target_pct": 0.004}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// A fresh store over the same database sees the coerced values.
	s2 := newTestStore(t, database)
	eff := s2.Effective()
	if eff["momentum_window"] != 30 {
		t.Fatalf("persisted momentum_window = %v (%T), want int 30", eff["momentum_window"], eff["momentum_window"])
	}
	if eff["target_pct"] != 0.004 {
		t.Fatalf("persisted target_pct = %v, want 0.004", eff["target_pct"])
	}
}
