package diag

import (
	"fmt"
	"testing"
	"time"
)

func snap(sym string, price float64) Snapshot {
	return Snapshot{
		TS:       time.Now(),
		Symbol:   sym,
		Price:    price,
		Decision: "HOLD",
		Position: Position{State: "FLAT"},
	}
}

func TestRecorderEvictsBeyondCapacity(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Record("TCS", snap("TCS", float64(100+i)))
	}
	got := r.Recent("TCS", 0)
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	if got[0].Price != 102 || got[2].Price != 104 {
		t.Fatalf("history = %v..%v, want 102..104", got[0].Price, got[2].Price)
	}
}

func TestRecentIsOldestFirst(t *testing.T) {
	r := NewRecorder(10)
	for i := 0; i < 4; i++ {
		r.Record("INFY", snap("INFY", float64(i)))
	}
	got := r.Recent("INFY", 2)
	if len(got) != 2 || got[0].Price != 2 || got[1].Price != 3 {
		t.Fatalf("recent = %+v, want prices [2 3]", got)
	}
}

func TestLatestAllReturnsNewestPerSymbol(t *testing.T) {
	r := NewRecorder(10)
	for i := 0; i < 3; i++ {
		r.Record("A", snap("A", float64(i)))
		r.Record("B", snap("B", float64(10+i)))
	}
	latest := r.LatestAll()
	if len(latest) != 2 {
		t.Fatalf("latest symbols = %d, want 2", len(latest))
	}
	if latest["A"].Price != 2 || latest["B"].Price != 12 {
		t.Fatalf("latest = %v, want A=2 B=12", latest)
	}
}

func TestRecentUnknownSymbolIsEmpty(t *testing.T) {
	r := NewRecorder(0)
	if got := r.Recent("NONE", 5); len(got) != 0 {
		t.Fatalf("unknown symbol history = %d entries", len(got))
	}
	if r.capacity != DefaultCapacity {
		t.Fatalf("capacity = %d, want default %d", r.capacity, DefaultCapacity)
	}
}

func TestRecorderConcurrentWriters(t *testing.T) {
	r := NewRecorder(50)
	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			sym := fmt.Sprintf("S%d", w)
			for i := 0; i < 100; i++ {
				r.Record(sym, snap(sym, float64(i)))
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}
	for w := 0; w < 4; w++ {
		sym := fmt.Sprintf("S%d", w)
		if got := r.Recent(sym, 0); len(got) != 50 {
			t.Fatalf("%s history = %d, want 50", sym, len(got))
		}
	}
}
