package strategy

import (
	"math"
	"testing"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		w.Push(v)
	}
	if w.Len() != 3 {
		t.Fatalf("len = %d, want 3", w.Len())
	}
	first, _ := w.First()
	last, _ := w.Last()
	if first != 3 || last != 5 {
		t.Fatalf("window = [%v..%v], want [3..5]", first, last)
	}
	got := w.Tail(3)
	want := []float64{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tail = %v, want %v", got, want)
		}
	}
}

func TestWindowFullAndStats(t *testing.T) {
	w := NewWindow(4)
	if w.Full() {
		t.Fatal("empty window reported full")
	}
	for _, v := range []float64{2, 8, 4, 6} {
		w.Push(v)
	}
	if !w.Full() {
		t.Fatal("window not full after capacity pushes")
	}
	if w.Sum() != 20 || w.Avg() != 5 {
		t.Fatalf("sum=%v avg=%v, want 20/5", w.Sum(), w.Avg())
	}
	if w.Min() != 2 || w.Max() != 8 {
		t.Fatalf("min=%v max=%v, want 2/8", w.Min(), w.Max())
	}
}

func TestWindowMonotonicRuns(t *testing.T) {
	tests := []struct {
		name string
		vals []float64
		k    int
		inc  bool
		dec  bool
	}{
		{"increasing", []float64{1, 2, 3, 4}, 3, true, false},
		{"decreasing", []float64{4, 3, 2, 1}, 3, false, true},
		{"flat tail", []float64{1, 2, 2, 3}, 3, false, false},
		{"too short", []float64{1, 2}, 3, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWindow(10)
			for _, v := range tc.vals {
				w.Push(v)
			}
			if got := w.StrictlyIncreasing(tc.k); got != tc.inc {
				t.Fatalf("StrictlyIncreasing = %v, want %v", got, tc.inc)
			}
			if got := w.StrictlyDecreasing(tc.k); got != tc.dec {
				t.Fatalf("StrictlyDecreasing = %v, want %v", got, tc.dec)
			}
		})
	}
}

func TestVwapAccumulates(t *testing.T) {
	v := NewVwap(5)
	v.Update(100, 10)
	got := v.Update(110, 10)
	if math.Abs(got-105) > 1e-9 {
		t.Fatalf("vwap = %v, want 105", got)
	}
	latest, ok := v.Latest()
	if !ok || latest != got {
		t.Fatalf("latest = %v/%v, want %v", latest, ok, got)
	}
	oldest, _ := v.Oldest()
	if oldest != 100 {
		t.Fatalf("oldest = %v, want 100", oldest)
	}
}

func TestVwapZeroVolumeFallsBackToPrice(t *testing.T) {
	v := NewVwap(3)
	if got := v.Update(50, 0); got != 50 {
		t.Fatalf("vwap = %v, want 50", got)
	}
}

func TestHHHLPattern(t *testing.T) {
	w := NewWindow(10)
	for _, v := range []float64{100, 100.1, 100.2, 100.3} {
		w.Push(v)
	}
	if !isHHHL(w) {
		t.Fatal("rising run not detected as HHHL")
	}
	if isLLLH(w) {
		t.Fatal("rising run detected as LLLH")
	}
	w.Push(100.2)
	if isHHHL(w) {
		t.Fatal("broken run still detected as HHHL")
	}
}
