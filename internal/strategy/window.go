package strategy

// Window is a fixed-capacity FIFO of float64 samples. Pushing beyond
// capacity evicts the oldest sample.
type Window struct {
	vals []float64
	cap  int
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{cap: capacity}
}

// Push appends one sample, evicting the oldest when full.
func (w *Window) Push(v float64) {
	if len(w.vals) == w.cap {
		copy(w.vals, w.vals[1:])
		w.vals[len(w.vals)-1] = v
		return
	}
	w.vals = append(w.vals, v)
}

func (w *Window) Len() int   { return len(w.vals) }
func (w *Window) Cap() int   { return w.cap }
func (w *Window) Full() bool { return len(w.vals) == w.cap }

// Last returns the newest sample.
func (w *Window) Last() (float64, bool) {
	if len(w.vals) == 0 {
		return 0, false
	}
	return w.vals[len(w.vals)-1], true
}

// First returns the oldest sample.
func (w *Window) First() (float64, bool) {
	if len(w.vals) == 0 {
		return 0, false
	}
	return w.vals[0], true
}

// Tail returns a copy of up to the last k samples, oldest first.
func (w *Window) Tail(k int) []float64 {
	if k > len(w.vals) {
		k = len(w.vals)
	}
	out := make([]float64, k)
	copy(out, w.vals[len(w.vals)-k:])
	return out
}

func (w *Window) Sum() float64 {
	var s float64
	for _, v := range w.vals {
		s += v
	}
	return s
}

func (w *Window) Avg() float64 {
	if len(w.vals) == 0 {
		return 0
	}
	return w.Sum() / float64(len(w.vals))
}

func (w *Window) Min() float64 {
	if len(w.vals) == 0 {
		return 0
	}
	m := w.vals[0]
	for _, v := range w.vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func (w *Window) Max() float64 {
	if len(w.vals) == 0 {
		return 0
	}
	m := w.vals[0]
	for _, v := range w.vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// StrictlyIncreasing reports whether the last k samples form a strictly
// increasing run. False when fewer than k samples exist.
func (w *Window) StrictlyIncreasing(k int) bool {
	if len(w.vals) < k {
		return false
	}
	s := w.vals[len(w.vals)-k:]
	for i := 0; i+1 < len(s); i++ {
		if s[i] >= s[i+1] {
			return false
		}
	}
	return true
}

// StrictlyDecreasing reports whether the last k samples form a strictly
// decreasing run. False when fewer than k samples exist.
func (w *Window) StrictlyDecreasing(k int) bool {
	if len(w.vals) < k {
		return false
	}
	s := w.vals[len(w.vals)-k:]
	for i := 0; i+1 < len(s); i++ {
		if s[i] <= s[i+1] {
			return false
		}
	}
	return true
}

// Vwap accumulates a session volume-weighted average price and keeps a
// bounded history of recent values for slope checks.
type Vwap struct {
	cumPV   float64
	cumV    float64
	history *Window
}

// NewVwap creates an accumulator with the given slope history size.
func NewVwap(slopeWindow int) *Vwap {
	return &Vwap{history: NewWindow(slopeWindow)}
}

// Update folds one trade in and returns the new VWAP. With zero cumulative
// volume the price itself is used.
func (v *Vwap) Update(price, qty float64) float64 {
	v.cumPV += price * qty
	v.cumV += qty
	vwap := price
	if v.cumV > 0 {
		vwap = v.cumPV / v.cumV
	}
	v.history.Push(vwap)
	return vwap
}

// Latest returns the newest VWAP value in the history.
func (v *Vwap) Latest() (float64, bool) { return v.history.Last() }

// Oldest returns the oldest VWAP value in the history.
func (v *Vwap) Oldest() (float64, bool) { return v.history.First() }

func (v *Vwap) Len() int { return v.history.Len() }
