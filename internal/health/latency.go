package health

import (
	"math"
	"sort"
	"time"
)

const DefaultLatencyWindow = 500

// Latency holds rolling percentiles; Samples is zero when nothing was observed.
type Latency struct {
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	Samples int           `json:"samples"`
}

// latencyWindow is a fixed-size ring buffer of latency samples.
type latencyWindow struct {
	buf  []time.Duration
	next int
	full bool
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = DefaultLatencyWindow
	}
	return &latencyWindow{buf: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.buf[w.next] = d
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

func (w *latencyWindow) len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

func (w *latencyWindow) summary() Latency {
	n := w.len()
	if n == 0 {
		return Latency{}
	}
	values := make([]time.Duration, n)
	copy(values, w.buf[:n])
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return Latency{
		P50:     percentile(values, 0.50),
		P95:     percentile(values, 0.95),
		Samples: n,
	}
}

// percentile interpolates linearly between the closest ranks of sorted values.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	lo := float64(sorted[lower])
	hi := float64(sorted[upper])
	return time.Duration(math.Round(lo + (hi-lo)*frac))
}
