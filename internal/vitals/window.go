package vitals

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultHRWindow is the span of accepted samples used for the median.
const DefaultHRWindow = 5 * time.Second

// DefaultStaleAfter is how long without a sample before a reading is stale.
const DefaultStaleAfter = 3 * time.Second

type hrSample struct {
	at  time.Time
	bpm float64
}

// HRWindow keeps the heart rate samples from the last few seconds and
// reports their median as the authoritative rate.
type HRWindow struct {
	span       time.Duration
	staleAfter time.Duration
	samples    []hrSample
	current    int
	lastAt     time.Time
}

// NewHRWindow returns a window keeping span worth of samples. Zero values
// select the defaults.
func NewHRWindow(span, staleAfter time.Duration) *HRWindow {
	if span <= 0 {
		span = DefaultHRWindow
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &HRWindow{span: span, staleAfter: staleAfter}
}

// Add records bpm at now, evicts samples older than the window and returns
// the rounded median. Out of range readings are ignored and the previous
// value is returned with ok false.
func (w *HRWindow) Add(bpm int, now time.Time) (median int, ok bool) {
	if !ValidBPM(bpm) {
		return w.current, false
	}
	w.samples = append(w.samples, hrSample{at: now, bpm: float64(bpm)})
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.samples) && w.samples[drop].at.Before(cutoff) {
		drop++
	}
	w.samples = append(w.samples[:0], w.samples[drop:]...)

	w.current = int(math.Round(Median(w.values())))
	w.lastAt = now
	return w.current, true
}

// Current returns the last computed median and whether any sample has been
// accepted since the last Reset.
func (w *HRWindow) Current() (int, bool) {
	return w.current, !w.lastAt.IsZero()
}

// Stale reports whether no sample has been accepted within the stale
// threshold. A window that never saw a sample is stale.
func (w *HRWindow) Stale(now time.Time) bool {
	return w.lastAt.IsZero() || now.Sub(w.lastAt) > w.staleAfter
}

// LastSampleAt returns when the last accepted sample arrived.
func (w *HRWindow) LastSampleAt() time.Time { return w.lastAt }

// Len returns the number of samples in the window.
func (w *HRWindow) Len() int { return len(w.samples) }

// Spread returns the mean and standard deviation of the samples currently
// in the window. The deviation is zero for fewer than two samples.
func (w *HRWindow) Spread() (mean, stddev float64) {
	vals := w.values()
	switch len(vals) {
	case 0:
		return 0, 0
	case 1:
		return vals[0], 0
	}
	return stat.MeanStdDev(vals, nil)
}

// Reset discards all samples and the current value.
func (w *HRWindow) Reset() {
	w.samples = w.samples[:0]
	w.current = 0
	w.lastAt = time.Time{}
}

func (w *HRWindow) values() []float64 {
	vals := make([]float64, len(w.samples))
	for i, s := range w.samples {
		vals[i] = s.bpm
	}
	return vals
}
