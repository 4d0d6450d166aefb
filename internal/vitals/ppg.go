package vitals

import (
	"math"
	"time"
)

const (
	envelopeDecay   = 0.999
	smoothAlpha     = 0.15
	riseThreshold   = 0.002
	beatRefractory  = 350 * time.Millisecond
	minIBI          = 300 * time.Millisecond
	maxIBI          = 2000 * time.Millisecond
	ibiCapacity     = 7
	minIBIsForRate  = 3
	directHRSilence = 3 * time.Second
	minDerivedBPM   = 30
	maxDerivedBPM   = 180
)

// Estimator derives heart rate from the raw PPG stream. It tracks a slowly
// adapting min/max envelope, normalises and smooths each sample, and
// declares a beat on a rising edge outside the refractory period. Derived
// rates are only offered while the ring's own heart rate reports have been
// silent for a while.
//
// Estimator is not safe for concurrent use.
type Estimator struct {
	min, max   float64
	smooth     float64
	lastPeak   time.Time
	lastDirect time.Time
	ibis       []time.Duration
}

// NewEstimator returns an Estimator in its reset state.
func NewEstimator() *Estimator {
	e := &Estimator{}
	e.Reset()
	return e
}

// Reset discards all signal history.
func (e *Estimator) Reset() {
	e.min = 1e9
	e.max = -1e9
	e.smooth = 0
	e.lastPeak = time.Time{}
	e.lastDirect = time.Time{}
	e.ibis = e.ibis[:0]
}

// MarkDirect records that the ring reported a valid heart rate at now.
func (e *Estimator) MarkDirect(now time.Time) {
	e.lastDirect = now
}

// IBIs returns a copy of the accepted inter-beat intervals, oldest first.
func (e *Estimator) IBIs() []time.Duration {
	return append([]time.Duration(nil), e.ibis...)
}

// AddSample feeds one PPG sample taken at now. It returns a derived heart
// rate when a beat was detected, enough intervals have been collected and
// direct readings are stale.
func (e *Estimator) AddSample(v float64, now time.Time) (bpm int, ok bool) {
	e.min = math.Min(e.min*envelopeDecay+v*(1-envelopeDecay), v)
	e.max = math.Max(e.max*envelopeDecay+v*(1-envelopeDecay), v)
	norm := (v - e.min) / math.Max(1, e.max-e.min)

	prev := e.smooth
	e.smooth += smoothAlpha * (norm - e.smooth)
	if e.smooth-prev <= riseThreshold {
		return 0, false
	}

	since := now.Sub(e.lastPeak)
	if since <= beatRefractory {
		return 0, false
	}
	e.lastPeak = now
	if since >= minIBI && since <= maxIBI {
		if len(e.ibis) == ibiCapacity {
			e.ibis = append(e.ibis[:0], e.ibis[1:]...)
		}
		e.ibis = append(e.ibis, since)
	}

	if now.Sub(e.lastDirect) <= directHRSilence || len(e.ibis) < minIBIsForRate {
		return 0, false
	}
	ms := make([]float64, len(e.ibis))
	for i, d := range e.ibis {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	bpm = int(math.Round(60000 / Median(ms)))
	bpm = min(max(bpm, minDerivedBPM), maxDerivedBPM)
	if !ValidBPM(bpm) {
		return 0, false
	}
	return bpm, true
}
