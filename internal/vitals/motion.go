package vitals

import "math"

const (
	// DefaultMotionAlpha is the EWMA weight given to each new sample.
	DefaultMotionAlpha = 0.2

	motionDeadband = 0.05
	motionCeiling  = 3.0
)

// MotionFilter smooths accelerometer magnitudes (in g) into a bounded
// activity level. Readings below the deadband, negative or non-finite
// readings count as no motion.
type MotionFilter struct {
	alpha float64
	ewma  float64
}

// NewMotionFilter returns a filter with the given smoothing weight. Values
// outside (0, 1] select DefaultMotionAlpha.
func NewMotionFilter(alpha float64) *MotionFilter {
	if !(alpha > 0 && alpha <= 1) {
		alpha = DefaultMotionAlpha
	}
	return &MotionFilter{alpha: alpha}
}

// Add folds g into the average and returns the smoothed value, which is
// always within [0, 3]. While the average is zero the next reading seeds it.
func (f *MotionFilter) Add(g float64) float64 {
	m := g
	if math.IsNaN(m) || math.IsInf(m, 0) || m < motionDeadband {
		m = 0
	}
	m = math.Min(m, motionCeiling)

	if f.ewma == 0 {
		f.ewma = m
	} else {
		f.ewma = f.ewma*(1-f.alpha) + m*f.alpha
	}
	return f.Value()
}

// Value returns the current smoothed motion.
func (f *MotionFilter) Value() float64 {
	return math.Min(motionCeiling, f.ewma)
}

// Reset clears the average.
func (f *MotionFilter) Reset() {
	f.ewma = 0
}
