// Package vitals turns raw ring samples into heart rate and motion
// estimates: a PPG beat detector, a sliding heart-rate window and a motion
// smoothing filter.
package vitals

import (
	"math"
	"sort"
)

// Median returns the median of xs without modifying it. An even count
// averages the two middle values. It returns NaN for an empty input.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// ValidBPM reports whether bpm is a plausible human heart rate.
func ValidBPM(bpm int) bool {
	return bpm >= MinValidBPM && bpm <= MaxValidBPM
}

// Heart rate bounds applied to every reading, direct or derived.
const (
	MinValidBPM = 25
	MaxValidBPM = 220
)
