package engine

import (
	"math"
	"time"
)

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Min(1, math.Max(0, x))
}

// hrNorm maps 50..140 bpm onto 0..1.
func hrNorm(hr float64) float64 {
	return clamp01((hr - 50) / 90)
}

// activity blends heart rate and motion into a 0..1 arousal estimate.
func activity(hr, motion float64) float64 {
	return 0.6*hrNorm(hr) + 0.4*clamp01(motion/1.0)
}

// playbackRate maps heart rate onto 0.85x..1.15x.
func playbackRate(hr float64) float64 {
	return 0.85 + hrNorm(hr)*0.30
}

// shouldRest reports whether a bed round is skipped: only when space is
// above one half and activity is below a threshold that falls with space.
func shouldRest(space, act float64) bool {
	return space > 0.5 && act < 0.35+0.5*(1-space)
}

// segmentDuration returns the bed length: 6..18 s, longer at lower heart
// rate, shortened by space, never below minSegment.
func segmentDuration(hr, space, minSegment float64) time.Duration {
	t := 1 - hrNorm(hr)
	base := math.Max(minSegment, 6+12*t)
	secs := math.Max(minSegment, base*(1-0.65*space))
	return seconds(secs)
}

// spaceGap returns the silence after a bed or the length of a rest. It is
// zero below a quarter space, roughly 3..35 s above, stretched when
// activity is low and by 2.5 at 90% space and above. jitter is uniform in
// [0, 1).
func spaceGap(space, act, jitter float64) time.Duration {
	if space < 0.25 {
		return 0
	}
	base := (space - 0.25) / 0.75
	gap := 3 + base*32*(0.7+jitter*0.6)
	gap *= 0.7 + (1-act)*0.9
	if space >= 0.9 {
		gap *= 2.5
	}
	return seconds(gap)
}

// exploreHold returns how long explore mode stays on one track: 20..70 s.
func exploreHold(jitter float64) time.Duration {
	return seconds(20 + jitter*50)
}

// layerTarget returns how many overlay layers the current arousal asks for.
func layerTarget(hr, motion, space float64) int {
	strength := 0
	if hr > 100 {
		strength++
	}
	if motion > 0.2 {
		strength++
	}
	if hr > 120 || motion > 0.6 {
		strength++
	}
	density := 1 - space
	n := int(math.Floor(float64(strength) * density * density))
	return min(max(n, 0), maxLayers)
}

// layerDuration returns a layer length of 3..7 s, clamped to
// [minSegment, 8].
func layerDuration(minSegment, jitter float64) time.Duration {
	return seconds(math.Min(8, math.Max(minSegment, 3+jitter*4)))
}

// scrubStep returns the forward jump for a motion level, or false when the
// motion is too small to scrub.
func scrubStep(motion float64) (time.Duration, bool) {
	intensity := clamp01((motion - 0.05) / 0.95)
	if intensity <= 0.05 {
		return 0, false
	}
	return seconds(math.Min(3, math.Max(0.3, 0.3+2.7*intensity))), true
}

// randomOffset picks a start point leaving at least a second of track.
func randomOffset(trackSeconds, jitter float64) time.Duration {
	return seconds(jitter * math.Max(0, trackSeconds-1))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
