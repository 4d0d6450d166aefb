package engine

import (
	"math"
	"time"
)

// Settings are the user-facing controls.
type Settings struct {
	// Space is the amount of silence, 0..1.
	Space float64 `json:"space"`
	// MinSegment is the shortest bed or layer length in seconds.
	MinSegment float64 `json:"min_segment"`
	// Explore holds one track for 20..70 s windows.
	Explore bool `json:"explore"`
	// Volume is the master volume, 0..1.
	Volume float64 `json:"volume"`
}

// DefaultSettings returns the settings a fresh engine starts with.
func DefaultSettings() Settings {
	return Settings{
		Space:      0.2,
		MinSegment: 0.8,
		Volume:     0.8,
	}
}

func (s Settings) normalized() Settings {
	s.Space = clamp01(s.Space)
	s.MinSegment = normalizeMinSegment(s.MinSegment)
	s.Volume = clamp01(s.Volume)
	return s
}

// MinSegmentFloor is the shortest segment length in seconds.
const MinSegmentFloor = 0.05

func normalizeMinSegment(v float64) float64 {
	if v == 0 || math.IsNaN(v) {
		v = 0.5
	}
	return math.Max(MinSegmentFloor, v)
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Apply updates every setting. Each takes effect at the next scheduling
// decision; explore and volume changes follow their individual setters.
func (e *Engine) Apply(s Settings) {
	s = s.normalized()
	e.SetSpace(s.Space)
	e.SetMinSegment(s.MinSegment)
	if s.Explore != e.Settings().Explore {
		e.SetExplore(s.Explore)
	}
	e.SetVolume(s.Volume)
}

// SetSpace sets the silence amount, clamped to [0, 1].
func (e *Engine) SetSpace(v float64) {
	e.mu.Lock()
	defer e.unlock()
	e.settings.Space = clamp01(v)
}

// SetMinSegment sets the minimum segment length in seconds. Zero selects
// 0.5 s and nothing below 0.05 s is accepted.
func (e *Engine) SetMinSegment(v float64) {
	e.mu.Lock()
	defer e.unlock()
	e.settings.MinSegment = normalizeMinSegment(v)
}

// SetExplore turns explore mode on or off. Turning it off releases the
// lock; turning it on while a bed plays locks to that bed's track.
func (e *Engine) SetExplore(on bool) {
	e.mu.Lock()
	defer e.unlock()

	e.settings.Explore = on
	if !on {
		e.lock = exploreLock{}
		e.say("Explore mode off")
		return
	}
	if e.current != nil {
		now := e.clock.Now()
		e.lock = exploreLock{track: e.current.track, until: now.Add(exploreHold(e.rand.Float64()))}
	}
	e.say("Explore mode on: focusing on one track for longer windows")
}

// SetVolume ramps the master volume to v, clamped to [0, 1], over 150 ms.
func (e *Engine) SetVolume(v float64) {
	e.mu.Lock()
	defer e.unlock()

	v = clamp01(v)
	e.settings.Volume = v
	now := e.clock.Now()
	master := e.graph.Master()
	master.CancelAndHold(now)
	master.LinearRampTo(v, now.Add(volumeRamp))
}

// ExploreLock returns the locked track name and when the lock expires.
func (e *Engine) ExploreLock() (track string, until time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lock.track == nil {
		return "", time.Time{}, false
	}
	return e.lock.track.Name, e.lock.until, true
}
