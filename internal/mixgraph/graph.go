// Package mixgraph is the audio graph the engine schedules against: a
// master volume, a session bus and any number of playback voices, each with
// sample-accurate gain automation and an adjustable playback rate.
package mixgraph

import (
	"errors"
	"time"

	"github.com/banshee-data/pulsebed/internal/library"
)

// ErrOutputUnavailable is returned by Open in builds without audio output.
var ErrOutputUnavailable = errors.New("audio output not available in this build (requires cgo)")

// Param is an automatable gain value. Times are absolute on the graph's
// clock.
type Param interface {
	// ValueAt returns the scheduled value at t.
	ValueAt(t time.Time) float64
	// SetValueAt jumps to v at t.
	SetValueAt(v float64, t time.Time)
	// LinearRampTo ramps linearly from the previous scheduled point to v,
	// arriving at t.
	LinearRampTo(v float64, t time.Time)
	// CancelScheduled drops every point at or after t.
	CancelScheduled(t time.Time)
	// CancelAndHold drops every point at or after t and pins the value
	// it had at t.
	CancelAndHold(t time.Time)
}

// Voice plays one track from a start offset.
type Voice interface {
	ID() string
	Track() *library.Track
	Gain() Param
	Rate() float64
	SetRate(r float64)
	// Start schedules playback at t beginning offset into the track.
	Start(t time.Time, offset time.Duration)
	// Stop schedules the voice to end at t.
	Stop(t time.Time)
	// Offset returns the start offset passed to Start.
	Offset() time.Duration
}

// Graph is the capability set the engine needs.
type Graph interface {
	// Master is the user volume.
	Master() Param
	// Bus is the session fade bus between the voices and the master.
	Bus() Param
	// NewVoice creates an unstarted voice bound to track.
	NewVoice(track *library.Track) Voice
	// Active counts voices that have not reached their stop time at t.
	Active(t time.Time) int
}
