// Package state folds telemetry events into the current physiological
// state: a windowed heart rate, smoothed motion, worn flag and battery.
package state

import (
	"sync"
	"time"

	"github.com/banshee-data/pulsebed/internal/telemetry"
	"github.com/banshee-data/pulsebed/internal/timeutil"
	"github.com/banshee-data/pulsebed/internal/vitals"
)

// Snapshot is a point-in-time copy of the aggregated state.
type Snapshot struct {
	HeartRate    int       `json:"heart_rate"`
	HeartRateSet bool      `json:"heart_rate_known"`
	Derived      bool      `json:"derived"`
	Stale        bool      `json:"stale"`
	SpreadMean   float64   `json:"spread_mean"`
	SpreadSD     float64   `json:"spread_sd"`
	LastHRAt     time.Time `json:"last_hr_at,omitempty"`
	Motion       float64   `json:"motion"`
	Worn         *bool     `json:"worn,omitempty"`
	Battery      *int      `json:"battery,omitempty"`
}

// Listener receives aggregated updates. HeartRate is called with the
// window median after every accepted reading, Motion with the smoothed
// value after every accelerometer report.
type Listener interface {
	HeartRate(bpm int)
	Motion(g float64)
}

// Options configure an Aggregator. Zero values select defaults.
type Options struct {
	Window      time.Duration
	StaleAfter  time.Duration
	MotionAlpha float64
}

// Aggregator subscribes to a dispatcher and maintains the latest state.
type Aggregator struct {
	clock timeutil.Clock

	mu        sync.Mutex
	window    *vitals.HRWindow
	motion    *vitals.MotionFilter
	derived   bool
	worn      *bool
	battery   *int
	listeners []Listener
}

// New returns an Aggregator. Call Attach to start receiving events.
func New(clock timeutil.Clock, opts Options) *Aggregator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Aggregator{
		clock:  clock,
		window: vitals.NewHRWindow(opts.Window, opts.StaleAfter),
		motion: vitals.NewMotionFilter(opts.MotionAlpha),
	}
}

// AddListener registers l for aggregated updates.
func (a *Aggregator) AddListener(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Attach subscribes the aggregator to every event kind on d and returns a
// function that detaches it.
func (a *Aggregator) Attach(d *telemetry.Dispatcher) (detach func()) {
	return d.SubscribeAll(a.Handle)
}

// Handle folds a single event into the state.
func (a *Aggregator) Handle(e telemetry.Event) {
	switch ev := e.(type) {
	case telemetry.HeartRate:
		a.mu.Lock()
		bpm, ok := a.window.Add(ev.BPM, a.clock.Now())
		if ok {
			a.derived = ev.Derived
		}
		listeners := a.listeners
		a.mu.Unlock()
		if ok {
			for _, l := range listeners {
				l.HeartRate(bpm)
			}
		}

	case telemetry.Motion:
		a.mu.Lock()
		g := a.motion.Add(ev.G)
		listeners := a.listeners
		a.mu.Unlock()
		for _, l := range listeners {
			l.Motion(g)
		}

	case telemetry.Worn:
		a.mu.Lock()
		worn := ev.Worn
		a.worn = &worn
		a.mu.Unlock()

	case telemetry.Battery:
		a.mu.Lock()
		pct := ev.Percent
		a.battery = &pct
		a.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	bpm, known := a.window.Current()
	mean, sd := a.window.Spread()
	s := Snapshot{
		HeartRate:    bpm,
		HeartRateSet: known,
		Derived:      a.derived,
		Stale:        a.window.Stale(a.clock.Now()),
		SpreadMean:   mean,
		SpreadSD:     sd,
		LastHRAt:     a.window.LastSampleAt(),
		Motion:       a.motion.Value(),
	}
	if a.worn != nil {
		w := *a.worn
		s.Worn = &w
	}
	if a.battery != nil {
		b := *a.battery
		s.Battery = &b
	}
	return s
}

// Reset clears the heart rate window and motion filter. Worn state and
// battery are kept until the next report.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window.Reset()
	a.motion.Reset()
	a.derived = false
}
