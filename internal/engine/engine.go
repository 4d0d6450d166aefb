// Package engine schedules generative playback from a track library,
// steered by heart rate and motion. A quiet bed segment plays at a time,
// with short overlay layers added as arousal rises; motion scrubs the bed
// forward and heart rate sets the playback rate.
package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/banshee-data/pulsebed/internal/library"
	"github.com/banshee-data/pulsebed/internal/mixgraph"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

// ErrNoTracks is returned by Start when the library is empty.
var ErrNoTracks = errors.New("no tracks loaded")

const (
	tickInterval     = 250 * time.Millisecond
	startRamp        = 1800 * time.Millisecond
	stopRamp         = 2 * time.Second
	stopGrace        = 2100 * time.Millisecond
	volumeRamp       = 150 * time.Millisecond
	bedFade          = 1500 * time.Millisecond
	bedGain          = 0.45
	layerGain        = 1.0
	maxLayers        = 3
	maxLayerSkip     = 0.985
	layerFadeMax     = 4 * time.Second
	scrubMinInterval = 500 * time.Millisecond
	scrubCrossfade   = 600 * time.Millisecond
	scrubStartDelay  = 5 * time.Millisecond
	scrubOldTail     = 10 * time.Millisecond
	scrubEndMargin   = 50 * time.Millisecond
	scrubNarrateGap  = time.Second
	noTrackRetry     = time.Second
	defaultHR        = 80
	rateEpsilon      = 0.01
)

// State is the engine's lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TrackSource supplies the tracks to schedule from.
type TrackSource interface {
	Tracks() []*library.Track
}

// Random is the randomness the scheduler draws on. *rand.Rand satisfies it.
type Random interface {
	Float64() float64
	IntN(n int) int
}

// Options configure an Engine. Zero values select defaults.
type Options struct {
	Clock    timeutil.Clock
	Rand     Random
	Narrate  func(string)
	Settings *Settings
}

type segment struct {
	id       string
	track    *library.Track
	voice    mixgraph.Voice
	offset   time.Duration
	start    time.Time
	end      time.Time
	endTimer timeutil.Timer
}

type layer struct {
	id       string
	track    *library.Track
	voice    mixgraph.Voice
	end      time.Time
	endTimer timeutil.Timer
}

type exploreLock struct {
	track *library.Track
	until time.Time
}

// Engine is the generative scheduler. All state changes happen under one
// mutex, from public calls and from its own timers alike.
type Engine struct {
	graph   mixgraph.Graph
	tracks  TrackSource
	clock   timeutil.Clock
	rand    Random
	narrate func(string)

	mu           sync.Mutex
	pending      []string
	state        State
	session      uint64
	settings     Settings
	hr           float64
	motion       float64
	current      *segment
	layers       []*layer
	lock         exploreLock
	nextTimer    timeutil.Timer
	nextAt       time.Time
	tick         *timeutil.Periodic
	haltTimer    timeutil.Timer
	lastScrub    time.Time
	lastScrubMsg time.Time
}

// New returns an idle Engine scheduling tracks onto graph.
func New(graph mixgraph.Graph, tracks TrackSource, opts Options) *Engine {
	e := &Engine{
		graph:    graph,
		tracks:   tracks,
		clock:    opts.Clock,
		rand:     opts.Rand,
		narrate:  opts.Narrate,
		settings: DefaultSettings(),
		hr:       defaultHR,
	}
	if e.clock == nil {
		e.clock = timeutil.RealClock{}
	}
	if e.rand == nil {
		e.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if e.narrate == nil {
		e.narrate = func(string) {}
	}
	if opts.Settings != nil {
		e.settings = opts.Settings.normalized()
	}
	graph.Master().SetValueAt(e.settings.Volume, e.clock.Now())
	return e
}

func (e *Engine) say(format string, args ...any) {
	e.pending = append(e.pending, fmt.Sprintf(format, args...))
}

// unlock releases the mutex and delivers narration queued while it was
// held, so narrators may call back into the engine.
func (e *Engine) unlock() {
	msgs := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, m := range msgs {
		e.narrate(m)
	}
}

// guarded wraps a timer callback so it only runs while the session that
// scheduled it is still playing.
func (e *Engine) guarded(session uint64, fn func(now time.Time)) func() {
	return func() {
		e.mu.Lock()
		defer e.unlock()
		if e.session != session || e.state != StatePlaying {
			return
		}
		fn(e.clock.Now())
	}
}

// Start begins a session: the bus fades in over 1.8 s, the first bed round
// runs immediately and the 250 ms tick starts. Starting while playing is a
// no-op; starting while stopping cuts the fade-out short.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.unlock()

	if len(e.tracks.Tracks()) == 0 {
		return ErrNoTracks
	}
	switch e.state {
	case StatePlaying:
		return nil
	case StateStopping:
		e.haltLocked()
	}

	now := e.clock.Now()
	e.session++
	e.state = StatePlaying
	e.lastScrub = time.Time{}
	e.lastScrubMsg = time.Time{}

	bus := e.graph.Bus()
	bus.CancelAndHold(now)
	bus.LinearRampTo(1, now.Add(startRamp))

	session := e.session
	e.roundLocked(now)
	e.tick = timeutil.Every(e.clock, tickInterval, e.guarded(session, e.tickLocked))
	return nil
}

// Stop fades the bus out over 2 s and, once the fade is done, halts every
// voice. Pending rounds and the tick are cancelled immediately and the
// explore lock is released. Stop is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.unlock()

	if e.state != StatePlaying {
		return
	}
	now := e.clock.Now()
	e.state = StateStopping
	e.cancelSchedulingLocked()
	e.lock = exploreLock{}

	bus := e.graph.Bus()
	bus.CancelAndHold(now)
	bus.LinearRampTo(0, now.Add(stopRamp))

	session := e.session
	e.haltTimer = e.clock.AfterFunc(stopGrace, func() {
		e.mu.Lock()
		defer e.unlock()
		if e.session == session && e.state == StateStopping {
			e.haltLocked()
		}
	})
}

func (e *Engine) cancelSchedulingLocked() {
	if e.nextTimer != nil {
		e.nextTimer.Stop()
		e.nextTimer = nil
	}
	e.nextAt = time.Time{}
	e.tick.Stop()
	e.tick = nil
}

// haltLocked silences every voice now and returns to idle.
func (e *Engine) haltLocked() {
	now := e.clock.Now()
	e.cancelSchedulingLocked()
	if e.haltTimer != nil {
		e.haltTimer.Stop()
		e.haltTimer = nil
	}
	if seg := e.current; seg != nil {
		seg.voice.Stop(now)
		if seg.endTimer != nil {
			seg.endTimer.Stop()
		}
		e.current = nil
	}
	for _, l := range e.layers {
		l.voice.Stop(now)
		if l.endTimer != nil {
			l.endTimer.Stop()
		}
	}
	e.layers = nil
	e.lock = exploreLock{}
	e.state = StateIdle
}

func (e *Engine) armNextLocked(d time.Duration) {
	if e.nextTimer != nil {
		e.nextTimer.Stop()
	}
	e.nextAt = e.clock.Now().Add(d)
	e.nextTimer = e.clock.AfterFunc(d, e.guarded(e.session, e.roundLocked))
}

// roundLocked runs one bed scheduling round: rest, or start a bed segment,
// then arm the next round.
func (e *Engine) roundLocked(now time.Time) {
	tracks := e.tracks.Tracks()
	if len(tracks) == 0 {
		e.armNextLocked(noTrackRetry)
		return
	}

	space := e.settings.Space
	act := activity(e.hr, e.motion)
	if shouldRest(space, act) {
		gap := spaceGap(space, act, e.rand.Float64())
		e.say("Space %d%%: pausing ~%ds (activity %.2f)", int(math.Round(space*100)), int(math.Round(gap.Seconds())), act)
		e.armNextLocked(gap)
		return
	}

	dur := segmentDuration(e.hr, space, e.settings.MinSegment)
	track := e.pickTrackLocked(now, tracks)
	offset := randomOffset(track.Seconds(), e.rand.Float64())
	rate := playbackRate(e.hr)
	end := now.Add(dur)
	fade := min(bedFade, dur/2)

	v := e.graph.NewVoice(track)
	v.SetRate(rate)
	g := v.Gain()
	g.SetValueAt(0, now)
	g.LinearRampTo(bedGain, now.Add(fade))
	g.SetValueAt(bedGain, end.Add(-fade))
	g.LinearRampTo(0, end)
	v.Start(now, offset)
	v.Stop(end)

	seg := &segment{
		id:     uuid.NewString(),
		track:  track,
		voice:  v,
		offset: offset,
		start:  now,
		end:    end,
	}
	seg.endTimer = e.clock.AfterFunc(dur, e.guarded(e.session, func(time.Time) {
		if e.current == seg {
			e.current = nil
		}
	}))
	e.current = seg
	e.say("Bed %q @ %.2fx from %ds for %dms", track.Name, rate, int(math.Round(offset.Seconds())), dur.Milliseconds())

	e.armNextLocked(dur + spaceGap(space, act, e.rand.Float64()))
}

// pickTrackLocked returns the explore-locked track while the lock holds,
// otherwise a uniformly random track, re-locking when explore is on.
func (e *Engine) pickTrackLocked(now time.Time, tracks []*library.Track) *library.Track {
	if e.settings.Explore && e.lock.track != nil && now.Before(e.lock.until) && lo.Contains(tracks, e.lock.track) {
		return e.lock.track
	}
	t := tracks[e.rand.IntN(len(tracks))]
	if e.settings.Explore {
		hold := exploreHold(e.rand.Float64())
		e.lock = exploreLock{track: t, until: now.Add(hold)}
		e.say("Exploring %q for ~%ds", t.Name, int(math.Round(hold.Seconds())))
	}
	return t
}

// tickLocked runs the 250 ms scrub and layer pass.
func (e *Engine) tickLocked(now time.Time) {
	e.scrubLocked(now)
	e.layersLocked(now)
}

func (e *Engine) scrubLocked(now time.Time) {
	seg := e.current
	if seg == nil {
		return
	}
	step, ok := scrubStep(e.motion)
	if !ok || now.Sub(e.lastScrub) < scrubMinInterval {
		return
	}
	if seg.end.Sub(now) <= scrubCrossfade {
		return
	}

	newOffset := min(seconds(seg.track.Seconds())-scrubEndMargin, seg.offset+step)
	newOffset = max(0, newOffset)

	old := seg.voice.Gain()
	old.CancelAndHold(now)
	old.LinearRampTo(0, now.Add(scrubCrossfade))
	seg.voice.Stop(now.Add(scrubCrossfade + scrubOldTail))

	v := e.graph.NewVoice(seg.track)
	v.SetRate(playbackRate(e.hr))
	g := v.Gain()
	g.SetValueAt(0, now)
	g.LinearRampTo(1, now.Add(scrubCrossfade))
	fade := min(bedFade, seg.end.Sub(now.Add(scrubCrossfade)))
	g.SetValueAt(1, seg.end.Add(-fade))
	g.LinearRampTo(0, seg.end)
	v.Start(now.Add(scrubStartDelay), newOffset)
	v.Stop(seg.end)

	seg.voice = v
	seg.offset = newOffset
	e.lastScrub = now

	if now.Sub(e.lastScrubMsg) > scrubNarrateGap {
		e.say("Motion %.2fg: scrub +%dms", e.motion, step.Milliseconds())
		e.lastScrubMsg = now
	}
}

func (e *Engine) layersLocked(now time.Time) {
	tracks := e.tracks.Tracks()
	if len(tracks) == 0 {
		return
	}
	space := e.settings.Space
	desired := layerTarget(e.hr, e.motion, space)
	if e.rand.Float64() < math.Min(maxLayerSkip, space) {
		return
	}
	for len(e.layers) < desired {
		t := tracks[e.rand.IntN(len(tracks))]
		offset := randomOffset(t.Seconds(), e.rand.Float64())
		dur := layerDuration(e.settings.MinSegment, e.rand.Float64())
		fade := min(layerFadeMax, time.Duration(float64(dur)*0.3))
		end := now.Add(dur)

		v := e.graph.NewVoice(t)
		v.SetRate(playbackRate(e.hr))
		g := v.Gain()
		g.SetValueAt(0, now)
		g.LinearRampTo(layerGain, now.Add(fade))
		g.SetValueAt(layerGain, end.Add(-fade))
		g.LinearRampTo(0, end)
		v.Start(now, offset)
		v.Stop(end)

		l := &layer{id: uuid.NewString(), track: t, voice: v, end: end}
		l.endTimer = e.clock.AfterFunc(dur, e.guarded(e.session, func(time.Time) {
			e.layers = lo.Without(e.layers, l)
		}))
		e.layers = append(e.layers, l)
		e.say("Layer + %q for %dms", t.Name, dur.Milliseconds())
	}
}

// UpdateHeartRate sets the heart rate steering the engine. Zero selects
// the 80 bpm default. Playing voices follow the new rate when it moves by
// more than 0.01.
func (e *Engine) UpdateHeartRate(bpm int) {
	e.mu.Lock()
	defer e.unlock()

	if bpm == 0 {
		bpm = defaultHR
	}
	e.hr = float64(bpm)
	rate := playbackRate(e.hr)
	apply := func(v mixgraph.Voice) {
		if math.Abs(v.Rate()-rate) > rateEpsilon {
			v.SetRate(rate)
		}
	}
	if e.current != nil {
		apply(e.current.voice)
	}
	for _, l := range e.layers {
		apply(l.voice)
	}
	e.say("Heart rate %d bpm: playback %.2fx", bpm, rate)
}

// UpdateMotion sets the smoothed motion level in g.
func (e *Engine) UpdateMotion(g float64) {
	e.mu.Lock()
	defer e.unlock()
	if math.IsNaN(g) || g < 0 {
		g = 0
	}
	e.motion = g
}

// HeartRate lets the engine listen to aggregated state updates.
func (e *Engine) HeartRate(bpm int) { e.UpdateHeartRate(bpm) }

// Motion lets the engine listen to aggregated state updates.
func (e *Engine) Motion(g float64) { e.UpdateMotion(g) }

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
