package engine

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsebed/internal/library"
	"github.com/banshee-data/pulsebed/internal/mixgraph"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// scripted is a Random returning fixed sequences.
type scripted struct {
	mu     sync.Mutex
	floats []float64
	ints   []int
	fi, ii int
}

func (s *scripted) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.floats) == 0 {
		return 0.5
	}
	v := s.floats[s.fi%len(s.floats)]
	s.fi++
	return v
}

func (s *scripted) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ints) == 0 {
		return 0
	}
	v := s.ints[s.ii%len(s.ints)] % n
	s.ii++
	return v
}

type narration struct {
	mu    sync.Mutex
	lines []string
}

func (n *narration) add(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, s)
}

func (n *narration) count(prefix string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, l := range n.lines {
		if strings.HasPrefix(l, prefix) {
			c++
		}
	}
	return c
}

func (n *narration) last(prefix string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(n.lines[i], prefix) {
			return n.lines[i]
		}
	}
	return ""
}

type harness struct {
	engine *Engine
	clock  *timeutil.MockClock
	mixer  *mixgraph.Mixer
	lib    *library.Library
	rand   *scripted
	said   *narration
}

func newHarness(t *testing.T, tracks int) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	mixer := mixgraph.NewMixer(clock, 8000)
	var list []*library.Track
	for i := 0; i < tracks; i++ {
		list = append(list, library.ToneTrack(trackName(i), 8000, 20, 220*float64(i+1)))
	}
	lib := library.New(list...)
	h := &harness{
		clock: clock,
		mixer: mixer,
		lib:   lib,
		rand:  &scripted{},
		said:  &narration{},
	}
	h.engine = New(mixer, lib, Options{Clock: clock, Rand: h.rand, Narrate: h.said.add})
	return h
}

func trackName(i int) string { return string(rune('a'+i)) + ".wav" }

func TestSegmentDuration_MonotonicInSpace(t *testing.T) {
	for _, hr := range []float64{30, 60, 80, 110, 140, 200} {
		for _, minSeg := range []float64{0.05, 0.8, 5, 20} {
			prev := time.Duration(math.MaxInt64)
			for i := 0; i <= 20; i++ {
				space := float64(i) / 20
				d := segmentDuration(hr, space, minSeg)
				assert.GreaterOrEqual(t, d, seconds(minSeg), "hr=%v min=%v space=%v", hr, minSeg, space)
				assert.LessOrEqual(t, d, prev, "hr=%v min=%v space=%v", hr, minSeg, space)
				prev = d
			}
		}
	}
}

func TestSegmentDuration_Values(t *testing.T) {
	tests := []struct {
		hr, space, min float64
		want           float64
	}{
		{50, 0, 0.8, 18},
		{140, 0, 0.8, 6},
		{80, 0.2, 0.8, 14 * 0.87},
		{140, 1, 0.8, 6 * 0.35},
		{140, 1, 5, 5},
		{140, 0, 10, 10},
	}
	for _, tt := range tests {
		got := segmentDuration(tt.hr, tt.space, tt.min).Seconds()
		assert.InDelta(t, tt.want, got, 1e-6, "hr=%v space=%v min=%v", tt.hr, tt.space, tt.min)
	}
}

func TestSpaceGap(t *testing.T) {
	for _, space := range []float64{0, 0.1, 0.2, 0.249} {
		for _, jitter := range []float64{0, 0.5, 0.99} {
			assert.Zero(t, spaceGap(space, 0.3, jitter))
		}
	}

	for _, act := range []float64{0, 0.4, 1} {
		for _, jitter := range []float64{0, 0.5, 0.99} {
			unscaled := (3 + 32*(0.7+jitter*0.6)) * (0.7 + (1-act)*0.9)
			assert.InDelta(t, 2.5*unscaled, spaceGap(1, act, jitter).Seconds(), 1e-6)
		}
	}

	at89 := spaceGap(0.89, 0.2, 0.5).Seconds()
	base := (0.89 - 0.25) / 0.75
	assert.InDelta(t, (3+base*32*1.0)*(0.7+0.8*0.9), at89, 1e-6, "no stretch below 90%")

	assert.InDelta(t, 3*(0.7+0.9), spaceGap(0.25, 0, 0).Seconds(), 1e-6)
}

func TestActivityAndRate(t *testing.T) {
	tests := []struct {
		hr, motion float64
		act, rate  float64
	}{
		{50, 0, 0, 0.85},
		{140, 0, 0.6, 1.15},
		{95, 0.5, 0.3 + 0.2, 1.0},
		{200, 5, 1, 1.15},
		{20, -1, 0, 0.85},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.act, activity(tt.hr, tt.motion), 1e-9, "activity(%v, %v)", tt.hr, tt.motion)
		assert.InDelta(t, tt.rate, playbackRate(tt.hr), 1e-9, "rate(%v)", tt.hr)
	}
}

func TestLayerTarget(t *testing.T) {
	tests := []struct {
		hr, motion, space float64
		want              int
	}{
		{80, 0, 0, 0},
		{101, 0, 0, 1},
		{101, 0.3, 0, 2},
		{130, 0.3, 0, 3},
		{80, 0.7, 0, 2},
		{130, 0.7, 0, 3},
		{130, 0.7, 0.5, 0},
		{130, 0.7, 0.2, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, layerTarget(tt.hr, tt.motion, tt.space), "%+v", tt)
	}
}

func TestScrubStep(t *testing.T) {
	_, ok := scrubStep(0.05)
	assert.False(t, ok)
	_, ok = scrubStep(0.09)
	assert.False(t, ok)

	step, ok := scrubStep(1.0)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, step)

	step, ok = scrubStep(0.2)
	require.True(t, ok)
	assert.InDelta(t, 0.3+2.7*(0.15/0.95), step.Seconds(), 1e-6)
}

func TestLayerDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, layerDuration(0.8, 0))
	assert.Equal(t, 5*time.Second, layerDuration(0.8, 0.5))
	assert.Equal(t, 6*time.Second, layerDuration(6, 0))
	assert.Equal(t, 8*time.Second, layerDuration(12, 0.5))
}

func TestStart_EmptyLibrary(t *testing.T) {
	h := newHarness(t, 0)
	err := h.engine.Start()
	require.ErrorIs(t, err, ErrNoTracks)
	assert.Equal(t, StateIdle, h.engine.State())
	assert.Zero(t, h.mixer.Bus().ValueAt(epoch.Add(5*time.Second)))
	assert.Zero(t, h.clock.Pending())
}

func TestStart_FadesInAndSchedulesBed(t *testing.T) {
	h := newHarness(t, 3)
	require.NoError(t, h.engine.Start())
	assert.Equal(t, StatePlaying, h.engine.State())

	bus := h.mixer.Bus()
	assert.InDelta(t, 0.5, bus.ValueAt(epoch.Add(900*time.Millisecond)), 1e-9)
	assert.InDelta(t, 1, bus.ValueAt(epoch.Add(1800*time.Millisecond)), 1e-9)

	st := h.engine.Status()
	require.NotNil(t, st.Bed)
	assert.Equal(t, "a.wav", st.Bed.Track)
	assert.Equal(t, 9500*time.Millisecond, st.Bed.Offset)
	dur := 14 * 0.87
	assert.InDelta(t, dur, st.Bed.End.Sub(epoch).Seconds(), 1e-6)
	assert.InDelta(t, 0.95, st.Bed.Rate, 1e-9)
	require.NotNil(t, st.NextRoundAt)
	assert.Equal(t, st.Bed.End, *st.NextRoundAt, "no gap below a quarter space")

	voices := h.mixer.Voices(epoch)
	require.Len(t, voices, 1)
	gain := voices[0].Gain()
	assert.InDelta(t, 0.45, gain.ValueAt(epoch.Add(1500*time.Millisecond)), 1e-9)
	assert.InDelta(t, 0.45, gain.ValueAt(st.Bed.End.Add(-1500*time.Millisecond)), 1e-9)
	assert.InDelta(t, 0, gain.ValueAt(st.Bed.End), 1e-9)

	assert.True(t, strings.HasPrefix(h.said.last("Bed"), `Bed "a.wav" @ 0.95x from 10s for 121`), h.said.last("Bed"))
}

func TestRounds_FollowEachOther(t *testing.T) {
	h := newHarness(t, 3)
	h.rand.ints = []int{0, 1, 2}
	require.NoError(t, h.engine.Start())
	first := h.engine.Status().Bed
	require.NotNil(t, first)

	h.clock.Advance(first.End.Sub(epoch))
	second := h.engine.Status().Bed
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "b.wav", second.Track)
	assert.Equal(t, 2, h.said.count("Bed "))
}

func TestRound_RestsWhenSpaciousAndCalm(t *testing.T) {
	h := newHarness(t, 2)
	h.engine.SetSpace(0.9)
	require.NoError(t, h.engine.Start())

	st := h.engine.Status()
	assert.Nil(t, st.Bed)
	require.NotNil(t, st.NextRoundAt)
	assert.Equal(t, 0, h.said.count("Bed "))

	gap := spaceGap(0.9, activity(80, 0), 0.5)
	assert.Equal(t, epoch.Add(gap), *st.NextRoundAt)
	assert.Equal(t, fmt.Sprintf("Space 90%%: pausing ~%ds (activity 0.20)", int(math.Round(gap.Seconds()))), h.said.last("Space"))

	// Arousal high enough to play through the space.
	h.engine.UpdateHeartRate(140)
	h.engine.UpdateMotion(1)
	h.clock.Advance(gap)
	assert.NotNil(t, h.engine.Status().Bed)
}

func TestStop_IsIdempotentAndSilencesEverything(t *testing.T) {
	h := newHarness(t, 3)
	h.engine.UpdateHeartRate(130)
	h.engine.UpdateMotion(0.7)
	h.engine.SetSpace(0)
	require.NoError(t, h.engine.Start())
	h.clock.Advance(3 * time.Second)
	require.Greater(t, h.mixer.Active(h.clock.Now()), 1)

	h.engine.Stop()
	h.engine.Stop()
	assert.Equal(t, StateStopping, h.engine.State())
	stopAt := h.clock.Now()
	assert.InDelta(t, 0, h.mixer.Bus().ValueAt(stopAt.Add(2*time.Second)), 1e-9)

	h.clock.Advance(stopGrace)
	assert.Equal(t, StateIdle, h.engine.State())
	assert.Zero(t, h.mixer.Active(h.clock.Now()))
	assert.Zero(t, h.clock.Pending())

	st := h.engine.Status()
	assert.Nil(t, st.Bed)
	assert.Empty(t, st.Layers)
	assert.Nil(t, st.NextRoundAt)

	bedsBefore := h.said.count("Bed ")
	h.clock.Advance(time.Minute)
	assert.Equal(t, bedsBefore, h.said.count("Bed "), "no rounds after stop")

	h.engine.Stop()
	assert.Equal(t, StateIdle, h.engine.State())
}

func TestStop_ClearsExploreLock(t *testing.T) {
	h := newHarness(t, 2)
	h.engine.SetExplore(true)
	require.NoError(t, h.engine.Start())
	_, _, ok := h.engine.ExploreLock()
	require.True(t, ok)

	h.engine.Stop()
	_, _, ok = h.engine.ExploreLock()
	assert.False(t, ok)
}

func TestStart_WhilePlayingIsNoop(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.engine.Start())
	bed := h.engine.Status().Bed

	require.NoError(t, h.engine.Start())
	assert.Equal(t, bed.ID, h.engine.Status().Bed.ID)
	assert.Equal(t, 1, h.said.count("Bed "))
}

func TestStart_WhileStoppingRestarts(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.engine.Start())
	h.clock.Advance(3 * time.Second)
	h.engine.Stop()
	h.clock.Advance(time.Second)

	require.NoError(t, h.engine.Start())
	assert.Equal(t, StatePlaying, h.engine.State())
	now := h.clock.Now()
	assert.Equal(t, 1, h.mixer.Active(now))
	assert.InDelta(t, 1, h.mixer.Bus().ValueAt(now.Add(startRamp)), 1e-9)

	// The old halt timer must not fire into the new session.
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, StatePlaying, h.engine.State())
}

func TestExplore_LockHoldsUntilExpiry(t *testing.T) {
	h := newHarness(t, 4)
	h.rand.ints = []int{0, 1, 2, 3}
	h.engine.settings.Explore = true
	tracks := h.lib.Tracks()

	first := h.engine.pickTrackLocked(epoch, tracks)
	_, until, ok := h.engine.ExploreLock()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(45*time.Second), until)

	for _, at := range []time.Duration{0, 10 * time.Second, 44 * time.Second} {
		assert.Same(t, first, h.engine.pickTrackLocked(epoch.Add(at), tracks), "at %v", at)
	}

	next := h.engine.pickTrackLocked(epoch.Add(45*time.Second), tracks)
	assert.NotSame(t, first, next)
	h.engine.mu.Lock()
	h.engine.unlock()
	assert.Equal(t, 2, h.said.count("Exploring"))
}

func TestExplore_LockDroppedWhenTrackLeavesLibrary(t *testing.T) {
	h := newHarness(t, 2)
	h.rand.ints = []int{0, 0}
	h.engine.settings.Explore = true
	first := h.engine.pickTrackLocked(epoch, h.lib.Tracks())

	replacement := []*library.Track{library.ToneTrack("z.wav", 8000, 5, 330)}
	got := h.engine.pickTrackLocked(epoch.Add(time.Second), replacement)
	assert.NotSame(t, first, got)
	assert.Equal(t, "z.wav", got.Name)
}

func TestExplore_Toggle(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.engine.Start())
	bed := h.engine.Status().Bed

	h.engine.SetExplore(true)
	track, until, ok := h.engine.ExploreLock()
	require.True(t, ok)
	assert.Equal(t, bed.Track, track)
	assert.Equal(t, epoch.Add(45*time.Second), until)
	assert.Equal(t, 1, h.said.count("Explore mode on"))

	h.engine.SetExplore(false)
	_, _, ok = h.engine.ExploreLock()
	assert.False(t, ok)
	assert.Equal(t, 1, h.said.count("Explore mode off"))
}

func TestLayers_AddedWithArousal(t *testing.T) {
	h := newHarness(t, 3)
	h.engine.SetSpace(0)
	h.engine.UpdateHeartRate(130)
	h.engine.UpdateMotion(0.7)
	require.NoError(t, h.engine.Start())

	h.clock.Advance(tickInterval)
	st := h.engine.Status()
	require.Len(t, st.Layers, 3)
	assert.Equal(t, 3, h.said.count("Layer + "))
	assert.Equal(t, `Layer + "a.wav" for 5000ms`, h.said.last("Layer"))

	// Layers expire after their 5 s and are topped back up.
	h.clock.Advance(5 * time.Second)
	assert.Len(t, h.engine.Status().Layers, 3)
	assert.Equal(t, 6, h.said.count("Layer + "))
}

func TestLayers_SkippedAtHighSpace(t *testing.T) {
	h := newHarness(t, 3)
	h.rand.floats = []float64{0.5}
	h.engine.SetSpace(0.6)
	h.engine.UpdateHeartRate(140)
	h.engine.UpdateMotion(3)
	require.NoError(t, h.engine.Start())

	// Target is floor(3 * 0.16) = 0 at 60% space.
	h.clock.Advance(10 * time.Second)
	assert.Zero(t, h.said.count("Layer + "))
}

func TestLayers_NoneWhenCalm(t *testing.T) {
	h := newHarness(t, 3)
	h.engine.SetSpace(0)
	require.NoError(t, h.engine.Start())
	h.clock.Advance(10 * time.Second)
	assert.Zero(t, h.said.count("Layer + "))
}

func TestScrub_CrossfadesForward(t *testing.T) {
	h := newHarness(t, 1)
	h.engine.UpdateMotion(1)
	require.NoError(t, h.engine.Start())
	before := h.engine.Status().Bed
	require.NotNil(t, before)

	h.clock.Advance(tickInterval)
	after := h.engine.Status().Bed
	require.NotNil(t, after)
	assert.Equal(t, before.ID, after.ID, "scrub keeps the segment")
	assert.Equal(t, before.Offset+3*time.Second, after.Offset)
	assert.Equal(t, before.End, after.End)
	assert.Equal(t, "Motion 1.00g: scrub +3000ms", h.said.last("Motion"))

	now := h.clock.Now()
	voices := h.mixer.Voices(now)
	require.GreaterOrEqual(t, len(voices), 2)
	var fresh mixgraph.Voice
	for _, v := range voices {
		if v.Offset() == after.Offset {
			fresh = v
		}
	}
	require.NotNil(t, fresh)
	assert.InDelta(t, 1, fresh.Gain().ValueAt(now.Add(scrubCrossfade)), 1e-9)
	assert.InDelta(t, 0, fresh.Gain().ValueAt(after.End), 1e-9)

	// Rate limited to one scrub per 500 ms and one message per second.
	h.clock.Advance(tickInterval)
	assert.Equal(t, after.Offset, h.engine.Status().Bed.Offset)
	h.clock.Advance(tickInterval)
	assert.Equal(t, after.Offset+3*time.Second, h.engine.Status().Bed.Offset)
	assert.Equal(t, 1, h.said.count("Motion"))
}

func TestScrub_ClampsAtTrackEnd(t *testing.T) {
	h := newHarness(t, 1)
	h.rand.floats = []float64{0.99}
	h.engine.UpdateMotion(1)
	require.NoError(t, h.engine.Start())

	h.clock.Advance(tickInterval)
	bed := h.engine.Status().Bed
	require.NotNil(t, bed)
	assert.Equal(t, 20*time.Second-scrubEndMargin, bed.Offset)
}

func TestScrub_IgnoresSmallMotion(t *testing.T) {
	h := newHarness(t, 1)
	h.engine.UpdateMotion(0.08)
	require.NoError(t, h.engine.Start())
	before := h.engine.Status().Bed.Offset
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, before, h.engine.Status().Bed.Offset)
	assert.Zero(t, h.said.count("Motion"))
}

func TestUpdateHeartRate_AdjustsPlayingVoices(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.engine.Start())

	h.engine.UpdateHeartRate(140)
	assert.InDelta(t, 1.15, h.engine.Status().Bed.Rate, 1e-9)
	assert.Equal(t, "Heart rate 140 bpm: playback 1.15x", h.said.last("Heart rate"))

	h.engine.UpdateHeartRate(141)
	assert.InDelta(t, 1.15, h.engine.Status().Bed.Rate, 1e-9)

	// 82 bpm is within 0.01 of the 80 bpm rate once back there.
	h.engine.UpdateHeartRate(0)
	assert.InDelta(t, 0.95, h.engine.Status().Bed.Rate, 1e-9)
	h.engine.UpdateHeartRate(82)
	assert.InDelta(t, 0.95, h.engine.Status().Bed.Rate, 1e-9)
	assert.InDelta(t, 82, h.engine.Status().HeartRate, 1e-9)
}

func TestSetVolume_RampsMaster(t *testing.T) {
	h := newHarness(t, 1)
	assert.InDelta(t, 0.8, h.mixer.Master().ValueAt(epoch), 1e-9)

	h.engine.SetVolume(0.4)
	master := h.mixer.Master()
	assert.InDelta(t, 0.6, master.ValueAt(epoch.Add(75*time.Millisecond)), 1e-9)
	assert.InDelta(t, 0.4, master.ValueAt(epoch.Add(volumeRamp)), 1e-9)

	h.engine.SetVolume(7)
	assert.Equal(t, 1.0, h.engine.Settings().Volume)
}

func TestSetters_Normalize(t *testing.T) {
	h := newHarness(t, 1)

	h.engine.SetMinSegment(0)
	assert.Equal(t, 0.5, h.engine.Settings().MinSegment)
	h.engine.SetMinSegment(0.01)
	assert.Equal(t, 0.05, h.engine.Settings().MinSegment)
	h.engine.SetMinSegment(2)
	assert.Equal(t, 2.0, h.engine.Settings().MinSegment)

	h.engine.SetSpace(-1)
	assert.Equal(t, 0.0, h.engine.Settings().Space)
	h.engine.SetSpace(1.5)
	assert.Equal(t, 1.0, h.engine.Settings().Space)

	h.engine.Apply(Settings{Space: 0.5, MinSegment: 1, Explore: true, Volume: 0.3})
	assert.Equal(t, Settings{Space: 0.5, MinSegment: 1, Explore: true, Volume: 0.3}, h.engine.Settings())
}

func TestNew_AppliesInitialSettings(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	mixer := mixgraph.NewMixer(clock, 8000)
	e := New(mixer, library.New(), Options{Clock: clock, Settings: &Settings{Space: 2, Volume: 0.25}})
	assert.Equal(t, Settings{Space: 1, MinSegment: 0.5, Volume: 0.25}, e.Settings())
	assert.InDelta(t, 0.25, mixer.Master().ValueAt(epoch), 1e-9)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "playing", StatePlaying.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestStartStop_BusCommands(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	rec := mixgraph.NewRecorder(mixgraph.NewMixer(clock, 8000), 0)
	lib := library.New(library.ToneTrack("a.wav", 8000, 20, 220))
	e := New(rec, lib, Options{Clock: clock, Rand: &scripted{}})

	require.NoError(t, e.Start())
	clock.Advance(5 * time.Second)
	e.Stop()
	stopAt := clock.Now()
	clock.Advance(stopGrace)

	var bus []mixgraph.Command
	var stops []mixgraph.Command
	for _, c := range rec.Commands() {
		switch {
		case c.Target == "bus":
			bus = append(bus, c)
		case c.Op == "stop":
			stops = append(stops, c)
		}
	}
	assert.Equal(t, []mixgraph.Command{
		{Target: "bus", Op: "hold", At: epoch},
		{Target: "bus", Op: "ramp", Value: 1, At: epoch.Add(startRamp)},
		{Target: "bus", Op: "hold", At: stopAt},
		{Target: "bus", Op: "ramp", Value: 0, At: stopAt.Add(stopRamp)},
	}, bus)
	require.NotEmpty(t, stops)
	last := stops[len(stops)-1]
	assert.Equal(t, stopAt.Add(stopGrace), last.At, "the bed is halted once the fade grace has passed")
}
