package mixgraph

import (
	"math"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsebed/internal/library"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return epoch.Add(d) }

func TestAutomation_SetAndRamp(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	a := NewAutomation(0, clock.Now)

	a.SetValueAt(0, at(0))
	a.LinearRampTo(0.45, at(1500*time.Millisecond))
	a.SetValueAt(0.45, at(8500*time.Millisecond))
	a.LinearRampTo(0, at(10*time.Second))

	tests := []struct {
		t    time.Duration
		want float64
	}{
		{-time.Second, 0},
		{0, 0},
		{750 * time.Millisecond, 0.225},
		{1500 * time.Millisecond, 0.45},
		{5 * time.Second, 0.45},
		{8500 * time.Millisecond, 0.45},
		{9250 * time.Millisecond, 0.225},
		{10 * time.Second, 0},
		{time.Minute, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, a.ValueAt(at(tt.t)), 1e-9, "at %v", tt.t)
	}
}

func TestAutomation_RampWithoutAnchorHolds(t *testing.T) {
	a := NewAutomation(0.3, func() time.Time { return epoch })
	a.LinearRampTo(1, at(time.Second))
	assert.InDelta(t, 0.3, a.ValueAt(at(500*time.Millisecond)), 1e-9)
	assert.InDelta(t, 1, a.ValueAt(at(time.Second)), 1e-9)
}

func TestAutomation_CancelAndHold(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	a := NewAutomation(0, clock.Now)
	a.SetValueAt(0, at(0))
	a.LinearRampTo(1, at(2*time.Second))

	a.CancelAndHold(at(time.Second))
	assert.InDelta(t, 0.5, a.ValueAt(at(time.Second)), 1e-9)
	assert.InDelta(t, 0.5, a.ValueAt(at(10*time.Second)), 1e-9)

	a.LinearRampTo(0, at(1600*time.Millisecond))
	assert.InDelta(t, 0.25, a.ValueAt(at(1300*time.Millisecond)), 1e-9)
}

func TestAutomation_CancelScheduled(t *testing.T) {
	a := NewAutomation(0, func() time.Time { return epoch })
	a.SetValueAt(1, at(time.Second))
	a.SetValueAt(2, at(2*time.Second))
	a.CancelScheduled(at(2 * time.Second))

	require.Len(t, a.Points(), 1)
	assert.InDelta(t, 1, a.ValueAt(at(time.Hour)), 1e-9)
}

func TestAutomation_CompactsPastPoints(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	a := NewAutomation(0, clock.Now)
	for i := 0; i < 50; i++ {
		a.SetValueAt(float64(i), at(time.Duration(i)*time.Second))
		clock.Advance(time.Second)
	}
	assert.LessOrEqual(t, len(a.Points()), 2)
	assert.InDelta(t, 49, a.ValueAt(clock.Now()), 1e-9)
}

func TestPointString(t *testing.T) {
	p := Point{Kind: PointRamp, Value: 0.5, At: epoch}
	assert.Equal(t, "ramp(0.500 @ 09:00:00.000)", p.String())
}

func TestMixer_ActiveVoices(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	m := NewMixer(clock, 8000)
	track := library.ToneTrack("tone", 8000, 5, 440)

	a := m.NewVoice(track)
	b := m.NewVoice(track)
	a.Start(clock.Now(), 0)
	b.Start(clock.Now(), time.Second)
	a.Stop(at(2 * time.Second))
	b.Stop(at(3 * time.Second))

	assert.Equal(t, 2, m.Active(at(0)))
	assert.Equal(t, 1, m.Active(at(2*time.Second)))
	assert.Equal(t, time.Second, b.Offset())
	assert.Equal(t, 0, m.Active(at(3*time.Second)))
}

func TestVoice_StopKeepsEarliest(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	m := NewMixer(clock, 8000)
	v := m.NewVoice(library.ToneTrack("tone", 8000, 5, 440))
	v.Start(epoch, 0)
	v.Stop(at(time.Second))
	v.Stop(at(4 * time.Second))
	assert.Equal(t, 0, m.Active(at(time.Second)))
}

func TestVoice_SetRate(t *testing.T) {
	m := NewMixer(timeutil.NewMockClock(epoch), 8000)
	v := m.NewVoice(library.ToneTrack("tone", 8000, 1, 440))
	assert.Equal(t, 1.0, v.Rate())
	v.SetRate(1.1)
	assert.Equal(t, 1.1, v.Rate())
	v.SetRate(0)
	assert.Equal(t, 1.1, v.Rate(), "non-positive rates are ignored")
	v.Start(epoch, 0)
	v.SetRate(0.9)
	assert.Equal(t, 0.9, v.Rate())
}

func peak(samples [][2]float64) float64 {
	var p float64
	for _, s := range samples {
		p = math.Max(p, math.Abs(s[0]))
	}
	return p
}

func TestMixer_StreamAppliesGains(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	const sr = beep.SampleRate(8000)
	m := NewMixer(clock, sr)
	v := m.NewVoice(library.ToneTrack("tone", sr, 2, 440))
	v.Gain().SetValueAt(1, epoch)
	v.Start(epoch, 0)

	block := make([][2]float64, 800)

	n, ok := m.Stream(block)
	require.True(t, ok)
	require.Equal(t, 800, n)
	assert.Zero(t, peak(block), "bus starts silent")

	m.Bus().SetValueAt(1, clock.Now())
	clock.Advance(100 * time.Millisecond)
	m.Stream(block)
	assert.InDelta(t, 0.2, peak(block), 0.01)

	m.Master().SetValueAt(0.5, clock.Now())
	clock.Advance(100 * time.Millisecond)
	m.Stream(block)
	assert.InDelta(t, 0.1, peak(block), 0.01)
}

func TestMixer_StreamHonoursStartAndStop(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	const sr = beep.SampleRate(8000)
	m := NewMixer(clock, sr)
	m.Bus().SetValueAt(1, epoch)

	v := m.NewVoice(library.ToneTrack("tone", sr, 2, 440))
	v.Gain().SetValueAt(1, epoch)
	v.Start(at(50*time.Millisecond), 0)
	v.Stop(at(150 * time.Millisecond))

	block := make([][2]float64, 1600) // 200 ms
	m.Stream(block)

	assert.Zero(t, peak(block[:400]), "silent before start")
	assert.Greater(t, peak(block[400:1200]), 0.1)
	assert.Zero(t, peak(block[1200:]), "silent after stop")
	assert.Equal(t, 0, m.Active(at(200*time.Millisecond)))
}

func TestMixer_VoiceFinishesAtTrackEnd(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	const sr = beep.SampleRate(8000)
	m := NewMixer(clock, sr)
	v := m.NewVoice(library.ToneTrack("short", sr, 0.05, 440))
	v.Start(epoch, 0)

	block := make([][2]float64, 800)
	m.Stream(block)
	assert.Equal(t, 0, m.Active(clock.Now()))
}

func TestMixer_Err(t *testing.T) {
	assert.NoError(t, NewMixer(nil, 44100).Err())
}
