package mixgraph

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gopxl/beep/v2"
	"github.com/samber/lo"

	"github.com/banshee-data/pulsebed/internal/library"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

const (
	resampleQuality = 4
	// maxDrift is how far the rendered sample clock may lag or lead the
	// wall clock before it is pulled back.
	maxDrift = 200 * time.Millisecond
)

// Mixer is a Graph rendered with beep. It implements beep.Streamer so it can
// be handed to the speaker; without a speaker it still tracks every voice
// and automation point, which is what the engine tests rely on.
type Mixer struct {
	clock timeutil.Clock
	sr    beep.SampleRate

	master *Automation
	bus    *Automation

	mu      sync.Mutex
	voices  []*voice
	origin  time.Time
	pos     int
	scratch [][2]float64
}

// NewMixer returns a Mixer rendering at sr. The bus starts silent and the
// master at unity.
func NewMixer(clock timeutil.Clock, sr beep.SampleRate) *Mixer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Mixer{
		clock:  clock,
		sr:     sr,
		master: NewAutomation(1, clock.Now),
		bus:    NewAutomation(0, clock.Now),
		origin: clock.Now(),
	}
}

// SampleRate returns the output sample rate.
func (m *Mixer) SampleRate() beep.SampleRate { return m.sr }

// Master returns the user volume param.
func (m *Mixer) Master() Param { return m.master }

// Bus returns the session fade param.
func (m *Mixer) Bus() Param { return m.bus }

// NewVoice creates an unstarted voice for track.
func (m *Mixer) NewVoice(track *library.Track) Voice {
	v := &voice{
		mixer: m,
		id:    uuid.NewString(),
		track: track,
		gain:  NewAutomation(0, m.clock.Now),
		rate:  1,
	}
	m.mu.Lock()
	m.pruneLocked(m.clock.Now())
	m.voices = append(m.voices, v)
	m.mu.Unlock()
	return v
}

// Active counts voices that are not past their stop time at t.
func (m *Mixer) Active(t time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(t)
	return len(m.voices)
}

// Voices returns the voices that are not past their stop time at t.
func (m *Mixer) Voices(t time.Time) []Voice {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(t)
	return lo.Map(m.voices, func(v *voice, _ int) Voice { return v })
}

func (m *Mixer) pruneLocked(t time.Time) {
	m.voices = lo.Filter(m.voices, func(v *voice, _ int) bool {
		return !v.finished && !v.stoppedBy(t)
	})
}

// Stream renders the next block of mixed output.
func (m *Mixer) Stream(samples [][2]float64) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wall := m.clock.Now()
	blockStart := m.origin.Add(m.sr.D(m.pos))
	if d := wall.Sub(blockStart); d > maxDrift || d < -maxDrift {
		m.origin = wall.Add(-m.sr.D(m.pos))
		blockStart = wall
	}

	for i := range samples {
		samples[i] = [2]float64{}
	}
	if cap(m.scratch) < len(samples) {
		m.scratch = make([][2]float64, len(samples))
	}

	for _, v := range m.voices {
		v.render(samples, m.scratch[:len(samples)], blockStart, m.sr)
	}

	for i := range samples {
		t := blockStart.Add(m.sr.D(i))
		g := m.master.ValueAt(t) * m.bus.ValueAt(t)
		samples[i][0] *= g
		samples[i][1] *= g
	}

	m.pos += len(samples)
	m.pruneLocked(m.origin.Add(m.sr.D(m.pos)))
	return len(samples), true
}

// Err implements beep.Streamer.
func (m *Mixer) Err() error { return nil }

type voice struct {
	mixer *Mixer
	id    string
	track *library.Track
	gain  *Automation

	// guarded by mixer.mu
	rate     float64
	offset   time.Duration
	startAt  time.Time
	stopAt   time.Time
	started  bool
	finished bool
	src      *beep.Resampler
}

func (v *voice) ID() string            { return v.id }
func (v *voice) Track() *library.Track { return v.track }
func (v *voice) Gain() Param           { return v.gain }

func (v *voice) Offset() time.Duration {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	return v.offset
}

func (v *voice) Rate() float64 {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	return v.rate
}

func (v *voice) SetRate(r float64) {
	if r <= 0 {
		return
	}
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	v.rate = r
	if v.src != nil {
		v.src.SetRatio(v.ratio(v.mixer.sr))
	}
}

func (v *voice) Start(t time.Time, offset time.Duration) {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	if v.started {
		return
	}
	v.started = true
	v.startAt = t
	v.offset = max(0, offset)
	if v.track == nil || v.track.Buffer == nil {
		return
	}
	buf := v.track.Buffer
	from := min(buf.Format().SampleRate.N(v.offset), buf.Len())
	v.src = beep.ResampleRatio(resampleQuality, v.ratio(v.mixer.sr), buf.Streamer(from, buf.Len()))
}

func (v *voice) Stop(t time.Time) {
	v.mixer.mu.Lock()
	defer v.mixer.mu.Unlock()
	if v.stopAt.IsZero() || t.Before(v.stopAt) {
		v.stopAt = t
	}
}

// ratio converts the playback rate into a resampling ratio that also
// accounts for the track's native sample rate.
func (v *voice) ratio(out beep.SampleRate) float64 {
	if v.track == nil || v.track.Buffer == nil {
		return v.rate
	}
	return v.rate * float64(v.track.Buffer.Format().SampleRate) / float64(out)
}

func (v *voice) stoppedBy(t time.Time) bool {
	return !v.stopAt.IsZero() && !t.Before(v.stopAt)
}

// render adds this voice's contribution for the block starting at start.
func (v *voice) render(out, scratch [][2]float64, start time.Time, sr beep.SampleRate) {
	if !v.started || v.finished || v.src == nil {
		return
	}
	first, last := 0, len(out)
	for first < last && start.Add(sr.D(first)).Before(v.startAt) {
		first++
	}
	if !v.stopAt.IsZero() {
		for last > first && !start.Add(sr.D(last-1)).Before(v.stopAt) {
			last--
		}
	}
	if first >= last {
		return
	}

	n, ok := v.src.Stream(scratch[:last-first])
	for i := 0; i < n; i++ {
		t := start.Add(sr.D(first + i))
		g := v.gain.ValueAt(t)
		out[first+i][0] += scratch[i][0] * g
		out[first+i][1] += scratch[i][1] * g
	}
	if !ok || n < last-first {
		v.finished = true
	}
}
