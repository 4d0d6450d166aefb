package linkmux

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/pulsebed/internal/protocol"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

const (
	simPPGInterval   = 20 * time.Millisecond
	simAccelInterval = 100 * time.Millisecond
	simPulseWidth    = 60 * time.Millisecond
)

// SimOptions configure a simulated ring.
type SimOptions struct {
	Clock timeutil.Clock
	// Rand drives heart rate drift and motion bursts.
	Rand interface{ Float64() float64 }
	// BPM is the resting heart rate the simulation wanders around.
	BPM int
	// Battery is the reported charge percentage.
	Battery int
	// NotWorn reports the ring as off the finger.
	NotWorn bool
}

// SimLink behaves like a ring: it answers status queries and heart rate
// requests, and once raw streaming is enabled it sends PPG samples every
// 20 ms and accelerometer reports every 100 ms.
type SimLink struct {
	clock timeutil.Clock
	rand  interface{ Float64() float64 }
	opts  SimOptions

	mu        sync.Mutex
	notes     chan Notification
	closed    bool
	bpm       float64
	motion    float64
	lastBeat  time.Time
	ppg       *timeutil.Periodic
	accel     *timeutil.Periodic
	streaming bool
}

// NewSimLink returns a connected simulated ring.
func NewSimLink(opts SimOptions) *SimLink {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.BPM == 0 {
		opts.BPM = 72
	}
	if opts.Battery == 0 {
		opts.Battery = 80
	}
	return &SimLink{
		clock: opts.Clock,
		rand:  opts.Rand,
		opts:  opts,
		notes: make(chan Notification, 256),
		bpm:   float64(opts.BPM),
	}
}

// SimDialer returns a Dialer producing a fresh SimLink per connection.
func SimDialer(opts SimOptions) Dialer {
	return func(ctx context.Context) (Link, error) {
		return NewSimLink(opts), nil
	}
}

// Write interprets frames the host sends.
func (s *SimLink) Write(ch Channel, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrLinkClosed
	}

	switch ch {
	case Control:
		f, err := protocol.DecodeControlFrame(p)
		if err != nil {
			return err
		}
		if f.Type == protocol.ControlHeartRateRefresh {
			s.sendHeartRateLocked()
		}
	case Settings:
		f, err := protocol.DecodeSettingsFrame(p)
		if err != nil {
			return err
		}
		switch f.Command() {
		case protocol.CmdStatus:
			s.emitLocked(Settings, []byte{protocol.CmdStatus, byte(s.opts.Battery)})
		case protocol.CmdBatteryInfo:
			s.emitLocked(Settings, []byte{protocol.CmdBatteryInfo, protocol.SubBatteryLevel, byte(s.opts.Battery)})
		case protocol.CmdRawStream:
			if f.Sub() == 0x04 && !s.streaming {
				s.startStreamingLocked()
			}
		}
	}
	return nil
}

func (s *SimLink) sendHeartRateLocked() {
	worn := byte(0)
	if s.opts.NotWorn {
		worn = 1
	}
	s.driftLocked()
	s.emitLocked(Settings, []byte{protocol.CmdHeartRate, 0x00, worn, byte(math.Round(s.bpm))})
}

// driftLocked moves the heart rate a little and occasionally starts or
// settles a burst of movement.
func (s *SimLink) driftLocked() {
	s.bpm += (s.rand.Float64() - 0.5) * 4
	s.bpm = math.Max(float64(s.opts.BPM)-15, math.Min(float64(s.opts.BPM)+45, s.bpm))
	switch r := s.rand.Float64(); {
	case r < 0.1:
		s.motion = 0.3 + s.rand.Float64()*0.9
	case r < 0.4:
		s.motion *= 0.5
	}
}

func (s *SimLink) startStreamingLocked() {
	diagf("sim: raw streaming on")
	s.streaming = true
	s.lastBeat = s.clock.Now()
	s.ppg = timeutil.Every(s.clock, simPPGInterval, s.samplePPG)
	s.accel = timeutil.Every(s.clock, simAccelInterval, s.sampleAccel)
}

func (s *SimLink) samplePPG() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := s.clock.Now()
	period := time.Duration(float64(time.Minute) / s.bpm)
	if now.Sub(s.lastBeat) >= period {
		s.lastBeat = s.lastBeat.Add(period)
	}
	sample := int16(-1000)
	if now.Sub(s.lastBeat) < simPulseWidth {
		sample = 1500
	}
	s.emitLocked(Settings, protocol.PPGPayload(sample))
}

func (s *SimLink) sampleAccel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	jitter := (s.rand.Float64() - 0.5) * 0.02
	s.emitLocked(Settings, protocol.AccelPayload(s.motion+jitter, 0, 0))
}

// emitLocked queues a notification, dropping it when nobody is reading.
func (s *SimLink) emitLocked(ch Channel, payload []byte) {
	data := payload
	if ch == Settings {
		data = protocol.MustEncodeSettingsFrame(payload)
	}
	select {
	case s.notes <- Notification{Channel: ch, Data: data, At: s.clock.Now()}:
	default:
		tracef("sim: dropped %s frame", ch)
	}
}

func (s *SimLink) Notifications() <-chan Notification { return s.notes }

// Close stops streaming and closes the notification channel.
func (s *SimLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ppg.Stop()
	s.accel.Stop()
	close(s.notes)
	return nil
}
