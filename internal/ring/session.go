// Package ring runs a session with a connected ring: it routes incoming
// frames to the telemetry decoder, keeps heart rate requests flowing and
// re-arms raw streaming while the link is up.
package ring

import (
	"sync"
	"time"

	"github.com/banshee-data/pulsebed/internal/linkmux"
	"github.com/banshee-data/pulsebed/internal/protocol"
	"github.com/banshee-data/pulsebed/internal/telemetry"
	"github.com/banshee-data/pulsebed/internal/timeutil"
	"github.com/banshee-data/pulsebed/internal/vitals"
)

// Default timings.
const (
	DefaultHRInterval     = 1500 * time.Millisecond
	DefaultKeepAlive      = 4 * time.Second
	DefaultHRRefreshAfter = 6 * time.Second

	rawEnableDelay    = 150 * time.Millisecond
	rawConfigureDelay = 400 * time.Millisecond
)

// Sender writes frames to the ring. *linkmux.Mux satisfies it.
type Sender interface {
	SendSettings(payload []byte) error
	SendControl(typ byte, payload []byte) error
}

// Options configures a Session. Zero durations take defaults.
type Options struct {
	Clock          timeutil.Clock
	HRInterval     time.Duration
	KeepAlive      time.Duration
	HRRefreshAfter time.Duration

	// AutoRaw enables raw streaming whenever the link comes up.
	AutoRaw bool
	// OnReconnect runs when the link comes back after a drop, after the
	// session's own estimator has been reset.
	OnReconnect func()
	// Narrate receives human-readable status lines.
	Narrate func(string)
}

// Stats counts session traffic.
type Stats struct {
	Frames     int `json:"frames"`
	Control    int `json:"control_frames"`
	Rejected   int `json:"rejected"`
	HRRequests int `json:"hr_requests"`
	KeepAlives int `json:"keepalives"`
	Connects   int `json:"connects"`
}

// Session is the host side of one ring. Notifications must be handed to
// HandleNotification one at a time in arrival order.
type Session struct {
	sender     Sender
	dispatcher *telemetry.Dispatcher
	clock      timeutil.Clock
	opts       Options
	estimator  *vitals.Estimator
	decoder    *telemetry.Decoder

	mu        sync.Mutex
	connected bool
	streaming bool
	lastHR    time.Time
	timers    []timeutil.Timer
	hrTick    *timeutil.Periodic
	keepAlive *timeutil.Periodic
	stats     Stats
}

// NewSession returns a Session publishing decoded events to d.
func NewSession(sender Sender, d *telemetry.Dispatcher, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.HRInterval <= 0 {
		opts.HRInterval = DefaultHRInterval
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.HRRefreshAfter <= 0 {
		opts.HRRefreshAfter = DefaultHRRefreshAfter
	}
	est := vitals.NewEstimator()
	dec := telemetry.NewDecoder(opts.Clock, est)
	dec.SetTraceWriter(traceWriter())
	return &Session{
		sender:     sender,
		dispatcher: d,
		clock:      opts.Clock,
		opts:       opts,
		estimator:  est,
		decoder:    dec,
	}
}

func (s *Session) narrate(msg string) {
	if s.opts.Narrate != nil {
		s.opts.Narrate(msg)
	}
}

// HandleNotification decodes one frame from the ring. Settings frames are
// published as events; control frames are only traced.
func (s *Session) HandleNotification(n linkmux.Notification) {
	if n.Channel == linkmux.Control {
		s.mu.Lock()
		s.stats.Control++
		s.mu.Unlock()
		f, err := protocol.DecodeControlFrame(n.Data)
		if err != nil {
			tracef("control frame % x: %v", n.Data, err)
			return
		}
		tracef("control type %02x payload % x", f.Type, f.Payload)
		return
	}

	events := s.decoder.Decode(n.Data)
	s.mu.Lock()
	s.stats.Frames++
	s.stats.Rejected = s.decoder.Rejected()
	for _, e := range events {
		if hr, ok := e.(telemetry.HeartRate); ok && !hr.Derived {
			s.lastHR = s.clock.Now()
		}
	}
	s.mu.Unlock()
	if len(events) > 0 && s.dispatcher != nil {
		s.dispatcher.Publish(events...)
	}
}

// SetConnected tracks the link state. It has the signature of a
// linkmux.Mux watcher.
func (s *Session) SetConnected(up bool) {
	s.mu.Lock()
	if up == s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = up
	if !up {
		s.cancelLocked()
		s.mu.Unlock()
		diagf("link down, ring timers cancelled")
		s.narrate("Ring disconnected")
		return
	}
	s.stats.Connects++
	n := s.stats.Connects
	s.lastHR = time.Time{}
	s.mu.Unlock()

	if n > 1 {
		s.estimator.Reset()
		if s.opts.OnReconnect != nil {
			s.opts.OnReconnect()
		}
	}
	diagf("link up (connect #%d)", n)
	s.narrate("Ring connected. Getting battery/state...")
	s.sendSettings(protocol.PayloadQueryStatus)
	if s.opts.AutoRaw {
		s.EnableRaw()
	}
}

// Connected reports whether the link is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Streaming reports whether raw streaming and the periodic requests are
// running.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// EnableRaw switches the ring to raw PPG and accelerometer streaming after
// a short settle delay, then starts the heart rate request tick and the
// keep-alive tick. It is a no-op while disconnected.
func (s *Session) EnableRaw() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.cancelLocked()
	s.afterLocked(rawEnableDelay, s.startRaw)
	s.mu.Unlock()
	s.narrate("Enabling raw sensor data")
}

func (s *Session) startRaw() {
	s.sendSettings(protocol.PayloadQueryStatus)
	s.sendSettings(protocol.PayloadEnableRaw)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.afterLocked(rawConfigureDelay, func() {
		s.sendSettings(protocol.PayloadConfigureRaw)
	})
	s.streaming = true
	s.hrTick = timeutil.Every(s.clock, s.opts.HRInterval, s.requestHeartRate)
	s.keepAlive = timeutil.Every(s.clock, s.opts.KeepAlive, s.keepAliveTick)
	// The first heart rate request goes out immediately.
	s.afterLocked(0, s.requestHeartRate)
}

// afterLocked schedules fn and tracks the timer for cancellation. Callers
// hold mu.
func (s *Session) afterLocked(d time.Duration, fn func()) {
	s.timers = append(s.timers, s.clock.AfterFunc(d, fn))
}

func (s *Session) cancelLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.hrTick.Stop()
	s.keepAlive.Stop()
	s.hrTick, s.keepAlive = nil, nil
	s.streaming = false
}

// Stop cancels every ring timer without touching the link.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Session) requestHeartRate() {
	s.mu.Lock()
	s.stats.HRRequests++
	s.mu.Unlock()
	if err := s.SendHeartRateRequest(); err != nil {
		opsf("heart rate request: %v", err)
	}
}

func (s *Session) keepAliveTick() {
	s.mu.Lock()
	s.stats.KeepAlives++
	refresh := s.clock.Since(s.lastHR) > s.opts.HRRefreshAfter
	s.mu.Unlock()

	s.sendSettings(protocol.PayloadQueryStatus)
	s.sendSettings(protocol.PayloadEnableRaw)
	if refresh {
		tracef("no heart rate for over %v, requesting one", s.opts.HRRefreshAfter)
		s.requestHeartRate()
	}
}

// SendHeartRateRequest asks the ring for a fresh heart rate on the control
// channel. The answer arrives as a settings frame.
func (s *Session) SendHeartRateRequest() error {
	tracef("-> control %02x % x", protocol.ControlHeartRateRefresh, protocol.PayloadHeartRateRefresh)
	return s.sender.SendControl(protocol.ControlHeartRateRefresh, protocol.PayloadHeartRateRefresh)
}

func (s *Session) sendSettings(payload []byte) {
	tracef("-> settings % x", payload)
	if err := s.sender.SendSettings(payload); err != nil {
		opsf("send settings % x: %v", payload, err)
	}
}

// Stats returns traffic counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastDirectHeartRate returns when the ring last reported a heart rate
// itself, or the zero time.
func (s *Session) LastDirectHeartRate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHR
}
