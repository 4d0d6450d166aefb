package ring

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsebed/internal/linkmux"
	"github.com/banshee-data/pulsebed/internal/protocol"
	"github.com/banshee-data/pulsebed/internal/telemetry"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type sent struct {
	At      time.Duration
	Control bool
	Payload string
}

type fakeSender struct {
	mu    sync.Mutex
	clock *timeutil.MockClock
	sent  []sent
	err   error
}

func (f *fakeSender) record(control bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{At: f.clock.Since(epoch), Control: control, Payload: protocol.FormatHex(payload)})
	return f.err
}

func (f *fakeSender) SendSettings(payload []byte) error { return f.record(false, payload) }

func (f *fakeSender) SendControl(typ byte, payload []byte) error {
	return f.record(true, append([]byte{typ}, payload...))
}

func (f *fakeSender) take() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func newSession(t *testing.T, opts Options) (*Session, *fakeSender, *timeutil.MockClock, *telemetry.Dispatcher) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	sender := &fakeSender{clock: clock}
	d := &telemetry.Dispatcher{}
	opts.Clock = clock
	s := NewSession(sender, d, opts)
	t.Cleanup(s.Stop)
	return s, sender, clock, d
}

func settings(payload ...byte) linkmux.Notification {
	return linkmux.Notification{Channel: linkmux.Settings, Data: protocol.MustEncodeSettingsFrame(payload)}
}

func TestSession_ConnectQueriesStatus(t *testing.T) {
	var narrated []string
	s, sender, clock, _ := newSession(t, Options{Narrate: func(m string) { narrated = append(narrated, m) }})

	s.EnableRaw()
	clock.Advance(time.Second)
	assert.Empty(t, sender.take(), "nothing is sent while disconnected")

	s.SetConnected(true)
	s.SetConnected(true)
	assert.Equal(t, []sent{{At: time.Second, Payload: "03"}}, sender.take())
	assert.True(t, s.Connected())
	assert.False(t, s.Streaming())
	assert.Equal(t, []string{"Ring connected. Getting battery/state..."}, narrated)
}

func TestSession_EnableRawSequence(t *testing.T) {
	s, sender, clock, _ := newSession(t, Options{})
	s.SetConnected(true)
	sender.take()

	s.EnableRaw()
	clock.Advance(149 * time.Millisecond)
	assert.Empty(t, sender.take())

	clock.Advance(time.Millisecond)
	assert.Equal(t, []sent{
		{At: 150 * time.Millisecond, Payload: "03"},
		{At: 150 * time.Millisecond, Payload: "a1 04 04"},
		{At: 150 * time.Millisecond, Control: true, Payload: "69 01 01"},
	}, sender.take())
	assert.True(t, s.Streaming())

	clock.Advance(400 * time.Millisecond)
	assert.Equal(t, []sent{{At: 550 * time.Millisecond, Payload: "a1 03 04"}}, sender.take())

	clock.Advance(1100 * time.Millisecond)
	assert.Equal(t, []sent{{At: 1650 * time.Millisecond, Control: true, Payload: "69 01 01"}}, sender.take())
}

func TestSession_KeepAliveRequestsHeartRateWhenQuiet(t *testing.T) {
	s, sender, clock, _ := newSession(t, Options{HRInterval: time.Hour})
	s.SetConnected(true)
	s.EnableRaw()
	clock.Advance(rawEnableDelay + rawConfigureDelay)
	sender.take()

	// No direct heart rate yet, so the first keep-alive asks for one.
	clock.Advance(DefaultKeepAlive - rawConfigureDelay)
	assert.Equal(t, []sent{
		{At: 4150 * time.Millisecond, Payload: "03"},
		{At: 4150 * time.Millisecond, Payload: "a1 04 04"},
		{At: 4150 * time.Millisecond, Control: true, Payload: "69 01 01"},
	}, sender.take())

	s.HandleNotification(settings(0x69, 0x00, 0x00, 70))
	clock.Advance(DefaultKeepAlive)
	got := sender.take()
	require.Len(t, got, 2, "a recent heart rate suppresses the extra request")

	// Eight seconds after the last reading the keep-alive asks again.
	clock.Advance(DefaultKeepAlive)
	assert.Len(t, sender.take(), 3)

	st := s.Stats()
	assert.Equal(t, 3, st.KeepAlives)
	assert.Equal(t, 3, st.HRRequests)
	assert.Equal(t, epoch.Add(4150*time.Millisecond), s.LastDirectHeartRate())
}

func TestSession_DisconnectCancelsTimers(t *testing.T) {
	var reconnects int
	s, sender, clock, _ := newSession(t, Options{AutoRaw: true, OnReconnect: func() { reconnects++ }})

	s.SetConnected(true)
	clock.Advance(5 * time.Second)
	require.NotEmpty(t, sender.take())
	require.NotZero(t, clock.Pending())

	s.SetConnected(false)
	assert.Zero(t, clock.Pending())
	assert.False(t, s.Streaming())
	clock.Advance(time.Minute)
	assert.Empty(t, sender.take())
	assert.Zero(t, reconnects)

	s.SetConnected(true)
	assert.Equal(t, 1, reconnects)
	clock.Advance(rawEnableDelay)
	assert.Len(t, sender.take(), 4, "status, enable raw and the immediate heart rate request")
	assert.Equal(t, 2, s.Stats().Connects)
}

func TestSession_PublishesSettingsEvents(t *testing.T) {
	s, _, _, d := newSession(t, Options{})
	var events []telemetry.Event
	d.SubscribeAll(func(e telemetry.Event) { events = append(events, e) })

	s.HandleNotification(settings(0x69, 0x00, 0x01, 0))
	s.HandleNotification(settings(0x03, 0x40))
	s.HandleNotification(linkmux.Notification{Channel: linkmux.Settings, Data: []byte{0x69, 0x00}})

	assert.Equal(t, []telemetry.Event{
		telemetry.Worn{Worn: false},
		telemetry.Battery{Percent: 64},
	}, events)
	st := s.Stats()
	assert.Equal(t, 3, st.Frames)
	assert.Equal(t, 1, st.Rejected)
	assert.True(t, s.LastDirectHeartRate().IsZero(), "a zero bpm is not a reading")
}

func TestSession_ControlFramesAreTracedOnly(t *testing.T) {
	var trace bytes.Buffer
	SetLogWriters(nil, nil, &trace)
	defer SetLogWriters(nil, nil, nil)

	s, _, _, d := newSession(t, Options{})
	var events int
	d.SubscribeAll(func(telemetry.Event) { events++ })

	s.HandleNotification(linkmux.Notification{Channel: linkmux.Control, Data: protocol.EncodeControlFrame(0x69, []byte{0x01, 0x01})})
	s.HandleNotification(linkmux.Notification{Channel: linkmux.Control, Data: []byte{0x00}})

	assert.Zero(t, events)
	assert.Equal(t, 2, s.Stats().Control)
	assert.Contains(t, trace.String(), "control type 69 payload 01 01")
	assert.Contains(t, trace.String(), "control frame 00")
}

func TestSession_SendErrorsAreLogged(t *testing.T) {
	var ops bytes.Buffer
	SetLogWriters(&ops, nil, nil)
	defer SetLogWriters(nil, nil, nil)

	s, sender, _, _ := newSession(t, Options{})
	sender.err = errors.New("ring not connected")
	s.SetConnected(true)
	assert.ErrorContains(t, s.SendHeartRateRequest(), "ring not connected")
	assert.Contains(t, ops.String(), "send settings 03: ring not connected")
}

func TestSession_WithSimulatedRing(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	sim := linkmux.NewSimLink(linkmux.SimOptions{Clock: clock, Rand: half{}, BPM: 66})
	defer sim.Close()

	d := &telemetry.Dispatcher{}
	var hr []telemetry.HeartRate
	d.OnHeartRate(func(e telemetry.HeartRate) { hr = append(hr, e) })

	s := NewSession(linkWriter{sim}, d, Options{Clock: clock})
	defer s.Stop()
	s.SetConnected(true)
	s.EnableRaw()
	clock.Advance(rawEnableDelay)

	for {
		select {
		case n := <-sim.Notifications():
			s.HandleNotification(n)
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, hr)
	assert.Equal(t, telemetry.HeartRate{BPM: 66}, hr[0])
}

type half struct{}

func (half) Float64() float64 { return 0.5 }

// linkWriter adapts a bare Link to Sender for tests that skip the Mux.
type linkWriter struct{ l linkmux.Link }

func (w linkWriter) SendSettings(p []byte) error {
	f, err := protocol.EncodeSettingsFrame(p)
	if err != nil {
		return err
	}
	return w.l.Write(linkmux.Settings, f)
}

func (w linkWriter) SendControl(typ byte, p []byte) error {
	return w.l.Write(linkmux.Control, protocol.EncodeControlFrame(typ, p))
}
