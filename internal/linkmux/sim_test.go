package linkmux

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsebed/internal/protocol"
	"github.com/banshee-data/pulsebed/internal/telemetry"
	"github.com/banshee-data/pulsebed/internal/timeutil"
	"github.com/banshee-data/pulsebed/internal/vitals"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type half struct{}

func (half) Float64() float64 { return 0.5 }

func drain(ch <-chan Notification) []Notification {
	var out []Notification
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestSimLink_AnswersQueries(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	sim := NewSimLink(SimOptions{Clock: clock, Rand: half{}, BPM: 64, Battery: 55})
	defer sim.Close()

	require.NoError(t, sim.Write(Settings, protocol.MustEncodeSettingsFrame(protocol.PayloadQueryStatus)))
	require.NoError(t, sim.Write(Control, protocol.EncodeControlFrame(protocol.ControlHeartRateRefresh, protocol.PayloadHeartRateRefresh)))
	require.NoError(t, sim.Write(Settings, protocol.MustEncodeSettingsFrame([]byte{protocol.CmdBatteryInfo})))

	d := telemetry.NewDecoder(clock, nil)
	var events []telemetry.Event
	for _, n := range drain(sim.Notifications()) {
		events = append(events, d.Decode(n.Data)...)
	}
	assert.Equal(t, []telemetry.Event{
		telemetry.Battery{Percent: 55},
		telemetry.Worn{Worn: true},
		telemetry.HeartRate{BPM: 64},
		telemetry.Battery{Percent: 55},
	}, events)
}

func TestSimLink_RejectsCorruptFrames(t *testing.T) {
	sim := NewSimLink(SimOptions{Clock: timeutil.NewMockClock(epoch), Rand: half{}})
	defer sim.Close()
	assert.ErrorIs(t, sim.Write(Settings, []byte{0x03}), protocol.ErrInvalidLength)
	assert.Error(t, sim.Write(Control, []byte{0x00, 0x01}))
}

func TestSimLink_StreamsRawData(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	sim := NewSimLink(SimOptions{Clock: clock, Rand: half{}, BPM: 75})

	// Nothing streams before raw mode is enabled.
	clock.Advance(time.Second)
	assert.Empty(t, drain(sim.Notifications()))

	require.NoError(t, sim.Write(Settings, protocol.MustEncodeSettingsFrame(protocol.PayloadEnableRaw)))
	require.NoError(t, sim.Write(Settings, protocol.MustEncodeSettingsFrame(protocol.PayloadEnableRaw)))

	d := telemetry.NewDecoder(clock, vitals.NewEstimator())
	var derived []int
	var motions int
	for i := 0; i < 8*50; i++ {
		clock.Advance(simPPGInterval)
		for _, n := range drain(sim.Notifications()) {
			for _, e := range d.Decode(n.Data) {
				switch e := e.(type) {
				case telemetry.HeartRate:
					require.True(t, e.Derived)
					derived = append(derived, e.BPM)
				case telemetry.Motion:
					motions++
					assert.Less(t, e.G, 0.05)
				}
			}
		}
	}
	assert.InDelta(t, 8*10, motions, 1)
	require.NotEmpty(t, derived)
	assert.Equal(t, 75, derived[len(derived)-1])
	assert.Zero(t, d.Rejected())

	require.NoError(t, sim.Close())
	require.NoError(t, sim.Close())
	assert.ErrorIs(t, sim.Write(Settings, protocol.MustEncodeSettingsFrame(protocol.PayloadQueryStatus)), ErrLinkClosed)
	assert.Zero(t, clock.Pending())
}

func TestSimLink_NotWorn(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	sim := NewSimLink(SimOptions{Clock: clock, Rand: half{}, NotWorn: true})
	defer sim.Close()
	require.NoError(t, sim.Write(Control, protocol.EncodeControlFrame(protocol.ControlHeartRateRefresh, protocol.PayloadHeartRateRefresh)))

	notes := drain(sim.Notifications())
	require.Len(t, notes, 1)
	assert.Equal(t, byte(1), notes[0].Data[2])
}

func TestSimDialer(t *testing.T) {
	dial := SimDialer(SimOptions{Clock: timeutil.NewMockClock(epoch)})
	a, err := dial(context.Background())
	require.NoError(t, err)
	b, err := dial(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	a.Close()
	b.Close()
}

func TestReadFrames(t *testing.T) {
	src := strings.Join([]string{
		"# captured from a ring",
		"",
		"690000480000000000000000000000B1",
		"C:BC690000FFFF",
		"S:03 37 00 00 00 00 00 00 00 00 00 00 00 00 00 3A",
	}, "\n")
	frames, err := ReadFrames(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, Settings, frames[0].Channel)
	assert.Equal(t, Control, frames[1].Channel)
	assert.Equal(t, byte(0x37), frames[2].Data[1])

	_, err = ReadFrames(strings.NewReader("# nothing\n"))
	assert.ErrorIs(t, err, ErrEmptyReplay)

	_, err = ReadFrames(bytes.NewBufferString("S:0g\n"))
	assert.ErrorContains(t, err, "line 1")
}

func TestReplayLink_Loops(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	frames := []Notification{
		{Channel: Settings, Data: []byte{1}},
		{Channel: Settings, Data: []byte{2}},
	}
	l := NewReplayLink(frames, 100*time.Millisecond, clock)

	clock.Advance(350 * time.Millisecond)
	got := drain(l.Notifications())
	require.Len(t, got, 3)
	assert.Equal(t, []byte{1}, got[0].Data)
	assert.Equal(t, []byte{2}, got[1].Data)
	assert.Equal(t, []byte{1}, got[2].Data)
	assert.Equal(t, epoch.Add(300*time.Millisecond), got[2].At)

	require.NoError(t, l.Write(Settings, []byte{0x03}))
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Write(Settings, []byte{0x03}), ErrLinkClosed)
	assert.Zero(t, clock.Pending())
}
