package telemetry

import (
	"encoding/binary"
	"io"
	"log"
	"math"

	"github.com/banshee-data/pulsebed/internal/protocol"
	"github.com/banshee-data/pulsebed/internal/timeutil"
	"github.com/banshee-data/pulsebed/internal/vitals"
)

// Decoder maps settings channel notifications to events. Raw PPG samples
// are fed to the estimator, which may yield a derived heart rate.
//
// Decoder is not safe for concurrent use; notifications must be decoded one
// at a time in arrival order.
type Decoder struct {
	clock     timeutil.Clock
	estimator *vitals.Estimator
	rejected  int
	logger    *log.Logger
}

// NewDecoder returns a Decoder feeding estimator. A nil estimator disables
// derived heart rate.
func NewDecoder(clock timeutil.Clock, estimator *vitals.Estimator) *Decoder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Decoder{
		clock:     clock,
		estimator: estimator,
		logger:    log.New(io.Discard, "", 0),
	}
}

// SetTraceWriter directs per-frame rejection messages to w.
func (d *Decoder) SetTraceWriter(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	d.logger = log.New(w, "[telemetry] ", log.LstdFlags|log.Lmicroseconds)
}

// Rejected returns how many frames failed validation.
func (d *Decoder) Rejected() int { return d.rejected }

// Decode validates raw and returns the events it carries. Invalid frames are
// dropped silently and yield no events.
func (d *Decoder) Decode(raw []byte) []Event {
	frame, err := protocol.DecodeSettingsFrame(raw)
	if err != nil {
		d.rejected++
		d.logger.Printf("drop frame % x: %v", raw, err)
		return nil
	}
	return d.DecodeFrame(frame)
}

// DecodeFrame returns the events carried by an already validated frame.
func (d *Decoder) DecodeFrame(f protocol.SettingsFrame) []Event {
	switch f.Command() {
	case protocol.CmdHeartRate:
		events := []Event{Worn{Worn: f[2] == 0}}
		bpm := int(f[3])
		if vitals.ValidBPM(bpm) {
			if d.estimator != nil {
				d.estimator.MarkDirect(d.clock.Now())
			}
			events = append(events, HeartRate{BPM: bpm})
		}
		return events

	case protocol.CmdRawStream:
		switch f.Sub() {
		case protocol.RawSubPPG:
			if d.estimator == nil {
				return nil
			}
			sample := int16(binary.BigEndian.Uint16(f[2:4]))
			if bpm, ok := d.estimator.AddSample(float64(sample), d.clock.Now()); ok {
				return []Event{HeartRate{BPM: bpm, Derived: true}}
			}
		case protocol.RawSubAccel:
			return []Event{Motion{G: AccelMagnitude(f)}}
		}

	case protocol.CmdBatteryInfo:
		if f.Sub() == protocol.SubBatteryLevel {
			return []Event{Battery{Percent: int(f[2])}}
		}

	case protocol.CmdStatus:
		if f[1] != 0 {
			return []Event{Battery{Percent: int(f[1])}}
		}
	}
	return nil
}

// AccelMagnitude returns the acceleration magnitude in g from a raw
// accelerometer report. Each axis is a 12-bit two's complement value packed
// as a high byte and a low nibble, in Y, Z, X order, scaled so 2048 counts
// are 4 g.
func AccelMagnitude(f protocol.SettingsFrame) float64 {
	y := axisG(f[2], f[3])
	z := axisG(f[4], f[5])
	x := axisG(f[6], f[7])
	return math.Sqrt(x*x + y*y + z*z)
}

func axisG(hi, lo byte) float64 {
	return float64(protocol.DecodeInt12(hi, lo)) * protocol.AccelScale
}
