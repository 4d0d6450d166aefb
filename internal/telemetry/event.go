// Package telemetry decodes ring notifications into typed events and
// dispatches them to subscribers.
package telemetry

import "fmt"

// Kind identifies the variant of an Event.
type Kind int

const (
	KindHeartRate Kind = iota + 1
	KindMotion
	KindWorn
	KindBattery
)

func (k Kind) String() string {
	switch k {
	case KindHeartRate:
		return "heart_rate"
	case KindMotion:
		return "motion"
	case KindWorn:
		return "worn"
	case KindBattery:
		return "battery"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one decoded observation from the ring. The concrete types are
// HeartRate, Motion, Worn and Battery.
type Event interface {
	Kind() Kind
}

// HeartRate is a heart rate reading in beats per minute. Derived readings
// come from the PPG estimator rather than the ring's own report.
type HeartRate struct {
	BPM     int  `json:"bpm"`
	Derived bool `json:"derived"`
}

// Motion is an instantaneous acceleration magnitude in g.
type Motion struct {
	G float64 `json:"g"`
}

// Worn reports whether the ring is on a finger.
type Worn struct {
	Worn bool `json:"worn"`
}

// Battery is the ring's reported charge percentage.
type Battery struct {
	Percent int `json:"percent"`
}

func (HeartRate) Kind() Kind { return KindHeartRate }
func (Motion) Kind() Kind    { return KindMotion }
func (Worn) Kind() Kind      { return KindWorn }
func (Battery) Kind() Kind   { return KindBattery }
