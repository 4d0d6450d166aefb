package mixgraph

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/pulsebed/internal/library"
)

// Command is one call made against a recorded graph.
type Command struct {
	// Target is "master", "bus", or a voice ID.
	Target string        `json:"target"`
	Op     string        `json:"op"`
	Value  float64       `json:"value,omitempty"`
	At     time.Time     `json:"at"`
	Offset time.Duration `json:"offset,omitempty"`
	Track  string        `json:"track,omitempty"`
}

func (c Command) String() string {
	switch c.Op {
	case "new":
		return fmt.Sprintf("%s new %s", c.Target, c.Track)
	case "start":
		return fmt.Sprintf("%s start @%s offset %v", c.Target, c.At.Format("15:04:05.000"), c.Offset)
	case "stop", "cancel", "hold":
		return fmt.Sprintf("%s %s @%s", c.Target, c.Op, c.At.Format("15:04:05.000"))
	case "rate":
		return fmt.Sprintf("%s rate %.3f", c.Target, c.Value)
	}
	return fmt.Sprintf("%s %s %.3f @%s", c.Target, c.Op, c.Value, c.At.Format("15:04:05.000"))
}

// Recorder wraps a Graph and keeps the most recent commands issued
// against it. Calls pass through to the wrapped graph unchanged.
type Recorder struct {
	inner Graph
	limit int

	mu       sync.Mutex
	commands []Command
}

// NewRecorder records up to limit commands; limit <= 0 keeps everything.
func NewRecorder(inner Graph, limit int) *Recorder {
	return &Recorder{inner: inner, limit: limit}
}

func (r *Recorder) record(c Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)
	if r.limit > 0 && len(r.commands) > r.limit {
		r.commands = append(r.commands[:0:0], r.commands[len(r.commands)-r.limit:]...)
	}
}

// Commands returns a copy of the recorded commands, oldest first.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// Reset forgets recorded commands.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}

func (r *Recorder) Master() Param { return recordedParam{r, "master", r.inner.Master()} }
func (r *Recorder) Bus() Param    { return recordedParam{r, "bus", r.inner.Bus()} }

func (r *Recorder) NewVoice(track *library.Track) Voice {
	v := r.inner.NewVoice(track)
	r.record(Command{Target: v.ID(), Op: "new", Track: track.Name})
	return recordedVoice{Voice: v, r: r}
}

func (r *Recorder) Active(t time.Time) int { return r.inner.Active(t) }

type recordedParam struct {
	r      *Recorder
	target string
	inner  Param
}

func (p recordedParam) ValueAt(t time.Time) float64 { return p.inner.ValueAt(t) }

func (p recordedParam) SetValueAt(v float64, t time.Time) {
	p.r.record(Command{Target: p.target, Op: "set", Value: v, At: t})
	p.inner.SetValueAt(v, t)
}

func (p recordedParam) LinearRampTo(v float64, t time.Time) {
	p.r.record(Command{Target: p.target, Op: "ramp", Value: v, At: t})
	p.inner.LinearRampTo(v, t)
}

func (p recordedParam) CancelScheduled(t time.Time) {
	p.r.record(Command{Target: p.target, Op: "cancel", At: t})
	p.inner.CancelScheduled(t)
}

func (p recordedParam) CancelAndHold(t time.Time) {
	p.r.record(Command{Target: p.target, Op: "hold", At: t})
	p.inner.CancelAndHold(t)
}

type recordedVoice struct {
	Voice
	r *Recorder
}

func (v recordedVoice) Gain() Param {
	return recordedParam{v.r, v.ID() + ".gain", v.Voice.Gain()}
}

func (v recordedVoice) SetRate(rate float64) {
	v.r.record(Command{Target: v.ID(), Op: "rate", Value: rate})
	v.Voice.SetRate(rate)
}

func (v recordedVoice) Start(t time.Time, offset time.Duration) {
	v.r.record(Command{Target: v.ID(), Op: "start", At: t, Offset: offset})
	v.Voice.Start(t, offset)
}

func (v recordedVoice) Stop(t time.Time) {
	v.r.record(Command{Target: v.ID(), Op: "stop", At: t})
	v.Voice.Stop(t)
}
