package mixgraph

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PointKind distinguishes automation points.
type PointKind int

const (
	PointSet PointKind = iota
	PointRamp
)

func (k PointKind) String() string {
	if k == PointRamp {
		return "ramp"
	}
	return "set"
}

// Point is one scheduled automation point.
type Point struct {
	Kind  PointKind
	Value float64
	At    time.Time
}

func (p Point) String() string {
	return fmt.Sprintf("%s(%.3f @ %s)", p.Kind, p.Value, p.At.Format("15:04:05.000"))
}

// Automation is a Param backed by a time-ordered list of points. A ramp
// interpolates from the point before it; a set holds until the next point.
type Automation struct {
	mu      sync.Mutex
	now     func() time.Time
	initial float64
	points  []Point
}

// NewAutomation returns an automation starting at initial. now supplies the
// current time used to discard points that can no longer matter.
func NewAutomation(initial float64, now func() time.Time) *Automation {
	if now == nil {
		now = time.Now
	}
	return &Automation{initial: initial, now: now}
}

// ValueAt returns the scheduled value at t.
func (a *Automation) ValueAt(t time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valueAtLocked(t)
}

func (a *Automation) valueAtLocked(t time.Time) float64 {
	prev := a.initial
	var prevAt time.Time
	havePrev := false
	for _, p := range a.points {
		if !p.At.After(t) {
			prev, prevAt, havePrev = p.Value, p.At, true
			continue
		}
		if p.Kind == PointRamp && havePrev {
			span := p.At.Sub(prevAt)
			frac := float64(t.Sub(prevAt)) / float64(span)
			return prev + (p.Value-prev)*frac
		}
		break
	}
	return prev
}

// SetValueAt jumps to v at t.
func (a *Automation) SetValueAt(v float64, t time.Time) {
	a.insert(Point{Kind: PointSet, Value: v, At: t})
}

// LinearRampTo ramps to v, arriving at t.
func (a *Automation) LinearRampTo(v float64, t time.Time) {
	a.insert(Point{Kind: PointRamp, Value: v, At: t})
}

// CancelScheduled drops every point at or after t.
func (a *Automation) CancelScheduled(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelLocked(t)
}

// CancelAndHold drops every point at or after t and pins the value it had.
func (a *Automation) CancelAndHold(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.valueAtLocked(t)
	a.cancelLocked(t)
	a.points = append(a.points, Point{Kind: PointSet, Value: v, At: t})
}

// Points returns a copy of the scheduled points.
func (a *Automation) Points() []Point {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Point(nil), a.points...)
}

func (a *Automation) cancelLocked(t time.Time) {
	keep := a.points[:0]
	for _, p := range a.points {
		if p.At.Before(t) {
			keep = append(keep, p)
		}
	}
	a.points = keep
}

func (a *Automation) insert(p Point) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := sort.Search(len(a.points), func(i int) bool { return a.points[i].At.After(p.At) })
	a.points = append(a.points, Point{})
	copy(a.points[i+1:], a.points[i:])
	a.points[i] = p
	a.compactLocked(a.now())
}

// compactLocked folds points that are fully in the past into the initial
// value, keeping the most recent one as the anchor for a following ramp.
func (a *Automation) compactLocked(now time.Time) {
	last := -1
	for i, p := range a.points {
		if p.At.After(now) {
			break
		}
		last = i
	}
	if last <= 0 {
		return
	}
	a.initial = a.points[last-1].Value
	a.points = append(a.points[:0], a.points[last:]...)
}
