package telemetry

import "sync"

// Handler receives events of the kind it subscribed to.
type Handler func(Event)

// Dispatcher delivers events to subscribers synchronously, in publish order.
// Handlers for a single event run in subscription order.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id   int
	kind Kind // zero matches every kind
	fn   Handler
}

// Subscribe registers fn for events of kind. The returned function removes
// the subscription.
func (d *Dispatcher) Subscribe(kind Kind, fn Handler) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, kind: kind, fn: fn})
	return func() { d.remove(id) }
}

// SubscribeAll registers fn for every event.
func (d *Dispatcher) SubscribeAll(fn Handler) (unsubscribe func()) {
	return d.Subscribe(0, fn)
}

// OnHeartRate registers a typed heart rate handler.
func (d *Dispatcher) OnHeartRate(fn func(HeartRate)) (unsubscribe func()) {
	return d.Subscribe(KindHeartRate, func(e Event) { fn(e.(HeartRate)) })
}

// OnMotion registers a typed motion handler.
func (d *Dispatcher) OnMotion(fn func(Motion)) (unsubscribe func()) {
	return d.Subscribe(KindMotion, func(e Event) { fn(e.(Motion)) })
}

// OnWorn registers a typed worn-state handler.
func (d *Dispatcher) OnWorn(fn func(Worn)) (unsubscribe func()) {
	return d.Subscribe(KindWorn, func(e Event) { fn(e.(Worn)) })
}

// OnBattery registers a typed battery handler.
func (d *Dispatcher) OnBattery(fn func(Battery)) (unsubscribe func()) {
	return d.Subscribe(KindBattery, func(e Event) { fn(e.(Battery)) })
}

// Publish delivers events in order to every matching subscriber.
func (d *Dispatcher) Publish(events ...Event) {
	d.mu.RLock()
	subs := append([]subscription(nil), d.subs...)
	d.mu.RUnlock()

	for _, e := range events {
		for _, s := range subs {
			if s.kind == 0 || s.kind == e.Kind() {
				s.fn(e)
			}
		}
	}
}

func (d *Dispatcher) remove(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}
