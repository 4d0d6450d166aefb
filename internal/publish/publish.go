// Package publish fans decoded telemetry and narration out to NATS
// subjects so other processes can follow a session.
package publish

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/pulsebed/internal/monitoring"
	"github.com/banshee-data/pulsebed/internal/telemetry"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "pulsebed"

// Conn publishes raw messages. *nats.Conn satisfies it.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Connect dials a NATS server, reconnecting forever in the background.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
}

// Envelope is the JSON body of every message.
type Envelope struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Stats counts publish attempts.
type Stats struct {
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Publisher writes events as JSON envelopes to <prefix>.<kind>.
type Publisher struct {
	conn   Conn
	prefix string
	clock  timeutil.Clock

	mu      sync.Mutex
	stats   Stats
	lastErr error
}

// New returns a Publisher. An empty prefix selects DefaultPrefix.
func New(conn Conn, prefix string, clock timeutil.Clock) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Publisher{conn: conn, prefix: prefix, clock: clock}
}

// Subject returns the subject used for kind.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

func (p *Publisher) send(kind string, data any) error {
	body, err := json.Marshal(Envelope{Kind: kind, At: p.clock.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	err = p.conn.Publish(p.Subject(kind), body)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		// Report a failure once until publishing recovers.
		if p.lastErr == nil {
			monitoring.Logf("publish: %s: %v", p.Subject(kind), err)
		}
		p.stats.Failed++
		p.lastErr = err
		return err
	}
	p.stats.Published++
	p.lastErr = nil
	return nil
}

// Publish sends one telemetry event.
func (p *Publisher) Publish(e telemetry.Event) error {
	return p.send(e.Kind().String(), e)
}

// Narrate sends one narration line.
func (p *Publisher) Narrate(l monitoring.Line) error {
	return p.send("narration", l)
}

// Attach publishes every event dispatched by d until the returned function
// is called. Failures are counted and logged, never returned to d.
func (p *Publisher) Attach(d *telemetry.Dispatcher) (detach func()) {
	return d.SubscribeAll(func(e telemetry.Event) { _ = p.Publish(e) })
}

// Follow publishes every line said on f until the returned function is
// called.
func (p *Publisher) Follow(f *monitoring.Feed) (stop func()) {
	id, lines := f.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for l := range lines {
			_ = p.Narrate(l)
		}
	}()
	return func() {
		f.Unsubscribe(id)
		<-done
	}
}

// Stats returns publish counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
