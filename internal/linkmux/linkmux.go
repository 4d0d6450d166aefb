package linkmux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pulsebed/internal/protocol"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

// DefaultRetryDelay is how long Run waits before redialling.
const DefaultRetryDelay = 2 * time.Second

// Mux keeps a single ring link alive and shares it. Handlers run inline on
// the monitor goroutine in registration order; subscribers get buffered
// copies and miss frames when they fall behind.
type Mux struct {
	dial       Dialer
	clock      timeutil.Clock
	retryDelay time.Duration

	mu          sync.Mutex
	link        Link
	handlers    map[string]func(Notification)
	order       []string
	watchers    []func(connected bool)
	subscribers map[string]chan Notification
	closing     bool

	writeMu sync.Mutex
}

// NewMux returns a Mux that connects with dial. A nil dial yields a mux that
// never connects, for running without a ring.
func NewMux(dial Dialer, clock timeutil.Clock) *Mux {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Mux{
		dial:        dial,
		clock:       clock,
		retryDelay:  DefaultRetryDelay,
		handlers:    make(map[string]func(Notification)),
		subscribers: make(map[string]chan Notification),
	}
}

// SetRetryDelay changes the pause between dial attempts.
func (m *Mux) SetRetryDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryDelay = d
}

// Handle registers fn for every notification. The returned func removes it.
func (m *Mux) Handle(fn func(Notification)) func() {
	id := uuid.NewString()
	m.mu.Lock()
	m.handlers[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.handlers, id)
			for i, o := range m.order {
				if o == id {
					m.order = append(m.order[:i:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Watch registers fn for connect and disconnect transitions.
func (m *Mux) Watch(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// Subscribe creates a new channel receiving every notification. The channel
// ID is used to identify the unique channel when unsubscribing.
func (m *Mux) Subscribe() (string, <-chan Notification) {
	id := uuid.NewString()
	ch := make(chan Notification, 64)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Mux) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Connected reports whether a link is up.
func (m *Mux) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil
}

// Write sends raw bytes on ch.
func (m *Mux) Write(ch Channel, p []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}
	tracef("%s -> %s", ch.tag(), protocol.FormatHex(p))
	if err := link.Write(ch, p); err != nil {
		return fmt.Errorf("write %s: %w", ch, err)
	}
	return nil
}

// SendSettings frames payload as a settings frame and writes it. Payloads
// over 15 bytes fail before anything is written.
func (m *Mux) SendSettings(payload []byte) error {
	f, err := protocol.EncodeSettingsFrame(payload)
	if err != nil {
		return err
	}
	return m.Write(Settings, f)
}

// SendControl frames payload as a control frame of type typ and writes it.
func (m *Mux) SendControl(typ byte, payload []byte) error {
	return m.Write(Control, protocol.EncodeControlFrame(typ, payload))
}

// Run dials, monitors the link until it drops, and redials after the retry
// delay, until ctx is done or the mux is closed.
func (m *Mux) Run(ctx context.Context) error {
	if m.dial == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		if m.isClosing() {
			return nil
		}
		link, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			opsf("dial failed: %v", err)
		} else {
			m.attach(link)
			err = m.Monitor(ctx, link)
			m.detach(link)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if m.isClosing() {
				return nil
			}
			opsf("link lost: %v", err)
		}
		if err := m.wait(ctx); err != nil {
			return err
		}
	}
}

func (m *Mux) wait(ctx context.Context) error {
	m.mu.Lock()
	d := m.retryDelay
	m.mu.Unlock()
	t := m.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

func (m *Mux) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

func (m *Mux) attach(link Link) {
	m.mu.Lock()
	m.link = link
	watchers := append([]func(bool){}, m.watchers...)
	m.mu.Unlock()
	diagf("link up")
	for _, w := range watchers {
		w(true)
	}
}

func (m *Mux) detach(link Link) {
	m.mu.Lock()
	if m.link == link {
		m.link = nil
	}
	watchers := append([]func(bool){}, m.watchers...)
	m.mu.Unlock()
	link.Close()
	diagf("link down")
	for _, w := range watchers {
		w(false)
	}
}

// Monitor delivers notifications from link until its channel closes or ctx
// is done.
func (m *Mux) Monitor(ctx context.Context, link Link) error {
	notes := link.Notifications()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				return ErrLinkClosed
			}
			m.deliver(n)
		}
	}
}

func (m *Mux) deliver(n Notification) {
	if n.At.IsZero() {
		n.At = m.clock.Now()
	}
	tracef("%s <- %s", n.Channel.tag(), protocol.FormatHex(n.Data))

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	handlers := make([]func(Notification), 0, len(m.order))
	for _, id := range m.order {
		handlers = append(handlers, m.handlers[id])
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- n:
		default:
			// if the channel is full/blocking skip so as not to block the monitor
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(n)
	}
}

// Close closes all subscribed channels and the current link.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	link := m.link
	m.mu.Unlock()

	if link != nil {
		return link.Close()
	}
	return nil
}
