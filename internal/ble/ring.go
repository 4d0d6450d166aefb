package ble

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/banshee-data/pulsebed/internal/linkmux"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

// DefaultIdleTimeout is how long a ring may stay silent before its link is
// treated as dropped. A running session hears from the ring every 1.5s.
const DefaultIdleTimeout = 15 * time.Second

const notifyBuffer = 256

// RingOptions selects and supervises a ring.
type RingOptions struct {
	Match       Match
	IdleTimeout time.Duration // negative disables the watchdog
	Clock       timeutil.Clock
}

// RingDialer returns a linkmux.Dialer that scans for a ring, connects and
// subscribes to both notify characteristics.
func RingDialer(adapter *bluetooth.Adapter, opts RingOptions) linkmux.Dialer {
	if opts.Match == (Match{}) {
		opts.Match.Service = ringMainService
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return func(ctx context.Context) (linkmux.Link, error) {
		found, err := Scan(ctx, adapter, opts.Match)
		if err != nil {
			return nil, err
		}
		log.Printf("ble: connecting to ring %s (%s)", found.LocalName(), found.Address.String())
		dev, err := adapter.Connect(found.Address, bluetooth.ConnectionParams{})
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", found.Address.String(), err)
		}
		link, err := setupRing(dev.DiscoverServices, opts)
		if err != nil {
			dev.Disconnect()
			return nil, err
		}
		link.disconnect = dev.Disconnect
		return link, nil
	}
}

func setupRing(discover func([]bluetooth.UUID) ([]bluetooth.DeviceService, error), opts RingOptions) (*ringLink, error) {
	svcs, err := discover([]bluetooth.UUID{ringControlService, ringMainService})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	chars := make(map[bluetooth.UUID]bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		var found map[bluetooth.UUID]bluetooth.DeviceCharacteristic
		switch svc.UUID() {
		case ringControlService:
			found, err = characteristics(svc, ringControlWrite, ringControlNotify)
		case ringMainService:
			found, err = characteristics(svc, ringSettingsWrite, ringSettingsNotify)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		for id, c := range found {
			chars[id] = c
		}
	}
	if err := requireChars(chars, ringControlWrite, ringControlNotify, ringSettingsWrite, ringSettingsNotify); err != nil {
		return nil, err
	}

	link := newRingLink(chars[ringSettingsWrite], chars[ringControlWrite], opts.Clock, opts.IdleTimeout)
	if err := chars[ringControlNotify].EnableNotifications(func(buf []byte) {
		link.push(linkmux.Control, buf)
	}); err != nil {
		return nil, fmt.Errorf("enable control notifications: %w", err)
	}
	if err := chars[ringSettingsNotify].EnableNotifications(func(buf []byte) {
		link.push(linkmux.Settings, buf)
	}); err != nil {
		return nil, fmt.Errorf("enable settings notifications: %w", err)
	}
	return link, nil
}

// ringLink is a linkmux.Link over the ring's two characteristic pairs.
type ringLink struct {
	settings, control gattWriter
	clock             timeutil.Clock
	idle              time.Duration
	disconnect        func() error

	notes chan linkmux.Notification

	mu       sync.Mutex
	closed   bool
	watchdog timeutil.Timer
	dropped  int
}

func newRingLink(settings, control gattWriter, clock timeutil.Clock, idle time.Duration) *ringLink {
	l := &ringLink{
		settings: settings,
		control:  control,
		clock:    clock,
		idle:     idle,
		notes:    make(chan linkmux.Notification, notifyBuffer),
	}
	if idle > 0 {
		l.watchdog = clock.AfterFunc(idle, l.expire)
	}
	return l
}

func (l *ringLink) expire() {
	log.Printf("ble: ring silent for %v, dropping link", l.idle)
	l.Close()
}

// push is called from the adapter's notification goroutine. The buffer is
// reused by the adapter, so it is copied.
func (l *ringLink) push(ch linkmux.Channel, buf []byte) {
	data := append([]byte(nil), buf...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.watchdog != nil {
		l.watchdog.Reset(l.idle)
	}
	select {
	case l.notes <- linkmux.Notification{Channel: ch, Data: data, At: l.clock.Now()}:
	default:
		l.dropped++
		if l.dropped%100 == 1 {
			log.Printf("ble: notification buffer full, dropped %d frames", l.dropped)
		}
	}
}

func (l *ringLink) Write(ch linkmux.Channel, p []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return linkmux.ErrLinkClosed
	}
	w := l.settings
	if ch == linkmux.Control {
		w = l.control
	}
	n, err := w.WriteWithoutResponse(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return linkmux.ErrWriteFailed
	}
	return nil
}

func (l *ringLink) Notifications() <-chan linkmux.Notification {
	return l.notes
}

func (l *ringLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.watchdog != nil {
		l.watchdog.Stop()
	}
	close(l.notes)
	l.mu.Unlock()
	if l.disconnect != nil {
		return l.disconnect()
	}
	return nil
}
