package linkmux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/pulsebed/internal/protocol"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialLink talks to a ring through a UART BLE bridge. Frames travel as
// text lines in both directions: "S:" or "C:" followed by the frame in hex.
// Lines the bridge prints for itself are logged and skipped.
type SerialLink struct {
	port  SerialPorter
	notes chan Notification
	done  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewSerialLink starts reading bridge lines from port.
func NewSerialLink(port SerialPorter) *SerialLink {
	l := &SerialLink{
		port:  port,
		notes: make(chan Notification, 64),
		done:  make(chan struct{}),
	}
	go l.read()
	return l
}

// SerialDialer opens the bridge at path on every dial.
func SerialDialer(path string, opts PortOptions) Dialer {
	return func(ctx context.Context) (Link, error) {
		mode, err := opts.SerialMode()
		if err != nil {
			return nil, err
		}
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		diagf("opened bridge %s at %d baud", path, mode.BaudRate)
		return NewSerialLink(port), nil
	}
}

func (l *SerialLink) read() {
	defer close(l.notes)
	scan := bufio.NewScanner(l.port)
	for scan.Scan() {
		n, ok := parseBridgeLine(scan.Text())
		if !ok {
			continue
		}
		select {
		case l.notes <- n:
		case <-l.done:
			return
		}
	}
	if err := scan.Err(); err != nil {
		diagf("bridge read: %v", err)
	}
}

func parseBridgeLine(line string) (Notification, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Notification{}, false
	}
	tag, body, found := strings.Cut(line, ":")
	if !found {
		diagf("bridge: %s", line)
		return Notification{}, false
	}
	var ch Channel
	switch strings.ToUpper(tag) {
	case "S":
		ch = Settings
	case "C":
		ch = Control
	default:
		diagf("bridge: %s", line)
		return Notification{}, false
	}
	data, err := protocol.ParseHex(body)
	if err != nil {
		opsf("bridge line %q: %v", line, err)
		return Notification{}, false
	}
	return Notification{Channel: ch, Data: data}, true
}

func formatBridgeLine(ch Channel, p []byte) string {
	return fmt.Sprintf("%s:%X\n", ch.tag(), p)
}

// Write sends p on ch through the bridge.
func (l *SerialLink) Write(ch Channel, p []byte) error {
	line := formatBridgeLine(ch, p)
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	n, err := l.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Notifications returns frames read from the bridge.
func (l *SerialLink) Notifications() <-chan Notification { return l.notes }

// Close closes the port, which ends the reader.
func (l *SerialLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.port.Close()
	})
	return l.closeErr
}
