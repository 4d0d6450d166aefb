// Package linkmux multiplexes a connection to a wearable ring. A Link
// carries frames in both directions on the ring's two characteristic
// pairs; the Mux keeps one Link alive, fans its notifications out to
// handlers and subscribers, and serialises writes.
package linkmux

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by writes while no link is up.
	ErrNotConnected = errors.New("ring not connected")
	// ErrLinkClosed is returned by writes on a closed link.
	ErrLinkClosed = errors.New("link closed")
	// ErrWriteFailed is returned when a transport accepts fewer bytes than sent.
	ErrWriteFailed = errors.New("failed to write to link")
)

// Channel names a characteristic pair on the ring.
type Channel int

const (
	// Settings carries 16-byte checksummed settings frames.
	Settings Channel = iota
	// Control carries CRC16 control frames.
	Control
)

func (c Channel) String() string {
	switch c {
	case Settings:
		return "settings"
	case Control:
		return "control"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// tag is the one-letter prefix used on the serial bridge and in tails.
func (c Channel) tag() string {
	if c == Control {
		return "C"
	}
	return "S"
}

// Notification is one frame received from the ring.
type Notification struct {
	Channel Channel
	Data    []byte
	At      time.Time
}

// Link is a live connection to a ring. Notifications is closed when the
// connection drops or Close is called.
type Link interface {
	Write(ch Channel, p []byte) error
	Notifications() <-chan Notification
	Close() error
}

// Dialer opens a Link. It blocks until connected or ctx is done.
type Dialer func(ctx context.Context) (Link, error)
