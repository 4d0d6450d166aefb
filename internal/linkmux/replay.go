package linkmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/pulsebed/internal/protocol"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

// ErrEmptyReplay is returned when a replay source holds no frames.
var ErrEmptyReplay = errors.New("replay source has no frames")

// ReadFrames parses a replay fixture: one frame per line in the serial
// bridge format ("S:<hex>" or "C:<hex>"), or bare hex for a settings frame.
// Blank lines and lines starting with # are skipped.
func ReadFrames(r io.Reader) ([]Notification, error) {
	var frames []Notification
	scan := bufio.NewScanner(r)
	line := 0
	for scan.Scan() {
		line++
		text := strings.TrimSpace(scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !strings.Contains(text, ":") {
			text = "S:" + text
		}
		n, ok := parseBridgeLine(text)
		if !ok {
			return nil, fmt.Errorf("line %d: cannot parse %q", line, text)
		}
		frames = append(frames, n)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, ErrEmptyReplay
	}
	return frames, nil
}

// ReplayLink plays a fixed list of frames in a loop, one per interval.
// Writes are accepted and ignored.
type ReplayLink struct {
	frames []Notification
	clock  timeutil.Clock

	mu     sync.Mutex
	next   int
	notes  chan Notification
	closed bool
	tick   *timeutil.Periodic
}

// NewReplayLink starts replaying frames every interval.
func NewReplayLink(frames []Notification, interval time.Duration, clock timeutil.Clock) *ReplayLink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &ReplayLink{
		frames: frames,
		clock:  clock,
		notes:  make(chan Notification, 64),
	}
	l.mu.Lock()
	l.tick = timeutil.Every(clock, interval, l.emit)
	l.mu.Unlock()
	return l
}

// ReplayDialer reads path once and replays its frames on every dial.
func ReplayDialer(path string, interval time.Duration, clock timeutil.Clock) (Dialer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	frames, err := ReadFrames(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	diagf("replay: %d frames from %s", len(frames), path)
	return func(ctx context.Context) (Link, error) {
		return NewReplayLink(frames, interval, clock), nil
	}, nil
}

func (l *ReplayLink) emit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	n := l.frames[l.next]
	l.next = (l.next + 1) % len(l.frames)
	n.At = l.clock.Now()
	select {
	case l.notes <- n:
	default:
	}
}

func (l *ReplayLink) Write(ch Channel, p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	tracef("replay: ignoring %s write %s", ch, protocol.FormatHex(p))
	return nil
}

func (l *ReplayLink) Notifications() <-chan Notification { return l.notes }

func (l *ReplayLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.tick.Stop()
	close(l.notes)
	return nil
}
