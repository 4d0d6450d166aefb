package monitoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pulsebed/internal/timeutil"
)

// DefaultFeedSize is the number of lines a Feed keeps when none is given.
const DefaultFeedSize = 200

// Line is one narration entry. Repeats of the same text collapse into one
// Line with a Count above one.
type Line struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Count int       `json:"count"`
}

func (l Line) String() string {
	if l.Count > 1 {
		return fmt.Sprintf("%s (x%d)", l.Text, l.Count)
	}
	return l.Text
}

// Feed is a bounded ring of recent narration lines with fan-out to
// subscribers. Slow subscribers miss lines rather than block Say.
type Feed struct {
	clock timeutil.Clock
	size  int

	mu          sync.Mutex
	lines       []Line
	subscribers map[string]chan Line
	closed      bool
}

// NewFeed returns a Feed keeping the last size lines.
func NewFeed(size int, clock timeutil.Clock) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Feed{
		clock:       clock,
		size:        size,
		subscribers: make(map[string]chan Line),
	}
}

// Say records a line and forwards it to the diagnostic logger.
func (f *Feed) Say(text string) {
	now := f.clock.Now()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	var line Line
	if n := len(f.lines); n > 0 && f.lines[n-1].Text == text {
		f.lines[n-1].Count++
		f.lines[n-1].At = now
		line = f.lines[n-1]
	} else {
		line = Line{At: now, Text: text, Count: 1}
		f.lines = append(f.lines, line)
		if len(f.lines) > f.size {
			f.lines = append(f.lines[:0:0], f.lines[len(f.lines)-f.size:]...)
		}
	}
	Logf("narrate: %s", line)

	for _, ch := range f.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Sayf formats and records a line.
func (f *Feed) Sayf(format string, args ...any) {
	f.Say(fmt.Sprintf(format, args...))
}

// Recent returns up to n of the newest lines, oldest first. n <= 0 returns
// every retained line.
func (f *Feed) Recent(n int) []Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 || n > len(f.lines) {
		n = len(f.lines)
	}
	out := make([]Line, n)
	copy(out, f.lines[len(f.lines)-n:])
	return out
}

// Subscribe returns a channel receiving every line from now on. The
// channel is closed by Unsubscribe or Close.
func (f *Feed) Subscribe() (string, <-chan Line) {
	id := uuid.NewString()
	ch := make(chan Line, 32)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return id, ch
	}
	f.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscriber.
func (f *Feed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subscribers[id]; ok {
		close(ch)
		delete(f.subscribers, id)
	}
}

// Close closes every subscriber. Later lines are dropped.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, id)
	}
}
