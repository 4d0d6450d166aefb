package linkmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. Reads block until data is added or the port is closed.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer
	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer
	// WriteError is returned by the next Write call if set
	WriteError error
	// ShortWrite makes Write report one byte fewer than it was given
	ShortWrite bool
	// Closed indicates whether Close was called
	Closed bool
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is available or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	return t.ReadBuffer.Read(p)
}

// Write captures p, optionally failing once with WriteError.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	n, err := t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// Written returns everything written to the port.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.WriteBuffer.String()
}

// FakeWrite is one frame written to a FakeLink.
type FakeWrite struct {
	Channel Channel
	Data    []byte
}

// FakeLink is an in-memory Link for tests. Push injects notifications and
// Writes returns what was sent.
type FakeLink struct {
	mu       sync.Mutex
	writes   []FakeWrite
	notes    chan Notification
	closed   bool
	WriteErr error
}

// NewFakeLink returns an open FakeLink.
func NewFakeLink() *FakeLink {
	return &FakeLink{notes: make(chan Notification, 256)}
}

func (f *FakeLink) Write(ch Channel, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrLinkClosed
	}
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.writes = append(f.writes, FakeWrite{Channel: ch, Data: append([]byte(nil), p...)})
	return nil
}

func (f *FakeLink) Notifications() <-chan Notification { return f.notes }

// Close drops the link, closing its notification channel.
func (f *FakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.notes)
	}
	return nil
}

// Push delivers a notification as if the ring had sent it.
func (f *FakeLink) Push(ch Channel, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.notes <- Notification{Channel: ch, Data: data}
	}
}

// Writes returns a copy of everything written so far.
func (f *FakeLink) Writes() []FakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeWrite(nil), f.writes...)
}

// Closed reports whether Close was called.
func (f *FakeLink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
