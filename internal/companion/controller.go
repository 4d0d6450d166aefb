package companion

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/pulsebed/internal/monitoring"
	"github.com/banshee-data/pulsebed/internal/timeutil"
)

var (
	// ErrNotConnected is returned by a Transport that has lost its device.
	ErrNotConnected = errors.New("companion not connected")
	// ErrNoBattery is returned by ReadBattery when the device has no
	// battery characteristic.
	ErrNoBattery = errors.New("battery level not available")
	// ErrInvalidMode is returned by SetMode for modes other than 0..3.
	ErrInvalidMode = errors.New("invalid companion mode")
)

// Characteristic names one of the single-byte writable values.
type Characteristic int

const (
	Mode Characteristic = iota
	Strength
	Interval
)

func (c Characteristic) String() string {
	switch c {
	case Mode:
		return "mode"
	case Strength:
		return "strength"
	case Interval:
		return "interval"
	}
	return fmt.Sprintf("characteristic(%d)", int(c))
}

// Vibration modes.
const (
	ModeOff    = 0
	ModeOn     = 1
	ModeRandom = 2
	ModePulse  = 3
)

// Transport is one connected companion device. Calls are never concurrent;
// the Controller serializes them through its Queue.
type Transport interface {
	Write(c Characteristic, value byte) error
	ReadBattery() (int, error)
	Close() error
}

// Random is the source for random-mode durations.
type Random interface {
	Float64() float64
}

const (
	DefaultBatteryPoll = 10 * time.Second

	pulseLength   = 200 * time.Millisecond
	minBuzz       = 500 * time.Millisecond
	buzzSpread    = 9500 * time.Millisecond
	minSilence    = 1000 * time.Millisecond
	silenceSpread = 4000 * time.Millisecond
	cyclePause    = 100 * time.Millisecond
)

// Options configures a Controller. Zero values take defaults.
type Options struct {
	Clock       timeutil.Clock
	Rand        Random
	Gap         time.Duration
	BatteryPoll time.Duration

	// OnBattery receives every battery reading; ok is false when the level
	// is unknown.
	OnBattery func(percent int, ok bool)
	// OnError receives failures that have no caller to return to.
	OnError func(error)
	// Narrate receives human-readable status lines.
	Narrate func(string)
}

// RandomState describes the current random-mode cycle.
type RandomState struct {
	Active  bool          `json:"active"`
	Buzzing bool          `json:"buzzing"`
	On      time.Duration `json:"on_ms"`
	Off     time.Duration `json:"off_ms"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	Mode       int         `json:"mode"`
	Battery    int         `json:"battery"`
	BatteryOK  bool        `json:"battery_known"`
	Random     RandomState `json:"random"`
	Strength   *byte       `json:"strength,omitempty"`
	Interval   *byte       `json:"interval,omitempty"`
	Operations int         `json:"operations"`
}

// Controller drives one companion device.
type Controller struct {
	transport Transport
	queue     *Queue
	clock     timeutil.Clock
	rand      Random
	opts      Options

	mu        sync.Mutex
	mode      int
	battery   int
	batteryOK bool
	random    RandomState
	cycle     int // bumped whenever random mode stops
	timer     timeutil.Timer
	pulse     timeutil.Timer
	strength  *byte
	interval  *byte
	ops       int
	poll      *timeutil.Periodic
	closed    bool
}

// NewController takes ownership of t. It reads the battery level once and,
// when the device has one, keeps polling it.
func NewController(t Transport, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	opts.Gap = max(opts.Gap, DefaultGap)
	if opts.BatteryPoll <= 0 {
		opts.BatteryPoll = DefaultBatteryPoll
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	c := &Controller{
		transport: t,
		queue:     NewQueue(opts.Clock, opts.Gap),
		clock:     opts.Clock,
		rand:      opts.Rand,
		opts:      opts,
	}
	if err := c.readBattery(context.Background()); err != nil {
		if errors.Is(err, ErrNoBattery) {
			c.report(fmt.Errorf("battery characteristic not available: %w", err))
			return c
		}
		c.report(fmt.Errorf("failed to read battery level: %w", err))
	}
	c.mu.Lock()
	if !c.closed {
		c.poll = timeutil.Every(c.clock, opts.BatteryPoll, c.pollBattery)
	}
	c.mu.Unlock()
	return c
}

func (c *Controller) pollBattery() {
	if err := c.readBattery(context.Background()); err != nil {
		c.report(fmt.Errorf("battery polling failed: %w", err))
	}
}

// readBattery reports the result through OnBattery either way.
func (c *Controller) readBattery(ctx context.Context) error {
	var level int
	err := c.queue.Do(ctx, func() error {
		var err error
		level, err = c.transport.ReadBattery()
		return err
	})
	c.mu.Lock()
	c.ops++
	if err != nil {
		c.battery, c.batteryOK = 0, false
	} else {
		c.battery, c.batteryOK = level, true
	}
	c.mu.Unlock()
	if c.opts.OnBattery != nil {
		c.opts.OnBattery(level, err == nil)
	}
	return err
}

func (c *Controller) report(err error) {
	monitoring.Logf("companion: %v", err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

func (c *Controller) narrate(format string, args ...any) {
	if c.opts.Narrate != nil {
		c.opts.Narrate(fmt.Sprintf(format, args...))
	}
}

// write queues a single-byte write and waits for it.
func (c *Controller) write(ctx context.Context, ch Characteristic, v byte) error {
	err := c.queue.Do(ctx, func() error { return c.transport.Write(ch, v) })
	c.mu.Lock()
	c.ops++
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", ch, err)
	}
	return nil
}

// writeAsync queues a mode write from a timer callback; then runs after a
// successful write, inside the queue worker.
func (c *Controller) writeAsync(v byte, then func(), onErr func(error)) {
	err := c.queue.Enqueue(func() error {
		err := c.transport.Write(Mode, v)
		c.mu.Lock()
		c.ops++
		c.mu.Unlock()
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("write %s: %w", Mode, err))
			}
			return err
		}
		if then != nil {
			then()
		}
		return nil
	})
	if err != nil && onErr != nil {
		onErr(err)
	}
}

// SetMode switches vibration mode. Modes 0 and 1 are written directly and
// stop random cycling; mode 2 starts a client-side random cycle; mode 3
// buzzes once for 200ms.
func (c *Controller) SetMode(ctx context.Context, mode int) error {
	switch mode {
	case ModeOff, ModeOn:
		c.stopRandom()
		if err := c.write(ctx, Mode, byte(mode)); err != nil {
			c.report(err)
			return err
		}
	case ModeRandom:
		c.startRandom()
	case ModePulse:
		if err := c.buzzOnce(ctx); err != nil {
			c.report(err)
			return err
		}
	default:
		return fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.narrate("Companion mode %d", mode)
	return nil
}

func (c *Controller) buzzOnce(ctx context.Context) error {
	if err := c.write(ctx, Mode, 1); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pulse != nil {
		c.pulse.Stop()
	}
	c.pulse = c.clock.AfterFunc(pulseLength, func() {
		c.writeAsync(0, nil, c.report)
	})
	return nil
}

func (c *Controller) startRandom() {
	c.stopRandom()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.random.Active = true
	gen := c.cycle
	c.mu.Unlock()
	c.buzz(gen)
}

// currentLocked reports whether gen is still the live random cycle. Callers hold mu.
func (c *Controller) currentLocked(gen int) bool {
	return c.random.Active && c.cycle == gen && !c.closed
}

func (c *Controller) buzz(gen int) {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	on := minBuzz + time.Duration(c.rand.Float64()*float64(buzzSpread))
	off := minSilence + time.Duration(c.rand.Float64()*float64(silenceSpread))
	c.random.Buzzing = true
	c.random.On = on.Round(time.Millisecond)
	c.random.Off = off.Round(time.Millisecond)
	c.mu.Unlock()

	c.writeAsync(1, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.currentLocked(gen) {
			c.timer = c.clock.AfterFunc(on, func() { c.silence(gen, off) })
		}
	}, func(err error) { c.randomFailed(gen, err) })
}

func (c *Controller) silence(gen int, off time.Duration) {
	c.mu.Lock()
	live := c.currentLocked(gen)
	c.mu.Unlock()
	if !live {
		return
	}
	c.writeAsync(0, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.currentLocked(gen) {
			c.random.Buzzing = false
			c.timer = c.clock.AfterFunc(off+cyclePause, func() { c.buzz(gen) })
		}
	}, func(err error) { c.randomFailed(gen, err) })
}

func (c *Controller) randomFailed(gen int, err error) {
	c.mu.Lock()
	live := c.currentLocked(gen)
	c.mu.Unlock()
	if live {
		c.report(fmt.Errorf("random mode: %w", err))
		c.stopRandom()
	}
}

// stopRandom cancels the cycle and turns the motor off if it was running.
func (c *Controller) stopRandom() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	was := c.random.Active
	c.cycle++
	c.random = RandomState{}
	c.mu.Unlock()
	if was {
		c.writeAsync(0, nil, nil)
	}
}

// SetStrength writes the strength characteristic.
func (c *Controller) SetStrength(ctx context.Context, v byte) error {
	if err := c.write(ctx, Strength, v); err != nil {
		c.report(err)
		return err
	}
	c.mu.Lock()
	c.strength = &v
	c.mu.Unlock()
	return nil
}

// SetInterval writes the interval characteristic.
func (c *Controller) SetInterval(ctx context.Context, v byte) error {
	if err := c.write(ctx, Interval, v); err != nil {
		c.report(err)
		return err
	}
	c.mu.Lock()
	c.interval = &v
	c.mu.Unlock()
	return nil
}

// Status returns the controller's current view of the device.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Mode:       c.mode,
		Battery:    c.battery,
		BatteryOK:  c.batteryOK,
		Random:     c.random,
		Strength:   c.strength,
		Interval:   c.interval,
		Operations: c.ops,
	}
}

// Close stops random mode and polling, drains the queue and closes the
// transport. It is safe to call more than once.
func (c *Controller) Close() error {
	c.stopRandom()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pulse != nil && c.pulse.Stop()
	poll := c.poll
	c.mu.Unlock()
	poll.Stop()
	if pending {
		c.writeAsync(0, nil, nil)
	}
	c.queue.Close()
	return c.transport.Close()
}
