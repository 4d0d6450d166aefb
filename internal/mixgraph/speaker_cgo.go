//go:build (linux && cgo) || windows || darwin

package mixgraph

import (
	"time"

	"github.com/gopxl/beep/v2/speaker"
)

// OutputAvailable indicates whether this build can drive a sound device.
const OutputAvailable = true

// Open initialises the speaker at the mixer's sample rate with a 100 ms
// buffer and starts rendering.
func (m *Mixer) Open() error {
	if err := speaker.Init(m.sr, m.sr.N(time.Second/10)); err != nil {
		return err
	}
	m.mu.Lock()
	m.origin = m.clock.Now().Add(-m.sr.D(m.pos))
	m.mu.Unlock()
	speaker.Play(m)
	return nil
}

// Close stops the speaker.
func (m *Mixer) Close() error {
	speaker.Clear()
	speaker.Close()
	return nil
}
