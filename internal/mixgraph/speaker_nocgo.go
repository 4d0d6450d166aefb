//go:build !((linux && cgo) || windows || darwin)

package mixgraph

// OutputAvailable indicates whether this build can drive a sound device.
// Audio output needs cgo for the native sound libraries.
const OutputAvailable = false

// Open reports that no sound device can be driven. The mixer still tracks
// every voice and automation point.
func (m *Mixer) Open() error { return ErrOutputUnavailable }

// Close is a no-op.
func (m *Mixer) Close() error { return nil }
