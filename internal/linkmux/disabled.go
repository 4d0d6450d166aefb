package linkmux

// NewDisabledMux returns a Mux for running without a ring (--ring=none).
// Run blocks until its context ends, writes fail with ErrNotConnected and
// subscribers only ever see their channel closed.
func NewDisabledMux() *Mux {
	return NewMux(nil, nil)
}

// Disabled reports whether the mux was built without a dialer.
func (m *Mux) Disabled() bool {
	return m.dial == nil
}
