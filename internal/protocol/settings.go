package protocol

import "fmt"

// SettingsFrame is a validated 16-byte settings channel frame. The last byte
// is the checksum of the first fifteen.
type SettingsFrame [SettingsFrameSize]byte

// Command returns the report or command identifier.
func (f SettingsFrame) Command() byte { return f[0] }

// Sub returns the second byte, which most reports use as a sub-type.
func (f SettingsFrame) Sub() byte { return f[1] }

// Payload returns the fifteen bytes covered by the checksum.
func (f SettingsFrame) Payload() []byte { return f[:SettingsPayloadMax] }

func (f SettingsFrame) String() string {
	return fmt.Sprintf("settings[%02x/%02x % x]", f[0], f[1], f[2:SettingsPayloadMax])
}

// DecodeSettingsFrame validates raw and returns it as a SettingsFrame.
func DecodeSettingsFrame(raw []byte) (SettingsFrame, error) {
	var f SettingsFrame
	if len(raw) != SettingsFrameSize {
		return f, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(raw), SettingsFrameSize)
	}
	if want := Checksum(raw[:SettingsPayloadMax]); raw[SettingsPayloadMax] != want {
		return f, fmt.Errorf("%w: got %#02x, want %#02x", ErrInvalidChecksum, raw[SettingsPayloadMax], want)
	}
	copy(f[:], raw)
	return f, nil
}

// EncodeSettingsFrame zero-pads payload to fifteen bytes and appends the
// checksum. Payloads longer than fifteen bytes are rejected before anything
// is written.
func EncodeSettingsFrame(payload []byte) ([]byte, error) {
	if len(payload) > SettingsPayloadMax {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLong, len(payload), SettingsPayloadMax)
	}
	out := make([]byte, SettingsFrameSize)
	copy(out, payload)
	out[SettingsPayloadMax] = Checksum(out[:SettingsPayloadMax])
	return out, nil
}

// MustEncodeSettingsFrame is EncodeSettingsFrame for payloads known to fit.
func MustEncodeSettingsFrame(payload []byte) []byte {
	out, err := EncodeSettingsFrame(payload)
	if err != nil {
		panic(err)
	}
	return out
}
