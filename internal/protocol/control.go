package protocol

import (
	"encoding/binary"
	"fmt"
)

// ControlFrame is a decoded control channel frame.
type ControlFrame struct {
	Type    byte
	Payload []byte
	CRC     uint16
}

// EncodeControlFrame builds [0xBC, type, len_lo, len_hi, crc_lo, crc_hi,
// payload...] where the CRC covers only the payload.
func EncodeControlFrame(typ byte, payload []byte) []byte {
	out := make([]byte, ControlHeaderSize+len(payload))
	out[0] = ControlMagic
	out[1] = typ
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(payload)))
	binary.LittleEndian.PutUint16(out[4:6], CRC16(payload))
	copy(out[ControlHeaderSize:], payload)
	return out
}

// DecodeControlFrame parses and validates a control frame. Bytes beyond the
// declared payload length are ignored.
func DecodeControlFrame(raw []byte) (ControlFrame, error) {
	var f ControlFrame
	if len(raw) < ControlHeaderSize {
		return f, fmt.Errorf("%w: control header needs %d bytes, got %d", ErrInvalidLength, ControlHeaderSize, len(raw))
	}
	if raw[0] != ControlMagic {
		return f, fmt.Errorf("%w: %#02x", ErrBadMagic, raw[0])
	}
	n := int(binary.LittleEndian.Uint16(raw[2:4]))
	if len(raw) < ControlHeaderSize+n {
		return f, fmt.Errorf("%w: declared payload %d bytes, have %d", ErrInvalidLength, n, len(raw)-ControlHeaderSize)
	}
	f.Type = raw[1]
	f.CRC = binary.LittleEndian.Uint16(raw[4:6])
	f.Payload = append([]byte(nil), raw[ControlHeaderSize:ControlHeaderSize+n]...)
	if got := CRC16(f.Payload); got != f.CRC {
		return f, fmt.Errorf("%w: frame says %#04x, payload hashes to %#04x", ErrInvalidCRC, f.CRC, got)
	}
	return f, nil
}
