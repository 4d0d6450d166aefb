package protocol

import (
	"encoding/binary"
	"math"
)

// AccelScale converts a signed 12-bit accelerometer reading to g.
const AccelScale = 4.0 / 2048

// PPGPayload builds a raw PPG report carrying one sample.
func PPGPayload(sample int16) []byte {
	p := []byte{CmdRawStream, RawSubPPG, 0, 0}
	binary.BigEndian.PutUint16(p[2:], uint16(sample))
	return p
}

// AccelPayload builds a raw accelerometer report. Axes are in g, saturating
// at the 12-bit range, and travel in Y, Z, X order.
func AccelPayload(x, y, z float64) []byte {
	p := []byte{CmdRawStream, RawSubAccel}
	for _, g := range []float64{y, z, x} {
		hi, lo := encodeInt12(g)
		p = append(p, hi, lo)
	}
	return p
}

// DecodeInt12 reads a signed 12-bit value split as the high byte's eight
// bits followed by the low nibble of the next byte.
func DecodeInt12(hi, lo byte) int {
	v := int(hi)<<4 | int(lo&0x0F)
	if v&0x800 != 0 {
		v -= 0x1000
	}
	return v
}

func encodeInt12(g float64) (byte, byte) {
	raw := int(math.Round(g / AccelScale))
	raw = min(max(raw, -2048), 2047)
	u := uint16(raw) & 0x0FFF
	return byte(u >> 4), byte(u & 0x0F)
}
