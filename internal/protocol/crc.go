package protocol

// CRC16 computes the reflected CRC-16 (polynomial 0xA001, initial value
// 0xFFFF, no final XOR) used by control frames. An empty input yields 0xFFFF.
func CRC16(p []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range p {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// Checksum returns the 8-bit sum of p modulo 256.
func Checksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum += b
	}
	return sum
}
