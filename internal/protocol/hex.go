package protocol

import (
	"encoding/hex"
	"strings"
)

// ParseHex decodes a hex string, ignoring whitespace, colons and an optional
// 0x prefix ("a1 04 04", "0xA10404" and "a1:04:04" are equivalent).
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', ':', '-':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(s)
}

// FormatHex renders p as space separated lowercase hex bytes.
func FormatHex(p []byte) string {
	var b strings.Builder
	for i, v := range p {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(hex.EncodeToString([]byte{v}))
	}
	return b.String()
}
