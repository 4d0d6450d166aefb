package protocol

import "errors"

var (
	ErrInvalidLength   = errors.New("invalid frame length")
	ErrInvalidChecksum = errors.New("settings frame checksum mismatch")
	ErrPayloadTooLong  = errors.New("data too long")
	ErrBadMagic        = errors.New("control frame magic byte mismatch")
	ErrInvalidCRC      = errors.New("control frame CRC mismatch")
)
