package protocol

// Settings channel framing.
const (
	SettingsFrameSize  = 16
	SettingsPayloadMax = SettingsFrameSize - 1
)

// Control channel framing: magic, type, length (LE), CRC16 (LE), payload.
const (
	ControlMagic      byte = 0xBC
	ControlHeaderSize      = 6
)

// First byte of a settings frame identifies the report or command.
const (
	CmdStatus      byte = 0x03
	CmdHeartRate   byte = 0x69
	CmdBatteryInfo byte = 0x73
	CmdRawStream   byte = 0xA1
)

// Sub-types of CmdRawStream reports.
const (
	RawSubPPG   byte = 0x01
	RawSubAccel byte = 0x03
)

// SubBatteryLevel is the sub-type of a CmdBatteryInfo report carrying the
// battery percentage.
const SubBatteryLevel byte = 0x0C

// Control frame types.
const (
	ControlHeartRateRefresh byte = 0x69
)

// Settings payloads the host sends to the ring.
var (
	PayloadQueryStatus  = []byte{CmdStatus}
	PayloadEnableRaw    = []byte{CmdRawStream, 0x04, 0x04}
	PayloadConfigureRaw = []byte{CmdRawStream, 0x03, 0x04}
)

// PayloadHeartRateRefresh is the control payload asking the ring to publish
// a fresh heart rate reading.
var PayloadHeartRateRefresh = []byte{0x01, 0x01}
