package linkmux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/pulsebed/internal/protocol"
)

func TestPortOptions_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr string
	}{
		{name: "defaults", in: PortOptions{}, want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}},
		{name: "long parity names", in: PortOptions{BaudRate: 9600, Parity: " even "}, want: PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "E"}},
		{name: "odd two stop bits", in: PortOptions{StopBits: 2, Parity: "o"}, want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 2, Parity: "O"}},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: "invalid data bits 9"},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: "invalid stop bits 3"},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: `unsupported parity "mark"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "E"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.EvenParity, StopBits: serial.TwoStopBits}, mode)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.NoParity, mode.Parity)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)

	_, err = PortOptions{Parity: "x"}.SerialMode()
	assert.Error(t, err)
}

func TestParseBridgeLine(t *testing.T) {
	tests := []struct {
		line string
		want Notification
		ok   bool
	}{
		{"S:6900004800000000000000000000B1", Notification{Channel: Settings, Data: []byte{0x69, 0, 0, 0x48, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xB1}}, true},
		{"c:bc 69 00 00 ff ff", Notification{Channel: Control, Data: []byte{0xBC, 0x69, 0, 0, 0xFF, 0xFF}}, true},
		{"  ", Notification{}, false},
		{"bridge ready", Notification{}, false},
		{"X:00", Notification{}, false},
		{"S:zz", Notification{}, false},
	}
	for _, tt := range tests {
		got, ok := parseBridgeLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestSerialLink_ReadsFrames(t *testing.T) {
	port := NewTestableSerialPort()
	link := NewSerialLink(port)
	defer link.Close()

	hr := protocol.MustEncodeSettingsFrame([]byte{0x69, 0x00, 0x00, 72})
	port.AddReadData([]byte("bridge v1.2 ready\r\n"))
	port.AddReadData([]byte(formatBridgeLine(Settings, hr)))
	port.AddReadData([]byte("C:BC690000FFFF\n"))

	select {
	case n := <-link.Notifications():
		assert.Equal(t, Settings, n.Channel)
		assert.Equal(t, hr, n.Data)
	case <-time.After(time.Second):
		t.Fatal("no settings notification")
	}
	select {
	case n := <-link.Notifications():
		assert.Equal(t, Control, n.Channel)
	case <-time.After(time.Second):
		t.Fatal("no control notification")
	}
}

func TestSerialLink_Write(t *testing.T) {
	port := NewTestableSerialPort()
	link := NewSerialLink(port)
	defer link.Close()

	require.NoError(t, link.Write(Settings, []byte{0x03, 0x00}))
	require.NoError(t, link.Write(Control, []byte{0xBC, 0x69}))
	assert.Equal(t, "S:0300\nC:BC69\n", port.Written())

	port.WriteError = errors.New("device gone")
	assert.EqualError(t, link.Write(Settings, []byte{1}), "device gone")

	port.ShortWrite = true
	assert.ErrorIs(t, link.Write(Settings, []byte{1}), ErrWriteFailed)
}

func TestSerialLink_CloseEndsNotifications(t *testing.T) {
	port := NewTestableSerialPort()
	link := NewSerialLink(port)
	require.NoError(t, link.Close())
	require.NoError(t, link.Close())
	assert.True(t, port.Closed)

	select {
	case _, ok := <-link.Notifications():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("notifications not closed")
	}
}
