package ble

import (
	"context"
	"errors"
	"fmt"
	"log"

	"tinygo.org/x/bluetooth"

	"github.com/banshee-data/pulsebed/internal/companion"
)

// DefaultCompanionName is the advertised name prefix of the companion.
const DefaultCompanionName = "BuzzBox"

// ConnectCompanion scans for the companion, connects and returns it as a
// companion.Transport. A missing battery characteristic is not an error;
// ReadBattery then reports companion.ErrNoBattery.
func ConnectCompanion(ctx context.Context, adapter *bluetooth.Adapter, m Match) (companion.Transport, error) {
	if m == (Match{}) {
		m.Name = DefaultCompanionName
	}
	found, err := Scan(ctx, adapter, m)
	if err != nil {
		return nil, err
	}
	log.Printf("ble: connecting to companion %s (%s)", found.LocalName(), found.Address.String())
	dev, err := adapter.Connect(found.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", found.Address.String(), err)
	}
	t, err := setupCompanion(dev.DiscoverServices)
	if err != nil {
		dev.Disconnect()
		return nil, err
	}
	t.disconnect = dev.Disconnect
	return t, nil
}

func setupCompanion(discover func([]bluetooth.UUID) ([]bluetooth.DeviceService, error)) (*companionTransport, error) {
	svcs, err := discover([]bluetooth.UUID{companionService})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%w: service %s", ErrCharacteristicMissing, companionService)
	}
	chars, err := characteristics(svcs[0], companionMode, companionStrength, companionInterval, companionBattery)
	if err != nil {
		return nil, err
	}
	if err := requireChars(chars, companionMode, companionStrength, companionInterval); err != nil {
		return nil, err
	}
	t := &companionTransport{
		writers: map[companion.Characteristic]gattWriter{
			companion.Mode:     chars[companionMode],
			companion.Strength: chars[companionStrength],
			companion.Interval: chars[companionInterval],
		},
	}
	if c, ok := chars[companionBattery]; ok {
		t.battery = c
	}
	return t, nil
}

// companionTransport implements companion.Transport over GATT.
type companionTransport struct {
	writers    map[companion.Characteristic]gattWriter
	battery    gattReader
	disconnect func() error
}

func (t *companionTransport) Write(c companion.Characteristic, v byte) error {
	w, ok := t.writers[c]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCharacteristicMissing, c)
	}
	n, err := w.WriteWithoutResponse([]byte{v})
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("short write to %s", c)
	}
	return nil
}

func (t *companionTransport) ReadBattery() (int, error) {
	if t.battery == nil {
		return 0, companion.ErrNoBattery
	}
	buf := make([]byte, 8)
	n, err := t.battery.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.New("empty battery reading")
	}
	return int(buf[0]), nil
}

func (t *companionTransport) Close() error {
	if t.disconnect != nil {
		return t.disconnect()
	}
	return nil
}
