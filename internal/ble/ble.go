// Package ble connects to the ring and the vibration companion over
// Bluetooth Low Energy using tinygo.org/x/bluetooth.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// ErrCharacteristicMissing is returned when a connected device lacks a
// required characteristic.
var ErrCharacteristicMissing = errors.New("characteristic not found")

var (
	ringControlService = mustParse("de5bf728-d711-4e47-af26-65e3012a5dc7")
	ringControlWrite   = mustParse("de5bf72a-d711-4e47-af26-65e3012a5dc7")
	ringControlNotify  = mustParse("de5bf729-d711-4e47-af26-65e3012a5dc7")
	ringMainService    = mustParse("6e40fff0-b5a3-f393-e0a9-e50e24dcca9e")
	ringSettingsWrite  = mustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	ringSettingsNotify = mustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e")

	companionService  = mustParse("12345678-1234-5678-1234-56789abcdef0")
	companionMode     = mustParse("12345678-1234-5678-1234-56789abcdef1")
	companionStrength = mustParse("12345678-1234-5678-1234-56789abcdef2")
	companionInterval = mustParse("12345678-1234-5678-1234-56789abcdef3")
	companionBattery  = mustParse("12345678-1234-5678-1234-56789abcdef4")
)

var (
	enableOnce sync.Once
	enableErr  error
)

func mustParse(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("ble: bad uuid %q: %v", s, err))
	}
	return u
}

// gattWriter is the write half of a characteristic.
type gattWriter interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// gattReader is the read half of a characteristic.
type gattReader interface {
	Read(p []byte) (int, error)
}

// enable powers the adapter once per process.
func enable(adapter *bluetooth.Adapter) error {
	enableOnce.Do(func() {
		enableErr = adapter.Enable()
	})
	if enableErr != nil {
		return fmt.Errorf("enable adapter: %w", enableErr)
	}
	return nil
}

// advert is the part of a scan result used to pick a device.
type advert struct {
	name    string
	address string
	has     func(bluetooth.UUID) bool
}

// Match selects a device from advertisements. Address wins over Name;
// with neither set, Service must be advertised.
type Match struct {
	Address string
	Name    string // prefix, case-insensitive
	Service bluetooth.UUID
}

func (m Match) matches(a advert) bool {
	if m.Address != "" {
		return strings.EqualFold(m.Address, a.address)
	}
	if m.Name != "" {
		return strings.HasPrefix(strings.ToLower(a.name), strings.ToLower(m.Name))
	}
	return a.has != nil && a.has(m.Service)
}

// Scan returns the first advertisement that satisfies m.
func Scan(ctx context.Context, adapter *bluetooth.Adapter, m Match) (bluetooth.ScanResult, error) {
	if err := enable(adapter); err != nil {
		return bluetooth.ScanResult{}, err
	}
	found := make(chan bluetooth.ScanResult, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			ad := advert{name: r.LocalName(), address: r.Address.String(), has: r.HasServiceUUID}
			if !m.matches(ad) {
				return
			}
			select {
			case found <- r:
			default:
			}
			a.StopScan()
		})
	}()

	select {
	case r := <-found:
		<-errc
		return r, nil
	case err := <-errc:
		select {
		case r := <-found:
			return r, nil
		default:
		}
		if err == nil {
			err = errors.New("scan stopped")
		}
		return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", err)
	case <-ctx.Done():
		adapter.StopScan()
		<-errc
		return bluetooth.ScanResult{}, ctx.Err()
	}
}

// characteristics discovers the wanted characteristics of one service and
// returns them keyed by UUID.
func characteristics(svc bluetooth.DeviceService, want ...bluetooth.UUID) (map[bluetooth.UUID]bluetooth.DeviceCharacteristic, error) {
	chars, err := svc.DiscoverCharacteristics(want)
	if err != nil {
		return nil, fmt.Errorf("discover characteristics of %s: %w", svc.UUID(), err)
	}
	out := make(map[bluetooth.UUID]bluetooth.DeviceCharacteristic, len(chars))
	for _, c := range chars {
		out[c.UUID()] = c
	}
	return out, nil
}

func requireChars(chars map[bluetooth.UUID]bluetooth.DeviceCharacteristic, ids ...bluetooth.UUID) error {
	for _, id := range ids {
		if _, ok := chars[id]; !ok {
			return fmt.Errorf("%w: %s", ErrCharacteristicMissing, id)
		}
	}
	return nil
}
