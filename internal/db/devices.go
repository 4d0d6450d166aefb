package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeviceKind names the role of a registered device.
type DeviceKind string

const (
	DeviceRing      DeviceKind = "ring"
	DeviceCompanion DeviceKind = "companion"
)

// ErrDeviceNotFound is returned when no device has the requested ID.
var ErrDeviceNotFound = errors.New("device not found")

// Device is a peripheral that has connected at least once.
type Device struct {
	ID        string     `json:"id"`
	Kind      DeviceKind `json:"kind"`
	Address   string     `json:"address"`
	Name      string     `json:"name"`
	LastSeen  int64      `json:"last_seen"`
	Connects  int        `json:"connects"`
	CreatedAt int64      `json:"created_at"`
}

const deviceColumns = `device_id, kind, address, name, last_seen, connects, created_at`

func scanDevice(s scanner) (*Device, error) {
	var d Device
	var kind string
	if err := s.Scan(&d.ID, &kind, &d.Address, &d.Name, &d.LastSeen, &d.Connects, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Kind = DeviceKind(kind)
	return &d, nil
}

// RecordConnect registers a connection from the device of the given kind
// and address, creating it on first sight. A non-empty name replaces the
// stored one.
func (db *DB) RecordConnect(kind DeviceKind, address, name string, at time.Time) (*Device, error) {
	if address == "" {
		return nil, errors.New("device address is required")
	}
	_, err := db.Exec(`
		INSERT INTO devices (device_id, kind, address, name, last_seen, connects)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(kind, address) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
			last_seen = excluded.last_seen,
			connects = devices.connects + 1`,
		uuid.NewString(), string(kind), address, name, at.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to record %s connect: %w", kind, err)
	}

	d, err := scanDevice(db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE kind = ? AND address = ?`, string(kind), address))
	if err != nil {
		return nil, fmt.Errorf("failed to read device: %w", err)
	}
	return d, nil
}

// GetDevices returns every registered device, most recently seen first.
func (db *DB) GetDevices() ([]Device, error) {
	rows, err := db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY last_seen DESC, address ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// GetDevice returns the device with the given ID.
func (db *DB) GetDevice(id string) (*Device, error) {
	d, err := scanDevice(db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// DeleteDevice forgets a device.
func (db *DB) DeleteDevice(id string) error {
	result, err := db.Exec(`DELETE FROM devices WHERE device_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return nil
}
