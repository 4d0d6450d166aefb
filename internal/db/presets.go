package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/pulsebed/internal/config"
)

// ErrPresetNotFound is returned when no preset has the requested name.
var ErrPresetNotFound = errors.New("preset not found")

// Preset is a named settings document. At most one preset is active; it is
// applied at startup.
type Preset struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Settings  *config.Settings `json:"settings"`
	Active    bool             `json:"active"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

const presetColumns = `preset_id, name, settings, active, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPreset(s scanner) (*Preset, error) {
	var p Preset
	var raw string
	var active int
	if err := s.Scan(&p.ID, &p.Name, &raw, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	cfg, err := config.ParseSettings([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("preset %q: %w", p.Name, err)
	}
	p.Settings = cfg
	p.Active = active == 1
	return &p, nil
}

// GetPresets returns all presets ordered by name.
func (db *DB) GetPresets() ([]Preset, error) {
	rows, err := db.Query(`SELECT ` + presetColumns + ` FROM presets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query presets: %w", err)
	}
	defer rows.Close()

	var presets []Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan preset: %w", err)
		}
		presets = append(presets, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating presets: %w", err)
	}
	return presets, nil
}

// GetPreset returns the preset called name or ErrPresetNotFound.
func (db *DB) GetPreset(name string) (*Preset, error) {
	p, err := scanPreset(db.QueryRow(`SELECT `+presetColumns+` FROM presets WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preset: %w", err)
	}
	return p, nil
}

// ActivePreset returns the active preset, or nil if none is active.
func (db *DB) ActivePreset() (*Preset, error) {
	p, err := scanPreset(db.QueryRow(`SELECT ` + presetColumns + ` FROM presets WHERE active = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active preset: %w", err)
	}
	return p, nil
}

// SavePreset creates the preset or replaces the settings of an existing
// one with the same name. The active flag is left unchanged.
func (db *DB) SavePreset(name string, settings *config.Settings) error {
	if name == "" {
		return errors.New("preset name is required")
	}
	if settings == nil {
		settings = config.EmptySettings()
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("preset %q: %w", name, err)
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode preset settings: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO presets (name, settings) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET settings = excluded.settings, updated_at = unixepoch()`,
		name, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save preset: %w", err)
	}
	return nil
}

// ActivatePreset marks name as the only active preset and returns it.
func (db *DB) ActivatePreset(name string) (*Preset, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE presets SET active = 0 WHERE active = 1`); err != nil {
		return nil, fmt.Errorf("failed to clear active preset: %w", err)
	}
	result, err := tx.Exec(`UPDATE presets SET active = 1, updated_at = unixepoch() WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to activate preset: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return db.GetPreset(name)
}

// DeletePreset removes the preset called name.
func (db *DB) DeletePreset(name string) error {
	result, err := db.Exec(`DELETE FROM presets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete preset: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	return nil
}
