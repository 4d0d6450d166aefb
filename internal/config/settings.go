package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/pulsebed/internal/companion"
	"github.com/banshee-data/pulsebed/internal/engine"
	"github.com/banshee-data/pulsebed/internal/protocol"
)

// DefaultConfigPath is the path to the canonical settings defaults file.
const DefaultConfigPath = "config/pulsebed.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Settings is the runtime configuration. The schema matches the
// /api/settings endpoint and the stored presets, so the same JSON works for
// startup, runtime updates and presets. Nil fields take defaults.
type Settings struct {
	// Engine controls
	Space      *float64 `json:"space,omitempty"`
	MinSegment *float64 `json:"min_segment,omitempty"` // seconds
	Explore    *bool    `json:"explore,omitempty"`
	Volume     *float64 `json:"volume,omitempty"`

	// Aggregation
	MotionAlpha  *float64 `json:"motion_alpha,omitempty"`
	HRStaleAfter *string  `json:"hr_stale_after,omitempty"` // duration string like "3s"
	HRWindow     *string  `json:"hr_window,omitempty"`

	// Ring session
	HRRequestInterval *string `json:"hr_request_interval,omitempty"`
	KeepAliveInterval *string `json:"keepalive_interval,omitempty"`
	HRRefreshAfter    *string `json:"hr_refresh_after,omitempty"`

	// Companion
	CompanionGap        *string `json:"companion_gap,omitempty"`
	BatteryPollInterval *string `json:"battery_poll_interval,omitempty"`

	// Seed makes scheduling reproducible when set.
	Seed *int64 `json:"seed,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// EmptySettings returns Settings with all fields nil.
func EmptySettings() *Settings {
	return &Settings{}
}

// DefaultSettings returns Settings with every field set to its default.
func DefaultSettings() *Settings {
	e := engine.DefaultSettings()
	return &Settings{
		Space:               ptrFloat64(e.Space),
		MinSegment:          ptrFloat64(e.MinSegment),
		Explore:             ptrBool(e.Explore),
		Volume:              ptrFloat64(e.Volume),
		MotionAlpha:         ptrFloat64(0.2),
		HRStaleAfter:        ptrString("3s"),
		HRWindow:            ptrString("5s"),
		HRRequestInterval:   ptrString("1500ms"),
		KeepAliveInterval:   ptrString("4s"),
		HRRefreshAfter:      ptrString("6s"),
		CompanionGap:        ptrString("50ms"),
		BatteryPollInterval: ptrString("10s"),
	}
}

// LoadSettings loads Settings from a JSON file with a .json extension, no
// larger than 1MB. Omitted fields stay nil and take defaults.
func LoadSettings(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes and validates a JSON settings document.
func ParseSettings(data []byte) (*Settings, error) {
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("settings too large: %d bytes (max %d): %w", len(data), maxFileSize, protocol.ErrPayloadTooLong)
	}
	cfg := EmptySettings()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultSettings loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. Panics if the file
// cannot be loaded, intended for test setup.
func MustLoadDefaultSettings() *Settings {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSettings(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that set values are in range and durations parse.
func (c *Settings) Validate() error {
	if c.Space != nil && (*c.Space < 0 || *c.Space > 1) {
		return fmt.Errorf("space must be between 0 and 1, got %f", *c.Space)
	}
	if c.Volume != nil && (*c.Volume < 0 || *c.Volume > 1) {
		return fmt.Errorf("volume must be between 0 and 1, got %f", *c.Volume)
	}
	if c.MinSegment != nil && *c.MinSegment < engine.MinSegmentFloor {
		return fmt.Errorf("min_segment must be at least %g, got %f", engine.MinSegmentFloor, *c.MinSegment)
	}
	if c.MotionAlpha != nil && (*c.MotionAlpha <= 0 || *c.MotionAlpha > 1) {
		return fmt.Errorf("motion_alpha must be in (0, 1], got %f", *c.MotionAlpha)
	}

	durations := []struct {
		name string
		v    *string
		min  time.Duration
	}{
		{"hr_stale_after", c.HRStaleAfter, 0},
		{"hr_window", c.HRWindow, 0},
		{"hr_request_interval", c.HRRequestInterval, 0},
		{"keepalive_interval", c.KeepAliveInterval, 0},
		{"hr_refresh_after", c.HRRefreshAfter, 0},
		{"companion_gap", c.CompanionGap, companion.DefaultGap},
		{"battery_poll_interval", c.BatteryPollInterval, 0},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
		if v < d.min {
			return fmt.Errorf("%s must be at least %s, got %s", d.name, d.min, *d.v)
		}
	}
	return nil
}

// Merge returns a copy of c with every non-nil field of o applied on top.
func (c *Settings) Merge(o *Settings) *Settings {
	out := *c
	if o == nil {
		return &out
	}
	if o.Space != nil {
		out.Space = o.Space
	}
	if o.MinSegment != nil {
		out.MinSegment = o.MinSegment
	}
	if o.Explore != nil {
		out.Explore = o.Explore
	}
	if o.Volume != nil {
		out.Volume = o.Volume
	}
	if o.MotionAlpha != nil {
		out.MotionAlpha = o.MotionAlpha
	}
	if o.HRStaleAfter != nil {
		out.HRStaleAfter = o.HRStaleAfter
	}
	if o.HRWindow != nil {
		out.HRWindow = o.HRWindow
	}
	if o.HRRequestInterval != nil {
		out.HRRequestInterval = o.HRRequestInterval
	}
	if o.KeepAliveInterval != nil {
		out.KeepAliveInterval = o.KeepAliveInterval
	}
	if o.HRRefreshAfter != nil {
		out.HRRefreshAfter = o.HRRefreshAfter
	}
	if o.CompanionGap != nil {
		out.CompanionGap = o.CompanionGap
	}
	if o.BatteryPollInterval != nil {
		out.BatteryPollInterval = o.BatteryPollInterval
	}
	if o.Seed != nil {
		out.Seed = o.Seed
	}
	return &out
}

// Engine returns the engine controls.
func (c *Settings) Engine() engine.Settings {
	return engine.Settings{
		Space:      c.GetSpace(),
		MinSegment: c.GetMinSegment(),
		Explore:    c.GetExplore(),
		Volume:     c.GetVolume(),
	}
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetSpace returns the space value or the default.
func (c *Settings) GetSpace() float64 {
	if c.Space == nil {
		return engine.DefaultSettings().Space
	}
	return *c.Space
}

// GetMinSegment returns the min_segment value or the default.
func (c *Settings) GetMinSegment() float64 {
	if c.MinSegment == nil {
		return engine.DefaultSettings().MinSegment
	}
	return *c.MinSegment
}

// GetExplore returns the explore value or the default.
func (c *Settings) GetExplore() bool {
	if c.Explore == nil {
		return false
	}
	return *c.Explore
}

// GetVolume returns the volume value or the default.
func (c *Settings) GetVolume() float64 {
	if c.Volume == nil {
		return engine.DefaultSettings().Volume
	}
	return *c.Volume
}

// GetMotionAlpha returns the motion_alpha value or the default.
func (c *Settings) GetMotionAlpha() float64 {
	if c.MotionAlpha == nil {
		return 0.2
	}
	return *c.MotionAlpha
}

// GetHRStaleAfter parses and returns hr_stale_after.
func (c *Settings) GetHRStaleAfter() time.Duration {
	return duration(c.HRStaleAfter, 3*time.Second)
}

// GetHRWindow parses and returns hr_window.
func (c *Settings) GetHRWindow() time.Duration {
	return duration(c.HRWindow, 5*time.Second)
}

// GetHRRequestInterval parses and returns hr_request_interval.
func (c *Settings) GetHRRequestInterval() time.Duration {
	return duration(c.HRRequestInterval, 1500*time.Millisecond)
}

// GetKeepAliveInterval parses and returns keepalive_interval.
func (c *Settings) GetKeepAliveInterval() time.Duration {
	return duration(c.KeepAliveInterval, 4*time.Second)
}

// GetHRRefreshAfter parses and returns hr_refresh_after.
func (c *Settings) GetHRRefreshAfter() time.Duration {
	return duration(c.HRRefreshAfter, 6*time.Second)
}

// GetCompanionGap parses and returns companion_gap.
func (c *Settings) GetCompanionGap() time.Duration {
	return duration(c.CompanionGap, companion.DefaultGap)
}

// GetBatteryPollInterval parses and returns battery_poll_interval.
func (c *Settings) GetBatteryPollInterval() time.Duration {
	return duration(c.BatteryPollInterval, 10*time.Second)
}

// GetSeed returns the seed and whether one was set.
func (c *Settings) GetSeed() (int64, bool) {
	if c.Seed == nil {
		return 0, false
	}
	return *c.Seed, true
}
