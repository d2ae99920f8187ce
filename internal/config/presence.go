package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical presence defaults file.
const DefaultConfigPath = "config/presence.defaults.json"

// PresenceConfig holds the tunable parameters of the counting engine.
// Fields are pointers so a partial file leaves the rest at their defaults;
// the Get* methods supply the fallback.
type PresenceConfig struct {
	Site *string `json:"site,omitempty"`

	// Scan cadence, duration strings like "5s".
	Interval    *string `json:"interval,omitempty"`
	ScanTimeout *string `json:"scan_timeout,omitempty"`

	// Distance model and clustering.
	ReferencePower     *int     `json:"reference_power,omitempty"`
	DistanceCeiling    *float64 `json:"distance_ceiling,omitempty"`
	ProximityThreshold *float64 `json:"proximity_threshold,omitempty"`

	// Serial dongle
	BaudRate *int `json:"baud_rate,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultPresenceConfig returns a config with every field populated.
func DefaultPresenceConfig() *PresenceConfig {
	return &PresenceConfig{
		Site:               ptrString("default"),
		Interval:           ptrString("5s"),
		ReferencePower:     ptrInt(-59),
		DistanceCeiling:    ptrFloat64(5.0),
		ProximityThreshold: ptrFloat64(1.5),
		BaudRate:           ptrInt(115200),
	}
}

// LoadPresenceConfig reads a JSON config file. Omitted fields keep their
// defaults.
func LoadPresenceConfig(path string) (*PresenceConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &PresenceConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *PresenceConfig) Validate() error {
	if c.Interval != nil && *c.Interval != "" {
		d, err := time.ParseDuration(*c.Interval)
		if err != nil {
			return fmt.Errorf("invalid interval '%s': %w", *c.Interval, err)
		}
		if d <= 0 {
			return fmt.Errorf("interval must be positive, got %s", d)
		}
	}
	if c.ScanTimeout != nil && *c.ScanTimeout != "" {
		d, err := time.ParseDuration(*c.ScanTimeout)
		if err != nil {
			return fmt.Errorf("invalid scan_timeout '%s': %w", *c.ScanTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("scan_timeout must be positive, got %s", d)
		}
	}
	if c.ReferencePower != nil && *c.ReferencePower >= 0 {
		return fmt.Errorf("reference_power must be negative dBm, got %d", *c.ReferencePower)
	}
	if c.DistanceCeiling != nil && *c.DistanceCeiling <= 0 {
		return fmt.Errorf("distance_ceiling must be positive, got %f", *c.DistanceCeiling)
	}
	if c.ProximityThreshold != nil && *c.ProximityThreshold < 0 {
		return fmt.Errorf("proximity_threshold must be non-negative, got %f", *c.ProximityThreshold)
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	return nil
}

// GetSite returns the site name used in MQTT topics.
func (c *PresenceConfig) GetSite() string {
	if c.Site == nil || *c.Site == "" {
		return "default"
	}
	return *c.Site
}

// GetInterval parses and returns the Interval as a time.Duration.
func (c *PresenceConfig) GetInterval() time.Duration {
	if c.Interval == nil || *c.Interval == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(*c.Interval)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetScanTimeout returns the scan window, which defaults to the interval.
func (c *PresenceConfig) GetScanTimeout() time.Duration {
	if c.ScanTimeout == nil || *c.ScanTimeout == "" {
		return c.GetInterval()
	}
	d, err := time.ParseDuration(*c.ScanTimeout)
	if err != nil || d <= 0 {
		return c.GetInterval()
	}
	return d
}

func (c *PresenceConfig) GetReferencePower() int {
	if c.ReferencePower == nil {
		return -59
	}
	return *c.ReferencePower
}

func (c *PresenceConfig) GetDistanceCeiling() float64 {
	if c.DistanceCeiling == nil {
		return 5.0
	}
	return *c.DistanceCeiling
}

func (c *PresenceConfig) GetProximityThreshold() float64 {
	if c.ProximityThreshold == nil {
		return 1.5
	}
	return *c.ProximityThreshold
}

func (c *PresenceConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}
