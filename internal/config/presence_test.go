package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPresenceConfig(t *testing.T) {
	cfg := DefaultPresenceConfig()

	if cfg.GetInterval() != 5*time.Second {
		t.Errorf("GetInterval() = %v, want 5s", cfg.GetInterval())
	}
	if cfg.GetScanTimeout() != 5*time.Second {
		t.Errorf("GetScanTimeout() = %v, want interval", cfg.GetScanTimeout())
	}
	if cfg.GetReferencePower() != -59 {
		t.Errorf("GetReferencePower() = %d, want -59", cfg.GetReferencePower())
	}
	if cfg.GetDistanceCeiling() != 5.0 {
		t.Errorf("GetDistanceCeiling() = %f, want 5.0", cfg.GetDistanceCeiling())
	}
	if cfg.GetProximityThreshold() != 1.5 {
		t.Errorf("GetProximityThreshold() = %f, want 1.5", cfg.GetProximityThreshold())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEmptyConfigFallsBack(t *testing.T) {
	cfg := &PresenceConfig{}
	if cfg.GetSite() != "default" {
		t.Errorf("GetSite() = %q, want default", cfg.GetSite())
	}
	if cfg.GetBaudRate() != 115200 {
		t.Errorf("GetBaudRate() = %d, want 115200", cfg.GetBaudRate())
	}
	if cfg.GetInterval() != 5*time.Second {
		t.Errorf("GetInterval() = %v, want 5s", cfg.GetInterval())
	}
}

func TestLoadPresenceConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "presence.json")

	testJSON := `{
  "site": "lobby",
  "interval": "2s",
  "distance_ceiling": 3.5
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadPresenceConfig(configPath)
	if err != nil {
		t.Fatalf("LoadPresenceConfig failed: %v", err)
	}
	if cfg.GetSite() != "lobby" {
		t.Errorf("GetSite() = %q, want lobby", cfg.GetSite())
	}
	if cfg.GetInterval() != 2*time.Second {
		t.Errorf("GetInterval() = %v, want 2s", cfg.GetInterval())
	}
	if cfg.GetScanTimeout() != 2*time.Second {
		t.Errorf("GetScanTimeout() = %v, want 2s", cfg.GetScanTimeout())
	}
	if cfg.GetDistanceCeiling() != 3.5 {
		t.Errorf("GetDistanceCeiling() = %f, want 3.5", cfg.GetDistanceCeiling())
	}
	// omitted fields fall back
	if cfg.GetProximityThreshold() != 1.5 {
		t.Errorf("GetProximityThreshold() = %f, want 1.5", cfg.GetProximityThreshold())
	}
}

func TestLoadPresenceConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		filename string
		content  string
	}{
		{"wrong extension", "presence.yaml", `{}`},
		{"bad json", "bad.json", `{"interval":`},
		{"bad interval", "interval.json", `{"interval": "soon"}`},
		{"negative interval", "neg.json", `{"interval": "-1s"}`},
		{"positive reference power", "ref.json", `{"reference_power": 4}`},
		{"zero ceiling", "ceiling.json", `{"distance_ceiling": 0}`},
		{"negative threshold", "threshold.json", `{"proximity_threshold": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.filename)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			if _, err := LoadPresenceConfig(path); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestLoadPresenceConfig_Missing(t *testing.T) {
	if _, err := LoadPresenceConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultsFileMatchesDefaults(t *testing.T) {
	cfg, err := LoadPresenceConfig(filepath.Join("..", "..", DefaultConfigPath))
	if err != nil {
		t.Fatalf("failed to load %s: %v", DefaultConfigPath, err)
	}
	def := DefaultPresenceConfig()
	if cfg.GetInterval() != def.GetInterval() ||
		cfg.GetReferencePower() != def.GetReferencePower() ||
		cfg.GetDistanceCeiling() != def.GetDistanceCeiling() ||
		cfg.GetProximityThreshold() != def.GetProximityThreshold() ||
		cfg.GetBaudRate() != def.GetBaudRate() {
		t.Errorf("defaults file drifted from DefaultPresenceConfig: %+v", cfg)
	}
}
