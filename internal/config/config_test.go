package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("default config invalid: %+v", result.Errors)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != DefaultGamePort {
		t.Fatalf("port = %d, want %d", cfg.Server.Port, DefaultGamePort)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := `{"server": {"port": 40000, "max_connections": 8}, "transfer": {"window": 2}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(raw), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 40000 || cfg.Server.MaxConnections != 8 {
		t.Fatalf("overrides lost: %+v", cfg.Server)
	}
	if cfg.Transfer.Window != 2 {
		t.Fatalf("window = %d, want 2", cfg.Transfer.Window)
	}
	if cfg.Transfer.ChunkSize != 1024 {
		t.Fatalf("chunk size default lost: %d", cfg.Transfer.ChunkSize)
	}
	if cfg.Broadcast.Distance != 128 {
		t.Fatalf("distance default lost: %v", cfg.Broadcast.Distance)
	}
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateFlagsBadTransfer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transfer.Window = 0
	cfg.Transfer.ChunkSize = 8192

	result := Validate(cfg)
	if result.IsValid() {
		t.Fatalf("expected errors for zero window")
	}

	cfg.Transfer.Window = 16
	result = Validate(cfg)
	if !result.IsValid() {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
	found := false
	for _, w := range result.Warnings {
		if w.Field == "transfer.window" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected buffer warning for 16x8192 window")
	}
}

func TestValidateAPIPortCollision(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Port = cfg.Server.Port + 1
	if Validate(cfg).IsValid() {
		t.Fatalf("expected collision error")
	}
}

func TestUpdateServerField(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateServerField("max_players", 12); err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.GetServer().MaxPlayers != 12 {
		t.Fatalf("max_players = %d", cfg.GetServer().MaxPlayers)
	}
	if err := cfg.UpdateServerField("nope", 1); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Server.TickInterval(); got != time.Second/60 {
		t.Fatalf("tick = %v", got)
	}
	if got := cfg.Transfer.AckTimeout(); got != time.Second {
		t.Fatalf("ack timeout = %v", got)
	}
	if got := cfg.Server.HealthInterval(); got != time.Minute {
		t.Fatalf("health interval = %v", got)
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in           string
		hour, minute int
		ok           bool
	}{
		{"04:00", 4, 0, true},
		{"23:45", 23, 45, true},
		{"noon", 4, 0, false},
		{"25:00", 4, 0, false},
		{"", 4, 0, false},
	}
	for _, tt := range tests {
		h, m, ok := ParseClock(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseClock(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && (h != tt.hour || m != tt.minute) {
			t.Errorf("ParseClock(%q) = %d:%d, want %d:%d", tt.in, h, m, tt.hour, tt.minute)
		}
	}
}
