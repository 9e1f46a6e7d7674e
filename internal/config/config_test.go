package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatIntervalSeconds != 30 {
		t.Fatalf("heartbeat interval = %d, want default 30", cfg.HeartbeatIntervalSeconds)
	}
	if cfg.Registered() {
		t.Fatal("fresh config should not be registered")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")

	cfg := Default()
	cfg.DeviceID = "DIG0123456789A"
	cfg.PlayerID = 99
	cfg.ServerURL = "https://signage.example.com"
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DeviceID != "DIG0123456789A" {
		t.Fatalf("device_id = %q, want DIG0123456789A", got.DeviceID)
	}
	if got.PlayerID != 99 {
		t.Fatalf("player_id = %d, want 99", got.PlayerID)
	}
	if got.ServerURL != "https://signage.example.com" {
		t.Fatalf("server_url = %q", got.ServerURL)
	}
}

func TestSaveWritesBackToLoadedPath(t *testing.T) {
	// Registration state adopted at runtime (device id, player id) must
	// land in the file the next start will load, not the default path.
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("server_url: https://example.test\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.PlayerID = 42
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "player_id: 42") {
		t.Fatalf("loaded file missing adopted player id:\n%s", data)
	}
	if _, err := os.Stat(filepath.Join(home, ".digiplayer", "agent.yaml")); !os.IsNotExist(err) {
		t.Fatal("save leaked to the default config path")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.PlayerID != 42 {
		t.Fatalf("reloaded player_id = %d, want 42", got.PlayerID)
	}
}

func TestSaveSetsOwnerOnlyPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := SaveTo(Default(), path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("config file mode = %o, want 0600", perm)
	}
}

func TestLoadCorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("{{{ not yaml"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of corrupt file should recover, got error: %v", err)
	}
	if cfg.HeartbeatIntervalSeconds != 30 {
		t.Fatalf("corrupt file should yield defaults, heartbeat interval = %d", cfg.HeartbeatIntervalSeconds)
	}
}

func TestValidateClampsIntervals(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatIntervalSeconds = 1
	cfg.ProbeIntervalSeconds = 0
	cfg.FallbackGraceProbes = 0
	cfg.MaxConcurrentDownloads = 100

	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("Validate should report the clamped values")
	}
	if cfg.HeartbeatIntervalSeconds != 5 {
		t.Errorf("heartbeat interval clamped to %d, want 5", cfg.HeartbeatIntervalSeconds)
	}
	if cfg.ProbeIntervalSeconds != 2 {
		t.Errorf("probe interval clamped to %d, want 2", cfg.ProbeIntervalSeconds)
	}
	if cfg.FallbackGraceProbes != 1 {
		t.Errorf("grace probes clamped to %d, want 1", cfg.FallbackGraceProbes)
	}
	if cfg.MaxConcurrentDownloads != 32 {
		t.Errorf("max downloads clamped to %d, want 32", cfg.MaxConcurrentDownloads)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.DeviceID = "not-a-device-id"
	cfg.PlayerID = -4
	cfg.ServerURL = "ftp://wrong.example.com"
	cfg.APIPrefix = "api/v1"

	errs := cfg.Validate()
	if len(errs) < 4 {
		t.Fatalf("Validate found %d problems, want at least 4: %v", len(errs), errs)
	}
	if cfg.PlayerID != 0 {
		t.Errorf("negative player id should be cleared, got %d", cfg.PlayerID)
	}
	if cfg.APIPrefix != "/api/v1" {
		t.Errorf("api prefix = %q, want leading slash added", cfg.APIPrefix)
	}
}

func TestAPIURL(t *testing.T) {
	cfg := &Config{ServerURL: "https://example.com", APIPrefix: "/api/v1"}
	if got := cfg.APIURL(); got != "https://example.com/api/v1" {
		t.Fatalf("APIURL = %q", got)
	}
}
