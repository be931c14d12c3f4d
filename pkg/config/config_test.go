package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Port != 18789 {
		t.Errorf("expected default gateway port 18789, got %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected loopback gateway host, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.OutboundQueueSize != 64 {
		t.Errorf("expected outbound queue size 64, got %d", cfg.Gateway.OutboundQueueSize)
	}
	if cfg.Voice.VAD.SpeechConfirmMs != 100 || cfg.Voice.VAD.SilenceConfirmMs != 1500 {
		t.Errorf("unexpected VAD defaults: %+v", cfg.Voice.VAD)
	}
	if cfg.Timeouts.PairingExpirySec != 3600 {
		t.Errorf("expected pairing expiry 3600s, got %d", cfg.Timeouts.PairingExpirySec)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfig on missing file: %v", err)
	}
	if cfg.Gateway.Port != 18789 {
		t.Errorf("missing file should produce defaults, got port %d", cfg.Gateway.Port)
	}
}

func TestLoadConfigMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"gateway":{"port":9999},"channels":{"telegram":{"enabled":true,"bot_token":"tok","policy":"allowlist","allow_from":["42"]}}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("expected file port 9999, got %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("unset fields should keep defaults, got host %s", cfg.Gateway.Host)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Policy != PolicyAllowlist {
		t.Errorf("telegram channel not merged: %+v", cfg.Channels.Telegram)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("HELIX_GATEWAY_PORT", "28789")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Port != 28789 {
		t.Errorf("env override not applied, got port %d", cfg.Gateway.Port)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Voice.Mode = "wake-word"
	cfg.Voice.WakeWords = []string{"helix", "computer"}

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Voice.Mode != "wake-word" || len(loaded.Voice.WakeWords) != 2 {
		t.Errorf("voice config did not survive round trip: %+v", loaded.Voice)
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	var s FlexibleStringSlice
	if err := json.Unmarshal([]byte(`"solo"`), &s); err != nil {
		t.Fatal(err)
	}
	if len(s) != 1 || s[0] != "solo" {
		t.Errorf("scalar form: got %v", s)
	}

	if err := json.Unmarshal([]byte(`["a","b"]`), &s); err != nil {
		t.Fatal(err)
	}
	if len(s) != 2 {
		t.Errorf("list form: got %v", s)
	}
}

func TestResolveRuntimePaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHelixHome, home)
	t.Setenv(EnvHelixConfig, "")

	paths := ResolveRuntimePaths()
	if paths.HomeDir != home {
		t.Errorf("expected home %s, got %s", home, paths.HomeDir)
	}
	if paths.ConfigPath != filepath.Join(home, "config.json") {
		t.Errorf("unexpected config path %s", paths.ConfigPath)
	}

	explicit := filepath.Join(home, "elsewhere", "cfg.json")
	t.Setenv(EnvHelixConfig, explicit)
	paths = ResolveRuntimePaths()
	if paths.ConfigPath != explicit {
		t.Errorf("HELIX_CONFIG should win, got %s", paths.ConfigPath)
	}
}
