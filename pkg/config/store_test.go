package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) (*Store, RuntimePaths) {
	t.Helper()
	home := t.TempDir()
	paths := buildRuntimePaths(home, filepath.Join(home, "config.json"))
	store, err := NewStore(paths)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store, paths
}

func TestStoreGet(t *testing.T) {
	store, _ := newTestStore(t)

	v, err := store.Get("gateway.port")
	if err != nil {
		t.Fatalf("Get gateway.port: %v", err)
	}
	if port, ok := v.(float64); !ok || port != 18789 {
		t.Errorf("expected 18789, got %v", v)
	}

	if _, err := store.Get("gateway.Port"); err == nil {
		t.Error("paths must be case-sensitive")
	}
	if _, err := store.Get("no.such.path"); err == nil {
		t.Error("expected not-found for missing path")
	}

	root, err := store.Get("")
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	if _, ok := root.(map[string]any)["voice"]; !ok {
		t.Error("root get should return the whole tree")
	}
}

func TestStorePatchScalar(t *testing.T) {
	store, paths := newTestStore(t)

	diff, err := store.Patch("gateway.port", 29000)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if len(diff.Modified) != 1 || diff.Modified[0] != "gateway.port" {
		t.Errorf("unexpected diff: %+v", diff)
	}
	if store.Snapshot().Gateway.Port != 29000 {
		t.Errorf("snapshot not updated: %d", store.Snapshot().Gateway.Port)
	}

	// The patch must be persisted, not just in memory.
	loaded, err := LoadConfig(paths.ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Gateway.Port != 29000 {
		t.Errorf("persisted port %d", loaded.Gateway.Port)
	}
}

func TestStorePatchMergeObject(t *testing.T) {
	store, _ := newTestStore(t)

	diff, err := store.Patch("voice", map[string]any{
		"mode": "wake-word",
		"vad":  map[string]any{"energy_threshold": 0.02},
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	cfg := store.Snapshot()
	if cfg.Voice.Mode != "wake-word" {
		t.Errorf("mode not merged: %s", cfg.Voice.Mode)
	}
	if cfg.Voice.VAD.EnergyThreshold != 0.02 {
		t.Errorf("nested merge lost: %v", cfg.Voice.VAD.EnergyThreshold)
	}
	// Sibling keys inside the merged object survive.
	if cfg.Voice.VAD.SilenceConfirmMs != 1500 {
		t.Errorf("sibling key clobbered: %d", cfg.Voice.VAD.SilenceConfirmMs)
	}

	for _, p := range diff.Modified {
		if p == "voice" {
			t.Error("diff should report leaf paths, not the merge root")
		}
	}
}

func TestStorePatchNullDeletes(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Patch("hooks.greet", map[string]any{"event": "agent:ready", "command": "say hi"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Snapshot().Hooks["greet"]; !ok {
		t.Fatal("hook not added")
	}

	diff, err := store.Patch("hooks.greet", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Snapshot().Hooks["greet"]; ok {
		t.Error("null patch should delete the key")
	}
	if len(diff.Removed) == 0 {
		t.Errorf("expected removed paths, got %+v", diff)
	}
}

func TestStoreDiffCarriesNoValues(t *testing.T) {
	store, _ := newTestStore(t)

	diff, err := store.Patch("channels.telegram", map[string]any{"bot_token": "123456:super-secret"})
	if err != nil {
		t.Fatal(err)
	}
	for _, paths := range [][]string{diff.Added, diff.Modified, diff.Removed} {
		for _, p := range paths {
			if p != "channels.telegram.bot_token" && p != "channels.telegram.enabled" {
				t.Errorf("unexpected diff path %q", p)
			}
		}
	}
}

func TestStoreJournalRedactsSecrets(t *testing.T) {
	store, paths := newTestStore(t)

	if _, err := store.Patch("channels.telegram", map[string]any{"bot_token": "123456:super-secret"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(paths.JournalPath)
	if err != nil {
		t.Fatalf("journal not written: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty journal")
	}
	if strings.Contains(string(data), "super-secret") {
		t.Error("journal leaked a secret value")
	}
}

func TestStoreOnChange(t *testing.T) {
	store, _ := newTestStore(t)

	var mu sync.Mutex
	var got *Diff
	store.OnChange(func(_ *Config, d *Diff) {
		mu.Lock()
		got = d
		mu.Unlock()
	})

	if _, err := store.Patch("gateway.port", 30000); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || len(got.Modified) != 1 {
		t.Errorf("listener not invoked with diff: %+v", got)
	}
}

func TestStoreConcurrentPatchesSerialize(t *testing.T) {
	store, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			if _, err := store.Patch("gateway.port", 20000+port); err != nil {
				t.Errorf("Patch: %v", err)
			}
		}(i)
	}
	wg.Wait()

	port := store.Snapshot().Gateway.Port
	if port < 20000 || port > 20015 {
		t.Errorf("lost update, final port %d", port)
	}
}
