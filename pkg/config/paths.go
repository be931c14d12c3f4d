package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvHelixConfig = "HELIX_CONFIG"
	EnvHelixHome   = "HELIX_HOME"
)

type RuntimePaths struct {
	HomeDir     string
	ConfigPath  string
	SecretsPath string
	JournalPath string
	PIDPath     string
	DevicesPath string
}

func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvHelixConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvHelixHome)))
	if homeDir == "" {
		homeDir = defaultHelixHome()
	}

	return buildRuntimePaths(homeDir, filepath.Join(homeDir, "config.json"))
}

func defaultHelixHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".helix"
	}
	return filepath.Join(home, ".helix")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:     homeDir,
		ConfigPath:  configPath,
		SecretsPath: filepath.Join(homeDir, "secrets.json"),
		JournalPath: filepath.Join(homeDir, "config.journal"),
		PIDPath:     filepath.Join(homeDir, "helix.pid"),
		DevicesPath: filepath.Join(homeDir, "devices.json"),
	}
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandHome resolves a leading ~ in a configured path.
func ExpandHome(path string) string { return expandHome(path) }
