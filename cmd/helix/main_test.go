package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helixlabs/helix/pkg/config"
)

func minimalConfig() *config.Config {
	return &config.Config{Auth: config.AuthConfig{Profiles: map[string]config.AuthProfile{}}}
}

func TestExitErrorSurvivesWrapping(t *testing.T) {
	base := exitWith(exitAlreadyRunning, errors.New("pid 42 holds the lock"))
	wrapped := fmt.Errorf("start: %w", base)

	var ee *exitError
	require.True(t, errors.As(wrapped, &ee))
	require.Equal(t, exitAlreadyRunning, ee.code)
	require.Contains(t, wrapped.Error(), "pid 42")
}

func TestRootCommandSurface(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	require.Contains(t, names, "start")
	require.Contains(t, names, "status")
	require.Contains(t, names, "pair")
	require.Contains(t, names, "health")
	require.Contains(t, names, "whatsapp")
}

func TestProfileScopesFallback(t *testing.T) {
	cfg := minimalConfig()
	require.Equal(t, []string{"admin"}, profileScopes(cfg, "admin"))
	require.Equal(t, []string{"config.read", "node.read"}, profileScopes(cfg, "default"))
}
