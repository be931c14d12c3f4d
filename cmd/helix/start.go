package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/channels"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/daemon"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/gateway"
	"github.com/helixlabs/helix/pkg/hooks"
	"github.com/helixlabs/helix/pkg/logger"
	"github.com/helixlabs/helix/pkg/secrets"
	"github.com/helixlabs/helix/pkg/thinker"
	"github.com/helixlabs/helix/pkg/voice"
)

// localAdminID is the device identity the CLI uses to reach its own gateway.
const localAdminID = "local-admin"

const shutdownGrace = 10 * time.Second

func newStartCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the Helix gateway in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runStart(port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}

func runStart(port int) error {
	if port != 0 {
		// Flags ride the same override path as the environment.
		os.Setenv("HELIX_GATEWAY_PORT", strconv.Itoa(port))
	}

	paths := config.ResolveRuntimePaths()
	store, err := config.NewStore(paths)
	if err != nil {
		return exitWith(exitConfig, err)
	}
	defer store.Close()

	cfg := store.Snapshot()
	applyLogging(cfg.Logging)

	pidFile := daemon.NewPIDFile(paths.PIDPath)
	if err := pidFile.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return exitWith(exitAlreadyRunning, err)
		}
		return exitWith(exitFailure, err)
	}
	defer pidFile.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secretStore := secrets.Open(paths.SecretsPath)
	broker := bus.NewBroker()
	defer broker.Close()
	messageBus := bus.NewMessageBus(millisDefault(cfg.Timeouts.EnqueueMs, 2*time.Second))
	defer messageBus.Close()

	registry, err := devices.NewRegistry(paths.DevicesPath, broker, profileScopes(cfg, "default"))
	if err != nil {
		return exitWith(exitConfig, err)
	}
	registry.EnsureDevice(localAdminID, "local CLI", profileScopes(cfg, "admin"))

	codeExpiry := secondsDefault(cfg.Timeouts.PairingExpirySec, time.Hour)
	gate := devices.NewGate(registry, devices.NewCodeStore(codeExpiry), broker)

	hookEngine := hooks.NewEngine(broker,
		secondsDefault(cfg.Timeouts.HookCommandSec, 5*time.Second),
		cfg.Timeouts.HookCoalesceAt)
	if err := hookEngine.Configure(cfg.Hooks); err != nil {
		return exitWith(exitConfig, err)
	}
	hookEngine.Start(ctx)
	defer hookEngine.Stop()

	think, err := thinker.NewFromConfig(cfg, secretStore, broker)
	if err != nil {
		return exitWith(exitConfig, err)
	}

	var pipeline *voice.Pipeline
	if cfg.Voice.Mode != "" && cfg.Voice.Mode != "off" {
		pipeline, err = voice.NewFromConfig(cfg, secretStore, think, broker)
		if err != nil {
			return exitWith(exitConfig, err)
		}
		if err := pipeline.Start(ctx); err != nil {
			return exitWith(exitFailure, err)
		}
		defer pipeline.Stop()
	}

	manager, err := channels.NewManager(cfg, messageBus, broker, gate)
	if err != nil {
		return exitWith(exitConfig, err)
	}
	if err := manager.StartAll(ctx); err != nil {
		return exitWith(exitFailure, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = manager.StopAll(stopCtx)
	}()

	router := gateway.NewChatRouter(messageBus, broker, think, hookEngine)
	router.Start(ctx)
	defer router.Stop()

	server := gateway.NewServer(gateway.Deps{
		Store:    store,
		Broker:   broker,
		Registry: registry,
		Gate:     gate,
		Hooks:    hookEngine,
		Voice:    pipeline,
		Channels: manager,
	})
	if err := server.Start(ctx); err != nil {
		return exitWith(exitBind, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = server.Stop(stopCtx)
	}()

	if err := store.WatchFile(); err != nil {
		logger.WarnCF("cli", "Config file watching unavailable", map[string]any{"error": err.Error()})
	}

	logger.InfoCF("cli", "Helix running", map[string]any{
		"addr": server.Addr(), "pid": os.Getpid(), "config": paths.ConfigPath,
	})
	<-ctx.Done()
	logger.InfoC("cli", "Shutting down")
	return nil
}

func applyLogging(cfg config.LoggingConfig) {
	switch strings.ToLower(cfg.Level) {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
	logger.SetRedactionEnabled(cfg.Redaction)
	if cfg.File != "" {
		if err := logger.EnableFileLogging(cfg.File); err != nil {
			logger.WarnCF("cli", "File logging unavailable", map[string]any{"error": err.Error()})
		}
	}
}

func profileScopes(cfg *config.Config, profile string) []string {
	if p, ok := cfg.Auth.Profiles[profile]; ok && len(p.Scopes) > 0 {
		return p.Scopes
	}
	if profile == "admin" {
		return []string{"admin"}
	}
	return []string{"config.read", "node.read"}
}

func secondsDefault(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

func millisDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
