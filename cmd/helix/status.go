package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/daemon"
)

func newStatusCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runStatus(jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "machine-readable output")
	return cmd
}

func runStatus(jsonOut bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitWith(exitConfig, err)
	}

	paths := config.ResolveRuntimePaths()
	pidFile := daemon.NewPIDFile(paths.PIDPath)
	host, port := gatewayHostPort(cfg)

	status := map[string]any{
		"running": pidFile.Running(),
		"pid":     pidFile.Read(),
		"addr":    fmt.Sprintf("%s:%d", host, port),
	}

	if pidFile.Running() {
		if health, err := fetchHealth(host, port); err == nil {
			status["health"] = health
		}
		if nodes, err := adminCall(cfg, "node.list", nil); err == nil {
			status["nodes"] = nodes["nodes"]
		}
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	if status["running"] == true {
		fmt.Printf("helix: running (pid %v) on %s\n", status["pid"], status["addr"])
	} else {
		fmt.Println("helix: not running")
	}
	if health, ok := status["health"].(map[string]any); ok {
		fmt.Printf("  version:  %v\n", health["version"])
		fmt.Printf("  uptime:   %vs\n", health["uptime_sec"])
		fmt.Printf("  sessions: %v\n", health["sessions"])
	}
	if nodes, ok := status["nodes"].([]any); ok {
		for _, n := range nodes {
			node, _ := n.(map[string]any)
			switch node["type"] {
			case "voice":
				fmt.Printf("  node %-20v state=%v mode=%v\n", node["id"], node["state"], node["mode"])
			default:
				fmt.Printf("  node %-20v status=%v\n", node["id"], node["status"])
			}
		}
	}
	return nil
}

func fetchHealth(host string, port int) (map[string]any, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/health", host, port))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, err
	}
	return health, nil
}
