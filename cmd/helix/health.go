package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the gateway health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return exitWith(exitConfig, err)
			}

			host, port := gatewayHostPort(cfg)
			health, err := fetchHealth(host, port)
			if err != nil {
				return exitWith(exitFailure, fmt.Errorf("gateway at %s:%d: %w", host, port, err))
			}
			fmt.Printf("ok: version=%v uptime=%vs sessions=%v\n",
				health["version"], health["uptime_sec"], health["sessions"])
			return nil
		},
	}
}
