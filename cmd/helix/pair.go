package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPairCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage channel pairing requests",
	}
	cmd.AddCommand(newPairApproveCommand(), newPairListCommand())
	return cmd
}

func newPairApproveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Approve a pairing code issued on a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return exitWith(exitConfig, err)
			}

			result, err := adminCall(cfg, "pairing.approve", map[string]any{
				"channel": args[0],
				"code":    args[1],
			})
			if err != nil {
				return exitWith(exitFailure, err)
			}
			fmt.Printf("Paired %v as device %v\n", result["name"], result["id"])
			return nil
		},
	}
}

func newPairListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <channel>",
		Short: "List pending pairing codes for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return exitWith(exitConfig, err)
			}

			result, err := adminCall(cfg, "pairing.list", map[string]any{"channel": args[0]})
			if err != nil {
				return exitWith(exitFailure, err)
			}
			codes, _ := result["codes"].([]any)
			if len(codes) == 0 {
				fmt.Printf("No pending codes for %s\n", args[0])
				return nil
			}
			for _, c := range codes {
				code, _ := c.(map[string]any)
				fmt.Printf("%v  sender=%v  issued=%v\n", code["code"], code["sender"], code["issued_at"])
			}
			return nil
		},
	}
}
