package main

import (
	"github.com/spf13/cobra"

	"github.com/helixlabs/helix/pkg/channels"
)

func newWhatsAppCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Manage the WhatsApp device link",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "link",
			Short: "Link WhatsApp by scanning a QR code",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return exitWith(exitConfig, err)
				}
				if err := channels.LinkWhatsApp(cfg.Channels.WhatsApp.DBPath); err != nil {
					return exitWith(exitFailure, err)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the linked WhatsApp device",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return exitWith(exitConfig, err)
				}
				if err := channels.WhatsAppStatus(cfg.Channels.WhatsApp.DBPath); err != nil {
					return exitWith(exitFailure, err)
				}
				return nil
			},
		},
	)
	return cmd
}
