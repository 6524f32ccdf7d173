package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-command/sessiond/internal/posture"
)

func newProductionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "production",
		Short: "Manage production posture",
	}

	load := func() (*posture.Posture, error) {
		cfg, err := opts.load()
		if err != nil {
			return nil, err
		}
		return posture.New(cfg.Posture.FlagPath, cfg.Posture.ServiceAccount), nil
	}

	var jsonOutput bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether production posture is active",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := load()
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]any{
					"enabled":         p.Enabled(),
					"service_account": p.ServiceAccount(),
					"flag_path":       p.FlagPath(),
				})
			}
			state := "disabled"
			if p.Enabled() {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Production:      %s\n", state)
			fmt.Fprintf(cmd.OutOrStdout(), "Service account: %s\n", p.ServiceAccount())
			fmt.Fprintf(cmd.OutOrStdout(), "Flag file:       %s\n", p.FlagPath())
			return nil
		},
	}
	status.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Enable production posture (requires the service account)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := load()
			if err != nil {
				return err
			}
			if err := p.Enable(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Production posture enabled")
			return nil
		},
	}

	disable := &cobra.Command{
		Use:   "disable",
		Short: "Disable production posture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := load()
			if err != nil {
				return err
			}
			if err := p.Disable(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Production posture disabled")
			return nil
		},
	}

	cmd.AddCommand(status, enable, disable)
	return cmd
}
