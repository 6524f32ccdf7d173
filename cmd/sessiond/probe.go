package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report which namespace isolation primitive this host offers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			avail := newProber(cfg).Probe(cmd.Context())

			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), avail)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Isolation: %s\n", avail.Primitive)
			switch {
			case avail.HelperPath != "":
				fmt.Fprintf(cmd.OutOrStdout(), "Helper:    %s\n", avail.HelperPath)
			case avail.UnsharePath != "":
				fmt.Fprintf(cmd.OutOrStdout(), "Unshare:   %s\n", avail.UnsharePath)
			}
			if avail.Reason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Reason:    %s\n", avail.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}
